package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/voicepay-hq/voicepay/pkg/metrics"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

type contextKey string

const userAddressKey contextKey = "userAddress"

// userClaims is the JWT payload issued by the verify flow.
type userClaims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// issueToken mints a bearer token for an authenticated address.
func (s *Server) issueToken(address string) (string, error) {
	now := time.Now()
	claims := userClaims{
		Address: models.NormalizeAddress(address),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   models.NormalizeAddress(address),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.JWTTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.opts.JWTSecret))
}

// requireUser validates the bearer token and stashes the caller's address
// in the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &userClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.opts.JWTSecret), nil
		})
		if err != nil || !token.Valid || claims.Address == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or expired token", Code: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), userAddressKey, claims.Address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerAddress returns the authenticated user address from the context.
func callerAddress(r *http.Request) string {
	addr, _ := r.Context().Value(userAddressKey).(string)
	return addr
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}
