package workerauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/metrics"
)

// maxBodyBytes bounds the request body read for signature verification.
const maxBodyBytes = 1 << 20

// Middleware verifies the worker-auth envelope on every request before the
// wrapped handler runs. The body is re-buffered so the handler can read it
// again.
func Middleware(secret string, skew time.Duration, log logger.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				reject(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
				return
			}

			tsHeader := r.Header.Get(HeaderTimestamp)
			sigHeader := r.Header.Get(HeaderSignature)
			if tsHeader == "" || sigHeader == "" {
				metrics.HMACRejections.WithLabelValues("missing_headers").Inc()
				reject(w, http.StatusForbidden, "missing worker auth headers", "forbidden")
				return
			}

			timestampMs, err := strconv.ParseInt(tsHeader, 10, 64)
			if err != nil {
				metrics.HMACRejections.WithLabelValues("bad_timestamp").Inc()
				reject(w, http.StatusForbidden, "malformed timestamp", "forbidden")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				reject(w, http.StatusBadRequest, "failed to read body", "validation")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := Verify(key, timestampMs, body, sigHeader, skew, time.Now()); err != nil {
				reason := "bad_signature"
				if errors.Is(err, ErrStaleTimestamp) {
					reason = "stale_timestamp"
				}
				metrics.HMACRejections.WithLabelValues(reason).Inc()
				log.NoticeWith(logger.Auth, "Rejected worker request from %s: %v", r.RemoteAddr, err)
				reject(w, http.StatusForbidden, "worker authentication failed", "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":    false,
		"error": msg,
		"code":  code,
	})
}
