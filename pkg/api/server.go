// Package api is the client-facing control plane: wallet login, recipient
// address book, intent parsing, schedule setup and transaction history. It
// also mounts the HMAC-guarded executor endpoint the dispatcher calls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voicepay-hq/voicepay/pkg/dispatcher"
	"github.com/voicepay-hq/voicepay/pkg/executor"
	"github.com/voicepay-hq/voicepay/pkg/intent"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/shard"
	"github.com/voicepay-hq/voicepay/pkg/workerauth"
)

// Options configures the API server.
type Options struct {
	ListenAddr string

	JWTSecret string
	JWTTTL    time.Duration

	HMACSecret    string
	HMACClockSkew time.Duration

	// ContractAddress is returned by setup-recurring so the client can set
	// the ERC-20 allowance before the first fire.
	ContractAddress string
	// TokenAddress is the settlement token used in dispatch payloads.
	TokenAddress string
}

// Server wires the HTTP routes to the domain components.
type Server struct {
	opts       Options
	shards     *shard.Manager
	resolver   *intent.Resolver
	dispatcher *dispatcher.Dispatcher
	bridge     *executor.Bridge
	logger     logger.Logger
	httpServer *http.Server
}

// NewServer creates the control-plane server.
func NewServer(opts Options, shards *shard.Manager, resolver *intent.Resolver,
	disp *dispatcher.Dispatcher, bridge *executor.Bridge, log logger.Logger) *Server {
	return &Server{
		opts:       opts,
		shards:     shards,
		resolver:   resolver,
		dispatcher: disp,
		bridge:     bridge,
		logger:     log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/auth/nonce", s.handleNonce).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodPost)

	user := r.NewRoute().Subrouter()
	user.Use(s.requireUser)
	user.HandleFunc("/recipients", s.handleListRecipients).Methods(http.MethodGet)
	user.HandleFunc("/recipients", s.handleAddRecipient).Methods(http.MethodPost)
	user.HandleFunc("/recipients", s.handleUpdateRecipient).Methods(http.MethodPut)
	user.HandleFunc("/recipients", s.handleDeleteRecipient).Methods(http.MethodDelete)

	user.HandleFunc("/intent/parse-intent", s.handleParseIntent).Methods(http.MethodPost)

	user.HandleFunc("/transactions/setup-recurring", s.handleSetupRecurring).Methods(http.MethodPost)
	user.HandleFunc("/transactions/recurring", s.handleListRecurring).Methods(http.MethodGet)
	user.HandleFunc("/transactions/recurring", s.handleCancelRecurring).Methods(http.MethodDelete)
	user.HandleFunc("/transactions/send-once", s.handleSendOnce).Methods(http.MethodPost)
	user.HandleFunc("/transactions/store", s.handleStoreTransaction).Methods(http.MethodPost)
	user.HandleFunc("/transactions", s.handleListTransactions).Methods(http.MethodGet)

	// Dispatcher-to-executor path, guarded by the HMAC envelope rather
	// than a user token.
	r.Handle("/transactions/process-recurring",
		workerauth.Middleware(s.opts.HMACSecret, s.opts.HMACClockSkew, s.logger)(s.bridge.Handler())).
		Methods(http.MethodPost)

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.opts.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.InfoWith(logger.API, "Control plane listening on %s", s.opts.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// writeError maps a domain error onto a status code and error kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shard.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, shard.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "duplicate"})
	case errors.Is(err, shard.ErrAmbiguous):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "ambiguous_recipient"})
	case errors.Is(err, shard.ErrNoNonce), errors.Is(err, shard.ErrNonceExpired),
		errors.Is(err, shard.ErrInvalidSignature):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthorized"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error(), Code: "timeout"})
	default:
		s.logger.ErrorWith(logger.API, "Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

// writeValidationError reports a caller mistake.
func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "validation"})
}
