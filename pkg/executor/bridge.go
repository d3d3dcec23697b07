// Package executor implements the privileged bridge between the scheduler
// and the chain. It accepts HMAC-signed dispatch payloads, performs the
// single on-chain pullPayment, and reports the outcome. It never touches
// user shards; transaction history is appended by the caller.
package executor

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voicepay-hq/voicepay/pkg/chain"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/metrics"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

// Submitter performs the on-chain pull payment. *chain.Client is the
// production implementation; tests substitute their own.
type Submitter interface {
	PullPayment(ctx context.Context, from, to common.Address, amount *big.Int, scheduleID uuid.UUID) (string, error)
}

// submitTimeout bounds one submit-and-wait cycle against the chain.
const submitTimeout = 2 * time.Minute

// Error codes returned to the dispatcher.
const (
	CodeValidation     = "validation"
	CodeChainRevert    = "chain_revert"
	CodeTimeout        = "timeout"
	CodeRPCUnavailable = "rpc_unavailable"
)

// Bridge executes dispatch requests against the chain.
type Bridge struct {
	submitter Submitter
	logger    logger.Logger
}

// NewBridge creates a bridge around a submitter.
func NewBridge(submitter Submitter, log logger.Logger) *Bridge {
	return &Bridge{submitter: submitter, logger: log}
}

// Execute performs the on-chain pull for a validated request and returns
// the transaction hash. On failure the returned code classifies the error
// for the dispatcher's retry bookkeeping.
func (b *Bridge) Execute(ctx context.Context, req models.DispatchRequest) (string, string, error) {
	scheduleID, err := uuid.Parse(req.ScheduleID)
	if err != nil {
		return "", CodeValidation, err
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return "", CodeValidation, err
	}

	start := time.Now()
	txHash, err := b.submitter.PullPayment(
		ctx,
		common.HexToAddress(req.UserAddress),
		common.HexToAddress(req.Recipient),
		chain.ToBaseUnits(amount),
		scheduleID,
	)
	if err != nil {
		code := classifyChainError(err)
		metrics.ChainTransactions.WithLabelValues(code).Inc()
		b.logger.ErrorWith(logger.Executor, "pullPayment failed for schedule %s after %v: %v",
			req.ScheduleID, time.Since(start), err)
		return "", code, err
	}

	metrics.ChainTransactions.WithLabelValues("confirmed").Inc()
	return txHash, "", nil
}

// Handler serves POST /transactions/process-recurring. The worker-auth
// middleware has already verified the HMAC envelope by the time this runs.
func (b *Bridge) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, models.DispatchResponse{
				OK: false, Error: "malformed request body", Code: CodeValidation,
			})
			return
		}
		if err := req.Validate(); err != nil {
			writeResponse(w, http.StatusBadRequest, models.DispatchResponse{
				OK: false, Error: err.Error(), Code: CodeValidation,
			})
			return
		}

		// A dropped caller connection must not abandon a submitted chain
		// transaction, so the chain call runs under its own bound instead
		// of the request context.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), submitTimeout)
		defer cancel()

		txHash, code, err := b.Execute(ctx, req)
		if err != nil {
			writeResponse(w, statusForCode(code), models.DispatchResponse{
				OK: false, Error: err.Error(), Code: code,
			})
			return
		}

		writeResponse(w, http.StatusOK, models.DispatchResponse{OK: true, TxHash: txHash})
	}
}

// classifyChainError maps a chain submission error onto the error kinds the
// dispatcher understands.
func classifyChainError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return CodeChainRevert
	}

	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "timeout") {
		return CodeTimeout
	}

	return CodeRPCUnavailable
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeChainRevert:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeResponse(w http.ResponseWriter, status int, resp models.DispatchResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
