package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voicepay-hq/voicepay/pkg/dispatcher"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

// handleSetupRecurring creates a schedule from a canonical recurring intent.
// The response carries the contract address so the client can set the
// ERC-20 allowance before the first fire.
func (s *Server) handleSetupRecurring(w http.ResponseWriter, r *http.Request) {
	var req models.ParsedIntent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.Intent == "" {
		req.Intent = models.IntentRecurring
	}

	sched, err := s.dispatcher.CreateSchedule(callerAddress(r), req)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrIndexWrite):
		// Shard write landed; only the index mirror failed. No tick will
		// see the schedule until the index holds it, so the caller must
		// retry instead of trusting a success.
		s.logger.ErrorWith(logger.API, "Schedule %s created without index entry: %v", sched.ID, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":       false,
			"error":    "schedule stored but not yet schedulable, retry setup",
			"code":     "index_unavailable",
			"schedule": sched,
		})
		return
	case errors.Is(err, dispatcher.ErrInvalidSchedule):
		writeValidationError(w, err.Error())
		return
	default:
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"schedule":        sched,
		"contractAddress": s.opts.ContractAddress,
	})
}

// handleListRecurring returns the caller's schedules, newest first.
func (s *Server) handleListRecurring(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	schedules, err := sh.Schedules()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

type cancelRecurringRequest struct {
	ScheduleID string `json:"scheduleId"`
}

// handleCancelRecurring deletes a schedule. The index entry goes first so
// the dispatcher cannot fire it mid-delete.
func (s *Server) handleCancelRecurring(w http.ResponseWriter, r *http.Request) {
	var req cancelRecurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	id, err := uuid.Parse(req.ScheduleID)
	if err != nil {
		writeValidationError(w, "invalid scheduleId")
		return
	}

	if err := s.dispatcher.DeleteSchedule(callerAddress(r), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleListTransactions returns the caller's full history, newest first.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	transactions, err := sh.Transactions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

type storeTransactionRequest struct {
	Type     models.TransactionType   `json:"type"`
	Name     string                   `json:"name,omitempty"`
	Address  string                   `json:"address"`
	Amount   decimal.Decimal          `json:"amount"`
	Currency string                   `json:"currency"`
	Status   models.TransactionStatus `json:"status"`
	TxHash   string                   `json:"tx_hash,omitempty"`
	Note     string                   `json:"note,omitempty"`
}

// handleStoreTransaction appends a client-reported transaction record, used
// for transfers the wallet executed directly.
func (s *Server) handleStoreTransaction(w http.ResponseWriter, r *http.Request) {
	var req storeTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.Type != models.TransactionSendOnce && req.Type != models.TransactionRecurring {
		writeValidationError(w, "invalid transaction type")
		return
	}
	if req.Status != models.StatusCompleted && req.Status != models.StatusFailed {
		writeValidationError(w, "invalid transaction status")
		return
	}
	if !models.IsValidAddress(req.Address) {
		writeValidationError(w, "invalid address")
		return
	}
	if !req.Amount.IsPositive() {
		writeValidationError(w, "amount must be positive")
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = models.CurrencyUSDC
	}

	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	stored, err := sh.AppendTransaction(models.Transaction{
		Type:     req.Type,
		Name:     req.Name,
		Address:  models.NormalizeAddress(req.Address),
		Amount:   req.Amount,
		Currency: currency,
		Status:   req.Status,
		TxHash:   req.TxHash,
		Note:     req.Note,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stored":  stored,
	})
}

type sendOnceRequest struct {
	Name    string          `json:"name,omitempty"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Note    string          `json:"note,omitempty"`
}

// handleSendOnce executes an immediate pull payment through the executor
// and appends the outcome to the caller's history. Failures surface
// synchronously, unlike recurring fires.
func (s *Server) handleSendOnce(w http.ResponseWriter, r *http.Request) {
	var req sendOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if !models.IsValidAddress(req.Address) {
		writeValidationError(w, "invalid address")
		return
	}
	if !req.Amount.IsPositive() {
		writeValidationError(w, "amount must be positive")
		return
	}

	user := callerAddress(r)
	sh, err := s.shards.Shard(user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// A fresh UUID keeps the chain event attributable even though no
	// schedule exists for a one-shot send.
	sendID := uuid.New()
	dispatch := models.DispatchRequest{
		ScheduleID:  sendID.String(),
		UserAddress: user,
		Recipient:   models.NormalizeAddress(req.Address),
		Amount:      req.Amount.String(),
		Token:       s.opts.TokenAddress,
		Timestamp:   time.Now().UnixMilli(),
	}

	txHash, code, execErr := s.bridge.Execute(r.Context(), dispatch)

	record := models.Transaction{
		Type:     models.TransactionSendOnce,
		Name:     req.Name,
		Address:  models.NormalizeAddress(req.Address),
		Amount:   req.Amount,
		Currency: models.CurrencyUSDC,
		Note:     req.Note,
	}
	if execErr != nil {
		record.Status = models.StatusFailed
		record.Note = appendNote(req.Note, execErr.Error())
	} else {
		record.Status = models.StatusCompleted
		record.TxHash = txHash
	}
	if _, err := sh.AppendTransaction(record); err != nil {
		s.logger.ErrorWith(logger.API, "Failed to record send-once for %s: %v", user, err)
	}

	if execErr != nil {
		status := http.StatusBadGateway
		switch code {
		case "validation":
			status = http.StatusBadRequest
		case "chain_revert":
			status = http.StatusUnprocessableEntity
		case "timeout":
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, errorBody{Error: execErr.Error(), Code: code})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"txHash": txHash,
	})
}

func appendNote(note, detail string) string {
	if note == "" {
		return detail
	}
	return note + "; " + detail
}
