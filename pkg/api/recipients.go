package api

import (
	"encoding/json"
	"net/http"

	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

// handleListRecipients returns the caller's full address book.
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	recipients, err := sh.Recipients()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recipients == nil {
		recipients = []models.Recipient{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recipients": recipients})
}

type addRecipientRequest struct {
	Name   string `json:"name"`
	Wallet string `json:"wallet"`
	Note   string `json:"note,omitempty"`
}

// handleAddRecipient stores a new recipient and returns the updated list.
func (s *Server) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var req addRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}
	if !models.IsValidAddress(req.Wallet) {
		writeValidationError(w, "invalid wallet address")
		return
	}

	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := sh.AddRecipient(req.Name, req.Wallet, req.Note); err != nil {
		s.writeError(w, err)
		return
	}

	recipients, err := sh.Recipients()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"recipients": recipients,
	})
}

type updateRecipientRequest struct {
	OldWallet string  `json:"oldWallet"`
	NewWallet *string `json:"newWallet,omitempty"`
	NewName   *string `json:"newName,omitempty"`
	NewNote   *string `json:"newNote,omitempty"`
}

// handleUpdateRecipient applies a partial update keyed by the old wallet.
func (s *Server) handleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	var req updateRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if !models.IsValidAddress(req.OldWallet) {
		writeValidationError(w, "invalid oldWallet address")
		return
	}
	if req.NewWallet == nil && req.NewName == nil && req.NewNote == nil {
		writeValidationError(w, "no fields to update")
		return
	}

	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	updated, err := sh.UpdateRecipient(req.OldWallet, shard.RecipientPatch{
		NewWallet: req.NewWallet,
		NewName:   req.NewName,
		NewNote:   req.NewNote,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": updated,
	})
}

type deleteRecipientRequest struct {
	Wallet string `json:"wallet"`
}

// handleDeleteRecipient removes a recipient by wallet.
func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	var req deleteRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if !models.IsValidAddress(req.Wallet) {
		writeValidationError(w, "invalid wallet address")
		return
	}

	sh, err := s.shards.Shard(callerAddress(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sh.DeleteRecipient(req.Wallet); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
