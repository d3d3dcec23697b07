package api

import (
	"encoding/json"
	"net/http"

	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

type nonceRequest struct {
	Address string `json:"address"`
}

type nonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// handleNonce issues a fresh login nonce and the exact message to sign.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if !models.IsValidAddress(req.Address) {
		writeValidationError(w, "invalid address")
		return
	}

	sh, err := s.shards.Shard(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	nonce, err := sh.IssueNonce()
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nonceResponse{
		Nonce:   nonce,
		Message: shard.LoginMessage(nonce),
	})
}

type verifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

// handleVerify checks the wallet signature over the login message and
// returns a bearer token. The nonce is consumed on success.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if !models.IsValidAddress(req.Address) {
		writeValidationError(w, "invalid address")
		return
	}
	if req.Signature == "" {
		writeValidationError(w, "signature is required")
		return
	}

	sh, err := s.shards.Shard(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := sh.VerifySignature(req.Signature); err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.issueToken(req.Address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Token:   token,
		Address: models.NormalizeAddress(req.Address),
	})
}
