package api

import (
	"encoding/json"
	"net/http"

	"github.com/voicepay-hq/voicepay/pkg/intent"
)

type parseIntentRequest struct {
	Text string `json:"text"`
}

type parseIntentResponse struct {
	Status       string      `json:"status"`
	ParsedIntent interface{} `json:"parsedIntent,omitempty"`
	Options      interface{} `json:"options,omitempty"`
	Detail       string      `json:"detail,omitempty"`
}

// handleParseIntent runs a spoken command through the parser and resolves
// the recipient against the caller's address book. Ambiguity and missing
// recipients come back as a status, not an error: the client turns them
// into a follow-up question.
func (s *Server) handleParseIntent(w http.ResponseWriter, r *http.Request) {
	var req parseIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.Text == "" {
		writeValidationError(w, "text is required")
		return
	}

	result, err := s.resolver.Resolve(r.Context(), callerAddress(r), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := parseIntentResponse{
		Status: string(result.Outcome),
		Detail: result.Detail,
	}
	if result.Intent != nil {
		resp.ParsedIntent = result.Intent
	}
	if len(result.Options) > 0 {
		resp.Options = result.Options
	}

	status := http.StatusOK
	if result.Outcome == intent.OutcomeInvalid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}
