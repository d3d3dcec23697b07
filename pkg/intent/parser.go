// Package intent turns spoken-language payment commands into canonical
// payment intents. Parsing itself is delegated to an external service; this
// package wraps the call and resolves recipient names against the user's
// address book.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

// Parser produces a raw parsed intent from a natural-language command.
type Parser interface {
	Parse(ctx context.Context, text string) (*models.ParsedIntent, error)
}

// HTTPParser calls the external parser service.
type HTTPParser struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

// NewHTTPParser creates a parser client for the given endpoint.
func NewHTTPParser(endpoint string, timeout time.Duration, log logger.Logger) *HTTPParser {
	return &HTTPParser{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log,
	}
}

var _ Parser = (*HTTPParser)(nil)

// Parse posts the raw command text and decodes the parsed intent.
func (p *HTTPParser) Parse(ctx context.Context, text string) (*models.ParsedIntent, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode parse request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build parse request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parser call failed: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Error("Failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("parser returned status %d: %s", resp.StatusCode, string(respBytes))
	}

	var parsed models.ParsedIntent
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode parsed intent: %v", err)
	}
	return &parsed, nil
}
