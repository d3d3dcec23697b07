package dispatcher

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
	"github.com/voicepay-hq/voicepay/pkg/workerauth"
)

// ExecutorCaller posts a signed dispatch request to the executor bridge.
type ExecutorCaller interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) (*models.DispatchResponse, error)
}

// ExecutorClient is the HTTP implementation of ExecutorCaller. Every
// request carries the timestamped HMAC envelope over the exact body bytes
// sent on the wire.
type ExecutorClient struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	logger     logger.Logger
}

// NewExecutorClient creates a client for the executor bridge.
func NewExecutorClient(endpoint, secret string, log logger.Logger) *ExecutorClient {
	return &ExecutorClient{
		endpoint: endpoint,
		secret:   []byte(secret),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log,
	}
}

var _ ExecutorCaller = (*ExecutorClient)(nil)

// Dispatch signs and posts a dispatch request. A non-2xx reply with a
// decodable body is returned as a response, not an error, so the caller
// can read the bridge's error code.
func (c *ExecutorClient) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.DispatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch request: %v", err)
	}

	timestampMs := time.Now().UnixMilli()
	signature := workerauth.Sign(c.secret, timestampMs, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/transactions/process-recurring", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(workerauth.HeaderTimestamp, fmt.Sprintf("%d", timestampMs))
	httpReq.Header.Set(workerauth.HeaderSignature, signature)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch call failed: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("Failed to close response body: %v", closeErr)
		}
	}()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch response: %v", err)
	}

	var out models.DispatchResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBytes))
	}
	return &out, nil
}
