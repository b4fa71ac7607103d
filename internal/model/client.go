// Package model wraps the five language-model endpoints behind one
// Predict interface. Each firm gets its own client with its own
// credentials; all five converge on the same decision schema, which the
// decision package validates — a model's raw shape never leaks past it.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"quorum-trader/pkg/types"
)

// Client produces a raw decision blob from a prompt.
type Client interface {
	ModelID() string
	Predict(ctx context.Context, prompt string) (json.RawMessage, error)
}

// HTTPClient talks to one model provider's completion endpoint.
type HTTPClient struct {
	modelID string
	http    *resty.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a model client for one firm.
func NewHTTPClient(modelID, endpoint, apiKey string, logger *slog.Logger) *HTTPClient {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(90 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPClient{
		modelID: modelID,
		http:    client,
		logger:  logger.With("component", "model", "model_id", modelID),
	}
}

// ModelID returns the provider model identifier.
func (c *HTTPClient) ModelID() string { return c.modelID }

type predictRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type predictResponse struct {
	Content json.RawMessage `json:"content"`
}

// Predict sends the prompt and returns the raw decision blob. Rate-limit
// responses surface as transient errors so the central retry policy backs
// off and retries them.
func (c *HTTPClient) Predict(ctx context.Context, prompt string) (json.RawMessage, error) {
	var result predictResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(predictRequest{Model: c.modelID, Prompt: prompt}).
		SetResult(&result).
		Post("/predict")
	if err != nil {
		return nil, &types.TransientError{Op: "predict " + c.modelID, Err: err}
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, &types.TransientError{Op: "predict " + c.modelID, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode() >= 500:
		return nil, &types.TransientError{Op: "predict " + c.modelID, Err: fmt.Errorf("status %d", resp.StatusCode())}
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("predict %s: status %d: %s", c.modelID, resp.StatusCode(), resp.String())
	}
	if len(result.Content) == 0 {
		return nil, &types.SchemaError{Field: "content", Reason: "empty model response"}
	}
	return result.Content, nil
}
