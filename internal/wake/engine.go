package wake

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Engine is the reasoning collaborator. It takes one composed text
// context and returns the engine's text response; whatever tool calls
// it performs internally are opaque here.
type Engine interface {
	Invoke(ctx context.Context, input string) (string, error)
}

// HTTPEngine invokes a reasoning endpoint over HTTP.
type HTTPEngine struct {
	client *resty.Client
}

type invokeRequest struct {
	Input string `json:"input"`
}

type invokeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &HTTPEngine{client: c}
}

func (e *HTTPEngine) Invoke(ctx context.Context, input string) (string, error) {
	var out invokeResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(invokeRequest{Input: input}).
		SetResult(&out).
		Post("/invoke")
	if err != nil {
		return "", fmt.Errorf("engine request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("engine status %d", resp.StatusCode())
	}
	if out.Error != "" {
		return "", fmt.Errorf("engine error: %s", out.Error)
	}
	return out.Output, nil
}

// NopEngine stands in when no engine endpoint is configured. Wakes are
// still rate-accounted and logged, the response is empty.
type NopEngine struct {
	log *zap.Logger
}

func NewNopEngine(log *zap.Logger) *NopEngine {
	return &NopEngine{log: log}
}

func (e *NopEngine) Invoke(_ context.Context, input string) (string, error) {
	e.log.Info("engine disabled, wake context dropped", zap.Int("context_bytes", len(input)))
	return "", nil
}
