package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client talks to a Hyperliquid-style /info endpoint. All reads go through
// a client-side limiter so poll bursts cannot hammer the provider.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, rps float64, burst int, log *zap.Logger) *Client {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// AllMids returns the current mid price per symbol.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	resp, err := c.post(ctx, InfoRequest{Type: "allMids"})
	if err != nil {
		return nil, err
	}
	mids := parseAllMids(resp)
	if len(mids) == 0 {
		return nil, fmt.Errorf("allMids: no prices parsed")
	}
	return mids, nil
}

// AssetContexts returns funding, open interest, volume and previous-day
// price per perp symbol.
func (c *Client) AssetContexts(ctx context.Context) (map[string]AssetContext, error) {
	resp, err := c.post(ctx, InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return nil, err
	}
	ctxs := parseAssetContexts(resp)
	if len(ctxs) == 0 {
		return nil, fmt.Errorf("metaAndAssetCtxs: no contexts parsed")
	}
	return ctxs, nil
}

// Positions returns the account's open perp positions.
func (c *Client) Positions(ctx context.Context, user string) ([]Position, error) {
	if user == "" {
		return nil, fmt.Errorf("positions: user is required")
	}
	resp, err := c.post(ctx, InfoRequest{Type: "clearinghouseState", User: user})
	if err != nil {
		return nil, err
	}
	return parsePositions(resp), nil
}

// FillsSince returns the account's fills starting at startMS, newest last.
func (c *Client) FillsSince(ctx context.Context, user string, startMS int64) ([]Fill, error) {
	if user == "" {
		return nil, fmt.Errorf("fills: user is required")
	}
	if startMS <= 0 {
		return nil, fmt.Errorf("fills: start time must be > 0")
	}
	resp, err := c.post(ctx, map[string]any{
		"type":      "userFillsByTime",
		"user":      user,
		"startTime": startMS,
	})
	if err != nil {
		return nil, err
	}
	return parseFills(resp), nil
}

// TriggerOrders returns resting stop-loss and take-profit orders for the
// account. Non-trigger open orders are filtered out.
func (c *Client) TriggerOrders(ctx context.Context, user string) ([]TriggerOrder, error) {
	if user == "" {
		return nil, fmt.Errorf("trigger orders: user is required")
	}
	resp, err := c.post(ctx, InfoRequest{Type: "frontendOpenOrders", User: user})
	if err != nil {
		return nil, err
	}
	return parseTriggerOrders(resp), nil
}

// Candles returns recent OHLCV candles for a symbol.
func (c *Client) Candles(ctx context.Context, symbol, interval string, startMS int64) ([]Candle, error) {
	resp, err := c.post(ctx, map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      symbol,
			"interval":  interval,
			"startTime": startMS,
		},
	})
	if err != nil {
		return nil, err
	}
	return parseCandles(symbol, resp), nil
}

// Ping verifies the provider answers at all. Used by the health check and
// the preflight command.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.post(ctx, InfoRequest{Type: "allMids"})
	return err
}

func (c *Client) post(ctx context.Context, req any) (any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/info"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
