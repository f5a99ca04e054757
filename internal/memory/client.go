package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/watch"
)

// Client talks to the external knowledge store that owns watchpoint
// persistence and the long-term event log. Every call site treats it as
// best-effort; the daemon keeps running when the store is unreachable.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(cfg config.MemoryConfig, log *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount)
	if token := os.Getenv("MEMORY_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c, log: log}
}

func (c *Client) CreateWatchpoint(ctx context.Context, w watch.Watchpoint) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(w).
		Post("/watchpoints")
	if err != nil {
		return fmt.Errorf("create watchpoint: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("create watchpoint: status %d", resp.StatusCode())
	}
	return nil
}

type listResponse struct {
	Watchpoints []json.RawMessage `json:"watchpoints"`
}

// ListWatchpoints decodes entries one by one so a single malformed
// record does not hide the rest.
func (c *Client) ListWatchpoints(ctx context.Context) ([]watch.Watchpoint, error) {
	var out listResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/watchpoints")
	if err != nil {
		return nil, fmt.Errorf("list watchpoints: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list watchpoints: status %d", resp.StatusCode())
	}
	points := make([]watch.Watchpoint, 0, len(out.Watchpoints))
	for _, raw := range out.Watchpoints {
		var w watch.Watchpoint
		if err := json.Unmarshal(raw, &w); err != nil {
			c.log.Warn("skipping unparsable stored watchpoint", zap.Error(err))
			continue
		}
		points = append(points, w)
	}
	return points, nil
}

func (c *Client) UpdateWatchpointState(ctx context.Context, id string, s watch.State) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"state": string(s)}).
		Patch("/watchpoints/" + id)
	if err != nil {
		return fmt.Errorf("update watchpoint: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("update watchpoint: status %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) DeleteWatchpoint(ctx context.Context, id string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/watchpoints/" + id)
	if err != nil {
		return fmt.Errorf("delete watchpoint: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("delete watchpoint: status %d", resp.StatusCode())
	}
	return nil
}

// AppendEvent mirrors a daemon event into the store's long-term log.
func (c *Client) AppendEvent(ctx context.Context, eventType, title, detail string, at time.Time) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"type":   eventType,
			"title":  title,
			"detail": detail,
			"at":     at.UTC().Format(time.RFC3339),
		}).
		Post("/events")
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("append event: status %d", resp.StatusCode())
	}
	return nil
}

// Decay asks the store to run its relevance decay pass.
func (c *Client) Decay(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/decay")
	if err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("decay: status %d", resp.StatusCode())
	}
	return nil
}

// Ping verifies reachability at startup and in health checks.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/healthz")
	if err != nil {
		return fmt.Errorf("memory ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("memory ping: status %d", resp.StatusCode())
	}
	return nil
}
