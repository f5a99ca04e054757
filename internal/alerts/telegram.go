package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"hl-sentinel-bot/internal/config"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	sendTimeout     = 10 * time.Second
	queueSize       = 32
)

type message struct {
	title  string
	detail string
}

// Telegram pushes high-severity daemon events to an operator chat.
// Notify enqueues onto a bounded queue drained by a background worker;
// a full queue drops the message rather than stalling the tick.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	queue   chan message
	started atomic.Bool
	dropped atomic.Uint64
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: sendTimeout})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
	}
	chatID := strings.TrimSpace(cfg.ChatID)
	if chatID == "" {
		chatID = strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID"))
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		queue:   make(chan message, queueSize),
	}
}

// Start launches the delivery worker. Safe to call on a disabled client.
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || !t.enabled {
		return
	}
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.run(ctx)
}

// Notify queues a message for delivery. Never blocks.
func (t *Telegram) Notify(title, detail string) {
	if t == nil || !t.enabled {
		return
	}
	select {
	case t.queue <- message{title: title, detail: detail}:
	default:
		if t.dropped.Add(1) == 1 {
			t.log.Warn("telegram queue full, dropping alerts")
		}
	}
}

func (t *Telegram) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-t.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			text := m.title
			if m.detail != "" {
				text = m.title + "\n" + m.detail
			}
			if err := t.Send(sendCtx, text); err != nil {
				t.log.Warn("telegram send failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Send posts one message synchronously. The worker and the preflight
// check both use it.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}
