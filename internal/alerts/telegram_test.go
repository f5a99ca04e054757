package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
)

type sentMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type fakeTelegramAPI struct {
	mu       sync.Mutex
	messages []sentMessage
	respond  string
}

func (f *fakeTelegramAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var m sentMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.messages = append(f.messages, m)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		resp := f.respond
		if resp == "" {
			resp = `{"ok":true}`
		}
		w.Write([]byte(resp))
	}
}

func (f *fakeTelegramAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newTestTelegram(t *testing.T, api *fakeTelegramAPI) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	cfg := config.TelegramConfig{Enabled: true, Token: "token123", ChatID: "42"}
	return newTelegram(cfg, zap.NewNop(), srv.URL, srv.Client())
}

func TestSendPostsToChat(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(t, api)

	if err := tg.Send(context.Background(), "breaker tripped"); err != nil {
		t.Fatalf("send: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.messages) != 1 {
		t.Fatalf("messages = %d", len(api.messages))
	}
	if api.messages[0].ChatID != "42" || api.messages[0].Text != "breaker tripped" {
		t.Fatalf("message = %+v", api.messages[0])
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	api := &fakeTelegramAPI{respond: `{"ok":false,"description":"chat not found"}`}
	tg := newTestTelegram(t, api)

	err := tg.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(t, api)
	if err := tg.Send(context.Background(), "  "); err == nil {
		t.Fatalf("empty message accepted")
	}

	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	missing := newTelegram(config.TelegramConfig{Enabled: true}, zap.NewNop(), srv.URL, srv.Client())
	if err := missing.Send(context.Background(), "hi"); err == nil {
		t.Fatalf("missing credentials accepted")
	}
}

func TestDisabledClientIsInert(t *testing.T) {
	api := &fakeTelegramAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	tg := newTelegram(config.TelegramConfig{Enabled: false, Token: "t", ChatID: "1"}, zap.NewNop(), srv.URL, srv.Client())

	tg.Start(context.Background())
	tg.Notify("title", "detail")
	if err := tg.Send(context.Background(), "text"); err != nil {
		t.Fatalf("disabled send: %v", err)
	}
	if api.count() != 0 {
		t.Fatalf("disabled client sent %d messages", api.count())
	}
}

func TestNotifyDeliversThroughWorker(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.Start(ctx)

	tg.Notify("watchpoint fired", "BTC above 70000")
	deadline := time.Now().Add(3 * time.Second)
	for api.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("message never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.messages[0].Text != "watchpoint fired\nBTC above 70000" {
		t.Fatalf("text = %q", api.messages[0].Text)
	}
}
