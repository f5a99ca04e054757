package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/daemon"
)

// fakeProvider answers the Hyperliquid /info shapes the daemon polls.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		reqType, _ := req["type"].(string)
		w.Header().Set("Content-Type", "application/json")
		switch reqType {
		case "allMids":
			io.WriteString(w, `{"BTC":"60000","ETH":"3000"}`)
		case "clearinghouseState":
			io.WriteString(w, `{"assetPositions":[]}`)
		case "userFillsByTime":
			io.WriteString(w, `[]`)
		case "frontendOpenOrders":
			io.WriteString(w, `[]`)
		default:
			io.WriteString(w, `{}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	provider := fakeProvider(t)
	cfg := &config.Config{
		Account: config.AccountConfig{Address: "0xabc"},
		REST: config.RESTConfig{
			BaseURL:           provider.URL,
			Timeout:           5 * time.Second,
			RequestsPerSecond: 100,
			Burst:             100,
		},
		State: config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "state.db")},
		Daemon: config.DaemonConfig{
			Symbols:         []string{"BTC", "ETH"},
			TickInterval:    time.Second,
			EventBufferSize: 100,
		},
		Watch: config.WatchConfig{
			MaxActive:     50,
			DefaultExpiry: 7 * 24 * time.Hour,
			FearGreedLow:  20,
		},
		Positions: config.PositionsConfig{
			FillLookbackSlack: 2 * time.Minute,
			ProximityPct:      0.3,
			DedupCap:          200,
			ScalpLeverageMin:  10,
			ScalpTiersPct:     []float64{5, 10, 20},
			SwingTiersPct:     []float64{10, 25, 50},
			TierCooldown:      4 * time.Hour,
		},
		Breaker: config.BreakerConfig{MaxDailyLossUSD: 500},
		Wake:    config.WakeConfig{Cooldown: 15 * time.Minute, MaxPerHour: 6},
	}
	d, err := daemon.New(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("daemon: %v", err)
	}
	return New(cfg.Server, d, nil, zap.NewNop()).Router()
}

func TestHealthz(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestStatusShape(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var st daemon.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatalf("daemon reports running before Run")
	}
	if len(st.Symbols) != 2 {
		t.Fatalf("symbols = %v", st.Symbols)
	}
	if st.Paused {
		t.Fatalf("fresh breaker paused")
	}
}

func TestWatchpointLifecycleOverHTTP(t *testing.T) {
	router := testRouter(t)

	body := `{"symbol":"BTC","condition":"price_above","threshold":70000,"rationale":"resistance","expires_in":"48h"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/watchpoints", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == "" || created.Symbol != "BTC" {
		t.Fatalf("created = %+v", created)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/watchpoints", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var list struct {
		Watchpoints []json.RawMessage `json:"watchpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Watchpoints) != 1 {
		t.Fatalf("watchpoints = %d", len(list.Watchpoints))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/watchpoints/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/watchpoints/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
}

func TestWatchpointCreateAcceptsNegativeFundingThreshold(t *testing.T) {
	router := testRouter(t)
	body := `{"symbol":"ETH","condition":"funding_below","threshold":-0.0001,"rationale":"shorts paying"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/watchpoints", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Threshold != -0.0001 {
		t.Fatalf("threshold = %v", created.Threshold)
	}
}

func TestWatchpointCreateRejectsBadInput(t *testing.T) {
	router := testRouter(t)
	cases := []string{
		`{"symbol":"BTC","threshold":70000}`,
		`{"symbol":"BTC","condition":"price_above"}`,
		`{"symbol":"BTC","condition":"sideways","threshold":70000}`,
		`{"symbol":"BTC","condition":"price_above","threshold":70000,"expires_in":"soon"}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/watchpoints", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: code = %d", body, rec.Code)
		}
	}
}

func TestEventsLimitValidation(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
}

func TestWakeAccepted(t *testing.T) {
	router := testRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/wake", strings.NewReader(`{"reason":"operator check"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("wake = %d: %s", rec.Code, rec.Body.String())
	}
	// The wake itself runs asynchronously; give the goroutine a moment so
	// its resync against the fake provider finishes before teardown.
	time.Sleep(100 * time.Millisecond)
}
