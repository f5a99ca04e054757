package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-sentinel-bot/internal/hl/rest"
)

func TestConsumeChangedGatesOnWrites(t *testing.T) {
	s := NewSnapshot()
	if s.ConsumeChanged() {
		t.Fatalf("fresh snapshot reports changed")
	}
	s.SetPrices(map[string]float64{"BTC": 60000}, time.Now())
	if !s.ConsumeChanged() {
		t.Fatalf("price write not reported")
	}
	if s.ConsumeChanged() {
		t.Fatalf("changed flag not consumed")
	}
	s.SetSentiment(42, time.Now())
	if !s.ConsumeChanged() {
		t.Fatalf("sentiment write not reported")
	}
}

func TestSnapshotAccessors(t *testing.T) {
	s := NewSnapshot()
	s.SetPrices(map[string]float64{"BTC": 60000}, time.Now())
	s.SetDerivatives(map[string]rest.AssetContext{
		"BTC": {Symbol: "BTC", Funding: 0.0001, OpenInterestUSD: 1e9, DayVolumeUSD: 5e8, PrevDayPrice: 59000},
	}, time.Now())

	if v, ok := s.Price("BTC"); !ok || v != 60000 {
		t.Fatalf("price = %v, %v", v, ok)
	}
	if v, ok := s.Funding("BTC"); !ok || v != 0.0001 {
		t.Fatalf("funding = %v, %v", v, ok)
	}
	if v, ok := s.PrevDayPrice("BTC"); !ok || v != 59000 {
		t.Fatalf("prev day = %v, %v", v, ok)
	}
	if _, ok := s.Price("ETH"); ok {
		t.Fatalf("unknown symbol answered")
	}
	if _, ok := s.Sentiment(); ok {
		t.Fatalf("sentiment reported before any write")
	}
}

func TestViewIsACopy(t *testing.T) {
	s := NewSnapshot()
	s.SetPrices(map[string]float64{"BTC": 60000}, time.Now())
	v := s.View()
	v.Prices["BTC"] = 1

	if got, _ := s.Price("BTC"); got != 60000 {
		t.Fatalf("view write leaked into snapshot: %v", got)
	}
}

func TestFearGreedParsesValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fng/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"value":"25","value_classification":"Extreme Fear","timestamp":"1700000000"}]}`))
	}))
	defer srv.Close()

	c := NewSentimentClient(srv.URL, 5*time.Second)
	v, err := c.FearGreed(context.Background())
	if err != nil {
		t.Fatalf("fear greed: %v", err)
	}
	if v != 25 {
		t.Fatalf("value = %v, want 25", v)
	}
}

func TestFearGreedRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty data", `{"data":[]}`},
		{"bad value", `{"data":[{"value":"extreme"}]}`},
		{"out of range", `{"data":[{"value":"130"}]}`},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(tc.body))
		}))
		c := NewSentimentClient(srv.URL, 5*time.Second)
		if _, err := c.FearGreed(context.Background()); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
		srv.Close()
	}
}
