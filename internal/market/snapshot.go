package market

import (
	"sync"
	"time"

	"hl-sentinel-bot/internal/hl/rest"
)

// Snapshot is the daemon's point-in-time market cache: per-symbol prices
// and derivatives fields plus a global sentiment index. Pollers overwrite
// it in place; no history is retained here.
type Snapshot struct {
	mu sync.RWMutex

	prices          map[string]float64
	funding         map[string]float64
	openInterestUSD map[string]float64
	dayVolumeUSD    map[string]float64
	prevDayPrice    map[string]float64

	sentiment    float64
	hasSentiment bool
	sentimentAt  time.Time

	lastPricePoll time.Time
	lastDerivPoll time.Time

	changed bool
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		prices:          make(map[string]float64),
		funding:         make(map[string]float64),
		openInterestUSD: make(map[string]float64),
		dayVolumeUSD:    make(map[string]float64),
		prevDayPrice:    make(map[string]float64),
	}
}

func (s *Snapshot) SetPrices(mids map[string]float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, price := range mids {
		s.prices[symbol] = price
	}
	s.lastPricePoll = at
	s.changed = true
}

func (s *Snapshot) SetDerivatives(ctxs map[string]rest.AssetContext, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, ctx := range ctxs {
		s.funding[symbol] = ctx.Funding
		s.openInterestUSD[symbol] = ctx.OpenInterestUSD
		s.dayVolumeUSD[symbol] = ctx.DayVolumeUSD
		if ctx.PrevDayPrice > 0 {
			s.prevDayPrice[symbol] = ctx.PrevDayPrice
		}
	}
	s.lastDerivPoll = at
	s.changed = true
}

func (s *Snapshot) SetSentiment(value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentiment = value
	s.hasSentiment = true
	s.sentimentAt = at
	s.changed = true
}

// ConsumeChanged reports whether any poller wrote since the last call and
// clears the flag. The scheduler uses it to gate evaluation work.
func (s *Snapshot) ConsumeChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.changed
	s.changed = false
	return changed
}

func (s *Snapshot) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prices[symbol]
	return v, ok
}

func (s *Snapshot) Funding(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.funding[symbol]
	return v, ok
}

func (s *Snapshot) OpenInterestUSD(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.openInterestUSD[symbol]
	return v, ok
}

func (s *Snapshot) DayVolumeUSD(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.dayVolumeUSD[symbol]
	return v, ok
}

func (s *Snapshot) PrevDayPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prevDayPrice[symbol]
	return v, ok
}

func (s *Snapshot) Sentiment() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sentiment, s.hasSentiment
}

// View is an immutable copy used for wake context assembly and the status
// surface.
type View struct {
	Prices          map[string]float64
	Funding         map[string]float64
	OpenInterestUSD map[string]float64
	DayVolumeUSD    map[string]float64
	PrevDayPrice    map[string]float64
	Sentiment       float64
	HasSentiment    bool
	LastPricePoll   time.Time
	LastDerivPoll   time.Time
}

func (s *Snapshot) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Prices:          copyMap(s.prices),
		Funding:         copyMap(s.funding),
		OpenInterestUSD: copyMap(s.openInterestUSD),
		DayVolumeUSD:    copyMap(s.dayVolumeUSD),
		PrevDayPrice:    copyMap(s.prevDayPrice),
		Sentiment:       s.sentiment,
		HasSentiment:    s.hasSentiment,
		LastPricePoll:   s.lastPricePoll,
		LastDerivPoll:   s.lastDerivPoll,
	}
}

func copyMap(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
