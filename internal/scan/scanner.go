package scan

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-sentinel-bot/internal/config"
	"hl-sentinel-bot/internal/hl/rest"

	"go.uber.org/zap"
)

type pricePoint struct {
	at    time.Time
	price float64
}

type derivPoint struct {
	at        time.Time
	funding   float64
	oiUSD     float64
	volumeUSD float64
}

type liqPoint struct {
	at  time.Time
	usd float64
}

type bookPoint struct {
	at        time.Time
	imbalance float64 // (bid-ask)/(bid+ask), -1..1
}

type newsItem struct {
	at       time.Time
	headline string
	symbols  []string
}

// Scanner ingests rolling market data and, on demand, emits ranked anomaly
// events. Ingestion never fails: malformed samples are dropped and logged.
// All state is guarded by one mutex; the scheduler drives it from a single
// goroutine but the websocket feed writes concurrently.
type Scanner struct {
	cfg config.ScannerConfig
	log *zap.Logger

	mu      sync.Mutex
	prices  map[string][]pricePoint
	derivs  map[string][]derivPoint
	liqs    map[string][]liqPoint
	books   map[string][]bookPoint
	candles map[string][]rest.Candle
	news    []newsItem

	lastEmitted map[string]time.Time // dedup by "type|symbol"
}

func New(cfg config.ScannerConfig, log *zap.Logger) *Scanner {
	return &Scanner{
		cfg:         cfg,
		log:         log,
		prices:      make(map[string][]pricePoint),
		derivs:      make(map[string][]derivPoint),
		liqs:        make(map[string][]liqPoint),
		books:       make(map[string][]bookPoint),
		candles:     make(map[string][]rest.Candle),
		lastEmitted: make(map[string]time.Time),
	}
}

func (s *Scanner) IngestPrices(now time.Time, mids map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, price := range mids {
		if symbol == "" || !validValue(price) || price <= 0 {
			s.log.Debug("dropping malformed price sample", zap.String("symbol", symbol), zap.Float64("price", price))
			continue
		}
		s.prices[symbol] = trim(append(s.prices[symbol], pricePoint{at: now, price: price}), s.cfg.BufferSize)
	}
}

func (s *Scanner) IngestDerivatives(now time.Time, ctxs map[string]rest.AssetContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, ctx := range ctxs {
		if symbol == "" || !validValue(ctx.Funding) || !validValue(ctx.OpenInterestUSD) {
			s.log.Debug("dropping malformed derivatives sample", zap.String("symbol", symbol))
			continue
		}
		s.derivs[symbol] = trim(append(s.derivs[symbol], derivPoint{
			at:        now,
			funding:   ctx.Funding,
			oiUSD:     ctx.OpenInterestUSD,
			volumeUSD: ctx.DayVolumeUSD,
		}), s.cfg.BufferSize)
	}
}

func (s *Scanner) IngestLiquidations(now time.Time, liquidations []Liquidation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, liq := range liquidations {
		if liq.Symbol == "" || !validValue(liq.NotionalUSD) || liq.NotionalUSD <= 0 {
			s.log.Debug("dropping malformed liquidation sample", zap.String("symbol", liq.Symbol))
			continue
		}
		s.liqs[liq.Symbol] = trim(append(s.liqs[liq.Symbol], liqPoint{at: now, usd: liq.NotionalUSD}), s.cfg.BufferSize)
	}
}

func (s *Scanner) IngestOrderbook(now time.Time, symbol string, bidDepthUSD, askDepthUSD float64) {
	if symbol == "" || !validValue(bidDepthUSD) || !validValue(askDepthUSD) || bidDepthUSD+askDepthUSD <= 0 {
		s.log.Debug("dropping malformed orderbook sample", zap.String("symbol", symbol))
		return
	}
	imbalance := (bidDepthUSD - askDepthUSD) / (bidDepthUSD + askDepthUSD)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[symbol] = trim(append(s.books[symbol], bookPoint{at: now, imbalance: imbalance}), s.cfg.BufferSize)
}

func (s *Scanner) IngestCandles(symbol string, candles []rest.Candle) {
	if symbol == "" || len(candles) == 0 {
		return
	}
	kept := make([]rest.Candle, 0, len(candles))
	for _, c := range candles {
		if !validValue(c.Open) || !validValue(c.Close) || c.Open <= 0 || c.Close <= 0 {
			s.log.Debug("dropping malformed candle", zap.String("symbol", symbol))
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[symbol] = trim(append(s.candles[symbol], kept...), s.cfg.BufferSize)
}

func (s *Scanner) IngestNews(now time.Time, headline string, symbols []string) {
	if headline == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = trim(append(s.news, newsItem{at: now, headline: headline, symbols: symbols}), s.cfg.BufferSize)
}

// Volatility reports the stdev of 1m close-to-close returns for a symbol.
func (s *Scanner) Volatility(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := s.candles[symbol]
	if len(candles) < 2 {
		return 0, false
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return computeVolatility(closes), true
}

// Detect runs every rule over the current buffers and returns anomalies
// sorted by severity descending. Each rule emits at most one event per
// symbol per call; (type, symbol) pairs already emitted within the dedup
// TTL are suppressed. The second return is the suppressed count.
func (s *Scanner) Detect(now time.Time) ([]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Event
	for symbol := range s.prices {
		if !s.liquidLocked(symbol) {
			continue
		}
		if ev, ok := s.priceSpike(symbol, now); ok {
			candidates = append(candidates, ev)
		}
		if ev, ok := s.fundingExtreme(symbol, now); ok {
			candidates = append(candidates, ev)
		}
		if ev, ok := s.oiSurge(symbol, now); ok {
			candidates = append(candidates, ev)
		}
		if ev, ok := s.liquidationCascade(symbol, now); ok {
			candidates = append(candidates, ev)
		}
		if ev, ok := s.bookFlip(symbol, now); ok {
			candidates = append(candidates, ev)
		}
		if ev, ok := s.momentumBurst(symbol, now); ok {
			candidates = append(candidates, ev)
		}
	}
	if ev, ok := s.liquidationWave(now); ok {
		candidates = append(candidates, ev)
	}
	candidates = append(candidates, s.newsEvents(now)...)

	var events []Event
	suppressed := 0
	for _, ev := range candidates {
		key := dedupKey(ev.Type, ev.Symbol)
		if last, ok := s.lastEmitted[key]; ok && now.Sub(last) < s.cfg.DedupTTL {
			suppressed++
			continue
		}
		s.lastEmitted[key] = now
		events = append(events, ev)
	}
	s.pruneDedup(now)

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Severity > events[j].Severity
	})
	return events, suppressed
}

// liquidLocked applies the minimum-liquidity floor. Symbols with no
// derivatives data yet are skipped rather than guessed at.
func (s *Scanner) liquidLocked(symbol string) bool {
	points := s.derivs[symbol]
	if len(points) == 0 {
		return false
	}
	latest := points[len(points)-1]
	return latest.volumeUSD >= s.cfg.MinVolumeUSD && latest.oiUSD >= s.cfg.MinOpenInterestUSD
}

func (s *Scanner) priceSpike(symbol string, now time.Time) (Event, bool) {
	points := s.prices[symbol]
	if len(points) < 2 {
		return Event{}, false
	}
	latest := points[len(points)-1]
	move5, ok5 := pctMoveSince(points, now.Add(-5*time.Minute), latest.price)
	move15, ok15 := pctMoveSince(points, now.Add(-15*time.Minute), latest.price)

	switch {
	case ok5 && math.Abs(move5) >= s.cfg.PriceMovePct5m:
		return Event{
			Type:       TypePriceSpike,
			Symbol:     symbol,
			Severity:   clampSeverity(math.Abs(move5) / (2 * s.cfg.PriceMovePct5m)),
			Headline:   fmt.Sprintf("%s moved %+.2f%% in 5m to %.6g", symbol, move5, latest.price),
			DetectedAt: now,
		}, true
	case ok15 && math.Abs(move15) >= s.cfg.PriceMovePct15m:
		return Event{
			Type:       TypePriceSpike,
			Symbol:     symbol,
			Severity:   clampSeverity(math.Abs(move15) / (2 * s.cfg.PriceMovePct15m)),
			Headline:   fmt.Sprintf("%s moved %+.2f%% in 15m to %.6g", symbol, move15, latest.price),
			DetectedAt: now,
		}, true
	}
	return Event{}, false
}

func (s *Scanner) fundingExtreme(symbol string, now time.Time) (Event, bool) {
	points := s.derivs[symbol]
	if len(points) == 0 {
		return Event{}, false
	}
	funding := points[len(points)-1].funding
	if math.Abs(funding) < s.cfg.FundingExtreme {
		return Event{}, false
	}
	direction := "longs paying"
	if funding < 0 {
		direction = "shorts paying"
	}
	return Event{
		Type:       TypeFundingExtreme,
		Symbol:     symbol,
		Severity:   clampSeverity(math.Abs(funding) / (2 * s.cfg.FundingExtreme)),
		Headline:   fmt.Sprintf("%s funding %.5f%% per hour, %s", symbol, funding*100, direction),
		DetectedAt: now,
	}, true
}

func (s *Scanner) oiSurge(symbol string, now time.Time) (Event, bool) {
	points := s.derivs[symbol]
	if len(points) < 2 {
		return Event{}, false
	}
	latest := points[len(points)-1]
	cutoff := now.Add(-s.cfg.OIWindow)
	var base *derivPoint
	for i := range points {
		if !points[i].at.Before(cutoff) {
			base = &points[i]
			break
		}
	}
	if base == nil || base.oiUSD <= 0 || base.at.Equal(latest.at) {
		return Event{}, false
	}
	change := (latest.oiUSD - base.oiUSD) / base.oiUSD * 100
	if math.Abs(change) < s.cfg.OISurgePct {
		return Event{}, false
	}
	return Event{
		Type:       TypeOISurge,
		Symbol:     symbol,
		Severity:   clampSeverity(math.Abs(change) / (2 * s.cfg.OISurgePct)),
		Headline:   fmt.Sprintf("%s open interest %+.1f%% over %s to $%.0f", symbol, change, s.cfg.OIWindow, latest.oiUSD),
		DetectedAt: now,
	}, true
}

func (s *Scanner) liquidationCascade(symbol string, now time.Time) (Event, bool) {
	total := s.liquidationUSD(symbol, now)
	if total < s.cfg.LiquidationSymbolUSD {
		return Event{}, false
	}
	return Event{
		Type:       TypeLiquidationCascade,
		Symbol:     symbol,
		Severity:   clampSeverity(total / (2 * s.cfg.LiquidationSymbolUSD)),
		Headline:   fmt.Sprintf("%s liquidations $%.0f in %s", symbol, total, s.cfg.LiquidationWindow),
		DetectedAt: now,
	}, true
}

func (s *Scanner) liquidationWave(now time.Time) (Event, bool) {
	var total float64
	for symbol := range s.liqs {
		total += s.liquidationUSD(symbol, now)
	}
	if total < s.cfg.LiquidationGlobalUSD {
		return Event{}, false
	}
	return Event{
		Type:       TypeLiquidationWave,
		Symbol:     WaveSymbol,
		Severity:   clampSeverity(total / (2 * s.cfg.LiquidationGlobalUSD)),
		Headline:   fmt.Sprintf("market-wide liquidations $%.0f in %s", total, s.cfg.LiquidationWindow),
		DetectedAt: now,
	}, true
}

func (s *Scanner) liquidationUSD(symbol string, now time.Time) float64 {
	cutoff := now.Add(-s.cfg.LiquidationWindow)
	var total float64
	for _, point := range s.liqs[symbol] {
		if point.at.Before(cutoff) {
			continue
		}
		total += point.usd
	}
	return total
}

func (s *Scanner) bookFlip(symbol string, now time.Time) (Event, bool) {
	points := s.books[symbol]
	if len(points) < 2 {
		return Event{}, false
	}
	latest := points[len(points)-1]
	// Compare against the most extreme reading on the other side of the
	// book within the buffer.
	extreme := points[0].imbalance
	for _, p := range points[:len(points)-1] {
		if math.Abs(p.imbalance-latest.imbalance) > math.Abs(extreme-latest.imbalance) {
			extreme = p.imbalance
		}
	}
	swing := latest.imbalance - extreme
	if math.Abs(swing) < s.cfg.BookImbalanceSwing {
		return Event{}, false
	}
	side := "bid"
	if latest.imbalance < 0 {
		side = "ask"
	}
	return Event{
		Type:       TypeBookFlip,
		Symbol:     symbol,
		Severity:   clampSeverity(math.Abs(swing) / (2 * s.cfg.BookImbalanceSwing)),
		Headline:   fmt.Sprintf("%s book flipped %s-heavy, imbalance %.2f (swing %.2f)", symbol, side, latest.imbalance, swing),
		DetectedAt: now,
	}, true
}

func (s *Scanner) momentumBurst(symbol string, now time.Time) (Event, bool) {
	candles := s.candles[symbol]
	if len(candles) < 6 {
		return Event{}, false
	}
	latest := candles[len(candles)-1]
	body := (latest.Close - latest.Open) / latest.Open * 100
	if math.Abs(body) < s.cfg.MomentumBodyPct {
		return Event{}, false
	}
	var volSum float64
	prior := candles[:len(candles)-1]
	for _, c := range prior {
		volSum += c.Volume
	}
	avgVol := volSum / float64(len(prior))
	if avgVol <= 0 || latest.Volume < avgVol*s.cfg.MomentumVolumeMult {
		return Event{}, false
	}
	return Event{
		Type:       TypeMomentumBurst,
		Symbol:     symbol,
		Severity:   clampSeverity(math.Abs(body) / (2 * s.cfg.MomentumBodyPct)),
		Headline:   fmt.Sprintf("%s momentum candle %+.2f%% on %.1fx volume", symbol, body, latest.Volume/avgVol),
		DetectedAt: now,
	}, true
}

func (s *Scanner) newsEvents(now time.Time) []Event {
	var events []Event
	for _, item := range s.news {
		if matchKeyword(item.headline, s.cfg.NewsKeywords) == "" {
			continue
		}
		symbol := WaveSymbol
		if len(item.symbols) > 0 {
			symbol = item.symbols[0]
		}
		events = append(events, Event{
			Type:       TypeNews,
			Symbol:     symbol,
			Severity:   0.7,
			Headline:   item.headline,
			DetectedAt: now,
		})
	}
	// News is consumed on detection; re-ingestion is the feeder's concern.
	s.news = s.news[:0]
	return events
}

func (s *Scanner) pruneDedup(now time.Time) {
	for key, at := range s.lastEmitted {
		if now.Sub(at) >= s.cfg.DedupTTL {
			delete(s.lastEmitted, key)
		}
	}
}

func dedupKey(t EventType, symbol string) string {
	return string(t) + "|" + symbol
}

// pctMoveSince finds the oldest sample at or after cutoff and reports the
// percentage move from it to the latest price.
func pctMoveSince(points []pricePoint, cutoff time.Time, latest float64) (float64, bool) {
	for _, p := range points {
		if p.at.Before(cutoff) {
			continue
		}
		if p.price <= 0 {
			return 0, false
		}
		return (latest - p.price) / p.price * 100, true
	}
	return 0, false
}

func matchKeyword(headline string, keywords []string) string {
	lower := strings.ToLower(headline)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func clampSeverity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func validValue(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func computeVolatility(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	var sum, sumSq, count float64
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		curr := closes[i]
		if prev == 0 {
			continue
		}
		r := (curr - prev) / prev
		sum += r
		sumSq += r * r
		count++
	}
	if count == 0 {
		return 0
	}
	mean := sum / count
	variance := sumSq/count - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func trim[T any](buf []T, max int) []T {
	if max <= 0 || len(buf) <= max {
		return buf
	}
	return buf[len(buf)-max:]
}
