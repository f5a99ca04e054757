package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hl-sentinel-bot/internal/events"
	"hl-sentinel-bot/internal/history"
	"hl-sentinel-bot/internal/hl/rest"
	"hl-sentinel-bot/internal/scan"
	"hl-sentinel-bot/internal/wake"
	"hl-sentinel-bot/internal/watch"
)

func (d *Daemon) taskPricePoll(ctx context.Context, now time.Time) error {
	mids, err := d.poller.PollPrices(ctx)
	if err != nil {
		return err
	}
	d.scanner.IngestPrices(now, mids)
	return nil
}

func (d *Daemon) taskDerivativesPoll(ctx context.Context, now time.Time) error {
	ctxs, err := d.poller.PollDerivatives(ctx)
	if err != nil {
		return err
	}
	d.scanner.IngestDerivatives(now, ctxs)
	return nil
}

func (d *Daemon) taskSentimentPoll(ctx context.Context, now time.Time) error {
	if d.sentiment == nil {
		return nil
	}
	value, err := d.sentiment.FearGreed(ctx)
	if err != nil {
		return err
	}
	d.snapshot.SetSentiment(value, now)
	return nil
}

// taskCandlePoll backfills candles over REST. Redundant while the
// websocket feed is healthy, the scanner dedups either way.
func (d *Daemon) taskCandlePoll(ctx context.Context, _ time.Time) error {
	candles, err := d.poller.PollCandles(ctx)
	if err != nil {
		return err
	}
	for symbol, cs := range candles {
		d.scanner.IngestCandles(symbol, cs)
	}
	return nil
}

// taskEvaluate runs watchpoint evaluation and anomaly detection, gated
// on the snapshot having changed since the last pass.
func (d *Daemon) taskEvaluate(ctx context.Context, now time.Time) error {
	if !d.snapshot.ConsumeChanged() {
		return nil
	}
	view := d.snapshot.View()

	for _, f := range d.watch.Evaluate(ctx, now, view) {
		d.metrics.WatchpointsFired.Inc()
		w := f.Watchpoint
		detail := fmt.Sprintf("%s %s %.6g: then %.6g, now %.6g. %s",
			w.Symbol, w.Condition, w.Threshold, originValue(w), f.Value, w.Rationale)
		e := d.eventLog.Append(events.TypeWatchpoint, fmt.Sprintf("watchpoint fired: %s %s", w.Symbol, w.Condition), detail)
		if d.memory != nil {
			if err := d.memory.AppendEvent(ctx, e.Type, e.Title, e.Detail, e.At); err != nil {
				d.log.Warn("memory event append failed", zap.String("watchpoint", w.ID), zap.Error(err))
			}
		}
		d.requestWake(ctx, wake.Request{
			Source:   "watchpoint",
			Title:    fmt.Sprintf("watchpoint %s %s %.6g fired", w.Symbol, w.Condition, w.Threshold),
			Detail:   detail,
			Priority: true,
		})
	}

	detected, suppressed := d.scanner.Detect(now)
	for i := 0; i < suppressed; i++ {
		d.metrics.AnomaliesSuppressed.Inc()
	}
	if len(detected) == 0 {
		return nil
	}
	lines := make([]string, 0, len(detected))
	for _, a := range detected {
		d.metrics.AnomaliesDetected.Inc()
		d.eventLog.Append(events.TypeAnomaly, fmt.Sprintf("%s %s", a.Symbol, a.Type), a.Headline)
		d.history.EnqueueAnomaly(history.Anomaly{
			Time:     a.DetectedAt,
			Type:     string(a.Type),
			Symbol:   a.Symbol,
			Severity: a.Severity,
			Headline: a.Headline,
		})
		lines = append(lines, fmt.Sprintf("[%.2f] %s", a.Severity, a.Headline))
	}
	d.requestWake(ctx, wake.Request{
		Source: "anomaly",
		Title:  fmt.Sprintf("%d market anomalies detected", len(detected)),
		Detail: strings.Join(lines, "\n"),
	})
	return nil
}

func originValue(w watch.Watchpoint) float64 {
	switch w.Condition {
	case watch.FundingAbove, watch.FundingBelow:
		return w.Origin.Funding
	case watch.FearGreedExtreme:
		return w.Origin.Sentiment
	default:
		return w.Origin.Price
	}
}

func (d *Daemon) taskPositionCheck(ctx context.Context, now time.Time) error {
	res, err := d.tracker.Check(ctx, now, d.snapshot.View())
	if err != nil {
		return err
	}
	for _, cl := range res.Closes {
		d.metrics.ClosesDetected.Inc()
		exitNote := ""
		if cl.EstimatedExit {
			exitNote = " (exit estimated)"
		}
		detail := fmt.Sprintf("%s %s size %.4g entry %.6g exit %.6g pnl %+.2f USD, reason %s%s",
			cl.Symbol, cl.Side, cl.Size, cl.EntryPrice, cl.ExitPrice, cl.RealizedPnL, cl.Reason, exitNote)
		d.eventLog.Append(events.TypePositionClose, fmt.Sprintf("position closed: %s %s", cl.Symbol, cl.Side), detail)
		d.requestWake(ctx, wake.Request{
			Source:   "position_close",
			Title:    fmt.Sprintf("%s %s closed (%s)", cl.Symbol, cl.Side, cl.Reason),
			Detail:   detail,
			Priority: true,
		})
	}
	if res.BreakerTripped {
		d.metrics.BreakerTrips.Inc()
		snap := d.breaker.Snapshot()
		detail := fmt.Sprintf("daily realized pnl %.2f USD breached limit %.2f USD, guidance paused until next UTC day",
			snap.RealizedPnL, d.cfg.Breaker.MaxDailyLossUSD)
		d.eventLog.Append(events.TypeBreakerTripped, "circuit breaker tripped", detail)
		d.requestWake(ctx, wake.Request{
			Source:   "breaker",
			Title:    "circuit breaker tripped",
			Detail:   detail,
			Priority: true,
		})
	}
	for _, a := range res.TierAlerts {
		d.eventLog.Append(events.TypeTierAlert,
			fmt.Sprintf("%s %s up %.1f%%", a.Symbol, a.Side, a.GainPct),
			fmt.Sprintf("crossed +%.0f%% tier at mark %.6g", a.TierPct, a.Mark))
	}
	return nil
}

func (d *Daemon) taskTriggerRefresh(ctx context.Context, _ time.Time) error {
	return d.tracker.RefreshTriggers(ctx)
}

// taskReview is the scheduled "look things over" wake. Suppressed while
// the breaker is paused; proactive reviews are risk-taking guidance.
func (d *Daemon) taskReview(ctx context.Context, _ time.Time) error {
	if d.breaker.Paused() {
		d.metrics.WakesSkipped.Inc()
		d.eventLog.Append(events.TypeWakeSkipped, "periodic review", wake.ErrPaused.Error())
		return nil
	}
	d.requestWake(ctx, wake.Request{
		Source: "review",
		Title:  "periodic market review",
		Detail: "scheduled review of tracked symbols and open positions",
	})
	return nil
}

func (d *Daemon) taskDecay(ctx context.Context, _ time.Time) error {
	if d.memory == nil {
		return nil
	}
	if err := d.memory.Decay(ctx); err != nil {
		d.log.Warn("memory decay failed", zap.Error(err))
	}
	return nil
}

// taskConflictCheck escalates open positions with no resting protective
// order.
func (d *Daemon) taskConflictCheck(ctx context.Context, _ time.Time) error {
	unprotected := d.tracker.Unprotected()
	if len(unprotected) == 0 {
		return nil
	}
	names := make([]string, 0, len(unprotected))
	for _, p := range unprotected {
		names = append(names, fmt.Sprintf("%s %s %.4g@%.6g", p.Symbol, p.Side(), abs(p.Size), p.EntryPrice))
	}
	detail := "open positions without stop or take-profit: " + strings.Join(names, ", ")
	d.eventLog.Append(events.TypeConflict, "unprotected positions", detail)
	d.requestWake(ctx, wake.Request{
		Source: "conflict",
		Title:  fmt.Sprintf("%d unprotected positions", len(unprotected)),
		Detail: detail,
	})
	return nil
}

func (d *Daemon) taskHealthCheck(ctx context.Context, _ time.Time) error {
	parts := []string{"provider ok"}
	if err := d.rest.Ping(ctx); err != nil {
		return fmt.Errorf("provider ping: %w", err)
	}
	if d.memory != nil {
		if err := d.memory.Ping(ctx); err != nil {
			parts = append(parts, "memory unreachable: "+err.Error())
			d.log.Warn("memory store unreachable", zap.Error(err))
		} else {
			parts = append(parts, "memory ok")
		}
	}
	view := d.snapshot.View()
	parts = append(parts, fmt.Sprintf("last price poll %s", view.LastPricePoll.Format(time.RFC3339)))
	d.eventLog.Append(events.TypeHealth, "health check", strings.Join(parts, "; "))
	return nil
}

func (d *Daemon) taskEventFlush(ctx context.Context, _ time.Time) error {
	return d.eventLog.Flush(ctx)
}

func (d *Daemon) taskDayReset(ctx context.Context, now time.Time) error {
	if d.breaker.CheckDailyReset(ctx, now) {
		d.eventLog.Append(events.TypeBreakerReset, "daily reset", "pnl accumulator zeroed, pause cleared")
	}
	return nil
}

// requestWake runs the dispatcher and records the outcome in metrics,
// the event log and history. Skips are expected outcomes.
func (d *Daemon) requestWake(ctx context.Context, req wake.Request) {
	response, err := d.dispatcher.Wake(ctx, req)
	rec := history.WakeRecord{
		Time:     time.Now().UTC(),
		Source:   req.Source,
		Title:    req.Title,
		Priority: req.Priority,
	}
	switch {
	case err == nil:
		d.metrics.WakesDispatched.Inc()
		d.eventLog.Append(events.TypeWake, "engine woken: "+req.Title, truncate(response, 600))
	case errors.Is(err, wake.ErrCooldown), errors.Is(err, wake.ErrRateCapped), errors.Is(err, wake.ErrEngineBusy):
		d.metrics.WakesSkipped.Inc()
		rec.Skipped = true
		rec.Reason = err.Error()
		d.log.Debug("wake skipped", zap.String("source", req.Source), zap.Error(err))
		d.eventLog.Append(events.TypeWakeSkipped, req.Title, err.Error())
	default:
		// The invocation happened and consumed a rate slot, it just failed.
		d.metrics.WakesDispatched.Inc()
		rec.Reason = err.Error()
		d.eventLog.Append(events.TypeEngineError, "engine failed: "+req.Title, err.Error())
	}
	d.history.EnqueueWake(rec)
}

// composeWakeContext assembles the single text block handed to the
// reasoning engine: escalation reason, market state, positions, breaker
// status and recent history.
func (d *Daemon) composeWakeContext(req wake.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation (%s): %s\n", req.Source, req.Title)
	if req.Detail != "" {
		b.WriteString(req.Detail)
		b.WriteString("\n")
	}

	view := d.snapshot.View()
	b.WriteString("\nMarket state:\n")
	symbols := append([]string(nil), d.cfg.Daemon.Symbols...)
	sort.Strings(symbols)
	for _, s := range symbols {
		px, ok := view.Prices[s]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %s: price %.6g", s, px)
		if prev, ok := view.PrevDayPrice[s]; ok && prev > 0 {
			fmt.Fprintf(&b, " (%+.2f%% 24h)", (px-prev)/prev*100)
		}
		if f, ok := view.Funding[s]; ok {
			fmt.Fprintf(&b, ", funding %.5f%%", f*100)
		}
		if oi, ok := view.OpenInterestUSD[s]; ok {
			fmt.Fprintf(&b, ", OI %.0fM USD", oi/1e6)
		}
		if vol, hasVol := d.scanner.Volatility(s); hasVol {
			fmt.Fprintf(&b, ", 1m vol %.3f%%", vol*100)
		}
		b.WriteString("\n")
	}
	if view.HasSentiment {
		fmt.Fprintf(&b, "  fear/greed index: %.0f\n", view.Sentiment)
	}

	open := d.tracker.Open()
	if len(open) > 0 {
		b.WriteString("\nOpen positions:\n")
		for _, p := range open {
			fmt.Fprintf(&b, "  %s %s %.4g @ %.6g (%.0fx)\n", p.Symbol, p.Side(), abs(p.Size), p.EntryPrice, p.Leverage)
		}
	}

	snap := d.breaker.Snapshot()
	fmt.Fprintf(&b, "\nCircuit breaker: paused=%v, daily realized pnl %+.2f USD (limit %.0f)\n",
		snap.Paused, snap.RealizedPnL, d.cfg.Breaker.MaxDailyLossUSD)

	recent := d.eventLog.Recent(10)
	if len(recent) > 0 {
		b.WriteString("\nRecent events:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "  %s [%s] %s\n", e.At.Format("15:04:05"), e.Type, e.Title)
		}
	}
	return b.String()
}

// startFeed connects the websocket, subscribes the tracked symbols and
// pumps messages into the scanner.
func (d *Daemon) startFeed(ctx context.Context) {
	if err := d.ws.Connect(ctx); err != nil {
		d.log.Warn("websocket connect failed, feed will retry", zap.Error(err))
	}
	for _, symbol := range d.cfg.Daemon.Symbols {
		if err := d.ws.SubscribeTrades(ctx, symbol); err != nil {
			d.log.Warn("trade subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
		if err := d.ws.SubscribeBook(ctx, symbol); err != nil {
			d.log.Warn("book subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
		if err := d.ws.SubscribeCandles(ctx, symbol, "1m"); err != nil {
			d.log.Warn("candle subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	go func() {
		if err := d.ws.Run(ctx, d.handleFeed); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("websocket feed stopped", zap.Error(err))
		}
	}()
}

type feedEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type feedTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Liq  bool   `json:"liquidation"`
}

type feedLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type feedBook struct {
	Coin   string        `json:"coin"`
	Levels [][]feedLevel `json:"levels"`
}

type feedCandle struct {
	Symbol   string  `json:"s"`
	Interval string  `json:"i"`
	OpenMS   int64   `json:"t"`
	Open     string  `json:"o"`
	High     string  `json:"h"`
	Low      string  `json:"l"`
	Close    string  `json:"c"`
	Volume   string  `json:"v"`
}

// handleFeed routes raw websocket messages into scanner buffers.
// Malformed payloads are dropped; the poll path keeps the snapshot
// authoritative either way.
func (d *Daemon) handleFeed(raw json.RawMessage) {
	var env feedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	now := time.Now()
	switch env.Channel {
	case "trades":
		var trades []feedTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return
		}
		var liqs []scan.Liquidation
		for _, t := range trades {
			px, sz := parseFloat(t.Px), parseFloat(t.Sz)
			if t.Coin == "" || px <= 0 {
				continue
			}
			if t.Liq {
				liqs = append(liqs, scan.Liquidation{
					Symbol:      t.Coin,
					Side:        t.Side,
					NotionalUSD: px * sz,
				})
			}
		}
		if len(liqs) > 0 {
			d.scanner.IngestLiquidations(now, liqs)
		}
	case "l2Book":
		var book feedBook
		if err := json.Unmarshal(env.Data, &book); err != nil {
			return
		}
		if book.Coin == "" || len(book.Levels) < 2 {
			return
		}
		d.scanner.IngestOrderbook(now, book.Coin, depthUSD(book.Levels[0]), depthUSD(book.Levels[1]))
	case "candle":
		var c feedCandle
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return
		}
		if c.Symbol == "" {
			return
		}
		d.scanner.IngestCandles(c.Symbol, []rest.Candle{{
			Symbol:   c.Symbol,
			Interval: c.Interval,
			OpenMS:   c.OpenMS,
			Open:     parseFloat(c.Open),
			High:     parseFloat(c.High),
			Low:      parseFloat(c.Low),
			Close:    parseFloat(c.Close),
			Volume:   parseFloat(c.Volume),
		}})
	}
}

func depthUSD(levels []feedLevel) float64 {
	total := 0.0
	for _, lv := range levels {
		total += parseFloat(lv.Px) * parseFloat(lv.Sz)
	}
	return total
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
