package market

import (
	"context"
	"time"

	"hl-sentinel-bot/internal/hl/rest"

	"go.uber.org/zap"
)

// Poller refreshes the Snapshot from the provider and hands the fetched
// payloads back to the caller so they can be fed into the anomaly scanner.
type Poller struct {
	rest     *rest.Client
	symbols  []string
	snapshot *Snapshot
	log      *zap.Logger
}

func NewPoller(restClient *rest.Client, symbols []string, snapshot *Snapshot, log *zap.Logger) *Poller {
	return &Poller{rest: restClient, symbols: symbols, snapshot: snapshot, log: log}
}

func (p *Poller) Symbols() []string {
	return p.symbols
}

// PollPrices fetches mids for the tracked symbols and updates the snapshot.
func (p *Poller) PollPrices(ctx context.Context) (map[string]float64, error) {
	mids, err := p.rest.AllMids(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]float64, len(p.symbols))
	for _, symbol := range p.symbols {
		if price, ok := mids[symbol]; ok {
			tracked[symbol] = price
		}
	}
	if len(tracked) == 0 {
		p.log.Warn("price poll returned no tracked symbols")
		return nil, nil
	}
	p.snapshot.SetPrices(tracked, time.Now().UTC())
	return tracked, nil
}

// PollDerivatives fetches funding/OI/volume contexts and updates the
// snapshot.
func (p *Poller) PollDerivatives(ctx context.Context) (map[string]rest.AssetContext, error) {
	ctxs, err := p.rest.AssetContexts(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]rest.AssetContext, len(p.symbols))
	for _, symbol := range p.symbols {
		if ac, ok := ctxs[symbol]; ok {
			tracked[symbol] = ac
		}
	}
	if len(tracked) == 0 {
		p.log.Warn("derivatives poll returned no tracked symbols")
		return nil, nil
	}
	p.snapshot.SetDerivatives(tracked, time.Now().UTC())
	return tracked, nil
}

// PollCandles fetches the last hour of 1m candles per tracked symbol.
// Partial failures degrade to the symbols that did answer.
func (p *Poller) PollCandles(ctx context.Context) (map[string][]rest.Candle, error) {
	startMS := time.Now().UTC().Add(-time.Hour).UnixMilli()
	out := make(map[string][]rest.Candle, len(p.symbols))
	var lastErr error
	for _, symbol := range p.symbols {
		candles, err := p.rest.Candles(ctx, symbol, "1m", startMS)
		if err != nil {
			lastErr = err
			p.log.Debug("candle poll failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out[symbol] = candles
	}
	if len(out) == 0 {
		return nil, lastErr
	}
	return out, nil
}
