package scan

import "time"

type EventType string

const (
	TypePriceSpike         EventType = "price_spike"
	TypeFundingExtreme     EventType = "funding_extreme"
	TypeOISurge            EventType = "oi_surge"
	TypeLiquidationCascade EventType = "liquidation_cascade"
	TypeLiquidationWave    EventType = "liquidation_wave"
	TypeBookFlip           EventType = "book_flip"
	TypeMomentumBurst      EventType = "momentum_burst"
	TypeNews               EventType = "news"
)

// Event is a transient, severity-scored detection. Events are never
// persisted as entities; they only exist in the escalation stream.
type Event struct {
	Type       EventType
	Symbol     string
	Severity   float64 // 0..1
	Headline   string
	DetectedAt time.Time
}

// Liquidation is a single forced-close print from the trade stream.
type Liquidation struct {
	Symbol      string
	Side        string
	NotionalUSD float64
}

// aggregate liquidation-wave events carry this pseudo symbol.
const WaveSymbol = "MARKET"
