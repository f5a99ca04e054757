package watch

import (
	"time"

	"hl-sentinel-bot/internal/market"
)

// Condition identifies what a watchpoint compares against the market
// snapshot. The set is closed; Create rejects anything else.
type Condition string

const (
	PriceAbove       Condition = "price_above"
	PriceBelow       Condition = "price_below"
	FundingAbove     Condition = "funding_above"
	FundingBelow     Condition = "funding_below"
	FearGreedExtreme Condition = "fear_greed_extreme"
)

type State string

const (
	StateActive  State = "ACTIVE"
	StateDormant State = "DORMANT"
)

// Origin is the market context captured when a watchpoint is created,
// kept so a fire can report "then vs now".
type Origin struct {
	Price     float64   `json:"price"`
	Funding   float64   `json:"funding"`
	Sentiment float64   `json:"sentiment"`
	At        time.Time `json:"at"`
}

type Watchpoint struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Condition Condition `json:"condition"`
	Threshold float64   `json:"threshold"`
	Expiry    time.Time `json:"expiry"`
	Rationale string    `json:"rationale"`
	Origin    Origin    `json:"origin"`
	State     State     `json:"state"`
}

func (w Watchpoint) Expired(now time.Time) bool {
	return !w.Expiry.IsZero() && now.After(w.Expiry)
}

// Fired pairs a triggered watchpoint with the live value that matched.
type Fired struct {
	Watchpoint Watchpoint
	Value      float64
}

// An evaluator reads the relevant field from the snapshot and reports
// whether the watchpoint's condition holds. ok is false when the field
// is absent for the symbol, which skips the watchpoint for this cycle.
type evaluator func(w Watchpoint, v market.View) (value float64, matched bool, ok bool)

var evaluators = map[Condition]evaluator{
	PriceAbove: func(w Watchpoint, v market.View) (float64, bool, bool) {
		px, ok := v.Prices[w.Symbol]
		return px, px >= w.Threshold, ok
	},
	PriceBelow: func(w Watchpoint, v market.View) (float64, bool, bool) {
		px, ok := v.Prices[w.Symbol]
		return px, px <= w.Threshold, ok
	},
	FundingAbove: func(w Watchpoint, v market.View) (float64, bool, bool) {
		f, ok := v.Funding[w.Symbol]
		return f, f >= w.Threshold, ok
	},
	FundingBelow: func(w Watchpoint, v market.View) (float64, bool, bool) {
		f, ok := v.Funding[w.Symbol]
		return f, f <= w.Threshold, ok
	},
	// Band test: extreme fear at or below the threshold, extreme greed at
	// or above its complement on the 0..100 index.
	FearGreedExtreme: func(w Watchpoint, v market.View) (float64, bool, bool) {
		if !v.HasSentiment {
			return 0, false, false
		}
		s := v.Sentiment
		return s, s <= w.Threshold || s >= 100-w.Threshold, true
	},
}

// ValidCondition reports whether c is a member of the condition enum.
func ValidCondition(c Condition) bool {
	_, ok := evaluators[c]
	return ok
}
