package rest

// AssetContext is the per-symbol derivatives snapshot returned by
// metaAndAssetCtxs.
type AssetContext struct {
	Symbol          string
	Funding         float64
	OpenInterest    float64
	OpenInterestUSD float64
	DayVolumeUSD    float64
	PrevDayPrice    float64
	MarkPrice       float64
	OraclePrice     float64
}

type Position struct {
	Symbol     string
	Size       float64 // signed: > 0 long, < 0 short
	EntryPrice float64
	Leverage   float64
}

// Side reports "long" or "short" from the signed size.
func (p Position) Side() string {
	if p.Size < 0 {
		return "short"
	}
	return "long"
}

type Fill struct {
	OrderID   string
	Symbol    string
	Side      string // raw provider direction, e.g. "Close Long"
	Size      float64
	Price     float64
	ClosedPnL float64
	TimeMS    int64
	Hash      string
}

const (
	TriggerStopLoss   = "stop_loss"
	TriggerTakeProfit = "take_profit"
)

type TriggerOrder struct {
	OrderID      string
	Symbol       string
	OrderType    string // TriggerStopLoss or TriggerTakeProfit
	TriggerPrice float64
}

type Candle struct {
	Symbol   string
	Interval string
	OpenMS   int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
