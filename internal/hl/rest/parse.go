package rest

import (
	"encoding/json"
	"strconv"
	"strings"
)

func parseAllMids(payload any) map[string]float64 {
	raw, ok := toMap(payload)
	if !ok {
		return nil
	}
	if nested, ok := toMap(raw["mids"]); ok {
		raw = nested
	}
	mids := make(map[string]float64, len(raw))
	for symbol, v := range raw {
		if strings.HasPrefix(symbol, "@") {
			continue
		}
		if f, ok := floatFromAny(v); ok {
			mids[symbol] = f
		}
	}
	return mids
}

func parseAssetContexts(payload any) map[string]AssetContext {
	universe, ctxs := extractUniverseAndCtxs(payload)
	if len(universe) == 0 || len(ctxs) == 0 {
		return nil
	}
	result := make(map[string]AssetContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		symbol := stringFromMap(meta, "name", "coin", "symbol")
		if symbol == "" {
			continue
		}
		ctx, ok := indexedMap(ctxs, i)
		if !ok {
			continue
		}
		ac := AssetContext{
			Symbol:       symbol,
			Funding:      floatFromMap(ctx, "funding", "fundingRate"),
			OpenInterest: floatFromMap(ctx, "openInterest", "oi"),
			DayVolumeUSD: floatFromMap(ctx, "dayNtlVlm", "dayVolume", "volume24h"),
			PrevDayPrice: floatFromMap(ctx, "prevDayPx", "prevDayPrice"),
			MarkPrice:    floatFromMap(ctx, "markPx", "markPrice", "mark"),
			OraclePrice:  floatFromMap(ctx, "oraclePx", "oraclePrice", "oracle"),
		}
		// Provider reports open interest in contracts; convert with mark.
		if ac.OpenInterest > 0 && ac.MarkPrice > 0 {
			ac.OpenInterestUSD = ac.OpenInterest * ac.MarkPrice
		}
		result[symbol] = ac
	}
	return result
}

func extractUniverseAndCtxs(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 2 {
		if metaMap, ok := toMap(arr[0]); ok {
			if universe, ok := toSlice(metaMap["universe"]); ok {
				ctxs, _ := toSlice(arr[1])
				return universe, ctxs
			}
		}
		if universe, ok := toSlice(arr[0]); ok {
			ctxs, _ := toSlice(arr[1])
			return universe, ctxs
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		ctxs, _ := toSlice(metaMap["assetCtxs"])
		return universe, ctxs
	}
	return nil, nil
}

func parsePositions(payload any) []Position {
	root, ok := toMap(payload)
	if !ok {
		return nil
	}
	raw, ok := toSlice(root["assetPositions"])
	if !ok {
		return nil
	}
	positions := make([]Position, 0, len(raw))
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := toMap(entry["position"]); ok {
			pos = nested
		}
		symbol := stringFromMap(pos, "coin", "symbol", "asset")
		if symbol == "" {
			continue
		}
		size := floatFromMap(pos, "szi", "size")
		if size == 0 {
			continue
		}
		leverage := floatFromMap(pos, "leverage")
		if leverage == 0 {
			if lev, ok := toMap(pos["leverage"]); ok {
				leverage = floatFromMap(lev, "value")
			}
		}
		positions = append(positions, Position{
			Symbol:     symbol,
			Size:       size,
			EntryPrice: floatFromMap(pos, "entryPx", "entryPrice"),
			Leverage:   leverage,
		})
	}
	return positions
}

func parseFills(payload any) []Fill {
	list := fillEntries(payload)
	if len(list) == 0 {
		return nil
	}
	fills := make([]Fill, 0, len(list))
	for _, entry := range list {
		fills = append(fills, Fill{
			OrderID:   stringOrNumber(entry["oid"]),
			Symbol:    stringFromMap(entry, "coin", "symbol"),
			Side:      stringFromMap(entry, "dir", "side"),
			Size:      floatFromMap(entry, "sz", "size"),
			Price:     floatFromMap(entry, "px", "price"),
			ClosedPnL: floatFromMap(entry, "closedPnl", "closedPnL", "realizedPnl"),
			TimeMS:    int64FromAny(entry["time"]),
			Hash:      stringFromMap(entry, "hash", "tid"),
		})
	}
	return fills
}

func fillEntries(payload any) []map[string]any {
	var raw []any
	if list, ok := toSlice(payload); ok {
		raw = list
	} else if root, ok := toMap(payload); ok {
		if list, ok := toSlice(root["fills"]); ok {
			raw = list
		} else if list, ok := toSlice(root["data"]); ok {
			raw = list
		}
	}
	if len(raw) == 0 {
		return nil
	}
	entries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := toMap(item); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func parseTriggerOrders(payload any) []TriggerOrder {
	raw, ok := toSlice(payload)
	if !ok {
		if root, ok := toMap(payload); ok {
			raw, _ = toSlice(root["orders"])
		}
	}
	if len(raw) == 0 {
		return nil
	}
	orders := make([]TriggerOrder, 0, len(raw))
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		order := entry
		if nested, ok := toMap(entry["order"]); ok {
			order = nested
		}
		kind, ok := classifyTrigger(order)
		if !ok {
			continue
		}
		symbol := stringFromMap(order, "coin", "symbol")
		trigger := floatFromMap(order, "triggerPx", "triggerPrice")
		if symbol == "" || trigger == 0 {
			continue
		}
		orders = append(orders, TriggerOrder{
			OrderID:      stringOrNumber(order["oid"]),
			Symbol:       symbol,
			OrderType:    kind,
			TriggerPrice: trigger,
		})
	}
	return orders
}

func classifyTrigger(order map[string]any) (string, bool) {
	if tpsl := strings.ToLower(stringFromMap(order, "tpsl")); tpsl != "" {
		switch tpsl {
		case "sl":
			return TriggerStopLoss, true
		case "tp":
			return TriggerTakeProfit, true
		}
	}
	orderType := strings.ToLower(stringFromMap(order, "orderType", "type"))
	switch {
	case strings.Contains(orderType, "stop"):
		return TriggerStopLoss, true
	case strings.Contains(orderType, "take profit"), strings.Contains(orderType, "takeprofit"):
		return TriggerTakeProfit, true
	}
	return "", false
}

func parseCandles(symbol string, payload any) []Candle {
	raw, ok := toSlice(payload)
	if !ok {
		if root, ok := toMap(payload); ok {
			raw, _ = toSlice(root["data"])
		}
	}
	if len(raw) == 0 {
		return nil
	}
	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		c := Candle{
			Symbol:   stringFromMap(entry, "s", "coin"),
			Interval: stringFromMap(entry, "i", "interval"),
			OpenMS:   int64FromAny(entry["t"]),
			Open:     floatFromMap(entry, "o", "open"),
			High:     floatFromMap(entry, "h", "high"),
			Low:      floatFromMap(entry, "l", "low"),
			Close:    floatFromMap(entry, "c", "close"),
			Volume:   floatFromMap(entry, "v", "volume"),
		}
		if c.Symbol == "" {
			c.Symbol = symbol
		}
		if c.Close == 0 {
			continue
		}
		candles = append(candles, c)
	}
	return candles
}

func indexedMap(items []any, idx int) (map[string]any, bool) {
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return toMap(items[idx])
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// stringOrNumber renders provider ids that arrive as either strings or
// numbers (oid is numeric in practice).
func stringOrNumber(v any) string {
	if s := stringFromAny(v); s != "" {
		return s
	}
	if f, ok := floatFromAny(v); ok {
		return strconv.FormatInt(int64(f), 10)
	}
	return ""
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func int64FromAny(v any) int64 {
	if f, ok := floatFromAny(v); ok {
		return int64(f)
	}
	return 0
}
