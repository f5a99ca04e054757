package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// infoServer answers /info by request type, the way the provider does.
func infoServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reqType, _ := req["type"].(string)
		resp, ok := responses[reqType]
		if !ok {
			http.Error(w, "unknown type", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, resp)
	}))
}

func testClient(srv *httptest.Server) *Client {
	return New(srv.URL, 5*time.Second, 100, 100, zap.NewNop())
}

func TestAllMids(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"allMids": `{"BTC":"60123.5","ETH":"3001.25","@107":"1.5"}`,
	})
	defer srv.Close()

	mids, err := testClient(srv).AllMids(context.Background())
	if err != nil {
		t.Fatalf("all mids: %v", err)
	}
	if mids["BTC"] != 60123.5 || mids["ETH"] != 3001.25 {
		t.Fatalf("mids = %v", mids)
	}
	if _, ok := mids["@107"]; ok {
		t.Fatalf("spot index pair not filtered")
	}
}

func TestAssetContexts(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[
			{"universe":[{"name":"BTC","maxLeverage":50},{"name":"ETH","maxLeverage":50}]},
			[
				{"funding":"0.0000125","openInterest":"1000","dayNtlVlm":"500000000","prevDayPx":"59000","markPx":"60000","oraclePx":"60001"},
				{"funding":"-0.0002","openInterest":"20000","dayNtlVlm":"200000000","prevDayPx":"3100","markPx":"3000","oraclePx":"3000.5"}
			]
		]`,
	})
	defer srv.Close()

	ctxs, err := testClient(srv).AssetContexts(context.Background())
	if err != nil {
		t.Fatalf("asset contexts: %v", err)
	}
	btc := ctxs["BTC"]
	if btc.Funding != 0.0000125 || btc.MarkPrice != 60000 {
		t.Fatalf("btc ctx = %+v", btc)
	}
	// Open interest reported in contracts, converted to USD at mark.
	if btc.OpenInterestUSD != 1000*60000 {
		t.Fatalf("btc oi usd = %v", btc.OpenInterestUSD)
	}
	if ctxs["ETH"].Funding != -0.0002 {
		t.Fatalf("eth ctx = %+v", ctxs["ETH"])
	}
}

func TestPositions(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"clearinghouseState": `{"assetPositions":[
			{"position":{"coin":"BTC","szi":"0.5","entryPx":"60000","leverage":{"type":"cross","value":20}}},
			{"position":{"coin":"ETH","szi":"0","entryPx":"3000","leverage":{"type":"cross","value":5}}}
		]}`,
	})
	defer srv.Close()

	positions, err := testClient(srv).Positions(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %+v, want zero-size filtered", positions)
	}
	p := positions[0]
	if p.Symbol != "BTC" || p.Size != 0.5 || p.EntryPrice != 60000 || p.Leverage != 20 {
		t.Fatalf("position = %+v", p)
	}
	if p.Side() != "long" {
		t.Fatalf("side = %q", p.Side())
	}

	if _, err := testClient(srv).Positions(context.Background(), ""); err == nil {
		t.Fatalf("empty user accepted")
	}
}

func TestFillsSince(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"userFillsByTime": `[
			{"coin":"BTC","dir":"Close Long","px":"49500","sz":"0.1","closedPnl":"-250.5","oid":123456,"time":1700000000000,"hash":"0xdeadbeef"}
		]`,
	})
	defer srv.Close()

	fills, err := testClient(srv).FillsSince(context.Background(), "0xabc", 1699999000000)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %+v", fills)
	}
	f := fills[0]
	if f.Symbol != "BTC" || f.Side != "Close Long" || f.Price != 49500 {
		t.Fatalf("fill = %+v", f)
	}
	if f.ClosedPnL != -250.5 || f.TimeMS != 1700000000000 {
		t.Fatalf("fill = %+v", f)
	}
	// Numeric oid comes back as a string id.
	if f.OrderID != "123456" {
		t.Fatalf("order id = %q", f.OrderID)
	}

	if _, err := testClient(srv).FillsSince(context.Background(), "0xabc", 0); err == nil {
		t.Fatalf("zero start time accepted")
	}
}

func TestTriggerOrders(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"frontendOpenOrders": `[
			{"coin":"BTC","oid":1,"orderType":"Stop Market","triggerPx":"48000","tpsl":"sl"},
			{"coin":"BTC","oid":2,"orderType":"Take Profit Limit","triggerPx":"65000","tpsl":"tp"},
			{"coin":"ETH","oid":3,"orderType":"Limit","limitPx":"3000"}
		]`,
	})
	defer srv.Close()

	orders, err := testClient(srv).TriggerOrders(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("trigger orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %+v, want plain limit filtered", orders)
	}
	if orders[0].OrderType != TriggerStopLoss || orders[0].TriggerPrice != 48000 {
		t.Fatalf("order 0 = %+v", orders[0])
	}
	if orders[1].OrderType != TriggerTakeProfit || orders[1].TriggerPrice != 65000 {
		t.Fatalf("order 1 = %+v", orders[1])
	}
}

func TestCandles(t *testing.T) {
	srv := infoServer(t, map[string]string{
		"candleSnapshot": `[
			{"s":"SOL","i":"1m","t":1700000000000,"o":"150","h":"151","l":"149.5","c":"150.8","v":"12000"},
			{"s":"SOL","i":"1m","t":1700000060000,"o":"150.8","h":"152","l":"150.7","c":"0","v":"9000"}
		]`,
	})
	defer srv.Close()

	candles, err := testClient(srv).Candles(context.Background(), "SOL", "1m", 1700000000000)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("candles = %+v, want zero-close filtered", candles)
	}
	c := candles[0]
	if c.Symbol != "SOL" || c.Open != 150 || c.Close != 150.8 || c.Volume != 12000 {
		t.Fatalf("candle = %+v", c)
	}
}

func TestHTTPErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := testClient(srv).Ping(context.Background()); err == nil {
		t.Fatalf("http 429 not surfaced")
	}
}

func TestAllMidsRejectsEmptyPayload(t *testing.T) {
	srv := infoServer(t, map[string]string{"allMids": `{}`})
	defer srv.Close()
	if _, err := testClient(srv).AllMids(context.Background()); err == nil {
		t.Fatalf("empty mids accepted")
	}
}
