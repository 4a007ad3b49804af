package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gcb-engine/pkg/types"
)

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chServer is a minimal family-A exchange: it serves time and records the
// last signed request for assertions.
type chServer struct {
	*httptest.Server
	lastTS   atomic.Value // string
	lastSign atomic.Value // string
	lastBody atomic.Value // string
	orders   atomic.Int64
}

func newCHServer(t *testing.T, orderHandler http.HandlerFunc) *chServer {
	t.Helper()
	s := &chServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("/sapi/v2/order", func(w http.ResponseWriter, r *http.Request) {
		s.orders.Add(1)
		s.lastTS.Store(r.Header.Get("X-CH-TS"))
		s.lastSign.Store(r.Header.Get("X-CH-SIGN"))
		body, _ := io.ReadAll(r.Body)
		s.lastBody.Store(string(body))
		orderHandler(w, r)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newCHTestClient(baseURL string) *CHClient {
	return NewCHClient(FactoryConfig{BaseURL: baseURL}, testAPIKey, testSecret, testLogger())
}

func TestCHSignedRequestHeadersAndSignature(t *testing.T) {
	t.Parallel()
	srv := newCHServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CH-APIKEY") != testAPIKey {
			t.Errorf("X-CH-APIKEY = %q", r.Header.Get("X-CH-APIKEY"))
		}
		fmt.Fprint(w, `{"orderId":"12345"}`)
	})
	c := newCHTestClient(srv.URL)

	id, err := c.PlaceMarketBuyVolume(context.Background(), "GCBUSDT", 50)
	if err != nil {
		t.Fatalf("PlaceMarketBuyVolume: %v", err)
	}
	if id != "12345" {
		t.Errorf("order id = %q, want 12345", id)
	}

	// The signature is HMAC-SHA256 over ts + method + path + body.
	ts := srv.lastTS.Load().(string)
	body := srv.lastBody.Load().(string)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "POST" + "/sapi/v2/order" + body))
	want := hex.EncodeToString(mac.Sum(nil))
	if got := srv.lastSign.Load().(string); got != want {
		t.Errorf("X-CH-SIGN = %q, want %q", got, want)
	}
}

func TestCHMarketBuyVolumeCarriesQuoteAmount(t *testing.T) {
	t.Parallel()
	srv := newCHServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orderId":1}`)
	})
	c := newCHTestClient(srv.URL)

	if _, err := c.PlaceMarketBuyQuote(context.Background(), "GCBUSDT", 49.999); err != nil {
		t.Fatalf("PlaceMarketBuyQuote: %v", err)
	}

	var req chOrderRequest
	if err := json.Unmarshal([]byte(srv.lastBody.Load().(string)), &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != "MARKET" || req.Side != "BUY" {
		t.Errorf("order = %s %s, want MARKET BUY", req.Type, req.Side)
	}
	// Quote amount truncated to 2 decimals, in the volume field.
	if req.Volume != "49.99" {
		t.Errorf("volume = %q, want 49.99", req.Volume)
	}
	if req.Symbol != "gcbusdt" {
		t.Errorf("symbol = %q, want gcbusdt (lowercase concatenated)", req.Symbol)
	}
}

func TestCHClockSkewResyncsAndRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	srv := newCHServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return
		}
		fmt.Fprint(w, `{"orderId":"77"}`)
	})
	c := newCHTestClient(srv.URL)

	id, err := c.PlaceMarketBuyVolume(context.Background(), "GCBUSDT", 10)
	if err != nil {
		t.Fatalf("expected recovery after resync, got %v", err)
	}
	if id != "77" {
		t.Errorf("order id = %q, want 77", id)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestCHAuthErrorIsTerminal(t *testing.T) {
	t.Parallel()
	srv := newCHServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key"}`)
	})
	c := newCHTestClient(srv.URL)

	_, err := c.PlaceMarketBuyVolume(context.Background(), "GCBUSDT", 10)
	if !IsAuth(err) {
		t.Errorf("err = %v, want auth kind", err)
	}
	if srv.orders.Load() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on bad key)", srv.orders.Load())
	}
}

func TestCHTickerParsesStringNumbers(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v2/ticker", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "gcbusdt" {
			t.Errorf("symbol query = %q, want gcbusdt", got)
		}
		fmt.Fprint(w, `{"high":"1.25","low":1.01,"last":"1.10","vol":"5000","rose":"0.05"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newCHTestClient(srv.URL)

	tk, err := c.Ticker(context.Background(), "GCBUSDT")
	if err != nil {
		t.Fatalf("Ticker: %v", err)
	}
	if tk.Last != 1.10 || tk.High24h != 1.25 || tk.Low24h != 1.01 {
		t.Errorf("ticker = %+v", tk)
	}
}

func TestCHDepthOrdering(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v2/depth", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bids":[["0.99","100"],["0.98","50"]],"asks":[["1.01","70"],["1.02","30"]]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newCHTestClient(srv.URL)

	d, err := c.Depth(context.Background(), "GCBUSDT", 10)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if bid, _ := d.BestBid(); bid.Price != 0.99 || bid.Qty != 100 {
		t.Errorf("best bid = %+v", bid)
	}
	if ask, _ := d.BestAsk(); ask.Price != 1.01 || ask.Qty != 70 {
		t.Errorf("best ask = %+v", ask)
	}
}

func TestCHCancelOrderAcceptsEchoedID(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/sapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	})
	responses := []string{
		`{"orderId":"9","status":"CANCELED"}`,
		`{"orderId":9}`,
		`{"orderId":"","status":"REJECTED"}`,
	}
	var call atomic.Int64
	mux.HandleFunc("/sapi/v2/cancel", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, responses[call.Add(1)-1])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := newCHTestClient(srv.URL)

	if err := c.CancelOrder(context.Background(), "GCBUSDT", "9"); err != nil {
		t.Errorf("explicit status: %v", err)
	}
	if err := c.CancelOrder(context.Background(), "GCBUSDT", "9"); err != nil {
		t.Errorf("echoed id: %v", err)
	}
	if err := c.CancelOrder(context.Background(), "GCBUSDT", "9"); err == nil {
		t.Error("rejected cancel should error")
	}
}

func TestCHLimitOrderUsesSymbolPrecision(t *testing.T) {
	t.Parallel()
	srv := newCHServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orderId":"1"}`)
	})
	c := NewCHClient(FactoryConfig{
		BaseURL: srv.URL,
		SymbolPrecision: map[string]types.SymbolInfo{
			"GCBUSDT": {Symbol: "GCBUSDT", PricePrecision: 4, QuantityPrecision: 1},
		},
	}, testAPIKey, testSecret, testLogger())

	if _, err := c.PlaceLimit(context.Background(), "GCBUSDT", "BUY", 1.234567, 10.789); err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	var req chOrderRequest
	if err := json.Unmarshal([]byte(srv.lastBody.Load().(string)), &req); err != nil {
		t.Fatal(err)
	}
	if req.Price != "1.2345" {
		t.Errorf("price = %q, want 1.2345 (truncated, not rounded)", req.Price)
	}
	if req.Volume != "10.7" {
		t.Errorf("volume = %q, want 10.7", req.Volume)
	}
}
