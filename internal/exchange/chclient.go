// chclient.go implements the Family A ("CH") exchange client.
//
// Authentication: every signed request carries
//
//	X-CH-APIKEY: <apiKey>
//	X-CH-TS:     <epoch millis, from the exchange's serverTime>
//	X-CH-SIGN:   hex(HMAC_SHA256(secret, ts ∥ METHOD ∥ path ∥ bodyOrQuery))
//
// The signing payload is the JSON body for POSTs and the raw query string
// for GETs. A -1021 rejection means the timestamp drifted outside the
// exchange's window; the client resyncs serverTime and retries.
//
// Market-buy convention: the "volume" field of a MARKET BUY carries the
// quote (USDT) amount, not a base quantity.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"gcb-engine/pkg/types"
)

// CH error codes that matter to the client.
const (
	chCodeBadTimestamp = -1021 // outside recvWindow: resync and retry
	chCodeBadSignature = -1022
	chCodeBadAPIKey    = -2015
)

// CHClient talks to a Family A exchange for one user's credentials.
type CHClient struct {
	http   *resty.Client
	apiKey string
	secret string
	prec   *precisionCache
	pace   *pacer
	logger *slog.Logger

	clockMu sync.Mutex
	clock   serverClock
}

// NewCHClient creates a Family A client bound to one user's credentials.
func NewCHClient(cfg FactoryConfig, apiKey, secret string, logger *slog.Logger) *CHClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(httpTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &CHClient{
		http:   httpClient,
		apiKey: apiKey,
		secret: secret,
		prec:   newPrecisionCache(cfg),
		pace:   newPacer(),
		logger: logger.With("component", "exchange", "family", "ch"),
	}
}

// chSymbol normalizes "GCB/USDT" and "GCB_USDT" to the family's lowercase
// concatenated form.
func chSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "/", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.ToLower(s)
}

// flexFloat accepts both JSON numbers and numeric strings; the CH API mixes
// the two freely across endpoints.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts both JSON strings and numbers (order ids arrive as
// either, depending on the endpoint).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = flexString(strings.Trim(string(b), `"`))
	return nil
}

// chStatus is the error envelope present on every failed CH response.
type chStatus struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// sign computes hex(HMAC_SHA256(secret, ts + method + path + payload)).
func (c *CHClient) sign(ts, method, path, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + method + path + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// timestamp returns the current exchange-time in millis, syncing the cached
// server clock when it is stale.
func (c *CHClient) timestamp(ctx context.Context) (int64, error) {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	if !c.clock.fresh() {
		st, err := c.serverTimeUncached(ctx)
		if err != nil {
			return 0, err
		}
		c.clock.set(st)
	}
	return c.clock.nowMillis(), nil
}

func (c *CHClient) resync() {
	c.clockMu.Lock()
	c.clock.invalidate()
	c.clockMu.Unlock()
}

// public performs an unsigned GET and decodes the response into out.
func (c *CHClient) public(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.pace.Market.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(path)
	if err != nil {
		return transientErr("", "GET %s: %v", path, err)
	}
	return c.decode(path, resp.StatusCode(), resp.Body(), out)
}

// signed performs an authenticated request, recovering from clock skew by
// resyncing serverTime and retrying up to maxSkewRetries attempts.
func (c *CHClient) signed(ctx context.Context, bucket *TokenBucket, method, path string, query url.Values, body any, out any) error {
	var payload string
	var bodyJSON []byte
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = string(bodyJSON)
	} else if len(query) > 0 {
		payload = query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxSkewRetries; attempt++ {
		if err := bucket.Wait(ctx); err != nil {
			return err
		}
		ts, err := c.timestamp(ctx)
		if err != nil {
			return err
		}
		tsStr := strconv.FormatInt(ts, 10)

		req := c.http.R().
			SetContext(ctx).
			SetHeader("X-CH-APIKEY", c.apiKey).
			SetHeader("X-CH-TS", tsStr).
			SetHeader("X-CH-SIGN", c.sign(tsStr, method, path, payload))
		if len(query) > 0 {
			req.SetQueryParamsFromValues(query)
		}
		if bodyJSON != nil {
			req.SetBody(json.RawMessage(bodyJSON))
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return transientErr("", "%s %s: %v", method, path, err)
		}

		err = c.decode(path, resp.StatusCode(), resp.Body(), out)
		if err == nil {
			return nil
		}
		var exErr *Error
		if asExchangeErr(err, &exErr) && exErr.Code == strconv.Itoa(chCodeBadTimestamp) {
			c.logger.Warn("clock skew detected, resyncing server time",
				"path", path, "attempt", attempt+1)
			c.resync()
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

func asExchangeErr(err error, target **Error) bool {
	e, ok := err.(*Error)
	if ok {
		*target = e
	}
	return ok
}

// decode maps a CH response to either the caller's value or a typed error.
func (c *CHClient) decode(path string, status int, body []byte, out any) error {
	if status >= 500 {
		return transientErr(strconv.Itoa(status), "%s: server error: %s", path, truncateBody(body))
	}

	// A code field marks a failure even on HTTP 200.
	var st chStatus
	if err := json.Unmarshal(body, &st); err == nil && st.Code != 0 {
		code := strconv.Itoa(st.Code)
		switch st.Code {
		case chCodeBadTimestamp:
			return &Error{Kind: KindAuth, Code: code, Message: st.Msg}
		case chCodeBadSignature, chCodeBadAPIKey:
			return authErr(code, "%s: %s", path, st.Msg)
		default:
			return rejectedErr(code, "%s: %s", path, st.Msg)
		}
	}
	if status != 200 {
		return transientErr(strconv.Itoa(status), "%s: status %d: %s", path, status, truncateBody(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return transientErr("", "%s: decode response: %v", path, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Public market data
// ————————————————————————————————————————————————————————————————————————

// Ticker fetches the 24h ticker for a symbol.
func (c *CHClient) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var raw struct {
		High flexFloat `json:"high"`
		Low  flexFloat `json:"low"`
		Last flexFloat `json:"last"`
		Vol  flexFloat `json:"vol"`
		Rose flexFloat `json:"rose"`
	}
	q := url.Values{"symbol": {chSymbol(symbol)}}
	if err := c.public(ctx, "/sapi/v2/ticker", q, &raw); err != nil {
		return nil, err
	}
	return &types.Ticker{
		Symbol:    symbol,
		Last:      float64(raw.Last),
		High24h:   float64(raw.High),
		Low24h:    float64(raw.Low),
		Volume24h: float64(raw.Vol),
		Change24h: float64(raw.Rose),
	}, nil
}

// Depth fetches the order book, bids descending and asks ascending.
func (c *CHClient) Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error) {
	var raw struct {
		Bids [][]flexFloat `json:"bids"`
		Asks [][]flexFloat `json:"asks"`
	}
	q := url.Values{
		"symbol": {chSymbol(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.public(ctx, "/sapi/v2/depth", q, &raw); err != nil {
		return nil, err
	}
	return &types.Depth{
		Symbol: symbol,
		Bids:   chLevels(raw.Bids),
		Asks:   chLevels(raw.Asks),
	}, nil
}

func chLevels(raw [][]flexFloat) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: float64(l[0]), Qty: float64(l[1])})
	}
	return levels
}

// BestAsk returns the lowest ask price on the book.
func (c *CHClient) BestAsk(ctx context.Context, symbol string) (float64, error) {
	depth, err := c.Depth(ctx, symbol, 1)
	if err != nil {
		return 0, err
	}
	ask, ok := depth.BestAsk()
	if !ok {
		return 0, rejectedErr("", "%s: empty ask side", symbol)
	}
	return ask.Price, nil
}

// SymbolInfo fetches price/quantity precision for a symbol and caches it
// for formatting.
func (c *CHClient) SymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	var raw struct {
		Symbols []struct {
			Symbol            string    `json:"symbol"`
			PricePrecision    int       `json:"pricePrecision"`
			QuantityPrecision int       `json:"quantityPrecision"`
			LimitVolumeMin    flexFloat `json:"limitVolumeMin"`
		} `json:"symbols"`
	}
	if err := c.public(ctx, "/sapi/v2/symbols", nil, &raw); err != nil {
		return nil, err
	}
	want := chSymbol(symbol)
	for _, s := range raw.Symbols {
		if strings.ToLower(s.Symbol) != want {
			continue
		}
		info := types.SymbolInfo{
			Symbol:            symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			MinQuantity:       float64(s.LimitVolumeMin),
		}
		if info.MinQuantity <= 0 {
			info.MinQuantity = fallbackMinQuantity
		}
		c.prec.store(symbol, info)
		return &info, nil
	}
	info := c.prec.resolve(symbol)
	return &info, nil
}

// ServerTime returns the exchange's clock in epoch millis.
func (c *CHClient) ServerTime(ctx context.Context) (int64, error) {
	st, err := c.serverTimeUncached(ctx)
	if err != nil {
		return 0, err
	}
	c.clockMu.Lock()
	c.clock.set(st)
	c.clockMu.Unlock()
	return st, nil
}

func (c *CHClient) serverTimeUncached(ctx context.Context) (int64, error) {
	var raw struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.public(ctx, "/sapi/v1/time", nil, &raw); err != nil {
		return 0, err
	}
	return raw.ServerTime, nil
}

// ————————————————————————————————————————————————————————————————————————
// Authenticated operations
// ————————————————————————————————————————————————————————————————————————

// Balances fetches account balances keyed by upper-case asset.
func (c *CHClient) Balances(ctx context.Context) (map[string]types.Balance, error) {
	var raw struct {
		Balances []struct {
			Asset  string    `json:"asset"`
			Free   flexFloat `json:"free"`
			Locked flexFloat `json:"locked"`
		} `json:"balances"`
	}
	if err := c.signed(ctx, c.pace.Market, "GET", "/sapi/v1/account", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]types.Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		asset := strings.ToUpper(b.Asset)
		out[asset] = types.Balance{
			Asset:  asset,
			Free:   float64(b.Free),
			Locked: float64(b.Locked),
		}
	}
	return out, nil
}

type chOrder struct {
	OrderID     flexString `json:"orderId"`
	Symbol      string     `json:"symbol"`
	Price       flexFloat  `json:"price"`
	OrigQty     flexFloat  `json:"origQty"`
	ExecutedQty flexFloat  `json:"executedQty"`
	Side        string     `json:"side"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
}

func (o chOrder) normalized(symbol string) types.Order {
	return types.Order{
		ID:          string(o.OrderID),
		Symbol:      symbol,
		Side:        types.Side(strings.ToUpper(o.Side)),
		Type:        types.OrderType(strings.ToUpper(o.Type)),
		Price:       float64(o.Price),
		OrigQty:     float64(o.OrigQty),
		ExecutedQty: float64(o.ExecutedQty),
		Status:      o.Status,
	}
}

// OpenOrders lists resting orders for a symbol; side == "" returns both.
func (c *CHClient) OpenOrders(ctx context.Context, symbol string, side types.Side) ([]types.Order, error) {
	var raw struct {
		List []chOrder `json:"list"`
	}
	q := url.Values{
		"symbol": {chSymbol(symbol)},
		"limit":  {"100"},
	}
	if err := c.signed(ctx, c.pace.Market, "GET", "/sapi/v2/openOrders", q, nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(raw.List))
	for _, o := range raw.List {
		n := o.normalized(symbol)
		if side != "" && n.Side != side {
			continue
		}
		orders = append(orders, n)
	}
	return orders, nil
}

// chOrderRequest is the POST /sapi/v2/order body. Volume is the base
// quantity for LIMIT and MARKET SELL, and the quote (USDT) amount for
// MARKET BUY.
type chOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Volume      string `json:"volume"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

func (c *CHClient) placeOrder(ctx context.Context, req chOrderRequest) (string, error) {
	var raw struct {
		OrderID flexString `json:"orderId"`
	}
	if err := c.signed(ctx, c.pace.Order, "POST", "/sapi/v2/order", nil, req, &raw); err != nil {
		return "", err
	}
	if raw.OrderID == "" {
		return "", rejectedErr("", "place order: no orderId in response")
	}
	return string(raw.OrderID), nil
}

// PlaceLimit places a GTC limit order at the symbol's precision.
func (c *CHClient) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, qty float64) (string, error) {
	info := c.prec.resolve(symbol)
	return c.placeOrder(ctx, chOrderRequest{
		Symbol:      chSymbol(symbol),
		Side:        string(side),
		Type:        "LIMIT",
		Volume:      FormatQty(qty, info.QuantityPrecision),
		Price:       FormatPrice(price, info.PricePrecision),
		TimeInForce: "GTC",
	})
}

// PlaceMarketBuyQuote buys at market spending quoteAmount USDT. On this
// family the market-buy volume field carries the quote amount.
func (c *CHClient) PlaceMarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	return c.PlaceMarketBuyVolume(ctx, symbol, quoteAmount)
}

// PlaceMarketBuyVolume is the family-native market buy (volume = USDT).
func (c *CHClient) PlaceMarketBuyVolume(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	return c.placeOrder(ctx, chOrderRequest{
		Symbol: chSymbol(symbol),
		Side:   "BUY",
		Type:   "MARKET",
		Volume: FormatPrice(quoteAmount, 2),
	})
}

// PlaceMarketSell sells qty base units at market. Unlike a market buy, a
// market sell's volume field carries the base quantity.
func (c *CHClient) PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error) {
	info := c.prec.resolve(symbol)
	return c.placeOrder(ctx, chOrderRequest{
		Symbol: chSymbol(symbol),
		Side:   "SELL",
		Type:   "MARKET",
		Volume: FormatQty(qty, info.QuantityPrecision),
	})
}

// CancelOrder cancels one order. The family reports success in several
// shapes: an explicit CANCELED/PENDING_CANCEL status, a zero code, or just
// the echoed orderId.
func (c *CHClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var raw struct {
		OrderID flexString `json:"orderId"`
		Status  string     `json:"status"`
	}
	body := map[string]string{
		"symbol":  chSymbol(symbol),
		"orderId": orderID,
	}
	if err := c.signed(ctx, c.pace.Cancel, "POST", "/sapi/v2/cancel", nil, body, &raw); err != nil {
		return err
	}
	switch raw.Status {
	case "CANCELED", "PENDING_CANCEL":
		return nil
	}
	if string(raw.OrderID) != "" {
		return nil
	}
	return rejectedErr("", "cancel %s: unexpected response status %q", orderID, raw.Status)
}

// CancelAll cancels every open order for the symbol (one side when side is
// non-empty). The family has no batch cancel, so this is a bounded-worker
// loop paced by the cancel bucket.
func (c *CHClient) CancelAll(ctx context.Context, symbol string, side types.Side) (int, error) {
	orders, err := c.OpenOrders(ctx, symbol, side)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, cancelLoopWorker)
	results := make(chan error, len(orders))
	for _, o := range orders {
		sem <- struct{}{}
		go func(id string) {
			defer func() { <-sem }()
			results <- c.CancelOrder(ctx, symbol, id)
		}(o.ID)
	}

	cancelled := 0
	var firstErr error
	for range orders {
		if err := <-results; err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancelled++
	}
	if cancelled == 0 && firstErr != nil {
		return 0, firstErr
	}
	return cancelled, nil
}

// PlaceBatch has no native endpoint on this family; specs are placed
// serially with a short delay between placements.
func (c *CHClient) PlaceBatch(ctx context.Context, symbol string, specs []types.OrderSpec) ([]types.OrderResult, error) {
	results := make([]types.OrderResult, len(specs))
	for i, spec := range specs {
		if i > 0 {
			if err := sleepCtx(ctx, batchPlaceDelay); err != nil {
				return results, err
			}
		}
		var id string
		var err error
		switch {
		case spec.Type == types.OrderTypeMarket && spec.Side == types.BUY:
			id, err = c.PlaceMarketBuyVolume(ctx, symbol, spec.Quantity)
		default:
			id, err = c.PlaceLimit(ctx, symbol, spec.Side, spec.Price, spec.Quantity)
		}
		results[i] = types.OrderResult{OrderID: id, Err: err}
	}
	return results, nil
}
