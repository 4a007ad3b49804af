// xtclient.go implements the Family B ("XT") exchange client.
//
// Authentication: every signed request carries the validate-* header set
//
//	validate-algorithms: HmacSHA256
//	validate-appkey:     <apiKey>
//	validate-recvwindow: <ms>
//	validate-timestamp:  <epoch millis>
//	validate-signature:  hex(HMAC_SHA256(secret, X + Y))
//
// where X is the canonical header prefix
// "validate-algorithms=HmacSHA256&validate-appkey=...&validate-recvwindow=...&validate-timestamp=..."
// and Y is "#METHOD#path[#query][#body]".
//
// Responses arrive in an {rc, mc, result} envelope; mc codes AUTH_104 and
// AUTH_105 signal clock skew, which the client recovers from by resyncing
// serverTime and retrying.
//
// Market-buy convention: an explicit quoteQty field carries the quote
// amount. This family never overloads a volume field.
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

// XT mc codes signalling that the request timestamp drifted outside the
// recv window.
const (
	xtCodeSkewLow  = "AUTH_104"
	xtCodeSkewHigh = "AUTH_105"
)

const xtDefaultRecvWindow = 5000

// XTClient talks to a Family B exchange for one user's credentials.
type XTClient struct {
	http       *resty.Client
	apiKey     string
	secret     string
	recvWindow int64
	prec       *precisionCache
	pace       *pacer
	logger     *slog.Logger

	clockMu sync.Mutex
	clock   serverClock
}

// NewXTClient creates a Family B client bound to one user's credentials.
func NewXTClient(cfg FactoryConfig, apiKey, secret string, logger *slog.Logger) *XTClient {
	rw := cfg.RecvWindow
	if rw <= 0 {
		rw = xtDefaultRecvWindow
	}
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

	return &XTClient{
		http:       httpClient,
		apiKey:     apiKey,
		secret:     secret,
		recvWindow: rw,
		prec:       newPrecisionCache(cfg),
		pace:       newPacer(),
		logger:     logger.With("component", "exchange", "family", "xt"),
	}
}

// xtSymbol normalizes "GCBUSDT" and "GCB/USDT" to the family's lowercase
// underscore form ("gcb_usdt").
func xtSymbol(symbol string) string {
	s := strings.ToLower(strings.ReplaceAll(symbol, "/", "_"))
	if strings.Contains(s, "_") {
		return s
	}
	if strings.HasSuffix(s, "usdt") {
		return strings.TrimSuffix(s, "usdt") + "_usdt"
	}
	return s
}

// xtEnvelope wraps every XT response.
type xtEnvelope struct {
	RC     int             `json:"rc"`
	MC     string          `json:"mc"`
	Result json.RawMessage `json:"result"`
}

// sign builds the validate-signature value for one request.
func (c *XTClient) sign(ts string, method, path, query, body string) string {
	x := "validate-algorithms=HmacSHA256" +
		"&validate-appkey=" + c.apiKey +
		"&validate-recvwindow=" + strconv.FormatInt(c.recvWindow, 10) +
		"&validate-timestamp=" + ts
	y := "#" + method + "#" + path
	if query != "" {
		y += "#" + query
	}
	if body != "" {
		y += "#" + body
	}
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(x + y))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *XTClient) timestamp(ctx context.Context) (int64, error) {
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

func (c *XTClient) resync() {
	c.clockMu.Lock()
	c.clock.invalidate()
	c.clockMu.Unlock()
}

// public performs an unsigned GET and decodes the envelope result into out.
func (c *XTClient) public(ctx context.Context, path string, query url.Values, out any) error {
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

// signed performs an authenticated request with clock-skew recovery.
func (c *XTClient) signed(ctx context.Context, bucket *TokenBucket, method, path string, query url.Values, body any, out any) error {
	var bodyJSON []byte
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}
	queryStr := query.Encode()

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
			SetHeader("validate-algorithms", "HmacSHA256").
			SetHeader("validate-appkey", c.apiKey).
			SetHeader("validate-recvwindow", strconv.FormatInt(c.recvWindow, 10)).
			SetHeader("validate-timestamp", tsStr).
			SetHeader("validate-signature", c.sign(tsStr, method, path, queryStr, string(bodyJSON)))
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
		if asExchangeErr(err, &exErr) && (exErr.Code == xtCodeSkewLow || exErr.Code == xtCodeSkewHigh) {
			c.logger.Warn("clock skew detected, resyncing server time",
				"path", path, "code", exErr.Code, "attempt", attempt+1)
			c.resync()
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// decode unwraps the {rc, mc, result} envelope into out or a typed error.
func (c *XTClient) decode(path string, status int, body []byte, out any) error {
	if status >= 500 {
		return transientErr(strconv.Itoa(status), "%s: server error: %s", path, truncateBody(body))
	}
	var env xtEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return transientErr("", "%s: decode envelope: %v", path, err)
	}
	if env.RC != 0 || (env.MC != "" && env.MC != "SUCCESS") {
		switch {
		case env.MC == xtCodeSkewLow || env.MC == xtCodeSkewHigh:
			return &Error{Kind: KindAuth, Code: env.MC, Message: "timestamp outside recv window"}
		case strings.HasPrefix(env.MC, "AUTH_"):
			return authErr(env.MC, "%s: auth rejected", path)
		default:
			return rejectedErr(env.MC, "%s: rc=%d", path, env.RC)
		}
	}
	if status != 200 {
		return transientErr(strconv.Itoa(status), "%s: status %d", path, status)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return transientErr("", "%s: decode result: %v", path, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Public market data
// ————————————————————————————————————————————————————————————————————————

// Ticker fetches the latest trade price. This family's price endpoint does
// not carry 24h statistics; only Last is populated.
func (c *XTClient) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var raw []struct {
		Symbol string    `json:"s"`
		Price  flexFloat `json:"p"`
	}
	q := url.Values{"symbol": {xtSymbol(symbol)}}
	if err := c.public(ctx, "/v4/public/ticker/price", q, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, rejectedErr("", "%s: no ticker returned", symbol)
	}
	return &types.Ticker{Symbol: symbol, Last: float64(raw[0].Price)}, nil
}

// Depth fetches the order book, bids descending and asks ascending.
func (c *XTClient) Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error) {
	var raw struct {
		Bids [][]flexFloat `json:"bids"`
		Asks [][]flexFloat `json:"asks"`
	}
	q := url.Values{
		"symbol": {xtSymbol(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.public(ctx, "/v4/public/depth", q, &raw); err != nil {
		return nil, err
	}
	return &types.Depth{
		Symbol: symbol,
		Bids:   chLevels(raw.Bids),
		Asks:   chLevels(raw.Asks),
	}, nil
}

// BestAsk returns the lowest ask price on the book.
func (c *XTClient) BestAsk(ctx context.Context, symbol string) (float64, error) {
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

// SymbolInfo fetches price/quantity precision and caches it for formatting.
func (c *XTClient) SymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	var raw struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
		} `json:"symbols"`
	}
	q := url.Values{"symbol": {xtSymbol(symbol)}}
	if err := c.public(ctx, "/v4/public/symbol", q, &raw); err != nil {
		return nil, err
	}
	want := xtSymbol(symbol)
	for _, s := range raw.Symbols {
		if s.Symbol != want {
			continue
		}
		info := types.SymbolInfo{
			Symbol:            symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			MinQuantity:       fallbackMinQuantity,
		}
		c.prec.store(symbol, info)
		return &info, nil
	}
	info := c.prec.resolve(symbol)
	return &info, nil
}

// ServerTime returns the exchange's clock in epoch millis.
func (c *XTClient) ServerTime(ctx context.Context) (int64, error) {
	st, err := c.serverTimeUncached(ctx)
	if err != nil {
		return 0, err
	}
	c.clockMu.Lock()
	c.clock.set(st)
	c.clockMu.Unlock()
	return st, nil
}

func (c *XTClient) serverTimeUncached(ctx context.Context) (int64, error) {
	var raw struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.public(ctx, "/v4/public/time", nil, &raw); err != nil {
		return 0, err
	}
	return raw.ServerTime, nil
}

// ————————————————————————————————————————————————————————————————————————
// Authenticated operations
// ————————————————————————————————————————————————————————————————————————

// Balances fetches account balances keyed by upper-case asset.
func (c *XTClient) Balances(ctx context.Context) (map[string]types.Balance, error) {
	var raw struct {
		Assets []struct {
			Currency        string    `json:"currency"`
			AvailableAmount flexFloat `json:"availableAmount"`
			FrozenAmount    flexFloat `json:"frozenAmount"`
		} `json:"assets"`
	}
	if err := c.signed(ctx, c.pace.Market, "GET", "/v4/balances", nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]types.Balance, len(raw.Assets))
	for _, a := range raw.Assets {
		asset := strings.ToUpper(a.Currency)
		out[asset] = types.Balance{
			Asset:  asset,
			Free:   float64(a.AvailableAmount),
			Locked: float64(a.FrozenAmount),
		}
	}
	return out, nil
}

type xtOrder struct {
	OrderID     flexString `json:"orderId"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	Type        string     `json:"type"`
	Price       flexFloat  `json:"price"`
	OrigQty     flexFloat  `json:"origQty"`
	ExecutedQty flexFloat  `json:"executedQty"`
	State       string     `json:"state"`
}

// OpenOrders lists resting spot orders; side == "" returns both.
func (c *XTClient) OpenOrders(ctx context.Context, symbol string, side types.Side) ([]types.Order, error) {
	var raw []xtOrder
	q := url.Values{
		"symbol":  {xtSymbol(symbol)},
		"bizType": {"SPOT"},
	}
	if side != "" {
		q.Set("side", string(side))
	}
	if err := c.signed(ctx, c.pace.Market, "GET", "/v4/open-order", q, nil, &raw); err != nil {
		return nil, err
	}
	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, types.Order{
			ID:          string(o.OrderID),
			Symbol:      symbol,
			Side:        types.Side(strings.ToUpper(o.Side)),
			Type:        types.OrderType(strings.ToUpper(o.Type)),
			Price:       float64(o.Price),
			OrigQty:     float64(o.OrigQty),
			ExecutedQty: float64(o.ExecutedQty),
			Status:      o.State,
		})
	}
	return orders, nil
}

// xtOrderRequest is the POST /v4/order body. Quantity carries base units;
// QuoteQty carries the quote amount for market buys. Never both.
type xtOrderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	BizType     string `json:"bizType"`
	TimeInForce string `json:"timeInForce,omitempty"`
	Price       string `json:"price,omitempty"`
	Quantity    string `json:"quantity,omitempty"`
	QuoteQty    string `json:"quoteQty,omitempty"`
}

func (c *XTClient) placeOrder(ctx context.Context, req xtOrderRequest) (string, error) {
	var raw struct {
		OrderID flexString `json:"orderId"`
	}
	if err := c.signed(ctx, c.pace.Order, "POST", "/v4/order", nil, req, &raw); err != nil {
		return "", err
	}
	if raw.OrderID == "" {
		return "", rejectedErr("", "place order: no orderId in response")
	}
	return string(raw.OrderID), nil
}

// PlaceLimit places a GTC limit order at the symbol's precision.
func (c *XTClient) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, qty float64) (string, error) {
	info := c.prec.resolve(symbol)
	return c.placeOrder(ctx, xtOrderRequest{
		Symbol:      xtSymbol(symbol),
		Side:        string(side),
		Type:        "LIMIT",
		BizType:     "SPOT",
		TimeInForce: "GTC",
		Price:       FormatPrice(price, info.PricePrecision),
		Quantity:    FormatQty(qty, info.QuantityPrecision),
	})
}

// PlaceMarketBuyQuote buys at market spending quoteAmount USDT via the
// explicit quoteQty field.
func (c *XTClient) PlaceMarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	return c.placeOrder(ctx, xtOrderRequest{
		Symbol:   xtSymbol(symbol),
		Side:     "BUY",
		Type:     "MARKET",
		BizType:  "SPOT",
		QuoteQty: FormatPrice(quoteAmount, 2),
	})
}

// PlaceMarketBuyVolume exists for interface parity with family A; on this
// family a market buy is always expressed through quoteQty.
func (c *XTClient) PlaceMarketBuyVolume(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	return c.PlaceMarketBuyQuote(ctx, symbol, quoteAmount)
}

// PlaceMarketSell sells qty base units at market.
func (c *XTClient) PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error) {
	info := c.prec.resolve(symbol)
	return c.placeOrder(ctx, xtOrderRequest{
		Symbol:   xtSymbol(symbol),
		Side:     "SELL",
		Type:     "MARKET",
		BizType:  "SPOT",
		Quantity: FormatQty(qty, info.QuantityPrecision),
	})
}

// CancelOrder cancels one order by id.
func (c *XTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var raw struct {
		CancelID flexString `json:"cancelId"`
	}
	if err := c.signed(ctx, c.pace.Cancel, "DELETE", "/v4/order/"+orderID, nil, nil, &raw); err != nil {
		return err
	}
	return nil
}

// CancelAll cancels every open spot order for the symbol via the native
// open-order delete.
func (c *XTClient) CancelAll(ctx context.Context, symbol string, side types.Side) (int, error) {
	// Count first so callers get a meaningful number back; the delete
	// endpoint itself returns no per-order detail.
	orders, err := c.OpenOrders(ctx, symbol, side)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}
	body := map[string]string{
		"symbol":  xtSymbol(symbol),
		"bizType": "SPOT",
	}
	if side != "" {
		body["side"] = string(side)
	}
	if err := c.signed(ctx, c.pace.Cancel, "DELETE", "/v4/open-order", nil, body, nil); err != nil {
		return 0, err
	}
	return len(orders), nil
}

// PlaceBatch places up to the family's batch limit in one call.
func (c *XTClient) PlaceBatch(ctx context.Context, symbol string, specs []types.OrderSpec) ([]types.OrderResult, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	info := c.prec.resolve(symbol)
	items := make([]xtOrderRequest, len(specs))
	for i, spec := range specs {
		req := xtOrderRequest{
			Symbol:  xtSymbol(symbol),
			Side:    string(spec.Side),
			Type:    string(spec.Type),
			BizType: "SPOT",
		}
		if spec.Type == types.OrderTypeMarket && spec.Side == types.BUY {
			req.QuoteQty = FormatPrice(spec.Quantity, 2)
		} else {
			req.TimeInForce = "GTC"
			req.Price = FormatPrice(spec.Price, info.PricePrecision)
			req.Quantity = FormatQty(spec.Quantity, info.QuantityPrecision)
		}
		items[i] = req
	}

	var raw struct {
		Items []struct {
			OrderID flexString `json:"orderId"`
		} `json:"items"`
	}
	body := map[string]any{"items": items}
	if err := c.signed(ctx, c.pace.Order, "POST", "/v4/batch-order", nil, body, &raw); err != nil {
		// Whole-batch failure: report the same error per item.
		results := make([]types.OrderResult, len(specs))
		for i := range results {
			results[i] = types.OrderResult{Err: err}
		}
		return results, err
	}
	results := make([]types.OrderResult, len(specs))
	for i := range results {
		if i < len(raw.Items) {
			results[i] = types.OrderResult{OrderID: string(raw.Items[i].OrderID)}
		}
	}
	return results, nil
}
