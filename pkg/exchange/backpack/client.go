// Package backpack implements the exchange adapter for Backpack Exchange:
// ED25519 signed REST for trading and websocket streams for fills and book.
package backpack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	name           = "backpack"
	DefaultBaseURL = "https://api.backpack.exchange"
	DefaultWSURL   = "wss://ws.backpack.exchange"
)

type Options struct {
	BaseURL           string
	WSURL             string
	APIKey            string
	APISecret         string
	MarketType        models.MarketType
	RequestsPerSecond float64
	Timeout           time.Duration
}

type Client struct {
	opts       Options
	baseURL    string
	signer     *Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	mu      sync.RWMutex
	clients map[uint32]string
	issued  []uint32
	markets map[string]*models.Market
}

// maxClientIDs bounds the correlation lookup; ids are normally dropped
// earlier, when the order update stream reports the order finished.
const maxClientIDs = 4096

var _ exchange.Adapter = (*Client)(nil)

func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	signer, err := NewSigner(opts.APIKey, opts.APISecret)
	if err != nil {
		return nil, err
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.WSURL == "" {
		opts.WSURL = DefaultWSURL
	}
	if opts.MarketType == "" {
		opts.MarketType = models.MarketTypePerp
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Client{
		opts:       opts,
		baseURL:    opts.BaseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1),
		logger:     logger,
		clients:    make(map[uint32]string),
		markets:    make(map[string]*models.Market),
	}, nil
}

func (c *Client) Name() string {
	return name
}

// clientID folds a correlation id into the u32 client id Backpack accepts and
// remembers the mapping so fills can be traced back. seen reports whether the
// id was handed out before.
func (c *Client) clientID(corrID string) (id uint32, seen bool) {
	h := fnv.New32a()
	h.Write([]byte(corrID))
	id = h.Sum32()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen = c.clients[id]; !seen {
		c.issued = append(c.issued, id)
	}
	c.clients[id] = corrID
	for len(c.issued) > maxClientIDs {
		delete(c.clients, c.issued[0])
		c.issued = c.issued[1:]
	}
	return id, seen
}

// forgetClientID drops the mapping once no more fills can arrive for the order.
func (c *Client) forgetClientID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[id]; !ok {
		return
	}
	delete(c.clients, id)
	for i, v := range c.issued {
		if v == id {
			c.issued = append(c.issued[:i], c.issued[i+1:]...)
			break
		}
	}
}

func (c *Client) correlationID(id uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if corr, ok := c.clients[id]; ok {
		return corr
	}
	return strconv.FormatUint(uint64(id), 10)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func classify(status int, code string) error {
	switch code {
	case "RESOURCE_NOT_FOUND":
		return exchange.ErrOrderNotFound
	case "UNAUTHORIZED", "INVALID_SIGNATURE", "FORBIDDEN":
		return exchange.ErrAuthFailure
	case "TOO_MANY_REQUESTS":
		return exchange.ErrRateLimited
	case "SERVICE_UNAVAILABLE", "INTERNAL_ERROR":
		return exchange.ErrNetworkTransient
	}
	return exchange.ClassifyStatus(status)
}

// doRequest sends one REST call. Signed calls pass a non-empty instruction;
// params are signed and sent as the query for GET or the JSON body otherwise.
func (c *Client) doRequest(ctx context.Context, op, method, path, instruction string, params map[string]string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.baseURL + path
	var reader io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, v)
			}
			target += "?" + q.Encode()
		}
	} else if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if instruction != "" {
		c.signer.AddAuthHeaders(req, instruction, params)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange.WrapTransport(name, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.WrapTransport(name, op, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return &exchange.Error{
			Exchange:   name,
			Op:         op,
			Kind:       classify(resp.StatusCode, apiErr.Code),
			Status:     resp.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			RetryAfter: exchange.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

type marketResponse struct {
	Symbol      string `json:"symbol"`
	BaseSymbol  string `json:"baseSymbol"`
	QuoteSymbol string `json:"quoteSymbol"`
	MarketType  string `json:"marketType"`
	Filters     struct {
		Price struct {
			TickSize decimal.Decimal `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize    decimal.Decimal `json:"stepSize"`
			MinQuantity decimal.Decimal `json:"minQuantity"`
		} `json:"quantity"`
	} `json:"filters"`
}

func (c *Client) GetMarket(ctx context.Context, symbol string) (*models.Market, error) {
	c.mu.RLock()
	if m, ok := c.markets[symbol]; ok {
		c.mu.RUnlock()
		out := *m
		return &out, nil
	}
	c.mu.RUnlock()

	var resp marketResponse
	if err := c.doRequest(ctx, "market", http.MethodGet, "/api/v1/market", "", map[string]string{"symbol": symbol}, nil, &resp); err != nil {
		return nil, err
	}

	m := &models.Market{
		Symbol:       resp.Symbol,
		Type:         c.opts.MarketType,
		BaseAsset:    resp.BaseSymbol,
		QuoteAsset:   resp.QuoteSymbol,
		TickSize:     resp.Filters.Price.TickSize,
		StepSize:     resp.Filters.Quantity.StepSize,
		MinOrderSize: resp.Filters.Quantity.MinQuantity,
	}
	switch resp.MarketType {
	case "PERP":
		m.Type = models.MarketTypePerp
	case "SPOT":
		m.Type = models.MarketTypeSpot
	}

	c.mu.Lock()
	c.markets[symbol] = m
	c.mu.Unlock()
	out := *m
	return &out, nil
}

type depthResponse struct {
	Bids      [][2]decimal.Decimal `json:"bids"`
	Asks      [][2]decimal.Decimal `json:"asks"`
	Timestamp int64                `json:"timestamp"`
}

func (c *Client) GetMidPrice(ctx context.Context, symbol string) (*models.BookTicker, error) {
	var resp depthResponse
	if err := c.doRequest(ctx, "depth", http.MethodGet, "/api/v1/depth", "", map[string]string{"symbol": symbol}, nil, &resp); err != nil {
		return nil, err
	}

	t := &models.BookTicker{Symbol: symbol, Timestamp: time.Now()}
	if resp.Timestamp > 0 {
		t.Timestamp = time.UnixMilli(resp.Timestamp)
	}
	for _, lvl := range resp.Bids {
		if lvl[0].GreaterThan(t.BidPrice) {
			t.BidPrice, t.BidSize = lvl[0], lvl[1]
		}
	}
	for _, lvl := range resp.Asks {
		if t.AskPrice.IsZero() || lvl[0].LessThan(t.AskPrice) {
			t.AskPrice, t.AskSize = lvl[0], lvl[1]
		}
	}
	if !t.BidPrice.IsPositive() && !t.AskPrice.IsPositive() {
		return nil, &exchange.Error{Exchange: name, Op: "depth", Kind: exchange.ErrNetworkTransient, Message: "empty book"}
	}
	return t, nil
}

type orderResponse struct {
	ID               string          `json:"id"`
	ClientID         *uint32         `json:"clientId"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	OrderType        string          `json:"orderType"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	Status           string          `json:"status"`
	TimeInForce      string          `json:"timeInForce"`
	PostOnly         bool            `json:"postOnly"`
	ReduceOnly       bool            `json:"reduceOnly"`
	CreatedAt        int64           `json:"createdAt"`
}

func fromSide(s string) models.OrderSide {
	if s == "Ask" {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

func toSide(s models.OrderSide) string {
	if s == models.OrderSideSell {
		return "Ask"
	}
	return "Bid"
}

func fromStatus(s string) models.OrderStatus {
	switch s {
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Cancelled":
		return models.OrderStatusCancelled
	case "Expired":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusAcknowledged
	}
}

func (c *Client) toOrder(r orderResponse) models.Order {
	o := models.Order{
		OrderID:     r.ID,
		Symbol:      r.Symbol,
		Side:        fromSide(r.Side),
		Type:        models.OrderTypeLimit,
		Price:       r.Price,
		Size:        r.Quantity,
		FilledSize:  r.ExecutedQuantity,
		Status:      fromStatus(r.Status),
		TimeInForce: models.TimeInForce(r.TimeInForce),
		PostOnly:    r.PostOnly,
		ReduceOnly:  r.ReduceOnly,
		UpdatedAt:   time.Now(),
	}
	if r.OrderType == "Market" {
		o.Type = models.OrderTypeMarket
	}
	if r.ClientID != nil {
		o.ClientID = c.correlationID(*r.ClientID)
	}
	if r.CreatedAt > 0 {
		o.CreatedAt = time.UnixMilli(r.CreatedAt)
	}
	return o
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := map[string]string{"symbol": symbol}
	var resp []orderResponse
	if err := c.doRequest(ctx, "open_orders", http.MethodGet, "/api/v1/orders", "orderQueryAll", params, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(resp))
	for _, r := range resp {
		out = append(out, c.toOrder(r))
	}
	return out, nil
}

// findByClientID looks up an order we may already have placed with this id.
func (c *Client) findByClientID(ctx context.Context, symbol string, id uint32) (*models.Order, error) {
	params := map[string]string{"symbol": symbol, "clientId": strconv.FormatUint(uint64(id), 10)}
	var resp orderResponse
	if err := c.doRequest(ctx, "order", http.MethodGet, "/api/v1/order", "orderQuery", params, nil, &resp); err != nil {
		return nil, err
	}
	o := c.toOrder(resp)
	return &o, nil
}

// PlaceOrder submits a limit or market order. A ClientID that was already
// submitted is first looked up, so a retry after an ambiguous failure returns
// the existing order rather than placing a second one.
func (c *Client) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	id, retried := c.clientID(req.ClientID)
	if retried && req.ClientID != "" {
		o, err := c.findByClientID(ctx, req.Symbol, id)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			return nil, err
		}
	}

	params := map[string]string{
		"symbol":    req.Symbol,
		"side":      toSide(req.Side),
		"orderType": "Limit",
		"quantity":  req.Size.String(),
		"clientId":  strconv.FormatUint(uint64(id), 10),
	}
	body := map[string]any{
		"symbol":    req.Symbol,
		"side":      toSide(req.Side),
		"orderType": "Limit",
		"quantity":  req.Size.String(),
		"clientId":  id,
	}
	if req.Type == models.OrderTypeMarket {
		params["orderType"], body["orderType"] = "Market", "Market"
	} else {
		tif := string(req.TimeInForce)
		if tif == "" {
			tif = string(models.TimeInForceGTC)
		}
		params["price"], body["price"] = req.Price.String(), req.Price.String()
		params["timeInForce"], body["timeInForce"] = tif, tif
	}
	if req.PostOnly {
		params["postOnly"], body["postOnly"] = "true", true
	}
	if req.ReduceOnly && c.opts.MarketType != models.MarketTypeSpot {
		params["reduceOnly"], body["reduceOnly"] = "true", true
	}

	var resp orderResponse
	if err := c.doRequest(ctx, "place", http.MethodPost, "/api/v1/order", "orderExecute", params, body, &resp); err != nil {
		return nil, err
	}
	o := c.toOrder(resp)
	o.ClientID = req.ClientID
	return &o, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	body := map[string]any{"symbol": symbol, "orderId": orderID}
	return c.doRequest(ctx, "cancel", http.MethodDelete, "/api/v1/order", "orderCancel", params, body, nil)
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	body := map[string]any{"symbol": symbol}
	return c.doRequest(ctx, "cancel_all", http.MethodDelete, "/api/v1/orders", "orderCancelAll", params, body, nil)
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	NetQuantity   decimal.Decimal `json:"netQuantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	PnlRealized   decimal.Decimal `json:"pnlRealized"`
	PnlUnrealized decimal.Decimal `json:"pnlUnrealized"`
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// GetPosition returns the perp position for symbol, or for spot markets the
// base asset balance as the net size.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if c.opts.MarketType == models.MarketTypeSpot {
		return c.spotPosition(ctx, symbol)
	}

	var resp []positionResponse
	if err := c.doRequest(ctx, "position", http.MethodGet, "/api/v1/position", "positionQuery", nil, nil, &resp); err != nil {
		return nil, err
	}
	pos := &models.Position{Symbol: symbol, UpdatedAt: time.Now()}
	for _, p := range resp {
		if p.Symbol != symbol {
			continue
		}
		pos.NetSize = p.NetQuantity
		pos.EntryPrice = p.EntryPrice
		pos.MarkPrice = p.MarkPrice
		pos.RealizedPL = p.PnlRealized
		pos.UnrealizedPL = p.PnlUnrealized
	}
	return pos, nil
}

func (c *Client) spotPosition(ctx context.Context, symbol string) (*models.Position, error) {
	m, err := c.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var resp map[string]balanceResponse
	if err := c.doRequest(ctx, "position", http.MethodGet, "/api/v1/capital", "balanceQuery", nil, nil, &resp); err != nil {
		return nil, err
	}
	b := resp[m.BaseAsset]
	return &models.Position{
		Symbol:    symbol,
		NetSize:   b.Available.Add(b.Locked),
		UpdatedAt: time.Now(),
	}, nil
}
