// Package aster implements the exchange adapter for Aster's Binance-style
// REST and websocket APIs, for both the perpetual and spot venues.
package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	name = "aster"

	DefaultFuturesURL   = "https://fapi.asterdex.com"
	DefaultFuturesWSURL = "wss://fstream.asterdex.com/ws"
	DefaultSpotURL      = "https://sapi.asterdex.com"
	DefaultSpotWSURL    = "wss://sstream.asterdex.com/ws"
)

const (
	codeUnknownOrder     = -2011
	codeNoSuchOrder      = -2013
	codeDuplicateClient  = -4116
	codeTooManyRequests  = -1003
	codeTooManyOrders    = -1015
	codeTimestampWindow  = -1021
	codeDisconnected     = -1001
	codeTimeout          = -1007
	codeInvalidSignature = -1022
	codeRejectedMBXKey   = -2014
	codeInvalidAPIKey    = -2015
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

// endpoints differ only by prefix between the futures and spot venues.
type endpoints struct {
	exchangeInfo string
	bookTicker   string
	order        string
	openOrders   string
	allOpen      string
	listenKey    string
}

var futuresEndpoints = endpoints{
	exchangeInfo: "/fapi/v1/exchangeInfo",
	bookTicker:   "/fapi/v1/ticker/bookTicker",
	order:        "/fapi/v1/order",
	openOrders:   "/fapi/v1/openOrders",
	allOpen:      "/fapi/v1/allOpenOrders",
	listenKey:    "/fapi/v1/listenKey",
}

var spotEndpoints = endpoints{
	exchangeInfo: "/api/v1/exchangeInfo",
	bookTicker:   "/api/v1/ticker/bookTicker",
	order:        "/api/v1/order",
	openOrders:   "/api/v1/openOrders",
	allOpen:      "/api/v1/openOrders",
	listenKey:    "/api/v1/listenKey",
}

type Client struct {
	opts       Options
	paths      endpoints
	signer     *Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	mu      sync.RWMutex
	markets map[string]*models.Market
}

var _ exchange.Adapter = (*Client)(nil)

func NewClient(opts Options, logger *logrus.Logger) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("aster api key and secret are required")
	}
	if opts.MarketType == "" {
		opts.MarketType = models.MarketTypePerp
	}
	paths := futuresEndpoints
	baseURL, wsURL := DefaultFuturesURL, DefaultFuturesWSURL
	if opts.MarketType == models.MarketTypeSpot {
		paths = spotEndpoints
		baseURL, wsURL = DefaultSpotURL, DefaultSpotWSURL
	}
	if opts.BaseURL == "" {
		opts.BaseURL = baseURL
	}
	if opts.WSURL == "" {
		opts.WSURL = wsURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Client{
		opts:       opts,
		paths:      paths,
		signer:     NewSigner(opts.APIKey, opts.APISecret),
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)),
		logger:     logger,
		markets:    make(map[string]*models.Market),
	}, nil
}

func (c *Client) Name() string {
	return name
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func classify(status, code int) error {
	switch code {
	case codeUnknownOrder, codeNoSuchOrder:
		return exchange.ErrOrderNotFound
	case codeTooManyRequests, codeTooManyOrders:
		return exchange.ErrRateLimited
	case codeTimestampWindow, codeDisconnected, codeTimeout:
		return exchange.ErrNetworkTransient
	case codeInvalidSignature, codeRejectedMBXKey, codeInvalidAPIKey:
		return exchange.ErrAuthFailure
	}
	return exchange.ClassifyStatus(status)
}

// doRequest sends one REST call. Signed calls carry timestamp, recvWindow and
// signature in the query string for every method.
func (c *Client) doRequest(ctx context.Context, op, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	target := c.opts.BaseURL + path
	switch {
	case signed:
		target += "?" + c.signer.SignedQuery(params)
	case len(params) > 0:
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	c.signer.AddAuthHeaders(req)

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
		if apiErr.Msg == "" {
			apiErr.Msg = string(data)
		}
		e := &exchange.Error{
			Exchange:   name,
			Op:         op,
			Kind:       classify(resp.StatusCode, apiErr.Code),
			Status:     resp.StatusCode,
			Message:    apiErr.Msg,
			RetryAfter: exchange.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if apiErr.Code != 0 {
			e.Code = strconv.Itoa(apiErr.Code)
		}
		return e
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

type symbolFilter struct {
	FilterType  string          `json:"filterType"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MinNotional decimal.Decimal `json:"notional"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string         `json:"symbol"`
		BaseAsset  string         `json:"baseAsset"`
		QuoteAsset string         `json:"quoteAsset"`
		Filters    []symbolFilter `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) GetMarket(ctx context.Context, symbol string) (*models.Market, error) {
	c.mu.RLock()
	if m, ok := c.markets[symbol]; ok {
		c.mu.RUnlock()
		out := *m
		return &out, nil
	}
	c.mu.RUnlock()

	var resp exchangeInfoResponse
	if err := c.doRequest(ctx, "exchange_info", http.MethodGet, c.paths.exchangeInfo, nil, false, &resp); err != nil {
		return nil, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		m := &models.Market{
			Symbol:     s.Symbol,
			Type:       c.opts.MarketType,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = f.TickSize
			case "LOT_SIZE":
				m.StepSize = f.StepSize
				m.MinOrderSize = f.MinQty
			}
		}
		c.mu.Lock()
		c.markets[symbol] = m
		c.mu.Unlock()
		out := *m
		return &out, nil
	}
	return nil, fmt.Errorf("aster: unknown symbol %s", symbol)
}

type bookTickerResponse struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
	Time     int64           `json:"time"`
}

func (c *Client) GetMidPrice(ctx context.Context, symbol string) (*models.BookTicker, error) {
	var resp bookTickerResponse
	params := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, "book_ticker", http.MethodGet, c.paths.bookTicker, params, false, &resp); err != nil {
		return nil, err
	}
	t := &models.BookTicker{
		Symbol:    symbol,
		BidPrice:  resp.BidPrice,
		BidSize:   resp.BidQty,
		AskPrice:  resp.AskPrice,
		AskSize:   resp.AskQty,
		Timestamp: time.Now(),
	}
	if resp.Time > 0 {
		t.Timestamp = time.UnixMilli(resp.Time)
	}
	return t, nil
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Status        string          `json:"status"`
	TimeInForce   string          `json:"timeInForce"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Time          int64           `json:"time"`
	UpdateTime    int64           `json:"updateTime"`
}

func fromSide(s string) models.OrderSide {
	if s == "SELL" {
		return models.OrderSideSell
	}
	return models.OrderSideBuy
}

func fromStatus(s string) models.OrderStatus {
	switch s {
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	case "EXPIRED":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusAcknowledged
	}
}

func (r orderResponse) toOrder() models.Order {
	o := models.Order{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Symbol:      r.Symbol,
		Side:        fromSide(r.Side),
		Type:        models.OrderTypeLimit,
		Price:       r.Price,
		Size:        r.OrigQty,
		FilledSize:  r.ExecutedQty,
		Status:      fromStatus(r.Status),
		TimeInForce: models.TimeInForceGTC,
		PostOnly:    r.TimeInForce == "GTX",
		ReduceOnly:  r.ReduceOnly,
		UpdatedAt:   time.Now(),
	}
	if r.Type == "MARKET" {
		o.Type = models.OrderTypeMarket
	}
	if r.TimeInForce == "IOC" {
		o.TimeInForce = models.TimeInForceIOC
	}
	if r.Time > 0 {
		o.CreatedAt = time.UnixMilli(r.Time)
	}
	if r.UpdateTime > 0 {
		o.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return o
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var resp []orderResponse
	params := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, "open_orders", http.MethodGet, c.paths.openOrders, params, true, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(resp))
	for _, r := range resp {
		out = append(out, r.toOrder())
	}
	return out, nil
}

func (c *Client) getOrderByClientID(ctx context.Context, symbol, clientID string) (*models.Order, error) {
	var resp orderResponse
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientID}}
	if err := c.doRequest(ctx, "order", http.MethodGet, c.paths.order, params, true, &resp); err != nil {
		return nil, err
	}
	o := resp.toOrder()
	return &o, nil
}

// PlaceOrder submits an order with ClientID as newClientOrderId. The venue
// refuses a duplicate client id, in which case the existing order is returned.
func (c *Client) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {strings.ToUpper(string(req.Side))},
		"type":     {"LIMIT"},
		"quantity": {req.Size.String()},
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.Type == models.OrderTypeMarket {
		params.Set("type", "MARKET")
	} else {
		tif := string(req.TimeInForce)
		if tif == "" {
			tif = string(models.TimeInForceGTC)
		}
		if req.PostOnly {
			tif = "GTX"
		}
		params.Set("price", req.Price.String())
		params.Set("timeInForce", tif)
	}
	if req.ReduceOnly && c.opts.MarketType != models.MarketTypeSpot {
		params.Set("reduceOnly", "true")
	}

	var resp orderResponse
	err := c.doRequest(ctx, "place", http.MethodPost, c.paths.order, params, true, &resp)
	if err != nil {
		var exErr *exchange.Error
		if req.ClientID != "" && errors.As(err, &exErr) && exErr.Code == strconv.Itoa(codeDuplicateClient) {
			return c.getOrderByClientID(ctx, req.Symbol, req.ClientID)
		}
		return nil, err
	}
	o := resp.toOrder()
	return &o, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return c.doRequest(ctx, "cancel", http.MethodDelete, c.paths.order, params, true, nil)
}

func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	params := url.Values{"symbol": {symbol}}
	return c.doRequest(ctx, "cancel_all", http.MethodDelete, c.paths.allOpen, params, true, nil)
}

type positionRiskResponse struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// GetPosition returns the futures position for symbol, or for spot markets
// the base asset balance as the net size.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	pos := &models.Position{Symbol: symbol, UpdatedAt: time.Now()}

	if c.opts.MarketType == models.MarketTypeSpot {
		m, err := c.GetMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		var resp accountResponse
		if err := c.doRequest(ctx, "position", http.MethodGet, "/api/v1/account", nil, true, &resp); err != nil {
			return nil, err
		}
		for _, b := range resp.Balances {
			if b.Asset == m.BaseAsset {
				pos.NetSize = b.Free.Add(b.Locked)
			}
		}
		return pos, nil
	}

	var resp []positionRiskResponse
	params := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, "position", http.MethodGet, "/fapi/v2/positionRisk", params, true, &resp); err != nil {
		return nil, err
	}
	// Hedge mode reports one row per side; the net is their sum.
	for _, p := range resp {
		if p.Symbol != symbol {
			continue
		}
		pos.NetSize = pos.NetSize.Add(p.PositionAmt)
		pos.UnrealizedPL = pos.UnrealizedPL.Add(p.UnRealizedProfit)
		if !p.PositionAmt.IsZero() {
			pos.EntryPrice = p.EntryPrice
		}
		pos.MarkPrice = p.MarkPrice
	}
	return pos, nil
}
