// Package paper is an in-memory venue. It matches limit orders against a
// settable top of book, tracks a single position and emits fills, which makes
// it usable both for dry runs and as the exchange in tests.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const streamBuffer = 1024

// Op names accepted by FailNext and Calls.
const (
	OpPlace     = "place"
	OpCancel    = "cancel"
	OpCancelAll = "cancel_all"
	OpOpen      = "open_orders"
	OpPosition  = "position"
	OpMid       = "mid"
)

type Exchange struct {
	mu       sync.Mutex
	market   models.Market
	book     models.BookTicker
	orders   map[string]*models.Order
	byClient map[string]string
	position models.Position
	seq      int64
	fillSeq  int64
	fills    chan models.Fill
	books    chan models.BookTicker
	failures map[string][]error
	calls    map[string]int
	logger   *logrus.Entry
}

func New(market models.Market, logger *logrus.Logger) *Exchange {
	return &Exchange{
		market:   market,
		orders:   make(map[string]*models.Order),
		byClient: make(map[string]string),
		position: models.Position{Symbol: market.Symbol},
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		logger:   logger.WithField("exchange", "paper"),
	}
}

func (e *Exchange) Name() string {
	return "paper"
}

// FailNext queues err as the result of the next call to op.
func (e *Exchange) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], err)
}

// Calls reports how many times op has been invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

func (e *Exchange) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = make(map[string]int)
}

func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if q := e.failures[op]; len(q) > 0 {
		err := q[0]
		e.failures[op] = q[1:]
		return err
	}
	return nil
}

// SetBook moves the top of book, matches any resting orders it crosses and
// publishes the ticker to book subscribers.
func (e *Exchange) SetBook(bid, ask decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.book = models.BookTicker{
		Symbol:    e.market.Symbol,
		BidPrice:  bid,
		AskPrice:  ask,
		Timestamp: time.Now(),
	}
	for _, o := range e.orders {
		if o.Status.Terminal() {
			continue
		}
		if px, ok := e.crossPrice(o); ok {
			e.fillLocked(o, o.Size.Sub(o.FilledSize), px, true)
		}
	}
	if e.books != nil {
		select {
		case e.books <- e.book:
		default:
		}
	}
}

// Fill executes size of an open order at its limit price as a maker fill.
func (e *Exchange) Fill(orderID string, size decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		return &exchange.Error{Exchange: "paper", Op: "fill", Kind: exchange.ErrOrderNotFound}
	}
	e.fillLocked(o, size, o.Price, true)
	return nil
}

// SetPosition overrides the venue position, e.g. to simulate an external fill.
func (e *Exchange) SetPosition(net, entry decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position.NetSize = net
	e.position.EntryPrice = entry
}

func (e *Exchange) GetMarket(ctx context.Context, symbol string) (*models.Market, error) {
	m := e.market
	return &m, nil
}

func (e *Exchange) GetMidPrice(ctx context.Context, symbol string) (*models.BookTicker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpMid); err != nil {
		return nil, err
	}
	if !e.book.BidPrice.IsPositive() && !e.book.AskPrice.IsPositive() {
		return nil, &exchange.Error{Exchange: "paper", Op: OpMid, Kind: exchange.ErrNetworkTransient, Message: "no book"}
	}
	t := e.book
	return &t, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpOpen); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpPlace); err != nil {
		return nil, err
	}

	if id, ok := e.byClient[req.ClientID]; ok && req.ClientID != "" {
		o := *e.orders[id]
		return &o, nil
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}

	e.seq++
	now := time.Now()
	o := &models.Order{
		OrderID:     strconv.FormatInt(e.seq, 10),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Size:        req.Size,
		Status:      models.OrderStatusAcknowledged,
		TimeInForce: req.TimeInForce,
		PostOnly:    req.PostOnly,
		ReduceOnly:  req.ReduceOnly,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.orders[o.OrderID] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o.OrderID
	}

	if px, ok := e.crossPrice(o); ok {
		e.fillLocked(o, o.Size, px, false)
	}
	if o.TimeInForce == models.TimeInForceIOC && !o.Status.Terminal() {
		o.Status = models.OrderStatusExpired
	}
	out := *o
	return &out, nil
}

func (e *Exchange) validate(req *models.OrderRequest) error {
	reject := func(msg string) error {
		return &exchange.Error{Exchange: "paper", Op: OpPlace, Kind: exchange.ErrOrderRejected, Message: msg}
	}
	if !req.Size.IsPositive() || req.Size.LessThan(e.market.MinOrderSize) {
		return reject("size below minimum")
	}
	if req.Type == models.OrderTypeLimit && !req.Price.IsPositive() {
		return reject("invalid price")
	}
	if req.ReduceOnly {
		net := e.position.NetSize
		reduces := (net.IsPositive() && req.Side == models.OrderSideSell) || (net.IsNegative() && req.Side == models.OrderSideBuy)
		if !reduces || req.Size.GreaterThan(net.Abs()) {
			return reject("reduce only order would increase position")
		}
	}
	if req.PostOnly {
		if _, crosses := e.crossPrice(&models.Order{Side: req.Side, Price: req.Price, Type: req.Type}); crosses {
			return reject("post only order would take liquidity")
		}
	}
	return nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpCancel); err != nil {
		return err
	}
	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		return &exchange.Error{Exchange: "paper", Op: OpCancel, Kind: exchange.ErrOrderNotFound, Message: orderID}
	}
	o.Status = models.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

func (e *Exchange) CancelAll(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpCancelAll); err != nil {
		return err
	}
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			o.Status = models.OrderStatusCancelled
			o.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter(OpPosition); err != nil {
		return nil, err
	}
	p := e.position
	p.UpdatedAt = time.Now()
	return &p, nil
}

func (e *Exchange) StreamFills(ctx context.Context, symbol string) (<-chan models.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fills != nil {
		return nil, fmt.Errorf("paper: fill stream already open")
	}
	e.fills = make(chan models.Fill, streamBuffer)
	ch := e.fills
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		close(ch)
		e.fills = nil
		e.mu.Unlock()
	}()
	return ch, nil
}

func (e *Exchange) StreamBook(ctx context.Context, symbol string) (<-chan models.BookTicker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.books != nil {
		return nil, fmt.Errorf("paper: book stream already open")
	}
	e.books = make(chan models.BookTicker, streamBuffer)
	ch := e.books
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		close(ch)
		e.books = nil
		e.mu.Unlock()
	}()
	return ch, nil
}

func (e *Exchange) crossPrice(o *models.Order) (decimal.Decimal, bool) {
	switch o.Side {
	case models.OrderSideBuy:
		if e.book.AskPrice.IsPositive() && (o.Type == models.OrderTypeMarket || o.Price.GreaterThanOrEqual(e.book.AskPrice)) {
			return e.book.AskPrice, true
		}
	case models.OrderSideSell:
		if e.book.BidPrice.IsPositive() && (o.Type == models.OrderTypeMarket || o.Price.LessThanOrEqual(e.book.BidPrice)) {
			return e.book.BidPrice, true
		}
	}
	return decimal.Zero, false
}

func (e *Exchange) fillLocked(o *models.Order, size, price decimal.Decimal, maker bool) {
	remaining := o.Size.Sub(o.FilledSize)
	if size.GreaterThan(remaining) {
		size = remaining
	}
	if !size.IsPositive() {
		return
	}
	o.FilledSize = o.FilledSize.Add(size)
	o.UpdatedAt = time.Now()
	if o.FilledSize.Equal(o.Size) {
		o.Status = models.OrderStatusFilled
	} else {
		o.Status = models.OrderStatusPartiallyFilled
	}

	rate := e.market.TakerFeeRate
	if maker {
		rate = e.market.MakerFeeRate
	}
	e.fillSeq++
	fill := models.Fill{
		FillID:        "paper-" + strconv.FormatInt(e.fillSeq, 10),
		OrderID:       o.OrderID,
		CorrelationID: o.ClientID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Price:         price,
		Size:          size,
		Fee:           price.Mul(size).Mul(rate),
		Maker:         maker,
		Timestamp:     o.UpdatedAt,
	}
	e.applyPositionLocked(fill)

	if e.fills != nil {
		select {
		case e.fills <- fill:
		default:
			e.logger.WithField("fill_id", fill.FillID).Warn("Fill stream full, dropping fill")
		}
	}
}

func (e *Exchange) applyPositionLocked(f models.Fill) {
	net := e.position.NetSize
	delta := f.SignedSize()
	next := net.Add(delta)
	switch {
	case next.IsZero():
		e.position.EntryPrice = decimal.Zero
	case net.IsZero() || net.Sign() == delta.Sign():
		e.position.EntryPrice = net.Abs().Mul(e.position.EntryPrice).Add(f.Size.Mul(f.Price)).Div(next.Abs())
	case next.Sign() != net.Sign():
		e.position.EntryPrice = f.Price
	}
	e.position.NetSize = next
}
