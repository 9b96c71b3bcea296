// Package orders keeps the set of live orders on the exchange in line with the
// ladder the quote engine asks for.
package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

var halfBps = decimal.NewFromInt(20000)

// PositionSource reports the current signed net position.
type PositionSource interface {
	Net() decimal.Decimal
}

// Gate is consulted before placements when a cancel in the same pass raced
// with a fill. Returning false skips the placements for this pass.
type Gate func() bool

type Config struct {
	Symbol           string
	SpreadBps        decimal.Decimal
	ToleranceBps     decimal.Decimal
	QuantityPerLevel decimal.Decimal
	MaxPosition      decimal.Decimal
	Concurrency      int
	Retry            exchange.RetryPolicy
}

// Result summarises one reconcile pass.
type Result struct {
	Placed     int
	Cancelled  int
	Rejected   int
	Skipped    int
	Failed     int
	Raced      bool
	GateClosed bool
}

// Calls is the number of adapter calls the pass issued.
func (r Result) Calls() int {
	return r.Placed + r.Cancelled + r.Rejected + r.Failed
}

type SyncResult struct {
	Resolved int
	Expired  int
	Orphans  int
}

type slot struct {
	side  models.OrderSide
	level int
}

type Controller struct {
	adapter  exchange.Adapter
	market   models.Market
	position PositionSource
	cfg      Config
	logger   *logrus.Entry
	newID    func() string
	onEvent  func(models.Event)

	mu     sync.Mutex
	orders map[string]*models.OrderState
	byID   map[string]string
}

func NewController(adapter exchange.Adapter, market models.Market, position PositionSource, cfg Config, logger *logrus.Logger) *Controller {
	if cfg.Symbol == "" {
		cfg.Symbol = market.Symbol
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = exchange.DefaultRetryPolicy()
	}
	return &Controller{
		adapter:  adapter,
		market:   market,
		position: position,
		cfg:      cfg,
		logger:   logger.WithFields(logrus.Fields{"component": "orders", "symbol": cfg.Symbol}),
		newID:    uuid.NewString,
		onEvent:  func(models.Event) {},
		orders:   make(map[string]*models.OrderState),
		byID:     make(map[string]string),
	}
}

// SetEventHandler registers fn to receive every order state change. fn must not block.
func (c *Controller) SetEventHandler(fn func(models.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = func(models.Event) {}
	}
	c.onEvent = fn
}

func (c *Controller) emitLocked(action string, st *models.OrderState) {
	c.onEvent(models.NewOrderEvent(c.cfg.Symbol, action, *st))
}

// tolerance is the absolute price distance within which a live order is left alone.
func (c *Controller) tolerance(price decimal.Decimal) decimal.Decimal {
	if c.cfg.ToleranceBps.IsPositive() {
		return price.Mul(c.cfg.ToleranceBps).Div(decimal.NewFromInt(10000))
	}
	return price.Mul(c.cfg.SpreadBps).Div(halfBps)
}

func (c *Controller) matches(live *models.OrderState, q models.Quote) bool {
	if live.ReduceOnly != q.ReduceOnly || !live.Size.Equal(q.Size) {
		return false
	}
	return live.Price.Sub(q.Price).Abs().LessThanOrEqual(c.tolerance(q.Price))
}

// Reconcile moves the live order set toward targets in one pass: stale or
// unwanted orders are cancelled first, then missing levels are placed. The
// returned error is non-nil only for fatal adapter failures or cancellation.
func (c *Controller) Reconcile(ctx context.Context, targets []models.Quote, gate Gate) (Result, error) {
	var res Result

	c.mu.Lock()
	// A slot normally holds one order, but a cancel that failed can leave an
	// older one resting beside its replacement.
	live := make(map[slot][]*models.OrderState)
	for _, st := range c.orders {
		if st.Status.Terminal() {
			continue
		}
		k := slot{st.Side, st.Level}
		live[k] = append(live[k], st)
	}
	byslot := make(map[slot]models.Quote, len(targets))
	for _, q := range targets {
		byslot[slot{q.Side, q.Level}] = q
	}

	var cancels []models.OrderState
	keep := make(map[slot]bool)
	for k, sts := range live {
		survivor := -1
		if q, ok := byslot[k]; ok {
			for i, st := range sts {
				if st.Unknown || c.matches(st, q) {
					survivor = i
					break
				}
			}
		}
		if survivor >= 0 {
			keep[k] = true
		}
		for i, st := range sts {
			if i == survivor {
				continue
			}
			if st.Unknown || !Cancellable(st.Status) {
				// In flight or unresolved; the slot stays occupied until the next sync.
				keep[k] = true
				continue
			}
			cancels = append(cancels, *st)
		}
	}
	var wanted []models.Quote
	for _, q := range targets {
		if !keep[slot{q.Side, q.Level}] {
			wanted = append(wanted, q)
		}
	}
	c.mu.Unlock()

	fatal := &firstError{}

	if len(cancels) > 0 {
		p := pool.New().WithMaxGoroutines(c.cfg.Concurrency)
		var mu sync.Mutex
		for _, st := range cancels {
			st := st
			p.Go(func() {
				outcome := c.cancel(ctx, st)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case outcome == nil:
					res.Cancelled++
				case errors.Is(outcome, exchange.ErrOrderNotFound):
					res.Cancelled++
					res.Raced = true
				default:
					res.Failed++
					// The old order may still rest; no replacement until it is gone.
					keep[slot{st.Side, st.Level}] = true
					if exchange.IsFatal(outcome) || ctx.Err() != nil {
						fatal.set(outcome)
					}
				}
			})
		}
		p.Wait()
	}
	if err := fatal.get(); err != nil {
		return res, err
	}

	if res.Raced && gate != nil && !gate() {
		res.GateClosed = true
		c.logger.Info("Cancel raced with a fill, skipping placements this pass")
		return res, nil
	}

	// Placements that would free a slot still held by an unresolved order are dropped.
	placements := make([]models.Quote, 0, len(wanted))
	for _, q := range wanted {
		if keep[slot{q.Side, q.Level}] {
			continue
		}
		placements = append(placements, q)
	}
	placements = c.capExposure(placements, &res)
	if len(placements) == 0 {
		return res, nil
	}

	p := pool.New().WithMaxGoroutines(c.cfg.Concurrency)
	var mu sync.Mutex
	for _, q := range placements {
		q := q
		p.Go(func() {
			err := c.place(ctx, q)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Placed++
			case errors.Is(err, exchange.ErrOrderRejected):
				res.Rejected++
			default:
				res.Failed++
				if exchange.IsFatal(err) || ctx.Err() != nil {
					fatal.set(err)
				}
			}
		})
	}
	p.Wait()

	return res, fatal.get()
}

// capExposure drops placements that would let net position plus resting
// same-side size exceed maxPosition + quantityPerLevel. Reduce-only orders
// and placements that shrink the exposure are exempt.
func (c *Controller) capExposure(qs []models.Quote, res *Result) []models.Quote {
	if !c.cfg.MaxPosition.IsPositive() {
		return qs
	}
	limit := c.cfg.MaxPosition.Add(c.cfg.QuantityPerLevel)
	net := decimal.Zero
	if c.position != nil {
		net = c.position.Net()
	}

	c.mu.Lock()
	open := map[models.OrderSide]decimal.Decimal{
		models.OrderSideBuy:  decimal.Zero,
		models.OrderSideSell: decimal.Zero,
	}
	for _, st := range c.orders {
		if st.Status.Terminal() || st.ReduceOnly {
			continue
		}
		open[st.Side] = open[st.Side].Add(st.Remaining())
	}
	c.mu.Unlock()

	// Inner levels first so the cap trims the outside of the ladder.
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Level < qs[j].Level })
	out := qs[:0]
	for _, q := range qs {
		if q.ReduceOnly {
			out = append(out, q)
			continue
		}
		exposure := net.Add(open[q.Side].Add(q.Size).Mul(q.Side.Sign()))
		if exposure.Abs().GreaterThan(limit) && exposure.Abs().GreaterThan(net.Abs()) {
			res.Skipped++
			c.logger.WithFields(logrus.Fields{
				"side":  q.Side,
				"level": q.Level,
				"net":   net.String(),
			}).Warn("Skipping placement beyond exposure cap")
			continue
		}
		open[q.Side] = open[q.Side].Add(q.Size)
		out = append(out, q)
	}
	return out
}

func (c *Controller) cancel(ctx context.Context, st models.OrderState) error {
	err := exchange.RetryDo(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.adapter.CancelOrder(ctx, c.cfg.Symbol, st.OrderID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	tracked, ok := c.orders[st.CorrelationID]
	if !ok {
		return err
	}
	fields := logrus.Fields{"order_id": st.OrderID, "level": st.Level, "side": st.Side}
	switch {
	case err == nil:
		if advance(tracked, models.OrderStatusCancelled) {
			c.emitLocked("cancelled", tracked)
		}
	case errors.Is(err, exchange.ErrOrderNotFound):
		// Filled or cancelled before we got there; the fill stream settles the size.
		if advance(tracked, models.OrderStatusExpired) {
			c.emitLocked("gone", tracked)
		}
		c.logger.WithFields(fields).Info("Cancel target already gone")
	case errors.Is(err, exchange.ErrRetriesExhausted):
		tracked.Unknown = true
		c.logger.WithFields(fields).WithError(err).Error("Cancel outcome unknown")
	default:
		c.logger.WithFields(fields).WithError(err).Error("Cancel failed")
	}
	return err
}

func (c *Controller) place(ctx context.Context, q models.Quote) error {
	corrID := q.CorrelationID
	if corrID == "" {
		corrID = c.newID()
	}
	now := time.Now()
	st := &models.OrderState{
		CorrelationID: corrID,
		Side:          q.Side,
		Level:         q.Level,
		Price:         q.Price,
		Size:          q.Size,
		Status:        models.OrderStatusSubmitted,
		ReduceOnly:    q.ReduceOnly,
		CreatedAt:     now,
	}
	c.mu.Lock()
	c.orders[corrID] = st
	c.emitLocked("submitted", st)
	c.mu.Unlock()

	tif := q.TimeInForce
	if tif == "" {
		tif = models.TimeInForceGTC
	}
	req := &models.OrderRequest{
		Symbol:      c.cfg.Symbol,
		ClientID:    corrID,
		Side:        q.Side,
		Type:        models.OrderTypeLimit,
		Price:       q.Price,
		Size:        q.Size,
		TimeInForce: tif,
		PostOnly:    !q.ReduceOnly && tif == models.TimeInForceGTC,
		ReduceOnly:  q.ReduceOnly,
	}
	order, err := exchange.Retry(ctx, c.cfg.Retry, func(ctx context.Context) (*models.Order, error) {
		return c.adapter.PlaceOrder(ctx, req)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	fields := logrus.Fields{
		"correlation_id": corrID,
		"side":           q.Side,
		"level":          q.Level,
		"price":          q.Price.String(),
		"size":           q.Size.String(),
	}
	switch {
	case err == nil:
		st.OrderID = order.OrderID
		st.AckedAt = time.Now()
		c.byID[order.OrderID] = corrID
		advance(st, models.OrderStatusAcknowledged)
		advance(st, order.Status)
		c.emitLocked("acknowledged", st)
		c.logger.WithFields(fields).WithField("order_id", order.OrderID).Debug("Order placed")
	case errors.Is(err, exchange.ErrOrderRejected):
		advance(st, models.OrderStatusRejected)
		c.emitLocked("rejected", st)
		c.logger.WithFields(fields).WithError(err).Warn("Order rejected, skipping level")
	case errors.Is(err, exchange.ErrRetriesExhausted):
		st.Unknown = true
		c.emitLocked("unknown", st)
		c.logger.WithFields(fields).WithError(err).Error("Placement outcome unknown")
	default:
		// Auth failures and cancellation never reached the venue in a way we can
		// rely on, so the slot is left to the next sync.
		st.Unknown = true
		c.logger.WithFields(fields).WithError(err).Error("Placement failed")
	}
	return err
}

// ApplyFill records a fill against the order it belongs to. Callers must pass
// each fill id once; the risk manager's dedupe runs first.
func (c *Controller) ApplyFill(f models.Fill) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.lookupLocked(f.OrderID, f.CorrelationID)
	if st == nil {
		return ErrUnknownOrder
	}
	if st.OrderID == "" && f.OrderID != "" {
		st.OrderID = f.OrderID
		c.byID[f.OrderID] = st.CorrelationID
	}
	st.FilledSize = st.FilledSize.Add(f.Size)
	if st.FilledSize.GreaterThan(st.Size) {
		st.FilledSize = st.Size
	}
	next := models.OrderStatusPartiallyFilled
	if st.FilledSize.Equal(st.Size) {
		next = models.OrderStatusFilled
	}
	advance(st, next)
	c.emitLocked("fill", st)
	return nil
}

func (c *Controller) lookupLocked(orderID, corrID string) *models.OrderState {
	if orderID != "" {
		if id, ok := c.byID[orderID]; ok {
			return c.orders[id]
		}
	}
	if corrID != "" {
		return c.orders[corrID]
	}
	return nil
}

// CancelAll removes every resting order on the symbol, tracked or not.
func (c *Controller) CancelAll(ctx context.Context) error {
	err := exchange.RetryDo(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.adapter.CancelAll(ctx, c.cfg.Symbol)
	})
	if err != nil {
		c.logger.WithError(err).Error("Cancel all failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.orders {
		if st.Status.Terminal() {
			continue
		}
		st.Status = models.OrderStatusCancelled
		st.Unknown = false
		c.emitLocked("cancelled", st)
		n++
	}
	c.logger.WithField("orders", n).Info("Cancelled all orders")
	return nil
}

// SyncOpenOrders reconciles tracked orders against the exchange's open order
// list. Tracked orders the exchange no longer has become Expired, tracked
// orders it does have are refreshed and lose their Unknown flag, and open
// orders nobody tracks are cancelled as orphans. Terminal orders are pruned.
func (c *Controller) SyncOpenOrders(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	open, err := exchange.Retry(ctx, c.cfg.Retry, func(ctx context.Context) ([]models.Order, error) {
		return c.adapter.GetOpenOrders(ctx, c.cfg.Symbol)
	})
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	seen := make(map[string]bool, len(open))
	var orphans []models.Order
	for _, o := range open {
		st := c.lookupLocked(o.OrderID, o.ClientID)
		if st == nil {
			orphans = append(orphans, o)
			continue
		}
		seen[st.CorrelationID] = true
		if st.OrderID == "" {
			st.OrderID = o.OrderID
			c.byID[o.OrderID] = st.CorrelationID
		}
		if o.FilledSize.GreaterThan(st.FilledSize) {
			st.FilledSize = o.FilledSize
		}
		changed := advance(st, o.Status)
		if st.Unknown {
			st.Unknown = false
			res.Resolved++
			changed = true
		}
		if changed {
			c.emitLocked("synced", st)
		}
	}
	for id, st := range c.orders {
		if st.Status.Terminal() {
			delete(c.orders, id)
			if st.OrderID != "" {
				delete(c.byID, st.OrderID)
			}
			continue
		}
		if seen[id] {
			continue
		}
		if st.Unknown {
			res.Resolved++
		}
		st.Unknown = false
		st.Status = models.OrderStatusExpired
		c.emitLocked("expired", st)
		res.Expired++
	}
	c.mu.Unlock()

	for _, o := range orphans {
		err := exchange.RetryDo(ctx, c.cfg.Retry, func(ctx context.Context) error {
			return c.adapter.CancelOrder(ctx, c.cfg.Symbol, o.OrderID)
		})
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			c.logger.WithError(err).WithField("order_id", o.OrderID).Error("Failed to cancel orphan order")
			if exchange.IsFatal(err) {
				return res, err
			}
			continue
		}
		res.Orphans++
		c.logger.WithFields(logrus.Fields{
			"order_id":  o.OrderID,
			"client_id": o.ClientID,
			"side":      o.Side,
			"price":     o.Price.String(),
		}).Warn("Cancelled orphan order")
	}

	if res.Expired > 0 || res.Orphans > 0 || res.Resolved > 0 {
		c.logger.WithFields(logrus.Fields{
			"resolved": res.Resolved,
			"expired":  res.Expired,
			"orphans":  res.Orphans,
		}).Info("Open orders synced")
	}
	return res, nil
}

// Open returns the non-terminal orders ordered by side then level.
func (c *Controller) Open() []models.OrderState {
	c.mu.Lock()
	out := make([]models.OrderState, 0, len(c.orders))
	for _, st := range c.orders {
		if !st.Status.Terminal() {
			out = append(out, *st)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Side != out[j].Side {
			return out[i].Side == models.OrderSideBuy
		}
		return out[i].Level < out[j].Level
	})
	return out
}

// Get returns a copy of the order with the given correlation id.
func (c *Controller) Get(corrID string) (models.OrderState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.orders[corrID]
	if !ok {
		return models.OrderState{}, false
	}
	return *st, true
}

// Reset forgets every tracked order. Used after a recycle's cancel-all.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = make(map[string]*models.OrderState)
	c.byID = make(map[string]string)
}

type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
