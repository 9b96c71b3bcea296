package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/marketdata"
	"github.com/gregtusar/mmbot/pkg/metrics"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/gregtusar/mmbot/pkg/monitor"
	"github.com/gregtusar/mmbot/pkg/orders"
	"github.com/gregtusar/mmbot/pkg/quote"
	"github.com/gregtusar/mmbot/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	shutdownTimeout = 30 * time.Second
	publishTimeout  = 2 * time.Second
)

// EventPublisher receives order, fill and position events. Publish must not block.
type EventPublisher interface {
	Publish(ev models.Event)
}

type discard struct{}

func (discard) Publish(models.Event) {}

// MarketMaker runs the quoting loop for one symbol: it owns the tick
// schedule, the fill and book listeners, periodic reconciliation against the
// exchange, the daily recycle and shutdown.
type MarketMaker struct {
	adapter exchange.Adapter
	cfg     Config
	logger  *logrus.Entry
	base    *logrus.Logger
	risk    *risk.Manager
	feed    *marketdata.Feed
	store   *monitor.MemoryStore
	extra   []monitor.Publisher
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	market    models.Market
	engine    *quote.Engine
	ctrl      *orders.Controller
	verdict   risk.Verdict
	startedAt time.Time

	ticks      atomic.Int64
	tickMu     sync.Mutex
	tickCancel context.CancelFunc
	urgent     chan struct{}

	// pendingNet is the venue position seen on the last poll when it
	// disagreed with ours. Only the scheduler goroutine touches it.
	pendingNet *decimal.Decimal
}

type Option func(*MarketMaker)

func WithEvents(p EventPublisher) Option {
	return func(mm *MarketMaker) { mm.events = p }
}

func WithMonitor(p monitor.Publisher) Option {
	return func(mm *MarketMaker) { mm.extra = append(mm.extra, p) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(mm *MarketMaker) { mm.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(mm *MarketMaker) { mm.now = now }
}

func NewMarketMaker(adapter exchange.Adapter, cfg Config, logger *logrus.Logger, opts ...Option) *MarketMaker {
	cfg = cfg.withDefaults()
	mm := &MarketMaker{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.WithFields(logrus.Fields{"component": "trader", "exchange": adapter.Name(), "symbol": cfg.Symbol}),
		base:    logger,
		risk:    risk.NewManager(cfg.Symbol, cfg.Limits),
		feed:    marketdata.NewFeed(cfg.Symbol, cfg.StaleAfter, logger),
		store:   monitor.NewMemoryStore(),
		events:  discard{},
		now:     time.Now,
		urgent:  make(chan struct{}, 1),
		verdict: risk.Normal(),
	}
	for _, opt := range opts {
		opt(mm)
	}
	if mm.metrics == nil {
		mm.metrics = metrics.New(nil)
	}
	return mm
}

// Run blocks until ctx is done, the run duration elapses or a fatal adapter
// error occurs. Open orders are cancelled before it returns.
func (mm *MarketMaker) Run(ctx context.Context) error {
	mm.logger.WithFields(logrus.Fields{
		"interval": mm.cfg.TickInterval,
		"duration": mm.cfg.RunDuration,
		"spread":   mm.cfg.Quote.SpreadBps.String(),
		"levels":   mm.cfg.Quote.MaxOrdersPerSide,
	}).Info("Starting market maker")

	if err := mm.bootstrap(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := mm.startListeners(runCtx, &wg); err != nil {
		mm.stop()
		return err
	}

	err := mm.loop(runCtx)
	if err != nil && exchange.IsFatal(err) {
		mm.failSafe(err)
		return err
	}
	mm.stop()
	return err
}

// bootstrap loads the market, clears anything left resting from a previous
// run and adopts the exchange position.
func (mm *MarketMaker) bootstrap(ctx context.Context) error {
	market, err := exchange.Retry(ctx, mm.cfg.Retry, func(ctx context.Context) (*models.Market, error) {
		return mm.adapter.GetMarket(ctx, mm.cfg.Symbol)
	})
	if err != nil {
		return fmt.Errorf("failed to load market %s: %w", mm.cfg.Symbol, err)
	}
	mm.install(*market)

	mm.mu.Lock()
	mm.startedAt = mm.now()
	mm.mu.Unlock()

	if err := mm.controller().CancelAll(ctx); err != nil {
		if exchange.IsFatal(err) {
			return err
		}
		mm.logger.WithError(err).Warn("Initial cancel all failed")
	}
	// The mid must be known before the position is adopted: it becomes the
	// basis for holdings the venue reports without an entry price.
	if err := mm.feed.Refresh(ctx, mm.adapter); err != nil && exchange.IsFatal(err) {
		return err
	}
	if err := mm.syncPosition(ctx, true); err != nil && exchange.IsFatal(err) {
		return err
	}
	return nil
}

// install builds the quote engine and, on first use, the order controller for market.
func (mm *MarketMaker) install(market models.Market) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.market = market
	mm.engine = quote.NewEngine(market, mm.cfg.Quote)
	if mm.ctrl != nil {
		return
	}
	mm.ctrl = orders.NewController(mm.adapter, market, mm.risk, orders.Config{
		Symbol:           mm.cfg.Symbol,
		SpreadBps:        mm.cfg.Quote.SpreadBps,
		ToleranceBps:     mm.cfg.ToleranceBps,
		QuantityPerLevel: mm.cfg.Quote.QuantityPerLevel,
		MaxPosition:      mm.cfg.Limits.MaxPosition,
		Concurrency:      mm.cfg.Quote.MaxOrdersPerSide * 2,
		Retry:            mm.cfg.Retry,
	}, mm.base)
	mm.ctrl.SetEventHandler(mm.events.Publish)
}

func (mm *MarketMaker) controller() *orders.Controller {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.ctrl
}

func (mm *MarketMaker) quoteEngine() *quote.Engine {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.engine
}

func (mm *MarketMaker) startListeners(ctx context.Context, wg *conc.WaitGroup) error {
	fills, err := mm.adapter.StreamFills(ctx, mm.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to open fill stream: %w", err)
	}
	wg.Go(func() { mm.listenFills(ctx, fills) })

	books, err := mm.adapter.StreamBook(ctx, mm.cfg.Symbol)
	if err != nil {
		// Quoting still works off REST polls when the feed goes stale.
		mm.logger.WithError(err).Warn("Book stream unavailable, falling back to polling")
		return nil
	}
	wg.Go(func() { mm.feed.Run(ctx, books) })
	return nil
}

func (mm *MarketMaker) loop(ctx context.Context) error {
	ticker := time.NewTicker(mm.cfg.TickInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if mm.cfg.RunDuration > 0 {
		timer := time.NewTimer(mm.cfg.RunDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	var syncCh <-chan time.Time
	if mm.cfg.ReconcileEvery > 0 {
		syncTicker := time.NewTicker(mm.cfg.ReconcileEvery)
		defer syncTicker.Stop()
		syncCh = syncTicker.C
	}

	var recycleCh <-chan time.Time
	var recycle *time.Timer
	if mm.cfg.RecycleAt >= 0 {
		recycle = time.NewTimer(mm.untilRecycle())
		defer recycle.Stop()
		recycleCh = recycle.C
	}

	if err := mm.tick(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			mm.logger.Info("Context cancelled, stopping")
			return nil
		case <-deadline:
			mm.logger.WithField("duration", mm.cfg.RunDuration).Info("Run duration reached, stopping")
			return nil
		case <-ticker.C:
			if err := mm.tick(ctx); err != nil {
				return err
			}
		case <-mm.urgent:
			if err := mm.tick(ctx); err != nil {
				return err
			}
		case <-syncCh:
			if err := mm.reconcileWithExchange(ctx); err != nil {
				return err
			}
		case <-recycleCh:
			if err := mm.recycle(ctx); err != nil {
				return err
			}
			recycle.Reset(mm.untilRecycle())
		}
	}
}

// Tick runs one quoting pass. The scheduler calls it on every interval.
func (mm *MarketMaker) Tick(ctx context.Context) error {
	return mm.tick(ctx)
}

func (mm *MarketMaker) tick(ctx context.Context) error {
	start := time.Now()
	defer func() { mm.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	n := mm.ticks.Add(1)

	tctx, cancel := context.WithCancel(ctx)
	mm.tickMu.Lock()
	mm.tickCancel = cancel
	mm.tickMu.Unlock()
	defer func() {
		mm.tickMu.Lock()
		mm.tickCancel = nil
		mm.tickMu.Unlock()
		cancel()
	}()

	mid, age, stale := mm.feed.CurrentMidPrice()
	if stale {
		if err := mm.feed.Refresh(tctx, mm.adapter); err != nil && exchange.IsFatal(err) {
			return err
		}
		mid, age, stale = mm.feed.CurrentMidPrice()
	}
	if stale {
		mm.logger.WithFields(logrus.Fields{"tick": n, "age": age}).Warn("Market data stale, skipping tick")
		mm.metrics.Ticks.WithLabelValues("stale").Inc()
		mm.metrics.FeedStale.Set(1)
		mm.publishSnapshot(ctx, mid, true)
		return nil
	}
	mm.metrics.FeedStale.Set(0)

	if mm.risk.Unknown() {
		if err := mm.syncPosition(tctx, true); err != nil && exchange.IsFatal(err) {
			return err
		}
	}

	verdict := mm.risk.EvaluateRisk(mid)
	net := mm.risk.Net()
	prev := mm.setVerdict(verdict)
	if verdict.Action != prev.Action {
		mm.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   verdict.String(),
			"net":  net.String(),
		}).Info("Risk verdict changed")
	}

	ctrl := mm.controller()
	if verdict.IsHalt() && !prev.IsHalt() {
		if err := ctrl.CancelAll(tctx); err != nil && exchange.IsFatal(err) {
			return err
		}
	}

	targets := mm.quoteEngine().Quotes(mid, verdict, net)
	// Placements only go ahead if no fill moved the position since the ladder
	// was computed.
	gate := func() bool { return mm.risk.Net().Equal(net) }

	res, err := ctrl.Reconcile(tctx, targets, gate)
	mm.metrics.AddCalls(res.Placed, res.Cancelled, res.Rejected, res.Failed)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.Canceled):
			mm.logger.WithField("tick", n).Info("Tick interrupted by risk change")
			mm.metrics.Ticks.WithLabelValues("interrupted").Inc()
			// Placements cut short are unknown; resolve them before the next pass.
			if _, err := ctrl.SyncOpenOrders(ctx); err != nil && exchange.IsFatal(err) {
				return err
			}
			return nil
		case exchange.IsFatal(err):
			mm.metrics.Ticks.WithLabelValues("fatal").Inc()
			return err
		default:
			mm.logger.WithError(err).Error("Reconcile failed")
		}
	}

	fields := logrus.Fields{
		"tick":      n,
		"mid":       mid.String(),
		"verdict":   verdict.String(),
		"net":       net.String(),
		"targets":   len(targets),
		"placed":    res.Placed,
		"cancelled": res.Cancelled,
		"rejected":  res.Rejected,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}
	if res.Calls() > 0 || res.GateClosed {
		mm.logger.WithFields(fields).Info("Tick complete")
	} else {
		mm.logger.WithFields(fields).Debug("Tick complete")
	}
	mm.metrics.Ticks.WithLabelValues("ok").Inc()

	snap := mm.publishSnapshot(ctx, mid, false)
	mm.events.Publish(models.NewPositionEvent(snap.Position))
	return nil
}

func (mm *MarketMaker) setVerdict(v risk.Verdict) risk.Verdict {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	prev := mm.verdict
	mm.verdict = v
	mm.metrics.SetVerdict(v.Action.String())
	return prev
}

// interrupt cancels the tick in flight, if any, and schedules another one.
func (mm *MarketMaker) interrupt() {
	mm.tickMu.Lock()
	if mm.tickCancel != nil {
		mm.tickCancel()
	}
	mm.tickMu.Unlock()
	select {
	case mm.urgent <- struct{}{}:
	default:
	}
}

func (mm *MarketMaker) listenFills(ctx context.Context, fills <-chan models.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				if ctx.Err() == nil {
					mm.logger.Error("Fill stream closed, position unknown until the next sync")
					mm.risk.MarkUnknown()
					mm.interrupt()
				}
				return
			}
			mm.handleFill(f)
		}
	}
}

func (mm *MarketMaker) handleFill(f models.Fill) {
	pos, err := mm.risk.ApplyFill(f)
	if errors.Is(err, risk.ErrDuplicateFill) {
		mm.logger.WithField("fill_id", f.FillID).Debug("Ignoring duplicate fill")
		return
	}
	if ctrl := mm.controller(); ctrl != nil {
		if err := ctrl.ApplyFill(f); err != nil {
			mm.logger.WithFields(logrus.Fields{
				"fill_id":  f.FillID,
				"order_id": f.OrderID,
			}).Warn("Fill for an untracked order")
		}
	}
	mm.events.Publish(models.NewFillEvent(f))
	mm.metrics.Fills.WithLabelValues(string(f.Side)).Inc()
	size, _ := f.Size.Float64()
	mm.metrics.FillVolume.Add(size)

	mid, _, _ := mm.feed.CurrentMidPrice()
	verdict := mm.risk.EvaluateRisk(mid)
	mm.logger.WithFields(logrus.Fields{
		"fill_id": f.FillID,
		"side":    f.Side,
		"price":   f.Price.String(),
		"size":    f.Size.String(),
		"net":     pos.NetSize.String(),
		"verdict": verdict.String(),
	}).Info("Fill applied")

	if verdict.IsFlatten() {
		mm.interrupt()
	}
}

// syncPosition polls the exchange position. Drift is adopted straight away
// when force is set or the position is unknown; otherwise only after two
// consecutive polls agree, since a fill may still be on its way to us.
func (mm *MarketMaker) syncPosition(ctx context.Context, force bool) error {
	pos, err := exchange.Retry(ctx, mm.cfg.Retry, func(ctx context.Context) (*models.Position, error) {
		return mm.adapter.GetPosition(ctx, mm.cfg.Symbol)
	})
	if err != nil {
		mm.logger.WithError(err).Error("Position poll failed")
		if !exchange.IsFatal(err) && ctx.Err() == nil && errors.Is(err, exchange.ErrRetriesExhausted) {
			mm.risk.MarkUnknown()
		}
		return err
	}

	mark := pos.MarkPrice
	if !mark.IsPositive() {
		mark, _, _ = mm.feed.CurrentMidPrice()
	}

	tracked := mm.risk.Net()
	switch {
	case force || mm.risk.Unknown():
		mm.pendingNet = nil
		if mm.risk.Sync(*pos, mark) {
			mm.logger.WithFields(logrus.Fields{
				"tracked":  tracked.String(),
				"exchange": pos.NetSize.String(),
			}).Warn("Adopted exchange position")
		}
	case pos.NetSize.Equal(tracked):
		mm.pendingNet = nil
	case mm.pendingNet != nil && mm.pendingNet.Equal(pos.NetSize):
		mm.pendingNet = nil
		mm.risk.Sync(*pos, mark)
		mm.logger.WithFields(logrus.Fields{
			"tracked":  tracked.String(),
			"exchange": pos.NetSize.String(),
		}).Warn("Position drift confirmed, adopted exchange position")
	default:
		net := pos.NetSize
		mm.pendingNet = &net
		mm.logger.WithFields(logrus.Fields{
			"tracked":  tracked.String(),
			"exchange": pos.NetSize.String(),
		}).Debug("Position differs from exchange, waiting for confirmation")
	}
	return nil
}

// reconcileWithExchange is the periodic poll: open orders first so unknown
// orders resolve, then the position.
func (mm *MarketMaker) reconcileWithExchange(ctx context.Context) error {
	if _, err := mm.controller().SyncOpenOrders(ctx); err != nil {
		mm.logger.WithError(err).Error("Open order sync failed")
		if exchange.IsFatal(err) {
			return err
		}
	}
	if err := mm.syncPosition(ctx, false); err != nil && exchange.IsFatal(err) {
		return err
	}
	return nil
}

// untilRecycle is the wait until the next recycle_at wall clock time.
func (mm *MarketMaker) untilRecycle() time.Duration {
	now := mm.now()
	return nextRecycle(now, mm.cfg.RecycleAt).Sub(now)
}

func nextRecycle(now time.Time, at time.Duration) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(at)
	if !next.After(now) {
		next = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(at)
	}
	return next
}

// recycle is the in-process daily restart: cancel everything, forget local
// order and market state, then resync from the exchange.
func (mm *MarketMaker) recycle(ctx context.Context) error {
	mm.logger.Info("Daily recycle")
	ctrl := mm.controller()
	if err := ctrl.CancelAll(ctx); err != nil {
		if exchange.IsFatal(err) {
			return err
		}
		mm.logger.WithError(err).Error("Recycle cancel all failed")
	}
	ctrl.Reset()
	mm.feed.Reset()

	market, err := exchange.Retry(ctx, mm.cfg.Retry, func(ctx context.Context) (*models.Market, error) {
		return mm.adapter.GetMarket(ctx, mm.cfg.Symbol)
	})
	switch {
	case err == nil:
		mm.install(*market)
	case exchange.IsFatal(err):
		return err
	default:
		mm.logger.WithError(err).Warn("Market refresh failed, keeping previous market")
	}

	if err := mm.feed.Refresh(ctx, mm.adapter); err != nil && exchange.IsFatal(err) {
		return err
	}
	if err := mm.syncPosition(ctx, true); err != nil && exchange.IsFatal(err) {
		return err
	}
	if _, err := ctrl.SyncOpenOrders(ctx); err != nil && exchange.IsFatal(err) {
		return err
	}
	return nil
}

// stop cancels every resting order on a context that outlives the caller's.
func (mm *MarketMaker) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if ctrl := mm.controller(); ctrl != nil {
		if err := ctrl.CancelAll(ctx); err != nil {
			mm.logger.WithError(err).Error("Failed to cancel orders on shutdown")
		}
	}
	mid, _, stale := mm.feed.CurrentMidPrice()
	snap := mm.publishSnapshot(ctx, mid, stale)
	mm.events.Publish(models.NewPositionEvent(snap.Position))
	mm.logger.WithFields(logrus.Fields{
		"net":        snap.Position.NetSize.String(),
		"realized":   snap.RealizedPL.String(),
		"unrealized": snap.UnrealizedPL.String(),
		"ticks":      snap.Ticks,
	}).Info("Market maker stopped")
}

// failSafe is the fatal path: try to close the position and pull all orders.
// Every step is best effort since the adapter has just failed.
func (mm *MarketMaker) failSafe(cause error) {
	mm.logger.WithError(cause).Error("Fatal adapter error, flattening and cancelling all orders")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ctrl := mm.controller()
	if ctrl == nil {
		return
	}
	if net := mm.risk.Net(); !net.IsZero() {
		mid, _, _ := mm.feed.CurrentMidPrice()
		if mid.IsPositive() {
			if _, err := ctrl.Reconcile(ctx, mm.quoteEngine().Flatten(mid, net), nil); err != nil {
				mm.logger.WithError(err).Error("Best effort flatten failed")
			}
		}
	}
	if err := ctrl.CancelAll(ctx); err != nil {
		mm.logger.WithError(err).Error("Best effort cancel all failed")
	}
}

// Halt stops quoting until Resume. The next tick cancels resting orders.
func (mm *MarketMaker) Halt() {
	mm.risk.Halt()
	mm.logger.Warn("Trading halted by operator")
	mm.interrupt()
}

func (mm *MarketMaker) Resume() {
	mm.risk.Resume()
	mm.logger.Info("Trading resumed by operator")
	mm.interrupt()
}

// Snapshot returns the state published after the last tick.
func (mm *MarketMaker) Snapshot() (monitor.Snapshot, bool) {
	return mm.store.Latest()
}

func (mm *MarketMaker) buildSnapshot(mid decimal.Decimal, stale bool) monitor.Snapshot {
	pos := mm.risk.Snapshot(mid)
	var open []models.OrderState
	if ctrl := mm.controller(); ctrl != nil {
		open = ctrl.Open()
	}

	mm.mu.RLock()
	verdict := mm.verdict
	started := mm.startedAt
	mm.mu.RUnlock()

	return monitor.Snapshot{
		Timestamp:    mm.now().UTC(),
		Exchange:     mm.adapter.Name(),
		Symbol:       mm.cfg.Symbol,
		Mid:          mid,
		FeedStale:    stale,
		Verdict:      verdict.String(),
		Position:     pos,
		OpenOrders:   open,
		RealizedPL:   pos.RealizedPL,
		UnrealizedPL: pos.UnrealizedPL,
		Ticks:        mm.ticks.Load(),
		Halted:       verdict.IsHalt(),
		StartedAt:    started,
	}
}

func (mm *MarketMaker) publishSnapshot(ctx context.Context, mid decimal.Decimal, stale bool) monitor.Snapshot {
	snap := mm.buildSnapshot(mid, stale)

	m := mm.metrics
	m.SetDecimal(m.NetPosition, snap.Position.NetSize)
	m.SetDecimal(m.MidPrice, mid)
	m.SetDecimal(m.RealizedPnL, snap.RealizedPL)
	m.SetDecimal(m.UnrealizedPnL, snap.UnrealizedPL)
	bySide := map[models.OrderSide]float64{models.OrderSideBuy: 0, models.OrderSideSell: 0}
	for _, o := range snap.OpenOrders {
		bySide[o.Side]++
	}
	for side, n := range bySide {
		m.OpenOrders.WithLabelValues(string(side)).Set(n)
	}

	_ = mm.store.Publish(ctx, snap)
	if len(mm.extra) > 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := monitor.Multi(mm.extra).Publish(pctx, snap); err != nil {
			mm.logger.WithError(err).Warn("Failed to publish snapshot")
		}
	}
	return snap
}
