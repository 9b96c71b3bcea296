package trader

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/mmbot/internal/config"
	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/exchange/paper"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/gregtusar/mmbot/pkg/quote"
	"github.com/gregtusar/mmbot/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "SOL_USDC_PERP"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var testMarket = models.Market{
	Symbol:       symbol,
	Type:         models.MarketTypePerp,
	TickSize:     d("0.01"),
	StepSize:     d("0.01"),
	MinOrderSize: d("0.01"),
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingEvents struct {
	ch chan models.Event
}

func (r *recordingEvents) Publish(ev models.Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func newMarketMaker(t *testing.T, withBook bool, mutate func(*Config)) (*MarketMaker, *paper.Exchange) {
	t.Helper()
	venue := paper.New(testMarket, quietLogger())
	if withBook {
		venue.SetBook(d("99.99"), d("100.01"))
	}
	cfg := Config{
		Symbol:       symbol,
		TickInterval: time.Hour,
		RecycleAt:    -1,
		Quote: quote.Config{
			SpreadBps:          d("6"),
			QuantityPerLevel:   d("0.3"),
			MaxOrdersPerSide:   2,
			FlattenSlippageBps: d("50"),
		},
		Limits: risk.Limits{
			MaxPosition:       d("1.5"),
			PositionThreshold: d("0.9"),
		},
		Retry: exchange.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewMarketMaker(venue, cfg, quietLogger()), venue
}

func openOrders(t *testing.T, venue *paper.Exchange) []models.Order {
	t.Helper()
	open, err := venue.GetOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	return open
}

func TestTickPlacesLadder(t *testing.T) {
	mm, venue := newMarketMaker(t, true, nil)
	ctx := context.Background()
	require.NoError(t, mm.bootstrap(ctx))

	require.NoError(t, mm.Tick(ctx))
	require.Len(t, openOrders(t, venue), 4)

	snap, ok := mm.Snapshot()
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Ticks)
	assert.Equal(t, "normal", snap.Verdict)
	assert.Len(t, snap.OpenOrders, 4)
	assert.Equal(t, "99.94", snap.OpenOrders[0].Price.String())

	// unchanged book, nothing to do
	venue.ResetCalls()
	require.NoError(t, mm.Tick(ctx))
	assert.Zero(t, venue.Calls(paper.OpPlace))
	assert.Zero(t, venue.Calls(paper.OpCancel))
}

func TestStaleFeedLeavesOrdersAlone(t *testing.T) {
	mm, venue := newMarketMaker(t, false, nil)
	ctx := context.Background()
	require.NoError(t, mm.bootstrap(ctx))

	require.NoError(t, mm.Tick(ctx))
	assert.Zero(t, venue.Calls(paper.OpPlace))

	snap, ok := mm.Snapshot()
	require.True(t, ok)
	assert.True(t, snap.FeedStale)
}

func TestFillTriggersFlatten(t *testing.T) {
	events := &recordingEvents{ch: make(chan models.Event, 256)}
	mm, venue := newMarketMaker(t, true, func(c *Config) {
		c.Limits.StopLossAmount = d("1")
	})
	WithEvents(events)(mm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mm.bootstrap(ctx))
	require.NoError(t, mm.Tick(ctx))

	fills, err := venue.StreamFills(ctx, symbol)
	require.NoError(t, err)

	bid := mm.controller().Open()[0]
	require.Equal(t, models.OrderSideBuy, bid.Side)
	require.NoError(t, venue.Fill(bid.OrderID, d("0.3")))
	fill := <-fills

	// the market drops ten percent before the fill is processed
	mm.feed.Update(models.BookTicker{Symbol: symbol, BidPrice: d("89.99"), AskPrice: d("90.01")})
	mm.handleFill(fill)

	assert.True(t, mm.risk.Net().Equal(d("0.3")))
	select {
	case <-mm.urgent:
	default:
		t.Fatal("expected an immediate tick after a flatten verdict")
	}

	require.NoError(t, mm.Tick(ctx))

	pos, err := venue.GetPosition(ctx, symbol)
	require.NoError(t, err)
	assert.True(t, pos.NetSize.IsZero(), pos.NetSize.String())
	assert.Empty(t, openOrders(t, venue))

	snap, _ := mm.Snapshot()
	assert.Equal(t, "flatten(stop_loss)", snap.Verdict)

	var sawFill bool
	for len(events.ch) > 0 {
		if ev := <-events.ch; ev.Kind == models.EventKindFill {
			sawFill = true
		}
	}
	assert.True(t, sawFill)
}

func TestDuplicateFillIgnored(t *testing.T) {
	mm, _ := newMarketMaker(t, true, nil)
	require.NoError(t, mm.bootstrap(context.Background()))

	f := models.Fill{FillID: "x-1", Symbol: symbol, Side: models.OrderSideSell, Price: d("100"), Size: d("0.3")}
	mm.handleFill(f)
	mm.handleFill(f)
	assert.True(t, mm.risk.Net().Equal(d("-0.3")))
}

func TestHaltAndResume(t *testing.T) {
	mm, venue := newMarketMaker(t, true, nil)
	ctx := context.Background()
	require.NoError(t, mm.bootstrap(ctx))
	require.NoError(t, mm.Tick(ctx))
	require.Len(t, openOrders(t, venue), 4)

	mm.Halt()
	require.NoError(t, mm.Tick(ctx))
	assert.Empty(t, openOrders(t, venue))
	snap, _ := mm.Snapshot()
	assert.True(t, snap.Halted)
	assert.Empty(t, snap.OpenOrders)

	mm.Resume()
	require.NoError(t, mm.Tick(ctx))
	assert.Len(t, openOrders(t, venue), 4)
}

func TestRunStopsAfterDurationAndCancels(t *testing.T) {
	mm, venue := newMarketMaker(t, true, func(c *Config) {
		c.TickInterval = 20 * time.Millisecond
		c.RunDuration = 150 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() { done <- mm.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after its duration")
	}

	assert.Empty(t, openOrders(t, venue))
	snap, ok := mm.Snapshot()
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.Ticks, int64(1))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mm, venue := newMarketMaker(t, true, func(c *Config) {
		c.TickInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mm.Run(ctx) }()

	require.Eventually(t, func() bool { return len(openOrders(t, venue)) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Empty(t, openOrders(t, venue))
}

func TestFatalAuthFailureCancelsEverything(t *testing.T) {
	mm, venue := newMarketMaker(t, true, func(c *Config) {
		c.RunDuration = 5 * time.Second
	})
	venue.FailNext(paper.OpPlace, &exchange.Error{Exchange: "paper", Op: paper.OpPlace, Kind: exchange.ErrAuthFailure})

	err := mm.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrAuthFailure))
	assert.Empty(t, openOrders(t, venue))
	// once at startup, once on the fatal path
	assert.Equal(t, 2, venue.Calls(paper.OpCancelAll))
}

func TestRecycleResyncs(t *testing.T) {
	mm, venue := newMarketMaker(t, true, nil)
	ctx := context.Background()
	require.NoError(t, mm.bootstrap(ctx))
	require.NoError(t, mm.Tick(ctx))
	require.Len(t, openOrders(t, venue), 4)

	venue.SetPosition(d("0.5"), d("100"))
	require.NoError(t, mm.recycle(ctx))

	assert.Empty(t, openOrders(t, venue))
	assert.Empty(t, mm.controller().Open())
	assert.True(t, mm.risk.Net().Equal(d("0.5")))
	mid, _, stale := mm.feed.CurrentMidPrice()
	assert.False(t, stale)
	assert.True(t, mid.Equal(d("100")))
}

func TestPositionDriftNeedsConfirmation(t *testing.T) {
	mm, venue := newMarketMaker(t, true, nil)
	ctx := context.Background()

	venue.SetPosition(d("0.2"), d("100"))
	require.NoError(t, mm.syncPosition(ctx, false))
	assert.True(t, mm.risk.Net().IsZero())

	require.NoError(t, mm.syncPosition(ctx, false))
	assert.True(t, mm.risk.Net().Equal(d("0.2")))
}

func TestSpotBalanceIsNotProfit(t *testing.T) {
	market := testMarket
	market.Symbol = "SOL_USDC"
	market.Type = models.MarketTypeSpot
	venue := paper.New(market, quietLogger())
	venue.SetBook(d("99.99"), d("100.01"))
	// wallet balance held before the bot started; spot venues report no entry price
	venue.SetPosition(d("10"), decimal.Zero)

	mm := NewMarketMaker(venue, Config{
		Symbol:       market.Symbol,
		TickInterval: time.Hour,
		RecycleAt:    -1,
		Quote: quote.Config{
			SpreadBps:          d("6"),
			QuantityPerLevel:   d("0.3"),
			MaxOrdersPerSide:   2,
			FlattenSlippageBps: d("50"),
		},
		Limits: risk.Limits{
			MaxPosition:       d("100"),
			PositionThreshold: d("0.9"),
			StopLossAmount:    d("10"),
			TakeProfitAmount:  d("10"),
		},
	}, quietLogger())
	ctx := context.Background()

	require.NoError(t, mm.bootstrap(ctx))
	require.NoError(t, mm.Tick(ctx))

	snap, ok := mm.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "normal", snap.Verdict)
	assert.True(t, snap.UnrealizedPL.IsZero())
	assert.True(t, snap.Position.EntryPrice.Equal(d("100")))

	pos, err := venue.GetPosition(ctx, market.Symbol)
	require.NoError(t, err)
	assert.True(t, pos.NetSize.Equal(d("10")), "balance must not be sold")
	assert.Len(t, openOrders(t, venue), 4)
}

func TestPositionPollFailureHalts(t *testing.T) {
	mm, venue := newMarketMaker(t, true, nil)
	ctx := context.Background()
	require.NoError(t, mm.bootstrap(ctx))
	require.NoError(t, mm.Tick(ctx))

	transient := &exchange.Error{Exchange: "paper", Op: paper.OpPosition, Kind: exchange.ErrNetworkTransient}
	venue.FailNext(paper.OpPosition, transient)
	venue.FailNext(paper.OpPosition, transient)
	require.Error(t, mm.syncPosition(ctx, false))
	assert.True(t, mm.risk.Unknown())

	venue.FailNext(paper.OpPosition, transient)
	venue.FailNext(paper.OpPosition, transient)
	require.NoError(t, mm.Tick(ctx))
	assert.Empty(t, openOrders(t, venue))

	// the next tick resyncs and quotes again
	require.NoError(t, mm.Tick(ctx))
	assert.False(t, mm.risk.Unknown())
	assert.Len(t, openOrders(t, venue), 4)
}

func TestNextRecycle(t *testing.T) {
	loc := time.FixedZone("test", 0)
	at := 4 * time.Hour

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's slot", time.Date(2024, 3, 1, 1, 0, 0, 0, loc), time.Date(2024, 3, 1, 4, 0, 0, 0, loc)},
		{"exactly at the slot", time.Date(2024, 3, 1, 4, 0, 0, 0, loc), time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
		{"after today's slot", time.Date(2024, 3, 1, 23, 0, 0, 0, loc), time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
		{"month end", time.Date(2024, 2, 29, 5, 0, 0, 0, loc), time.Date(2024, 3, 1, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextRecycle(tt.now, at))
		})
	}
}

func TestNewConfigFromDefaults(t *testing.T) {
	appCfg, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"), nil)
	require.NoError(t, err)

	cfg, err := NewConfig(appCfg)
	require.NoError(t, err)
	assert.True(t, cfg.Quote.SpreadBps.Equal(d("6")))
	assert.True(t, cfg.Quote.QuantityPerLevel.Equal(d("0.3")))
	assert.Equal(t, 2, cfg.Quote.MaxOrdersPerSide)
	assert.True(t, cfg.Limits.MaxPosition.Equal(d("1.5")))
	assert.True(t, cfg.Limits.PositionThreshold.Equal(d("0.9")))
	assert.Equal(t, 4*time.Hour, cfg.RecycleAt)
	assert.Equal(t, 10*time.Second, cfg.TickInterval)
	assert.Equal(t, time.Minute, cfg.ReconcileEvery)
}
