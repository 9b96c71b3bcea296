package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Feed keeps the latest top of book for one symbol. It never reports errors to
// readers: a feed that has not been updated within staleAfter is simply stale.
type Feed struct {
	symbol     string
	staleAfter time.Duration
	now        func() time.Time
	logger     *logrus.Entry

	mu        sync.RWMutex
	latest    models.BookTicker
	mid       decimal.Decimal
	updatedAt time.Time
}

func NewFeed(symbol string, staleAfter time.Duration, logger *logrus.Logger) *Feed {
	return &Feed{
		symbol:     symbol,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.WithFields(logrus.Fields{"component": "feed", "symbol": symbol}),
	}
}

// Update records a new top of book. Tickers without a usable price are ignored.
func (f *Feed) Update(t models.BookTicker) {
	mid := t.Mid()
	if !mid.IsPositive() {
		return
	}
	f.mu.Lock()
	f.latest = t
	f.mid = mid
	f.updatedAt = f.now()
	f.mu.Unlock()
}

// CurrentMidPrice returns the last mid price, its age, and whether it is stale.
// A feed that has never been updated is stale with zero price.
func (f *Feed) CurrentMidPrice() (decimal.Decimal, time.Duration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.updatedAt.IsZero() {
		return decimal.Zero, 0, true
	}
	age := f.now().Sub(f.updatedAt)
	return f.mid, age, age > f.staleAfter
}

func (f *Feed) Latest() models.BookTicker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest
}

func (f *Feed) Reset() {
	f.mu.Lock()
	f.latest = models.BookTicker{}
	f.mid = decimal.Zero
	f.updatedAt = time.Time{}
	f.mu.Unlock()
}

// Run consumes a book stream until it closes or ctx is done.
func (f *Feed) Run(ctx context.Context, updates <-chan models.BookTicker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-updates:
			if !ok {
				f.logger.Warn("Book stream closed")
				return
			}
			f.Update(t)
		}
	}
}

// Refresh polls the adapter once, used when the stream has gone quiet.
func (f *Feed) Refresh(ctx context.Context, adapter exchange.Adapter) error {
	t, err := adapter.GetMidPrice(ctx, f.symbol)
	if err != nil {
		f.logger.WithError(err).Debug("Mid price poll failed")
		return err
	}
	f.Update(*t)
	return nil
}
