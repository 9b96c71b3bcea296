// Package monitor publishes a point-in-time view of the market maker for the
// HTTP surface and, optionally, for external dashboards via Redis.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
)

type Snapshot struct {
	Timestamp    time.Time           `json:"timestamp"`
	Exchange     string              `json:"exchange"`
	Symbol       string              `json:"symbol"`
	Mid          decimal.Decimal     `json:"mid"`
	FeedStale    bool                `json:"feed_stale"`
	Verdict      string              `json:"verdict"`
	Position     models.Position     `json:"position"`
	OpenOrders   []models.OrderState `json:"open_orders"`
	RealizedPL   decimal.Decimal     `json:"realized_pl"`
	UnrealizedPL decimal.Decimal     `json:"unrealized_pl"`
	Ticks        int64               `json:"ticks"`
	Halted       bool                `json:"halted"`
	StartedAt    time.Time           `json:"started_at"`
}

type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
}

// MemoryStore keeps the latest snapshot for in-process readers.
type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
	ok   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Publish(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snap = s
	m.ok = true
	m.mu.Unlock()
	return nil
}

// Latest returns the last snapshot and false if none was published yet.
func (m *MemoryStore) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap, m.ok
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (p Multi) Publish(ctx context.Context, s Snapshot) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
