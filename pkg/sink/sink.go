// Package sink persists the append-only event log: order transitions, fills
// and position snapshots. Trading never waits on it.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gregtusar/mmbot/pkg/models"
)

// Sink is a durable destination for events. Write may block; callers on the
// trading path go through AsyncSink instead.
type Sink interface {
	Write(ctx context.Context, events []models.Event) error
	Close() error
}

// Record is the flattened, storage friendly form of an event.
type Record struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	Kind          string    `gorm:"size:16;index" json:"kind"`
	Symbol        string    `gorm:"size:32;index" json:"symbol"`
	Action        string    `gorm:"size:32" json:"action"`
	OrderID       string    `gorm:"size:64" json:"order_id,omitempty"`
	CorrelationID string    `gorm:"size:64;index" json:"correlation_id,omitempty"`
	FillID        string    `gorm:"size:64" json:"fill_id,omitempty"`
	Side          string    `gorm:"size:8" json:"side,omitempty"`
	Status        string    `gorm:"size:24" json:"status,omitempty"`
	Price         string    `gorm:"size:40" json:"price,omitempty"`
	Size          string    `gorm:"size:40" json:"size,omitempty"`
	NetSize       string    `gorm:"size:40" json:"net_size,omitempty"`
	RealizedPL    string    `gorm:"size:40" json:"realized_pl,omitempty"`
	UnrealizedPL  string    `gorm:"size:40" json:"unrealized_pl,omitempty"`
	Payload       string    `gorm:"type:text" json:"-"`
}

func (Record) TableName() string {
	return "mmbot_events"
}

func NewRecord(ev models.Event) Record {
	r := Record{
		Timestamp: ev.Timestamp,
		Kind:      string(ev.Kind),
		Symbol:    ev.Symbol,
		Action:    ev.Action,
	}
	var payload any
	switch {
	case ev.Order != nil:
		o := ev.Order
		r.OrderID = o.OrderID
		r.CorrelationID = o.CorrelationID
		r.Side = string(o.Side)
		r.Status = string(o.Status)
		r.Price = o.Price.String()
		r.Size = o.Size.String()
		payload = o
	case ev.Fill != nil:
		f := ev.Fill
		r.OrderID = f.OrderID
		r.CorrelationID = f.CorrelationID
		r.FillID = f.FillID
		r.Side = string(f.Side)
		r.Price = f.Price.String()
		r.Size = f.Size.String()
		payload = f
	case ev.Position != nil:
		p := ev.Position
		r.NetSize = p.NetSize.String()
		r.Price = p.MarkPrice.String()
		r.RealizedPL = p.RealizedPL.String()
		r.UnrealizedPL = p.UnrealizedPL.String()
		payload = p
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			r.Payload = string(b)
		}
	}
	return r
}

// Fanout writes every batch to each sink and reports all failures.
type Fanout []Sink

func (f Fanout) Write(ctx context.Context, events []models.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
