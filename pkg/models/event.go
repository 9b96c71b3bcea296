package models

import (
	"time"
)

type EventKind string

const (
	EventKindOrder    EventKind = "order"
	EventKindFill     EventKind = "fill"
	EventKindPosition EventKind = "position"
)

// Event is one append-only record handed to the persistence sink.
// Exactly one of Order, Fill or Position is set, matching Kind.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Symbol    string
	Action    string
	Order     *OrderState
	Fill      *Fill
	Position  *Position
}

func NewOrderEvent(symbol, action string, o OrderState) Event {
	return Event{Timestamp: time.Now().UTC(), Kind: EventKindOrder, Symbol: symbol, Action: action, Order: &o}
}

func NewFillEvent(f Fill) Event {
	return Event{Timestamp: time.Now().UTC(), Kind: EventKindFill, Symbol: f.Symbol, Action: "fill", Fill: &f}
}

func NewPositionEvent(p Position) Event {
	return Event{Timestamp: time.Now().UTC(), Kind: EventKindPosition, Symbol: p.Symbol, Action: "snapshot", Position: &p}
}
