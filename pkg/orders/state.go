package orders

import (
	"errors"
	"fmt"

	"github.com/gregtusar/mmbot/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrUnknownOrder      = errors.New("order not tracked")
)

func rank(s models.OrderStatus) int {
	switch s {
	case models.OrderStatusNew:
		return 0
	case models.OrderStatusSubmitted:
		return 1
	case models.OrderStatusAcknowledged:
		return 2
	case models.OrderStatusPartiallyFilled:
		return 3
	default:
		return 4
	}
}

// Transition checks that an order may move from one state to another. States
// only move forward, but intermediate states may be skipped: a fill can be
// seen before the acknowledgement. PartiallyFilled may repeat.
func Transition(from, to models.OrderStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == from && from == models.OrderStatusPartiallyFilled {
		return nil
	}
	if rank(to) <= rank(from) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func Cancellable(s models.OrderStatus) bool {
	return s == models.OrderStatusAcknowledged || s == models.OrderStatusPartiallyFilled
}

// advance applies to if it is a legal move and reports whether the state changed.
func advance(st *models.OrderState, to models.OrderStatus) bool {
	if st.Status == to {
		return false
	}
	if err := Transition(st.Status, to); err != nil {
		return false
	}
	st.Status = to
	return true
}
