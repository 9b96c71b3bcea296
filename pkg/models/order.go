package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcknowledged    OrderStatus = "acknowledged"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Quote is one rung of the target ladder. Level 0 is reserved for the flatten order.
type Quote struct {
	Side          OrderSide
	Price         decimal.Decimal
	Size          decimal.Decimal
	Level         int
	CorrelationID string
	ReduceOnly    bool
	TimeInForce   TimeInForce
}

// Order is the exchange's view of an order as returned by an adapter.
type Order struct {
	OrderID     string
	ClientID    string
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	FilledSize  decimal.Decimal
	Status      OrderStatus
	TimeInForce TimeInForce
	PostOnly    bool
	ReduceOnly  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OrderRequest struct {
	Symbol      string
	ClientID    string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	TimeInForce TimeInForce
	PostOnly    bool
	ReduceOnly  bool
}

// OrderState is the controller's record of one order it placed.
type OrderState struct {
	OrderID       string
	CorrelationID string
	Side          OrderSide
	Level         int
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	ReduceOnly    bool
	Unknown       bool
	CreatedAt     time.Time
	AckedAt       time.Time
}

func (o OrderState) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.FilledSize)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
