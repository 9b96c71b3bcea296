package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Fill struct {
	FillID        string
	OrderID       string
	CorrelationID string
	Symbol        string
	Side          OrderSide
	Price         decimal.Decimal
	Size          decimal.Decimal
	Fee           decimal.Decimal
	Maker         bool
	Timestamp     time.Time
}

// SignedSize is positive for buys and negative for sells.
func (f Fill) SignedSize() decimal.Decimal {
	return f.Size.Mul(f.Side.Sign())
}

type Position struct {
	Symbol       string
	NetSize      decimal.Decimal
	EntryPrice   decimal.Decimal
	MarkPrice    decimal.Decimal
	RealizedPL   decimal.Decimal
	UnrealizedPL decimal.Decimal
	FeesPaid     decimal.Decimal
	UpdatedAt    time.Time
}

func (p Position) TotalPL() decimal.Decimal {
	return p.RealizedPL.Add(p.UnrealizedPL)
}
