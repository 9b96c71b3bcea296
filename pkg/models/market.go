package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MarketType string

const (
	MarketTypePerp MarketType = "perp"
	MarketTypeSpot MarketType = "spot"
)

type Market struct {
	Symbol       string
	Type         MarketType
	BaseAsset    string
	QuoteAsset   string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinOrderSize decimal.Decimal
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// RoundPrice rounds p to the market tick size. Bids round down and asks round up
// so a quote never moves toward the reference price.
func (m Market) RoundPrice(p decimal.Decimal, side OrderSide) decimal.Decimal {
	if !m.TickSize.IsPositive() {
		return p
	}
	steps := p.Div(m.TickSize)
	if side == OrderSideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(m.TickSize)
}

// RoundSize rounds q down to the market step size.
func (m Market) RoundSize(q decimal.Decimal) decimal.Decimal {
	if !m.StepSize.IsPositive() {
		return q
	}
	return q.Div(m.StepSize).Floor().Mul(m.StepSize)
}

type BookTicker struct {
	Symbol    string
	BidPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskPrice  decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

func (t BookTicker) Mid() decimal.Decimal {
	switch {
	case t.BidPrice.IsPositive() && t.AskPrice.IsPositive():
		return t.BidPrice.Add(t.AskPrice).Div(decimal.NewFromInt(2))
	case t.BidPrice.IsPositive():
		return t.BidPrice
	default:
		return t.AskPrice
	}
}
