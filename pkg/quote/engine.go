// Package quote turns a mid price and the current risk verdict into the target
// order ladder for one tick.
package quote

import (
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/gregtusar/mmbot/pkg/risk"
	"github.com/shopspring/decimal"
)

var (
	one          = decimal.NewFromInt(1)
	basisPerUnit = decimal.NewFromInt(10000)
)

type Config struct {
	SpreadBps          decimal.Decimal
	QuantityPerLevel   decimal.Decimal
	MaxOrdersPerSide   int
	FlattenSlippageBps decimal.Decimal
}

type Engine struct {
	market models.Market
	cfg    Config
}

func NewEngine(market models.Market, cfg Config) *Engine {
	return &Engine{market: market, cfg: cfg}
}

// SpreadFraction is the per-level price increment as a fraction of the reference.
func (e *Engine) SpreadFraction() decimal.Decimal {
	return e.cfg.SpreadBps.Div(basisPerUnit)
}

// SkewFromFactor converts an inventory factor in [-k, k] into a reference price
// displacement. Long inventory moves the reference down.
func (e *Engine) SkewFromFactor(factor decimal.Decimal) decimal.Decimal {
	return factor.Mul(e.SpreadFraction()).Neg()
}

// Quotes dispatches on the verdict: the ladder for Normal and Skew, a single
// closing order for Flatten, nothing for Halt.
func (e *Engine) Quotes(mid decimal.Decimal, v risk.Verdict, net decimal.Decimal) []models.Quote {
	switch v.Action {
	case risk.ActionHalt:
		return nil
	case risk.ActionFlatten:
		return e.Flatten(mid, net)
	case risk.ActionSkew:
		return e.ComputeLadder(mid, e.SkewFromFactor(v.Factor))
	default:
		return e.ComputeLadder(mid, decimal.Zero)
	}
}

// ComputeLadder builds maxOrdersPerSide levels per side around mid*(1+skew).
// Each level is kept at or beyond the unskewed level price, so skew can widen a
// side but never pull a quote inside the configured spread.
func (e *Engine) ComputeLadder(mid, skew decimal.Decimal) []models.Quote {
	size := e.market.RoundSize(e.cfg.QuantityPerLevel)
	if e.cfg.MaxOrdersPerSide <= 0 || !size.IsPositive() || !mid.IsPositive() {
		return nil
	}
	if e.market.MinOrderSize.IsPositive() && size.LessThan(e.market.MinOrderSize) {
		return nil
	}

	s := e.SpreadFraction()
	ref := mid.Mul(one.Add(skew))
	bids := make([]models.Quote, 0, e.cfg.MaxOrdersPerSide)
	asks := make([]models.Quote, 0, e.cfg.MaxOrdersPerSide)
	for i := 1; i <= e.cfg.MaxOrdersPerSide; i++ {
		offset := s.Mul(decimal.NewFromInt(int64(i)))

		bid := decimal.Min(ref.Mul(one.Sub(offset)), mid.Mul(one.Sub(offset)))
		bid = e.market.RoundPrice(bid, models.OrderSideBuy)
		if bid.IsPositive() {
			bids = append(bids, e.level(models.OrderSideBuy, bid, size, i))
		}

		ask := decimal.Max(ref.Mul(one.Add(offset)), mid.Mul(one.Add(offset)))
		ask = e.market.RoundPrice(ask, models.OrderSideSell)
		asks = append(asks, e.level(models.OrderSideSell, ask, size, i))
	}
	return append(bids, asks...)
}

func (e *Engine) level(side models.OrderSide, price, size decimal.Decimal, i int) models.Quote {
	return models.Quote{
		Side:        side,
		Price:       price,
		Size:        size,
		Level:       i,
		TimeInForce: models.TimeInForceGTC,
	}
}

// Flatten emits one reduce-only IOC order that closes net at a marketable
// price bounded by the slippage allowance.
func (e *Engine) Flatten(mid, net decimal.Decimal) []models.Quote {
	if net.IsZero() || !mid.IsPositive() {
		return nil
	}
	size := e.market.RoundSize(net.Abs())
	if !size.IsPositive() {
		return nil
	}

	side := models.OrderSideSell
	slip := e.cfg.FlattenSlippageBps.Div(basisPerUnit)
	price := mid.Mul(one.Sub(slip))
	if net.IsNegative() {
		side = models.OrderSideBuy
		price = mid.Mul(one.Add(slip))
	}
	// Round toward the aggressive side so the order stays marketable.
	price = e.market.RoundPrice(price, side.Opposite())

	return []models.Quote{{
		Side:        side,
		Price:       price,
		Size:        size,
		Level:       0,
		ReduceOnly:  true,
		TimeInForce: models.TimeInForceIOC,
	}}
}
