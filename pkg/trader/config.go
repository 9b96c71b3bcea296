package trader

import (
	"time"

	"github.com/gregtusar/mmbot/internal/config"
	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/quote"
	"github.com/gregtusar/mmbot/pkg/risk"
	"github.com/shopspring/decimal"
)

type Config struct {
	Symbol         string
	TickInterval   time.Duration
	StaleAfter     time.Duration
	RunDuration    time.Duration
	ReconcileEvery time.Duration
	// RecycleAt is the offset from local midnight of the daily recycle.
	// Negative disables it.
	RecycleAt      time.Duration
	Quote          quote.Config
	Limits         risk.Limits
	ToleranceBps   decimal.Decimal
	Retry          exchange.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.TickInterval
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = exchange.DefaultRetryPolicy()
	}
	return c
}

// NewConfig derives the scheduler settings from the validated application config.
func NewConfig(cfg *config.Config) (Config, error) {
	recycleAt, err := cfg.RecycleClock()
	if err != nil {
		return Config{}, err
	}
	dec := decimal.NewFromFloat
	return Config{
		Symbol:         cfg.Exchange.Symbol,
		TickInterval:   cfg.TickInterval(),
		StaleAfter:     cfg.StaleAfter(),
		RunDuration:    cfg.RunDuration(),
		ReconcileEvery: cfg.ReconcileEvery(),
		RecycleAt:      recycleAt,
		Quote: quote.Config{
			SpreadBps:          cfg.SpreadBps(),
			QuantityPerLevel:   dec(cfg.Strategy.Quantity),
			MaxOrdersPerSide:   cfg.Strategy.MaxOrders,
			FlattenSlippageBps: dec(cfg.Risk.FlattenSlippageBps),
		},
		Limits: risk.Limits{
			TargetPosition:      dec(cfg.Risk.TargetPosition),
			MaxPosition:         dec(cfg.Risk.MaxPosition),
			PositionThreshold:   dec(cfg.Risk.PositionThreshold),
			InventorySkewFactor: dec(cfg.Risk.InventorySkew),
			StopLossAmount:      dec(cfg.Risk.StopLoss),
			TakeProfitAmount:    dec(cfg.Risk.TakeProfit),
		},
		ToleranceBps: dec(cfg.Strategy.ToleranceBps),
		Retry:        exchange.DefaultRetryPolicy(),
	}, nil
}
