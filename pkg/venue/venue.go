// Package venue builds the exchange adapter selected by configuration.
package venue

import (
	"fmt"
	"time"

	"github.com/gregtusar/mmbot/internal/config"
	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/exchange/aster"
	"github.com/gregtusar/mmbot/pkg/exchange/backpack"
	"github.com/gregtusar/mmbot/pkg/exchange/paper"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 10 * time.Second

func New(cfg *config.Config, logger *logrus.Logger) (exchange.Adapter, error) {
	ex := cfg.Exchange
	marketType := models.MarketType(ex.MarketType)

	switch ex.Name {
	case "backpack":
		return backpack.NewClient(backpack.Options{
			BaseURL:           ex.Backpack.BaseURL,
			WSURL:             ex.Backpack.WSURL,
			APIKey:            ex.Backpack.APIKey,
			APISecret:         ex.Backpack.SecretKey,
			MarketType:        marketType,
			RequestsPerSecond: ex.RequestsPerSecond,
			Timeout:           requestTimeout,
		}, logger)
	case "aster":
		return aster.NewClient(aster.Options{
			BaseURL:           ex.Aster.BaseURL,
			WSURL:             ex.Aster.WSURL,
			APIKey:            ex.Aster.APIKey,
			APISecret:         ex.Aster.SecretKey,
			MarketType:        marketType,
			RequestsPerSecond: ex.RequestsPerSecond,
			Timeout:           requestTimeout,
		}, logger)
	case "paper":
		p := ex.Paper
		sim := paper.New(models.Market{
			Symbol:       ex.Symbol,
			Type:         marketType,
			TickSize:     decimal.NewFromFloat(p.TickSize),
			StepSize:     decimal.NewFromFloat(p.StepSize),
			MinOrderSize: decimal.NewFromFloat(p.MinOrderSize),
			MakerFeeRate: decimal.NewFromFloat(p.MakerFee),
			TakerFeeRate: decimal.NewFromFloat(p.TakerFee),
		}, logger)
		if p.StartPrice > 0 {
			mid := decimal.NewFromFloat(p.StartPrice)
			half := mid.Mul(decimal.New(1, -4))
			sim.SetBook(mid.Sub(half), mid.Add(half))
		}
		return sim, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", ex.Name)
	}
}
