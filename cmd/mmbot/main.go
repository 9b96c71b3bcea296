package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/mmbot/api"
	"github.com/gregtusar/mmbot/internal/config"
	"github.com/gregtusar/mmbot/pkg/metrics"
	"github.com/gregtusar/mmbot/pkg/monitor"
	"github.com/gregtusar/mmbot/pkg/sink"
	"github.com/gregtusar/mmbot/pkg/trader"
	"github.com/gregtusar/mmbot/pkg/venue"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmbot",
		Short: "Perpetual futures market maker",
		Long: `Quotes a symmetric, inventory-skewed ladder of post-only limit orders around the
mid price on Backpack, Aster or a simulated paper venue, with position limits,
stop loss and take profit.`,
		SilenceUsage: true,
		RunE:         runTrader,
	}

	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.String("exchange", "backpack", "exchange to trade on (backpack|aster|paper)")
	flags.String("market-type", "perp", "market type (perp|spot)")
	flags.String("symbol", "SOL_USDC_PERP", "trading symbol")
	flags.String("strategy", "standard", "quoting strategy")
	flags.Float64("spread", 0.06, "half spread in percent of mid")
	flags.Float64("quantity", 0.3, "order size per level")
	flags.Int("max-orders", 2, "ladder levels per side")
	flags.Float64("target-position", 0, "desired net position")
	flags.Float64("max-position", 1.5, "hard cap on absolute net position")
	flags.Float64("position-threshold", 0.9, "deviation from target that triggers a rebalance")
	flags.Float64("inventory-skew", 0, "inventory skew factor between 0 and 1")
	flags.Float64("stop-loss", 10, "realized plus unrealized loss that flattens the position")
	flags.Float64("take-profit", 10, "realized plus unrealized profit that flattens the position")
	flags.Int("duration", 0, "run time in seconds, 0 runs until interrupted")
	flags.Float64("interval", 10, "seconds between quoting ticks")
	flags.Bool("enable-db", false, "persist order, fill and position events")

	rootCmd.AddCommand(newKeystoreCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func runTrader(cmd *cobra.Command, args []string) error {
	envErr := godotenv.Load()

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.WithError(envErr).Warn("Failed to load .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	adapter, err := venue.New(cfg, logger)
	if err != nil {
		return err
	}

	traderCfg, err := trader.NewConfig(cfg)
	if err != nil {
		return err
	}

	opts := []trader.Option{trader.WithMetrics(m)}

	events, err := openSink(cfg, logger, m)
	if err != nil {
		return err
	}
	if events != nil {
		defer func() {
			if err := events.Close(); err != nil {
				logger.WithError(err).Error("Failed to close event sink")
			}
		}()
		opts = append(opts, trader.WithEvents(events))
	}

	if cfg.Redis.Addr != "" {
		rp := monitor.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Key)
		defer rp.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rp.Ping(pingCtx); err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("Redis unreachable, snapshots will retry each tick")
		}
		cancel()
		opts = append(opts, trader.WithMonitor(rp))
	}

	mm := trader.NewMarketMaker(adapter, traderCfg, logger, opts...)

	apiServer, err := api.NewServer(mm, logger, api.Options{
		Addr:                cfg.Addr(),
		DisableControlPanel: cfg.Server.DisableControlPanel,
		AdminPassword:       cfg.Server.AdminPassword,
		JWTSecret:           cfg.Server.JWTSecret,
		Gatherer:            reg,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{
		"exchange": cfg.Exchange.Name,
		"symbol":   cfg.Exchange.Symbol,
		"spread":   cfg.Strategy.SpreadPercent,
		"levels":   cfg.Strategy.MaxOrders,
		"interval": traderCfg.TickInterval,
	}).Info("Market maker is running. Press Ctrl+C to stop.")

	if err := mm.Run(ctx); err != nil {
		logger.WithError(err).Error("Market maker stopped with error")
		return err
	}

	logger.Info("Market maker stopped")
	return nil
}

// openSink returns nil when neither a database nor Kafka is configured.
func openSink(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*sink.AsyncSink, error) {
	var backends sink.Fanout

	if cfg.Database.Enabled || cfg.Database.URL != "" {
		db, err := sink.OpenGorm(cfg.Database.URL, cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open event database: %w", err)
		}
		backends = append(backends, db)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		backends = append(backends, sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger))
	}
	if len(backends) == 0 {
		return nil, nil
	}

	return sink.NewAsync(backends, logger,
		sink.WithBuffer(cfg.Database.BufferSize),
		sink.WithDropHook(m.SinkDropped.Inc),
	), nil
}
