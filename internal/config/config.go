package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/mmbot/pkg/secrets"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
}

type ExchangeConfig struct {
	Name              string      `mapstructure:"name"`
	MarketType        string      `mapstructure:"market_type"`
	Symbol            string      `mapstructure:"symbol"`
	RequestsPerSecond float64     `mapstructure:"requests_per_second"`
	Backpack          VenueConfig `mapstructure:"backpack"`
	Aster             VenueConfig `mapstructure:"aster"`
	Paper             PaperConfig `mapstructure:"paper"`
}

type VenueConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
}

// PaperConfig describes the simulated market used by --exchange paper.
type PaperConfig struct {
	TickSize     float64 `mapstructure:"tick_size"`
	StepSize     float64 `mapstructure:"step_size"`
	MinOrderSize float64 `mapstructure:"min_order_size"`
	MakerFee     float64 `mapstructure:"maker_fee"`
	TakerFee     float64 `mapstructure:"taker_fee"`
	StartPrice   float64 `mapstructure:"start_price"`
}

type StrategyConfig struct {
	Name                  string  `mapstructure:"name"`
	SpreadPercent         float64 `mapstructure:"spread"`
	Quantity              float64 `mapstructure:"quantity"`
	MaxOrders             int     `mapstructure:"max_orders"`
	IntervalSeconds       float64 `mapstructure:"interval"`
	DurationSeconds       int     `mapstructure:"duration"`
	ToleranceBps          float64 `mapstructure:"tolerance_bps"`
	StaleAfterSeconds     float64 `mapstructure:"stale_after"`
	ReconcileEverySeconds float64 `mapstructure:"reconcile_every"`
	RecycleAt             string  `mapstructure:"recycle_at"`
}

type RiskConfig struct {
	TargetPosition     float64 `mapstructure:"target_position"`
	MaxPosition        float64 `mapstructure:"max_position"`
	PositionThreshold  float64 `mapstructure:"position_threshold"`
	InventorySkew      float64 `mapstructure:"inventory_skew"`
	StopLoss           float64 `mapstructure:"stop_loss"`
	TakeProfit         float64 `mapstructure:"take_profit"`
	FlattenSlippageBps float64 `mapstructure:"flatten_slippage_bps"`
}

type ServerConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	DisableControlPanel bool   `mapstructure:"disable_control_panel"`
	AdminPassword       string `mapstructure:"admin_password"`
	JWTSecret           string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// KeystoreConfig locates the encrypted credential file. It is read only
// when a master password is set.
type KeystoreConfig struct {
	Path           string `mapstructure:"path"`
	MasterPassword string `mapstructure:"master_password"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"exchange":           "exchange.name",
	"market-type":        "exchange.market_type",
	"symbol":             "exchange.symbol",
	"strategy":           "strategy.name",
	"spread":             "strategy.spread",
	"quantity":           "strategy.quantity",
	"max-orders":         "strategy.max_orders",
	"duration":           "strategy.duration",
	"interval":           "strategy.interval",
	"target-position":    "risk.target_position",
	"max-position":       "risk.max_position",
	"position-threshold": "risk.position_threshold",
	"inventory-skew":     "risk.inventory_skew",
	"stop-loss":          "risk.stop_loss",
	"take-profit":        "risk.take_profit",
	"enable-db":          "database.enabled",
}

// envKeys binds the deployment environment variables to config keys.
var envKeys = map[string]string{
	"server.host":                  "WEB_HOST",
	"server.port":                  "WEB_PORT",
	"server.disable_control_panel": "DISABLE_CONTROL_PANEL",
	"server.admin_password":        "ADMIN_PASSWORD",
	"server.jwt_secret":            "JWT_SECRET",
	"exchange.backpack.api_key":    "BACKPACK_API_KEY",
	"exchange.backpack.secret_key": "BACKPACK_SECRET_KEY",
	"exchange.aster.api_key":       "ASTER_API_KEY",
	"exchange.aster.secret_key":    "ASTER_SECRET_KEY",
	"database.url":                 "DATABASE_URL",
	"redis.addr":                   "REDIS_ADDR",
	"kafka.brokers":                "KAFKA_BROKERS",
	"gcp.project_id":               "GCP_PROJECT_ID",
	"gcp.use_secrets":              "GCP_USE_SECRETS",
	"gcp.credentials_file":         "GOOGLE_APPLICATION_CREDENTIALS",
	"logging.level":                "LOG_LEVEL",
	"keystore.path":                "KEYSTORE_PATH",
	"keystore.master_password":     "MASTER_PASSWORD",
}

// Load builds the configuration from defaults, the config file, the
// environment and finally any flags the user set explicitly.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mmbot")
	}

	v.SetEnvPrefix("MMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if configPath == "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Kafka.Brokers = splitList(config.Kafka.Brokers)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if config.Keystore.MasterPassword != "" {
		if err := loadKeystore(context.Background(), &config, logrus.New()); err != nil {
			return nil, fmt.Errorf("error loading keystore: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.name", "backpack")
	v.SetDefault("exchange.market_type", "perp")
	v.SetDefault("exchange.symbol", "SOL_USDC_PERP")
	v.SetDefault("exchange.requests_per_second", 10)
	v.SetDefault("exchange.paper.tick_size", 0.01)
	v.SetDefault("exchange.paper.step_size", 0.01)
	v.SetDefault("exchange.paper.min_order_size", 0.01)
	v.SetDefault("exchange.paper.maker_fee", 0.0002)
	v.SetDefault("exchange.paper.taker_fee", 0.0005)
	v.SetDefault("exchange.paper.start_price", 100)

	v.SetDefault("strategy.name", "standard")
	v.SetDefault("strategy.spread", 0.06)
	v.SetDefault("strategy.quantity", 0.3)
	v.SetDefault("strategy.max_orders", 2)
	v.SetDefault("strategy.interval", 10)
	v.SetDefault("strategy.duration", 0)
	v.SetDefault("strategy.tolerance_bps", 0)
	v.SetDefault("strategy.stale_after", 0)
	v.SetDefault("strategy.reconcile_every", 60)
	v.SetDefault("strategy.recycle_at", "04:00")

	v.SetDefault("risk.target_position", 0)
	v.SetDefault("risk.max_position", 1.5)
	v.SetDefault("risk.position_threshold", 0.9)
	v.SetDefault("risk.inventory_skew", 0)
	v.SetDefault("risk.stop_loss", 10)
	v.SetDefault("risk.take_profit", 10)
	v.SetDefault("risk.flatten_slippage_bps", 50)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.disable_control_panel", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.path", "./data/mmbot.db")
	v.SetDefault("database.buffer_size", 4096)

	v.SetDefault("redis.key", "mmbot:snapshot")
	v.SetDefault("kafka.topic", "mmbot.events")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("keystore.path", ".keystore")

	v.SetDefault("gcp.use_secrets", false)
	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.backpack_api_key", names.BackpackAPIKey)
	v.SetDefault("gcp.secret_names.backpack_secret_key", names.BackpackSecretKey)
	v.SetDefault("gcp.secret_names.aster_api_key", names.AsterAPIKey)
	v.SetDefault("gcp.secret_names.aster_secret_key", names.AsterSecretKey)
	v.SetDefault("gcp.secret_names.admin_password", names.AdminPassword)
	v.SetDefault("gcp.secret_names.jwt_secret", names.JWTSecret)
	v.SetDefault("gcp.secret_names.database_url", names.DatabaseURL)
}

// splitList accepts both a YAML list and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	n := applySecrets(ctx, config, secretManager)
	logger.WithField("secrets", n).Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

func applySecrets(ctx context.Context, config *Config, g secrets.Getter) int {
	names := config.GCP.SecretNames
	return secrets.Fill(ctx, g, map[string]*string{
		names.BackpackAPIKey:    &config.Exchange.Backpack.APIKey,
		names.BackpackSecretKey: &config.Exchange.Backpack.SecretKey,
		names.AsterAPIKey:       &config.Exchange.Aster.APIKey,
		names.AsterSecretKey:    &config.Exchange.Aster.SecretKey,
		names.AdminPassword:     &config.Server.AdminPassword,
		names.JWTSecret:         &config.Server.JWTSecret,
		names.DatabaseURL:       &config.Database.URL,
	})
}

func loadKeystore(ctx context.Context, config *Config, logger *logrus.Logger) error {
	ks, err := config.OpenKeystore(logger)
	if err != nil {
		return err
	}
	// Surface a wrong password here rather than as missing credentials later.
	if _, err := ks.LoadAll(); err != nil {
		return err
	}
	n := applyKeystore(ctx, config, ks)
	logger.WithFields(logrus.Fields{"path": ks.Path(), "secrets": n}).Info("Loaded credentials from keystore")
	return nil
}

func applyKeystore(ctx context.Context, config *Config, g secrets.Getter) int {
	return secrets.Fill(ctx, g, map[string]*string{
		"backpack.api_key":    &config.Exchange.Backpack.APIKey,
		"backpack.secret_key": &config.Exchange.Backpack.SecretKey,
		"aster.api_key":       &config.Exchange.Aster.APIKey,
		"aster.secret_key":    &config.Exchange.Aster.SecretKey,
	})
}

func (c *Config) OpenKeystore(logger *logrus.Logger) (*secrets.Keystore, error) {
	return secrets.NewKeystore(c.Keystore.Path, c.Keystore.MasterPassword, logger)
}

// VenueCredentials returns the exchange credentials in keystore layout.
func (c *Config) VenueCredentials() map[string]secrets.Credentials {
	return map[string]secrets.Credentials{
		"backpack": {"api_key": c.Exchange.Backpack.APIKey, "secret_key": c.Exchange.Backpack.SecretKey},
		"aster":    {"api_key": c.Exchange.Aster.APIKey, "secret_key": c.Exchange.Aster.SecretKey},
	}
}

// Validate rejects configurations the engine cannot run safely.
func (c *Config) Validate() error {
	var errs []error
	switch c.Exchange.Name {
	case "backpack", "aster", "paper":
	default:
		errs = append(errs, fmt.Errorf("unknown exchange %q", c.Exchange.Name))
	}
	switch c.Exchange.MarketType {
	case "perp", "spot":
	default:
		errs = append(errs, fmt.Errorf("unknown market type %q", c.Exchange.MarketType))
	}
	if c.Exchange.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.Strategy.Name != "standard" {
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy.Name))
	}
	if c.Strategy.SpreadPercent <= 0 {
		errs = append(errs, errors.New("spread must be positive"))
	}
	if c.Strategy.Quantity < 0 {
		errs = append(errs, errors.New("quantity must not be negative"))
	}
	if c.Strategy.MaxOrders < 0 {
		errs = append(errs, errors.New("max orders must not be negative"))
	}
	if c.Strategy.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.Strategy.DurationSeconds < 0 {
		errs = append(errs, errors.New("duration must not be negative"))
	}
	if _, err := c.RecycleClock(); err != nil {
		errs = append(errs, err)
	}
	if c.Risk.MaxPosition <= 0 {
		errs = append(errs, errors.New("max position must be positive"))
	}
	if c.Risk.PositionThreshold < 0 {
		errs = append(errs, errors.New("position threshold must not be negative"))
	}
	if c.Risk.InventorySkew < 0 || c.Risk.InventorySkew > 1 {
		errs = append(errs, errors.New("inventory skew must be within [0, 1]"))
	}
	if c.Risk.StopLoss < 0 || c.Risk.TakeProfit < 0 {
		errs = append(errs, errors.New("stop loss and take profit must not be negative"))
	}
	if c.Risk.FlattenSlippageBps < 0 {
		errs = append(errs, errors.New("flatten slippage must not be negative"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid web port %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// SpreadBps converts the percent given on the command line to basis points.
func (c *Config) SpreadBps() decimal.Decimal {
	return decimal.NewFromFloat(c.Strategy.SpreadPercent).Mul(decimal.NewFromInt(100))
}

func (c *Config) TickInterval() time.Duration {
	return seconds(c.Strategy.IntervalSeconds)
}

// StaleAfter defaults to twice the tick interval.
func (c *Config) StaleAfter() time.Duration {
	if c.Strategy.StaleAfterSeconds > 0 {
		return seconds(c.Strategy.StaleAfterSeconds)
	}
	return 2 * c.TickInterval()
}

func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Strategy.DurationSeconds) * time.Second
}

func (c *Config) ReconcileEvery() time.Duration {
	return seconds(c.Strategy.ReconcileEverySeconds)
}

// RecycleClock parses recycle_at as HH:MM local time. An empty value disables
// the daily recycle and returns -1.
func (c *Config) RecycleClock() (time.Duration, error) {
	if c.Strategy.RecycleAt == "" {
		return -1, nil
	}
	t, err := time.Parse("15:04", c.Strategy.RecycleAt)
	if err != nil {
		return 0, fmt.Errorf("invalid recycle_at %q: %w", c.Strategy.RecycleAt, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
