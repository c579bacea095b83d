// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// safety-critical fields overridable via the environment variables named in
// the deployment docs (ENABLE_LIVE_TRADING, TRADING_DISABLE_LIVE, ...).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Market    MarketConfig    `mapstructure:"market"`
	Stock     StockConfig     `mapstructure:"stock"`
	Reasoner  ReasonerConfig  `mapstructure:"reasoner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// DatabaseConfig holds the storage target and migrations directory.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// TradingConfig holds the safety gates that decide whether and how orders
// reach the broker.
//
//   - EnableLiveTrading: must be true AND the kill switch off for LIVE orders.
//   - DisableLive: master kill switch; ON rejects every LIVE confirmation.
//   - DemoSafeMode: blocks LIVE CRYPTO at the execution node.
//   - ForcePaperMode: downgrades every intent to PAPER pre-confirmation.
//   - DefaultMode: PAPER or LIVE when the intent does not specify one.
//   - LiveMaxNotionalUSD: hard per-order cap for LIVE orders.
//   - ExecutionTimeout: wall-clock budget for one run.
//   - ConfirmationTTL: how long a staged confirmation stays confirmable.
type TradingConfig struct {
	EnableLiveTrading  bool          `mapstructure:"enable_live_trading"`
	DisableLive        bool          `mapstructure:"disable_live"`
	DemoSafeMode       bool          `mapstructure:"demo_safe_mode"`
	ForcePaperMode     bool          `mapstructure:"force_paper_mode"`
	DefaultMode        string        `mapstructure:"default_mode"`
	LiveMaxNotionalUSD float64       `mapstructure:"live_max_notional_usd"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout"`
	ConfirmationTTL    time.Duration `mapstructure:"confirmation_ttl"`
	DebugMinRules      bool          `mapstructure:"debug_min_rules"`
}

// BrokerConfig holds Coinbase Advanced Trade credentials and endpoints.
// PrivateKeyPath is preferred over the inline PEM when both are set.
type BrokerConfig struct {
	APIBase        string `mapstructure:"api_base"`
	KeyName        string `mapstructure:"key_name"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// Credentialed reports whether authenticated broker calls are possible.
func (b BrokerConfig) Credentialed() bool {
	return b.KeyName != "" && (b.PrivateKey != "" || b.PrivateKeyPath != "")
}

// MarketConfig selects the market data provider. Only "coinbase" is
// supported; anything else fails validation at startup.
type MarketConfig struct {
	DataMode string `mapstructure:"data_mode"`
}

// StockConfig tunes the equities path (watchlist, ASSISTED_LIVE tickets).
type StockConfig struct {
	Watchlist     []string `mapstructure:"watchlist"`
	RateLimit     int      `mapstructure:"rate_limit"`
	ExecutionMode string   `mapstructure:"execution_mode"`
}

// ReasonerConfig holds the optional LLM advisor settings. An empty APIKey
// disables the live call; the deterministic template is used instead.
type ReasonerConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the HTTP API / dashboard server.
type DashboardConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides. The file is
// optional: a missing file leaves every field at its default so that a
// pure-env deployment works.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "executiondesk.db")
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("trading.enable_live_trading", false)
	v.SetDefault("trading.disable_live", true)
	v.SetDefault("trading.demo_safe_mode", true)
	v.SetDefault("trading.default_mode", "PAPER")
	v.SetDefault("trading.live_max_notional_usd", 20.0)
	v.SetDefault("trading.execution_timeout", 60*time.Second)
	v.SetDefault("trading.confirmation_ttl", 300*time.Second)
	v.SetDefault("broker.api_base", "https://api.coinbase.com")
	v.SetDefault("market.data_mode", "coinbase")
	v.SetDefault("stock.execution_mode", "ASSISTED_LIVE")
	v.SetDefault("stock.rate_limit", 5)
	v.SetDefault("reasoner.model", "gemini-2.5-flash")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("dashboard.port", 8080)
}

// applyEnvOverrides maps the deployment-documented env names onto the config.
// These names predate the TRADE_ prefix scheme and stay supported.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("DATABASE_URL"); s != "" {
		cfg.Database.URL = s
	}
	if s := os.Getenv("ENABLE_LIVE_TRADING"); s != "" {
		cfg.Trading.EnableLiveTrading = boolEnv(s)
	}
	if s := os.Getenv("TRADING_DISABLE_LIVE"); s != "" {
		cfg.Trading.DisableLive = boolEnv(s)
	}
	if s := os.Getenv("DEMO_SAFE_MODE"); s != "" {
		cfg.Trading.DemoSafeMode = boolEnv(s)
	}
	if s := os.Getenv("FORCE_PAPER_MODE"); s != "" {
		cfg.Trading.ForcePaperMode = boolEnv(s)
	}
	if s := os.Getenv("EXECUTION_MODE_DEFAULT"); s != "" {
		cfg.Trading.DefaultMode = strings.ToUpper(s)
	}
	if s := os.Getenv("LIVE_MAX_NOTIONAL_USD"); s != "" {
		fmt.Sscanf(s, "%f", &cfg.Trading.LiveMaxNotionalUSD)
	}
	if s := os.Getenv("EXECUTION_TIMEOUT_SECONDS"); s != "" {
		var secs int
		if _, err := fmt.Sscanf(s, "%d", &secs); err == nil && secs > 0 {
			cfg.Trading.ExecutionTimeout = time.Duration(secs) * time.Second
		}
	}
	if s := os.Getenv("DEBUG_MIN_RULES"); s != "" {
		cfg.Trading.DebugMinRules = boolEnv(s)
	}
	if s := os.Getenv("MARKET_DATA_MODE"); s != "" {
		cfg.Market.DataMode = strings.ToLower(s)
	}
	if s := os.Getenv("COINBASE_API_BASE"); s != "" {
		cfg.Broker.APIBase = s
	}
	if s := os.Getenv("COINBASE_API_KEY_NAME"); s != "" {
		cfg.Broker.KeyName = s
	}
	if s := os.Getenv("COINBASE_API_PRIVATE_KEY"); s != "" {
		cfg.Broker.PrivateKey = s
	}
	if s := os.Getenv("COINBASE_API_PRIVATE_KEY_PATH"); s != "" {
		cfg.Broker.PrivateKeyPath = s
	}
	if s := os.Getenv("STOCK_WATCHLIST"); s != "" {
		cfg.Stock.Watchlist = strings.Split(s, ",")
	}
	if s := os.Getenv("STOCK_EXECUTION_MODE"); s != "" {
		cfg.Stock.ExecutionMode = strings.ToUpper(s)
	}
	if s := os.Getenv("GEMINI_API_KEY"); s != "" {
		cfg.Reasoner.APIKey = s
	}
	if s := os.Getenv("REASONER_MODEL"); s != "" {
		cfg.Reasoner.Model = s
	}
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		cfg.Logging.Level = s
	}
	if s := os.Getenv("LOG_FORMAT"); s != "" {
		cfg.Logging.Format = s
	}
	if s := os.Getenv("DASHBOARD_PORT"); s != "" {
		fmt.Sscanf(s, "%d", &cfg.Dashboard.Port)
	}
}

func boolEnv(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the fields that must be right before anything starts.
// Unsupported market data modes and an unreadable migrations directory are
// fatal at startup.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Market.DataMode != "coinbase" {
		return fmt.Errorf("market.data_mode %q is not supported (only coinbase)", c.Market.DataMode)
	}
	if c.Database.MigrationsDir != "" {
		if _, err := os.Stat(c.Database.MigrationsDir); err != nil {
			return fmt.Errorf("migrations dir %q not accessible: %w", c.Database.MigrationsDir, err)
		}
	}
	switch c.Trading.DefaultMode {
	case "PAPER", "LIVE":
	default:
		return fmt.Errorf("trading.default_mode must be PAPER or LIVE, got %q", c.Trading.DefaultMode)
	}
	if c.Trading.LiveMaxNotionalUSD <= 0 {
		return fmt.Errorf("trading.live_max_notional_usd must be > 0")
	}
	if c.Trading.ExecutionTimeout <= 0 {
		return fmt.Errorf("trading.execution_timeout must be > 0")
	}
	if c.Dashboard.Port <= 0 {
		return fmt.Errorf("dashboard.port must be > 0")
	}
	return nil
}

// PrivateKeyPEM returns the broker signing key, preferring the file path.
func (b BrokerConfig) PrivateKeyPEM() (string, error) {
	if b.PrivateKeyPath != "" {
		data, err := os.ReadFile(b.PrivateKeyPath)
		if err != nil {
			return "", fmt.Errorf("read private key file: %w", err)
		}
		return string(data), nil
	}
	if strings.Contains(b.PrivateKey, `\n`) {
		return strings.ReplaceAll(b.PrivateKey, `\n`, "\n"), nil
	}
	return b.PrivateKey, nil
}
