// Package config loads the factorlab YAML configuration, applies defaults
// and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for factorlab.
type Config struct {
	Storage    Storage        `yaml:"storage"`
	Server     Server         `yaml:"server"`
	Logging    Logging        `yaml:"logging"`
	DataSource DataSource     `yaml:"datasource"`
	Alpaca     Alpaca         `yaml:"alpaca"`
	Backtest   BacktestConfig `yaml:"backtest"`
	Gather     GatherConfig   `yaml:"gather"`
	Schedule   []ScheduleJob  `yaml:"schedule"`
	Kafka      Kafka          `yaml:"kafka"`
	Report     Report         `yaml:"report"`
}

// Storage holds paths and DSNs for persistence. Driver selects the
// combination/result store: "sqlite" (default) or "mysql".
type Storage struct {
	Driver     string `yaml:"driver"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	MySQLDSN   string `yaml:"mysql_dsn"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DataSource selects and tunes the price feed. Kind is "collector" (CN
// A-shares over HTTP) or "alpaca" (US equities). CacheBars puts the Parquet
// bar cache in front of the feed.
type DataSource struct {
	Kind         string        `yaml:"kind"`
	CollectorURL string        `yaml:"collector_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	CacheBars    bool          `yaml:"cache_bars"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// BacktestConfig holds engine defaults applied to API and CLI requests that
// leave them unset.
type BacktestConfig struct {
	InitialCapital      float64 `yaml:"initial_capital"`
	BuyThreshold        float64 `yaml:"buy_threshold"`
	SellThreshold       float64 `yaml:"sell_threshold"`
	TransactionCost     float64 `yaml:"transaction_cost"`
	Slippage            float64 `yaml:"slippage"`
	NormalizationWindow int     `yaml:"normalization_window"`
	RiskFreeRate        float64 `yaml:"risk_free_rate"`
	MaxConcurrent       int     `yaml:"max_concurrent"`
}

// GatherConfig controls bar gathering jobs.
type GatherConfig struct {
	CNDaily GatherJobConfig `yaml:"cn_daily"`
}

// GatherJobConfig holds parameters for a single data gathering job. Cron,
// when set, runs the job inside the server.
type GatherJobConfig struct {
	Cron            string   `yaml:"cron"`
	StartDate       string   `yaml:"start_date"`
	Symbols         []string `yaml:"symbols"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

// ScheduleJob re-runs a saved combination on a cron schedule over a trailing
// window of LookbackDays calendar days.
type ScheduleJob struct {
	Name         string   `yaml:"name"`
	Cron         string   `yaml:"cron"`
	Combination  string   `yaml:"combination"`
	StockCodes   []string `yaml:"stock_codes"`
	LookbackDays int      `yaml:"lookback_days"`
}

// Kafka configures the result-event publisher. An empty broker list
// disables publishing.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Report configures XLSX report export.
type Report struct {
	Dir string `yaml:"dir"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies defaults,
// loads a .env file when present and then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// A missing .env is normal; variables already set win over the file.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for fields absent from the file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     "sqlite",
			DataDir:    "data",
			SQLitePath: "data/factorlab.db",
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		DataSource: DataSource{
			Kind:       "collector",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			CacheBars:  true,
		},
		Backtest: BacktestConfig{
			InitialCapital:      1_000_000,
			BuyThreshold:        0.6,
			SellThreshold:       0.4,
			TransactionCost:     0.0003,
			Slippage:            0.001,
			NormalizationWindow: 60,
			MaxConcurrent:       4,
		},
		Gather: GatherConfig{
			CNDaily: GatherJobConfig{
				StartDate:       "2020-01-01",
				RateLimitPerMin: 120,
				MaxAttempts:     3,
			},
		},
		Kafka: Kafka{
			Topic: "backtest.completed",
		},
		Report: Report{
			Dir: "reports",
		},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			return fmt.Errorf("config: storage.mysql_dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.DataSource.Kind {
	case "collector", "alpaca":
	default:
		return fmt.Errorf("config: unknown datasource.kind %q", c.DataSource.Kind)
	}
	if c.Backtest.SellThreshold >= c.Backtest.BuyThreshold {
		return fmt.Errorf("config: backtest.sell_threshold must be below buy_threshold")
	}
	if c.Backtest.InitialCapital <= 0 {
		return fmt.Errorf("config: backtest.initial_capital must be positive")
	}
	for _, job := range c.Schedule {
		if job.Name == "" || job.Cron == "" || job.Combination == "" {
			return fmt.Errorf("config: schedule job needs name, cron and combination")
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Storage.MySQLDSN = v
		cfg.Storage.Driver = "mysql"
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}

	if v := os.Getenv("COLLECTOR_URL"); v != "" {
		cfg.DataSource.CollectorURL = v
	}
	if v := os.Getenv("DATASOURCE_KIND"); v != "" {
		cfg.DataSource.Kind = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
