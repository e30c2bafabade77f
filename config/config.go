package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Derivflow DerivflowConfig  `yaml:"derivflow"`
	Coinalyze CoinalyzeConfig  `yaml:"coinalyze"`
	Retry     RetryConfig      `yaml:"retry"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Pacing    PacingConfig     `yaml:"pacing"`
	Coins     []string         `yaml:"coins"`
	Price     PriceConfig      `yaml:"price"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Timezone  string           `yaml:"timezone"`
	Debug     DebugConfig      `yaml:"debug"`
	Warehouse WarehouseConfig  `yaml:"warehouse"`
	Storage   StorageConfig    `yaml:"storage"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type DerivflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type CoinalyzeConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Interval string        `yaml:"interval"`
	Lookback time.Duration `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
	// ConvertOIToUSD asks the open-interest endpoint for USD denominated values.
	ConvertOIToUSD bool `yaml:"convert_oi_to_usd"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type PacingConfig struct {
	MetricDelay   time.Duration `yaml:"metric_delay"`
	ExchangeDelay time.Duration `yaml:"exchange_delay"`
	CoinDelay     time.Duration `yaml:"coin_delay"`
}

type PriceConfig struct {
	// SymbolSuffix is appended to the coin to build the price symbol, e.g. BTC + "USDT.6".
	SymbolSuffix string `yaml:"symbol_suffix"`
}

// ExchangeConfig maps an exchange to its Coinalyze venue code and contract templates.
// Contract templates may reference the coin with the {coin} placeholder.
type ExchangeConfig struct {
	Name      string   `yaml:"name"`
	Code      string   `yaml:"code"`
	Contracts []string `yaml:"contracts"`
}

type DebugConfig struct {
	Enabled     bool `yaml:"enabled"`
	RecordLimit int  `yaml:"record_limit"`
}

type WarehouseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	Bootstrap       bool          `yaml:"bootstrap"`
	MaxOpen         int           `yaml:"max_open"`
	PingAttempts    int           `yaml:"ping_attempts"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch  CloudWatchConfig  `yaml:"cloudwatch"`
	Pushgateway PushgatewayConfig `yaml:"pushgateway"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type PushgatewayConfig struct {
	URL string `yaml:"url"`
	Job string `yaml:"job"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when a file omits a section.
func Default() Config {
	return Config{
		Derivflow: DerivflowConfig{Name: "derivflow", Version: "dev"},
		Coinalyze: CoinalyzeConfig{
			BaseURL:        "https://api.coinalyze.net/v1",
			Interval:       "5min",
			Lookback:       10 * 24 * time.Hour,
			Timeout:        30 * time.Second,
			ConvertOIToUSD: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   15 * time.Second,
			MaxJitter:   time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 40},
		Pacing: PacingConfig{
			MetricDelay:   2 * time.Second,
			ExchangeDelay: 5 * time.Second,
			CoinDelay:     15 * time.Second,
		},
		Coins:    []string{"BTC", "ETH", "XRP", "SOL"},
		Price:    PriceConfig{SymbolSuffix: "USDT.6"},
		Exchanges: []ExchangeConfig{
			{Name: "binance", Code: ".A", Contracts: []string{"{coin}USDT_PERP", "{coin}USD_PERP"}},
			{Name: "bybit", Code: ".6", Contracts: []string{"{coin}USDT", "{coin}USD"}},
			{Name: "okx", Code: ".3", Contracts: []string{"{coin}USDT_PERP", "{coin}USD_PERP"}},
		},
		Timezone: "Asia/Tokyo",
		Debug:    DebugConfig{RecordLimit: 5},
		Warehouse: WarehouseConfig{
			Driver:       "postgres",
			MaxOpen:      4,
			PingAttempts: 3,
			Timeout:      10 * time.Second,
		},
		Storage: StorageConfig{S3: S3Config{Compression: "snappy", Prefix: "coinalyze"}},
		Metrics: MetricsConfig{
			CloudWatch:  CloudWatchConfig{Namespace: "Derivflow"},
			Pushgateway: PushgatewayConfig{Job: "derivflow"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	for i, coin := range config.Coins {
		config.Coins[i] = strings.ToUpper(strings.TrimSpace(coin))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("COINALYZE_API_KEY"); v != "" {
		config.Coinalyze.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("WAREHOUSE_DRIVER"); v != "" {
		config.Warehouse.Driver = strings.TrimSpace(v)
	}
	if v := os.Getenv("WAREHOUSE_DSN"); v != "" {
		config.Warehouse.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			config.Debug.Enabled = enabled
		}
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// Location resolves the timezone used for the derived date and time columns.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Derivflow.Name == "" {
		return fmt.Errorf("derivflow.name is required")
	}

	if cfg.Coinalyze.BaseURL == "" {
		return fmt.Errorf("coinalyze.base_url is required")
	}
	if cfg.Coinalyze.APIKey == "" {
		return fmt.Errorf("coinalyze.api_key is required (or set COINALYZE_API_KEY)")
	}
	if cfg.Coinalyze.Interval == "" {
		return fmt.Errorf("coinalyze.interval is required")
	}
	if cfg.Coinalyze.Lookback <= 0 {
		return fmt.Errorf("coinalyze.lookback must be greater than 0")
	}

	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if cfg.Pacing.MetricDelay < 0 || cfg.Pacing.ExchangeDelay < 0 || cfg.Pacing.CoinDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}

	if len(cfg.Coins) == 0 {
		return fmt.Errorf("at least one coin is required")
	}
	if cfg.Price.SymbolSuffix == "" {
		return fmt.Errorf("price.symbol_suffix is required")
	}
	for i, ex := range cfg.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if !identRegexp.MatchString(strings.ToLower(ex.Name)) {
			return fmt.Errorf("exchanges[%d].name %q must be a plain identifier", i, ex.Name)
		}
		if ex.Code == "" {
			return fmt.Errorf("exchanges[%d].code is required", i)
		}
		if len(ex.Contracts) == 0 {
			return fmt.Errorf("exchanges[%d].contracts must not be empty", i)
		}
	}
	for _, coin := range cfg.Coins {
		if !identRegexp.MatchString(strings.ToLower(coin)) {
			return fmt.Errorf("coin %q must be a plain identifier", coin)
		}
	}

	if _, err := cfg.Location(); err != nil {
		return err
	}

	if cfg.Debug.Enabled && cfg.Debug.RecordLimit <= 0 {
		return fmt.Errorf("debug.record_limit must be greater than 0 when debug is enabled")
	}

	switch cfg.Warehouse.Driver {
	case "postgres", "duckdb":
	default:
		return fmt.Errorf("warehouse.driver %q is not supported (postgres, duckdb)", cfg.Warehouse.Driver)
	}
	if cfg.Warehouse.Driver == "postgres" && cfg.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required for postgres (or set WAREHOUSE_DSN)")
	}
	if cfg.Warehouse.Schema != "" && !identRegexp.MatchString(cfg.Warehouse.Schema) {
		return fmt.Errorf("warehouse.schema %q must be a plain identifier", cfg.Warehouse.Schema)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var identRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
