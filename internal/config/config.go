package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/polycorr/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Polymarket  PolymarketConfig  `mapstructure:"polymarket"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Filter      FilterConfig      `mapstructure:"filter"`
	Backtest    BacktestConfig    `mapstructure:"backtest"`
	Refresh     RefreshConfig     `mapstructure:"refresh"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	AdminAPIKey     string        `mapstructure:"admin_api_key"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PolymarketConfig struct {
	GammaURL          string        `mapstructure:"gamma_url"`
	ClobURL           string        `mapstructure:"clob_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	PageSize          int           `mapstructure:"page_size"`
	MaxMarkets        int           `mapstructure:"max_markets"`
	MaxResolved       int           `mapstructure:"max_resolved"`
	HistoryInterval   string        `mapstructure:"history_interval"`
	HistoryFidelity   int           `mapstructure:"history_fidelity"`
	HistoryWorkers    int           `mapstructure:"history_workers"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

type CorrelationConfig struct {
	MinAlignedPoints            int     `mapstructure:"min_aligned_points"`
	MinReturns                  int     `mapstructure:"min_returns"`
	MinVariance                 float64 `mapstructure:"min_variance"`
	Threshold                   float64 `mapstructure:"threshold"`
	HighInefficiencyCorrelation float64 `mapstructure:"high_inefficiency_correlation"`
	HighInefficiencySpread      float64 `mapstructure:"high_inefficiency_spread"`
	MaxLinksPerNode             int     `mapstructure:"max_links_per_node"`
	Workers                     int     `mapstructure:"workers"`
}

type FilterConfig struct {
	MinVolume      float64 `mapstructure:"min_volume"`
	MinProbability float64 `mapstructure:"min_probability"`
	MaxProbability float64 `mapstructure:"max_probability"`
	GraphMinVolume float64 `mapstructure:"graph_min_volume"`
}

type BacktestConfig struct {
	Horizons          []string      `mapstructure:"horizons"`
	SignalThreshold   float64       `mapstructure:"signal_threshold"`
	Workers           int           `mapstructure:"workers"`
	MinFollowerVolume float64       `mapstructure:"min_follower_volume"`
	MaxFollowers      int           `mapstructure:"max_followers"`
	SearchCacheTTL    time.Duration `mapstructure:"search_cache_ttl"`
}

type RefreshConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	CategoryCacheTTL time.Duration `mapstructure:"category_cache_ttl"`
	GraphCacheTTL    time.Duration `mapstructure:"graph_cache_ttl"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ExportLogs   bool    `mapstructure:"export_logs"`
}

// Load reads configuration from ./configs/config.yaml or ./config.yaml,
// a local .env file and the environment, in increasing precedence.
func Load() (*Config, error) {
	return LoadFrom("./configs", ".")
}

// LoadFrom is Load with explicit search paths for the config file.
func LoadFrom(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("database.database_url", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL environment variable: %w", err)
	}
	if err := v.BindEnv("server.admin_api_key", "ADMIN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ADMIN_API_KEY environment variable: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.admin_api_key", "")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "polycorr")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_conns", 10)

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Polymarket
	v.SetDefault("polymarket.gamma_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.clob_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.requests_per_second", 5.0)
	v.SetDefault("polymarket.burst", 5)
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.page_size", 500)
	v.SetDefault("polymarket.max_markets", 2000)
	v.SetDefault("polymarket.max_resolved", 4000)
	v.SetDefault("polymarket.history_interval", "1d")
	v.SetDefault("polymarket.history_fidelity", 60)
	v.SetDefault("polymarket.history_workers", 4)
	v.SetDefault("polymarket.breaker_failures", 5)
	v.SetDefault("polymarket.breaker_timeout", "30s")
	v.SetDefault("polymarket.max_retries", 2)
	v.SetDefault("polymarket.retry_initial_delay", "250ms")
	v.SetDefault("polymarket.retry_max_delay", "5s")

	// Correlation
	v.SetDefault("correlation.min_aligned_points", 10)
	v.SetDefault("correlation.min_returns", 9)
	v.SetDefault("correlation.min_variance", 0.001)
	v.SetDefault("correlation.threshold", 0.5)
	v.SetDefault("correlation.high_inefficiency_correlation", 0.6)
	v.SetDefault("correlation.high_inefficiency_spread", 0.3)
	v.SetDefault("correlation.max_links_per_node", 10)
	v.SetDefault("correlation.workers", 8)

	// Market filter
	v.SetDefault("filter.min_volume", 100000.0)
	v.SetDefault("filter.min_probability", 0.05)
	v.SetDefault("filter.max_probability", 0.95)
	v.SetDefault("filter.graph_min_volume", 50000.0)

	// Backtest
	v.SetDefault("backtest.horizons", []string{"5m", "1h", "1d", "1w"})
	v.SetDefault("backtest.signal_threshold", 0.95)
	v.SetDefault("backtest.workers", 4)
	v.SetDefault("backtest.min_follower_volume", 1000.0)
	v.SetDefault("backtest.max_followers", 50)
	v.SetDefault("backtest.search_cache_ttl", "10m")

	// Refresh
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", "10m")
	v.SetDefault("refresh.history_retention", "720h")
	v.SetDefault("refresh.category_cache_ttl", "168h")
	v.SetDefault("refresh.graph_cache_ttl", "30m")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "polycorr")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.export_logs", false)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return utils.NewValidationErrorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Correlation.MinAlignedPoints < 2 {
		return utils.NewValidationErrorf("correlation.min_aligned_points must be at least 2, got %d", c.Correlation.MinAlignedPoints)
	}
	if c.Correlation.MinVariance < 0 {
		return utils.NewValidationErrorf("correlation.min_variance must not be negative, got %f", c.Correlation.MinVariance)
	}
	if c.Correlation.Threshold < 0 || c.Correlation.Threshold >= 1 {
		return utils.NewValidationErrorf("correlation.threshold must be in [0,1), got %f", c.Correlation.Threshold)
	}
	if c.Correlation.MaxLinksPerNode < 1 {
		return utils.NewValidationErrorf("correlation.max_links_per_node must be positive, got %d", c.Correlation.MaxLinksPerNode)
	}
	if c.Correlation.Workers < 1 {
		return utils.NewValidationErrorf("correlation.workers must be positive, got %d", c.Correlation.Workers)
	}
	if c.Filter.MinProbability >= c.Filter.MaxProbability {
		return utils.NewValidationErrorf("filter.min_probability (%f) must be below filter.max_probability (%f)",
			c.Filter.MinProbability, c.Filter.MaxProbability)
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		return utils.NewValidationErrorf("polymarket.requests_per_second must be positive, got %f", c.Polymarket.RequestsPerSecond)
	}
	if _, err := c.Backtest.ParsedHorizons(); err != nil {
		return err
	}
	if c.Refresh.Interval <= 0 {
		return utils.NewValidationErrorf("refresh.interval must be positive, got %s", c.Refresh.Interval)
	}
	return nil
}

// ParsedHorizons converts the configured horizon strings into durations.
// The value "resolution" maps to zero, meaning hold until the last data point.
func (b BacktestConfig) ParsedHorizons() ([]time.Duration, error) {
	return ParseHorizons(b.Horizons)
}

// ParseHorizons parses horizon labels such as "5m", "24h" or "resolution".
// Labels naming the same duration, such as "1d" and "24h", are rejected.
func ParseHorizons(labels []string) ([]time.Duration, error) {
	if len(labels) == 0 {
		return nil, utils.NewValidationError("at least one backtest horizon is required")
	}
	out := make([]time.Duration, 0, len(labels))
	seen := make(map[time.Duration]string, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		var d time.Duration
		if !strings.EqualFold(label, "resolution") {
			var err error
			d, err = parseHorizon(label)
			if err != nil || d <= 0 {
				return nil, utils.NewValidationErrorf("invalid backtest horizon %q", label)
			}
		}
		if prev, dup := seen[d]; dup {
			return nil, utils.NewValidationErrorf("backtest horizon %q duplicates %q", label, prev)
		}
		seen[d] = label
		out = append(out, d)
	}
	return out, nil
}

// parseHorizon extends time.ParseDuration with whole day (d) and week (w) units.
func parseHorizon(label string) (time.Duration, error) {
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(label, suffix); ok {
			count, err := strconv.Atoi(n)
			if err != nil {
				return 0, err
			}
			return time.Duration(count) * unit, nil
		}
	}
	return time.ParseDuration(label)
}

// DSN builds the connection string, preferring an explicit database_url.
func (d DatabaseConfig) DSN() string {
	if d.DatabaseURL != "" {
		return d.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Addr returns the host:port redis address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
