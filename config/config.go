package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fxpipeline/internal/model"
)

// DefaultTrackedPairs is the 20-pair FX + metal universe used when
// TRACKED_PAIRS is not set. The universe is a configuration input; nothing
// in the engine assumes a particular cardinality.
var DefaultTrackedPairs = []string{
	"EUR_USD", "GBP_USD", "USD_JPY", "USD_CAD", "AUD_USD",
	"USD_CHF", "NZD_USD", "EUR_GBP", "EUR_JPY", "EUR_CHF",
	"GBP_JPY", "GBP_CHF", "AUD_JPY", "AUD_NZD", "EUR_AUD",
	"GBP_AUD", "USD_CNH", "USD_HKD", "EUR_CAD", "GBP_CAD",
}

// Broker base URLs by environment.
const (
	BrokerURLPractice = "https://api-fxpractice.oanda.com"
	BrokerURLLive     = "https://api-fxtrade.oanda.com"
)

// Config holds all pipeline configuration loaded from environment variables.
type Config struct {
	// Broker
	BrokerToken string
	BrokerEnv   string // "practice" or "live"

	// Universe
	TrackedPairs []model.Instrument

	// Thresholds
	CorrelationThreshold float64
	VolatilityThreshold  float64

	// Cache TTL classes
	CacheTTLPrices      time.Duration
	CacheTTLMetrics     time.Duration
	CacheTTLCorrelation time.Duration

	// Broker rate limit: RateLimitRequests per RateLimitWindow
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Fan-out server
	FanoutAddr         string
	FanoutMaxClients   int
	FanoutPingInterval time.Duration
	FanoutPingTimeout  time.Duration

	// Jobs
	HourlyJobEnabled bool
	DailyJobEnabled  bool
	JobWorkers       int

	// Retention is advisory; the engine does not delete rows itself.
	DataRetentionDays int

	// Infrastructure
	StoreDSN      string
	CacheAddr     string
	CachePassword string
	MetricsAddr   string
	LogLevel      string
}

// Load reads configuration from the environment (and an optional .env file)
// and validates it. A missing required option returns an error; callers exit
// with status 1 on config failure.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BrokerToken: os.Getenv("BROKER_TOKEN"),
		BrokerEnv:   getEnv("BROKER_ENV", "practice"),

		CorrelationThreshold: getEnvFloat("CORRELATION_THRESHOLD", 0.7),
		VolatilityThreshold:  getEnvFloat("VOLATILITY_THRESHOLD", 2.0),

		CacheTTLPrices:      getEnvSeconds("CACHE_TTL_PRICES", 300),
		CacheTTLMetrics:     getEnvSeconds("CACHE_TTL_METRICS", 3600),
		CacheTTLCorrelation: getEnvSeconds("CACHE_TTL_CORRELATION", 86400),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   getEnvSeconds("RATE_LIMIT_WINDOW", 60),

		FanoutAddr:         getEnv("FANOUT_ADDR", ":5001"),
		FanoutMaxClients:   getEnvInt("FANOUT_MAX_CLIENTS", 1000),
		FanoutPingInterval: getEnvSeconds("FANOUT_PING_INTERVAL", 25),
		FanoutPingTimeout:  getEnvSeconds("FANOUT_PING_TIMEOUT", 5),

		HourlyJobEnabled: getEnvBool("JOB_HOURLY_ENABLED", true),
		DailyJobEnabled:  getEnvBool("JOB_DAILY_ENABLED", true),
		JobWorkers:       getEnvInt("JOB_WORKERS", 8),

		DataRetentionDays: getEnvInt("DATA_RETENTION_DAYS", 365),

		StoreDSN:      os.Getenv("STORE_DSN"),
		CacheAddr:     getEnv("CACHE_ADDR", "localhost:6379"),
		CachePassword: os.Getenv("CACHE_PASSWORD"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	pairs := DefaultTrackedPairs
	if raw := os.Getenv("TRACKED_PAIRS"); raw != "" {
		pairs = splitList(raw)
	}
	cfg.TrackedPairs = make([]model.Instrument, 0, len(pairs))
	for _, p := range pairs {
		cfg.TrackedPairs = append(cfg.TrackedPairs, model.Instrument{
			Name:  p,
			Class: model.ClassifyInstrument(p),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required options and value ranges. The diagnostic never
// contains the token itself.
func (c *Config) Validate() error {
	if c.BrokerToken == "" {
		return fmt.Errorf("BROKER_TOKEN is required")
	}
	if c.BrokerEnv != "practice" && c.BrokerEnv != "live" {
		return fmt.Errorf("BROKER_ENV must be \"practice\" or \"live\", got %q", c.BrokerEnv)
	}
	if len(c.TrackedPairs) == 0 {
		return fmt.Errorf("TRACKED_PAIRS must name at least one instrument")
	}
	seen := make(map[string]bool, len(c.TrackedPairs))
	for _, inst := range c.TrackedPairs {
		if inst.Name == "" {
			return fmt.Errorf("TRACKED_PAIRS contains an empty entry")
		}
		if seen[inst.Name] {
			return fmt.Errorf("TRACKED_PAIRS contains duplicate %s", inst.Name)
		}
		seen[inst.Name] = true
	}
	if c.CorrelationThreshold <= 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("CORRELATION_THRESHOLD must be in (0, 1], got %v", c.CorrelationThreshold)
	}
	if c.VolatilityThreshold <= 0 {
		return fmt.Errorf("VOLATILITY_THRESHOLD must be positive, got %v", c.VolatilityThreshold)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit must be positive: %d requests / %s", c.RateLimitRequests, c.RateLimitWindow)
	}
	if c.FanoutMaxClients <= 0 {
		return fmt.Errorf("FANOUT_MAX_CLIENTS must be positive, got %d", c.FanoutMaxClients)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	}
	return nil
}

// BrokerBaseURL returns the REST base URL for the configured environment.
func (c *Config) BrokerBaseURL() string {
	if c.BrokerEnv == "live" {
		return BrokerURLLive
	}
	return BrokerURLPractice
}

// PairNames returns the tracked instrument identifiers in configured order.
func (c *Config) PairNames() []string {
	names := make([]string, len(c.TrackedPairs))
	for i, inst := range c.TrackedPairs {
		names[i] = inst.Name
	}
	return names
}

// CorrelationPairs returns the subset of the universe that participates in
// correlation computation (FX and METAL).
func (c *Config) CorrelationPairs() []model.Instrument {
	out := make([]model.Instrument, 0, len(c.TrackedPairs))
	for _, inst := range c.TrackedPairs {
		if inst.Correlatable() {
			out = append(out, inst)
		}
	}
	return out
}

// Tracked reports whether name is part of the configured universe.
func (c *Config) Tracked(name string) bool {
	for _, inst := range c.TrackedPairs {
		if inst.Name == name {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
