package domain

import "time"

// Config holds the complete Spendguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Tier determines feature availability
	Tier Tier `koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"bus"`

	// Scoring and alerting
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Alerts    AlertConfig     `koanf:"alerts"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Forecast  ForecastConfig  `koanf:"forecast"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds

	// CORSOrigins lists browser origins allowed to call the API. Empty allows any.
	CORSOrigins []string `koanf:"cors_origins"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
}

// AnomalyConfig holds the detector thresholds. DefaultAnomalyConfig carries the
// tuned values; the confidence mapping assumes population standard deviation.
type AnomalyConfig struct {
	CategoryLimit      int     `koanf:"category_limit"`
	CategoryMinSamples int     `koanf:"category_min_samples"`
	CategoryZThreshold float64 `koanf:"category_z_threshold"`

	MerchantLimit      int `koanf:"merchant_limit"`
	MerchantMinHistory int `koanf:"merchant_min_history"`
	MerchantConfidence int `koanf:"merchant_confidence"`

	OverallLimit      int     `koanf:"overall_limit"`
	OverallMinSamples int     `koanf:"overall_min_samples"`
	OverallZThreshold float64 `koanf:"overall_z_threshold"`

	VelocityWindow     time.Duration `koanf:"velocity_window"`
	VelocityConfidence int           `koanf:"velocity_confidence"`

	// Timeout bounds the four history reads collectively. Zero defers to the caller's deadline.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultAnomalyConfig returns the standard detector settings.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		CategoryLimit:      50,
		CategoryMinSamples: 6,
		CategoryZThreshold: 2.0,

		MerchantLimit:      20,
		MerchantMinHistory: 2,
		MerchantConfidence: 85,

		OverallLimit:      100,
		OverallMinSamples: 11,
		OverallZThreshold: 2.5,

		VelocityWindow:     10 * time.Minute,
		VelocityConfidence: 90,
	}
}

// AlertConfig controls which verdicts become user notifications.
type AlertConfig struct {
	// Policy is a CEL boolean expression over confidence, amount, category, merchant, reason.
	Policy string `koanf:"policy"`

	// DefaultCurrency is used for accounts created without one.
	DefaultCurrency string `koanf:"default_currency"`

	// From is the sender address on alert emails.
	From string `koanf:"from"`
}

// ForecastConfig sets how much expense history the monthly projection uses.
type ForecastConfig struct {
	// WindowMonths counts the current month, so 6 covers it and the five before.
	WindowMonths int `koanf:"window_months"`
}

// RateLimitConfig bounds transaction creation per user.
type RateLimitConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Requests int64         `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 64 << 10,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:         "sqlite",
			SQLitePath:     "./spendguard.db",
			ReadAttempts:   3,
			ReadRetryDelay: 100 * time.Millisecond,
		},
		Cache: CacheConfig{
			Type:           "memory",
			LocalMaxSize:   10000,
			LocalTTL:       5 * time.Minute,
			TransactionTTL: 10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Anomaly: DefaultAnomalyConfig(),
		Alerts: AlertConfig{
			Policy:          "confidence > 0",
			DefaultCurrency: "INR",
			From:            "alerts@spendguard.local",
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 10,
			Window:   10 * time.Second,
		},
		Forecast: ForecastConfig{
			WindowMonths: 6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "spendguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:         "postgres",
		PostgresHost:   "localhost",
		PostgresPort:   5432,
		PostgresDB:     "spendguard",
		ReadAttempts:   3,
		ReadRetryDelay: 200 * time.Millisecond,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		TransactionTTL: 10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "spendguard-notify",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
