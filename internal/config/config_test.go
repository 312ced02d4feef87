package config

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/spendguard/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("Tier = %q, want %q", cfg.Tier, domain.TierCommunity)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("Repository.Driver = %q, want sqlite", cfg.Repository.Driver)
	}
	if cfg.Anomaly != domain.DefaultAnomalyConfig() {
		t.Errorf("Anomaly = %+v, want defaults", cfg.Anomaly)
	}
	if cfg.Forecast.WindowMonths != 6 {
		t.Errorf("Forecast.WindowMonths = %d, want 6", cfg.Forecast.WindowMonths)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPENDGUARD_SERVER__PORT", "9090")
	t.Setenv("SPENDGUARD_REPOSITORY__SQLITE_PATH", "/tmp/test.db")
	t.Setenv("SPENDGUARD_ANOMALY__VELOCITY_WINDOW", "15m")
	t.Setenv("SPENDGUARD_ANOMALY__CATEGORY_Z_THRESHOLD", "3.5")
	t.Setenv("SPENDGUARD_ALERTS__POLICY", "confidence >= 90")
	t.Setenv("SPENDGUARD_RATELIMIT__ENABLED", "false")
	t.Setenv("SPENDGUARD_FORECAST__WINDOW_MONTHS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"Server.Port", cfg.Server.Port, 9090},
		{"Repository.SQLitePath", cfg.Repository.SQLitePath, "/tmp/test.db"},
		{"Anomaly.VelocityWindow", cfg.Anomaly.VelocityWindow, 15 * time.Minute},
		{"Anomaly.CategoryZThreshold", cfg.Anomaly.CategoryZThreshold, 3.5},
		{"Alerts.Policy", cfg.Alerts.Policy, "confidence >= 90"},
		{"RateLimit.Enabled", cfg.RateLimit.Enabled, false},
		{"Forecast.WindowMonths", cfg.Forecast.WindowMonths, 12},
		// Untouched fields keep their defaults.
		{"Anomaly.CategoryMinSamples", cfg.Anomaly.CategoryMinSamples, 6},
		{"Cache.Type", cfg.Cache.Type, "memory"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("SPENDGUARD_TIER", "pro")
	t.Setenv("SPENDGUARD_CACHE__REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"Tier", cfg.Tier, domain.TierPro},
		{"Repository.Driver", cfg.Repository.Driver, "postgres"},
		{"EventBus.Type", cfg.EventBus.Type, "nats"},
		{"EventBus.NATSQueueGroup", cfg.EventBus.NATSQueueGroup, "spendguard-notify"},
		{"Cache.RedisAddr", cfg.Cache.RedisAddr, "redis:6379"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"UnknownTier", "SPENDGUARD_TIER", "enterprise"},
		{"BadPort", "SPENDGUARD_SERVER__PORT", "70000"},
		{"BadDriver", "SPENDGUARD_REPOSITORY__DRIVER", "mysql"},
		{"BadCurrency", "SPENDGUARD_ALERTS__DEFAULT_CURRENCY", "RUPEES"},
		{"EmptyForecastWindow", "SPENDGUARD_FORECAST__WINDOW_MONTHS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got: %v", err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SPENDGUARD_CACHE__REDIS_ADDR":       "cache.redis_addr",
		"SPENDGUARD_TIER":                    "tier",
		"SPENDGUARD_FORECAST__WINDOW_MONTHS": "forecast.window_months",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
