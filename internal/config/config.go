// Package config loads Spendguard settings from the environment.
//
// Variables use the SPENDGUARD_ prefix and a double underscore between
// sections, so SPENDGUARD_ANOMALY__VELOCITY_WINDOW=15m sets
// Config.Anomaly.VelocityWindow. SPENDGUARD_TIER picks the base defaults
// that the remaining variables override.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/spendguard/internal/domain"
)

// EnvPrefix is the prefix shared by every configuration variable.
const EnvPrefix = "SPENDGUARD_"

// ErrInvalidConfig is returned when loaded settings cannot run the service.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads the environment into a Config built on the tier's defaults.
func Load() (*domain.Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg *domain.Config
	switch tier := domain.Tier(strings.ToLower(k.String("tier"))); tier {
	case "", domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidConfig, tier)
	}
	k.Delete("tier")

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail at first use.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("repository.driver %q unsupported", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type %q unsupported", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("bus.type %q unsupported", cfg.EventBus.Type))
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}
	if cfg.Forecast.WindowMonths < 1 {
		errs = append(errs, fmt.Errorf("forecast.window_months %d must be at least 1", cfg.Forecast.WindowMonths))
	}
	if len(cfg.Alerts.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("alerts.default_currency %q is not an ISO 4217 code", cfg.Alerts.DefaultCurrency))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// envKey maps SPENDGUARD_CACHE__REDIS_ADDR to cache.redis_addr.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
