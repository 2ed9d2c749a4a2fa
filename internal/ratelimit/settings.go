package ratelimit

import (
	"strings"
	"sync/atomic"

	internalsettings "github.com/cif-go/cifstore/internal/settings"
)

// SettingsConfig captures the rate limit section of the configuration.
type SettingsConfig struct {
	Limit         int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Normalize trims string fields and applies defaults.
func (cfg SettingsConfig) Normalize() SettingsConfig {
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.RedisPassword = strings.TrimSpace(cfg.RedisPassword)
	cfg.RedisPrefix = strings.TrimSpace(cfg.RedisPrefix)
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	if cfg.RedisAddr == "" {
		cfg.RedisEnabled = false
	}
	return cfg
}

// StaticSettings returns a provider that always yields cfg.
func StaticSettings(cfg SettingsConfig) SettingsProvider {
	normalized := cfg.Normalize()
	return func() SettingsConfig { return normalized }
}

// DefaultSettings is the provider used when none is configured.
func DefaultSettings() SettingsConfig {
	return SettingsConfig{Limit: internalsettings.DefaultRateLimit}.Normalize()
}

// DynamicSettings is a SettingsProvider whose value can be swapped while the
// server runs, e.g. after a config reload.
type DynamicSettings struct {
	current atomic.Pointer[SettingsConfig]
}

// NewDynamicSettings seeds a DynamicSettings with cfg.
func NewDynamicSettings(cfg SettingsConfig) *DynamicSettings {
	d := &DynamicSettings{}
	d.Set(cfg)
	return d
}

// Set replaces the current settings.
func (d *DynamicSettings) Set(cfg SettingsConfig) {
	normalized := cfg.Normalize()
	d.current.Store(&normalized)
}

// Get returns the current settings. It satisfies SettingsProvider.
func (d *DynamicSettings) Get() SettingsConfig {
	if d == nil {
		return DefaultSettings()
	}
	if cfg := d.current.Load(); cfg != nil {
		return *cfg
	}
	return DefaultSettings()
}
