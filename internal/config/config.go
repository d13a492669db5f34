// Package config resolves process configuration once, from a YAML file plus
// environment overrides, into an explicit value passed into constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file nor environment say otherwise.
const (
	DefaultListen          = "127.0.0.1:8087"
	DefaultDatabase        = "rotor.db"
	DefaultRefreshBuffer   = 10 * time.Minute
	DefaultRefreshThrottle = 2 * time.Second
	DefaultSweepInterval   = 15 * time.Minute
)

// Config is the resolved process configuration.
type Config struct {
	// Listen is the admin API bind address.
	Listen string `yaml:"listen"`
	// Database is the SQLite audit database path. Empty disables auditing.
	Database string `yaml:"database"`
	// PerProject stores accounts in the nearest project root instead of
	// the global file.
	PerProject bool `yaml:"per_project"`
	// FallbackToGlobal lets a project root without a storage file use the
	// global one. Off by default.
	FallbackToGlobal bool `yaml:"fallback_to_global"`
	// StoragePath overrides scope resolution with an explicit file.
	StoragePath string `yaml:"storage_path"`

	// RefreshBufferMinutes is the near-expiry window: only credentials
	// expiring within it are proactively refreshed.
	RefreshBufferMinutes int `yaml:"refresh_buffer_minutes"`
	// RefreshThrottleSeconds is the minimum spacing between refresh calls.
	RefreshThrottleSeconds int `yaml:"refresh_throttle_seconds"`
	// SweepIntervalMinutes is how often the background sweep looks for
	// near-expiry tokens.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`

	OAuth OAuthConfig `yaml:"oauth"`
}

// OAuthConfig names the token endpoint client. Values from the environment
// win over the file.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// Load reads the config file at path (absent file is not an error) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Listen:   DefaultListen,
		Database: DefaultDatabase,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ROTOR_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("ROTOR_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("ROTOR_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("ROTOR_PER_PROJECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PerProject = b
		}
	}
	if v := os.Getenv("ROTOR_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("ROTOR_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}
	if v := os.Getenv("ROTOR_OAUTH_TOKEN_URL"); v != "" {
		cfg.OAuth.TokenURL = v
	}
}

// RefreshBuffer returns the near-expiry window as a duration.
func (c *Config) RefreshBuffer() time.Duration {
	if c.RefreshBufferMinutes <= 0 {
		return DefaultRefreshBuffer
	}
	return time.Duration(c.RefreshBufferMinutes) * time.Minute
}

// RefreshThrottle returns the spacing between refresh calls.
func (c *Config) RefreshThrottle() time.Duration {
	if c.RefreshThrottleSeconds <= 0 {
		return DefaultRefreshThrottle
	}
	return time.Duration(c.RefreshThrottleSeconds) * time.Second
}

// SweepInterval returns the background sweep period.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return DefaultSweepInterval
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}
