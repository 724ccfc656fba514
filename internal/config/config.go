// Package config loads gateway settings from flags, FEDGATE_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds validated gateway settings.
type Config struct {
	// HealthAddr is where the gRPC health service listens.
	HealthAddr string `mapstructure:"health-addr"`
	// DSN is the PostgreSQL connection string of the account directory.
	DSN string `mapstructure:"dsn"`

	PodURL         string `mapstructure:"pod-url"`
	SessionAuthURL string `mapstructure:"session-auth-url"` // defaults to PodURL
	KeyAuthURL     string `mapstructure:"key-auth-url"`     // defaults to PodURL
	KeyManagerURL  string `mapstructure:"key-manager-url"`  // defaults to KeyAuthURL

	AuthTimeout time.Duration `mapstructure:"auth-timeout"`
	KeyTimeout  time.Duration `mapstructure:"key-timeout"`

	RedisAddr     string        `mapstructure:"redis-addr"`
	RedisPassword string        `mapstructure:"redis-password"`
	RedisDB       int           `mapstructure:"redis-db"`
	Stream        string        `mapstructure:"stream"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	Workers       int           `mapstructure:"workers"`
	RetryBackoff  time.Duration `mapstructure:"retry-backoff"`

	// Authentication throttle per account; LimiterMaxFails 0 disables it.
	LimiterWindow   time.Duration `mapstructure:"limiter-window"`
	LimiterMaxFails int           `mapstructure:"limiter-max-fails"`
	LimiterBlock    time.Duration `mapstructure:"limiter-block"`

	Debug bool `mapstructure:"debug"`
}

// Flags returns the gateway flag set. Defaults live here.
func Flags() *pflag.FlagSet {
	host, _ := os.Hostname()
	if host == "" {
		host = "gateway"
	}

	fs := pflag.NewFlagSet("fedgate", pflag.ContinueOnError)
	fs.String("config", "", "optional config file (yaml, json, toml)")
	fs.String("health-addr", ":8081", "gRPC health listen address")
	fs.String("dsn", "", "PostgreSQL DSN of the account directory")
	fs.String("pod-url", "", "pod base URL")
	fs.String("session-auth-url", "", "session authentication base URL (default pod-url)")
	fs.String("key-auth-url", "", "key manager authentication base URL (default pod-url)")
	fs.String("key-manager-url", "", "key retrieval base URL (default key-auth-url)")
	fs.Duration("auth-timeout", 10*time.Second, "bound on one pod authentication")
	fs.Duration("key-timeout", 5*time.Second, "bound on one content key request")
	fs.String("redis-addr", "localhost:6379", "Redis address of the feed stream")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.String("stream", "fedgate:feed", "feed stream key")
	fs.String("group", "fedgate", "feed consumer group")
	fs.String("consumer", host, "consumer name prefix, unique per instance")
	fs.Int("workers", 4, "concurrent feed workers")
	fs.Duration("retry-backoff", time.Second, "pause before retrying pending envelopes")
	fs.Duration("limiter-window", 15*time.Minute, "authentication failure window")
	fs.Int("limiter-max-fails", 5, "authentication failures before an account is blocked (0 disables)")
	fs.Duration("limiter-block", 15*time.Minute, "block duration after too many failures")
	fs.Bool("debug", false, "development logging")
	return fs
}

// Load parses args and resolves the final configuration.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("FEDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.DSN == "" {
		return errors.New("config: dsn must be set")
	}
	if c.SessionAuthURL == "" {
		c.SessionAuthURL = c.PodURL
	}
	if c.KeyAuthURL == "" {
		c.KeyAuthURL = c.PodURL
	}
	if c.KeyManagerURL == "" {
		c.KeyManagerURL = c.KeyAuthURL
	}
	for name, raw := range map[string]string{
		"pod-url":          c.PodURL,
		"session-auth-url": c.SessionAuthURL,
		"key-auth-url":     c.KeyAuthURL,
		"key-manager-url":  c.KeyManagerURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: %s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.AuthTimeout <= 0 || c.KeyTimeout <= 0 {
		return errors.New("config: auth-timeout and key-timeout must be positive")
	}
	if c.Workers < 1 {
		return errors.New("config: workers must be at least 1")
	}
	if c.Stream == "" || c.Group == "" || c.Consumer == "" {
		return errors.New("config: stream, group and consumer must be set")
	}
	if c.LimiterMaxFails < 0 {
		return errors.New("config: limiter-max-fails must not be negative")
	}
	return nil
}

// LimiterEnabled reports whether authentication throttling is on.
func (c *Config) LimiterEnabled() bool { return c.LimiterMaxFails > 0 }
