// Package config loads the server configuration from a file and DUOCHAT_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/GetStream/duochat/chat"
)

type HTTPConf struct {
	Addr            string `mapstructure:"addr"`
	PublicURL       string `mapstructure:"public_url"`
	ShutdownSeconds int    `mapstructure:"shutdown_seconds"`
}

type StoreConf struct {
	// Driver is "memory" or "postgres".
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	// ResyncSeconds bounds how long a lost change notification can delay
	// live views.
	ResyncSeconds int `mapstructure:"resync_seconds"`
}

type ObjectsConf struct {
	// Driver is "memory" or "s3".
	Driver        string `mapstructure:"driver"`
	MaxBytes      int64  `mapstructure:"max_bytes"`
	QuotaBytes    int64  `mapstructure:"quota_bytes"`
	Region        string `mapstructure:"region"`
	Bucket        string `mapstructure:"bucket"`
	Endpoint      string `mapstructure:"endpoint"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	PresignTTL    int    `mapstructure:"presign_ttl_seconds"`
}

type ChannelConf struct {
	MinBackoffMillis int `mapstructure:"min_backoff_ms"`
	MaxBackoffMillis int `mapstructure:"max_backoff_ms"`
}

type UserConf struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

type Config struct {
	HTTP    HTTPConf    `mapstructure:"http"`
	Store   StoreConf   `mapstructure:"store"`
	Objects ObjectsConf `mapstructure:"objects"`
	Channel ChannelConf `mapstructure:"channel"`
	Log     struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	// Users are created at startup.
	Users []UserConf `mapstructure:"users"`

	// derived
	ShutdownTimeout time.Duration
	Resync          time.Duration
	PresignTTL      time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

var defaults = map[string]any{
	"http.addr":                   ":8080",
	"http.public_url":             "http://localhost:8080",
	"http.shutdown_seconds":       15,
	"store.driver":                "memory",
	"store.postgres_dsn":          "",
	"store.redis_addr":            "localhost:6379",
	"store.resync_seconds":        30,
	"objects.driver":              "memory",
	"objects.max_bytes":           25 << 20,
	"objects.quota_bytes":         0,
	"objects.region":              "",
	"objects.bucket":              "",
	"objects.endpoint":            "",
	"objects.public_base_url":     "",
	"objects.presign_ttl_seconds": 7 * 24 * 3600,
	"channel.min_backoff_ms":      250,
	"channel.max_backoff_ms":      10000,
	"log.level":                   "info",
}

// Load reads the configuration at path, if any, and applies environment
// overrides such as DUOCHAT_STORE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("DUOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.ShutdownTimeout = time.Duration(cfg.HTTP.ShutdownSeconds) * time.Second
	cfg.Resync = time.Duration(cfg.Store.ResyncSeconds) * time.Second
	cfg.PresignTTL = time.Duration(cfg.Objects.PresignTTL) * time.Second
	cfg.MinBackoff = time.Duration(cfg.Channel.MinBackoffMillis) * time.Millisecond
	cfg.MaxBackoff = time.Duration(cfg.Channel.MaxBackoffMillis) * time.Millisecond
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required with the postgres driver"))
		}
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required with the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Objects.Driver {
	case "memory":
	case "s3":
		if c.Objects.Bucket == "" {
			errs = append(errs, errors.New("objects.bucket is required with the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown objects.driver %q", c.Objects.Driver))
	}
	if c.Channel.MinBackoffMillis <= 0 || c.Channel.MaxBackoffMillis < c.Channel.MinBackoffMillis {
		errs = append(errs, errors.New("channel backoff bounds are invalid"))
	}
	for i, u := range c.Users {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("users[%d].id is required", i))
		}
	}
	return errors.Join(errs...)
}

// LogLevel returns the configured log level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Profiles returns the configured users.
func (c *Config) Profiles() []chat.Profile {
	out := make([]chat.Profile, len(c.Users))
	for i, u := range c.Users {
		out[i] = chat.Profile{ID: u.ID, Name: u.Name, Email: u.Email}
	}
	return out
}
