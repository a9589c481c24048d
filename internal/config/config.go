// Package config loads server settings from flags and LOTX_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/lot-exchange/internal/documents"
	"github.com/atmx/lot-exchange/internal/ledger"
)

const envPrefix = "LOTX"

// Config is the validated server configuration.
type Config struct {
	ServerAddr string

	DatabaseURL string
	Migrate     bool
	RedisURL    string
	CacheTTL    time.Duration

	JWTSecret string

	HotThreshold   decimal.Decimal
	LiveCacheTTL   time.Duration
	FiscalLocation *time.Location
	NotifyStream   string

	S3 documents.S3Config

	LogLevel slog.Level
}

// S3Enabled reports whether documents go to a bucket rather than memory.
func (c *Config) S3Enabled() bool {
	return c.S3.Bucket != ""
}

func flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("lot-exchange", pflag.ContinueOnError)

	// server config
	fs.String("server-addr", ":8080", "listen address")
	fs.String("log-level", "info", "debug, info, warn or error")

	// storage config
	fs.String("database-url", "", "PostgreSQL URL; in-memory store when empty")
	fs.Bool("migrate", true, "apply schema migrations on start")
	fs.String("redis-url", "", "Redis URL for the read cache and notification stream")
	fs.Duration("cache-ttl", 30*time.Second, "read cache TTL")

	// auth config
	fs.String("jwt-secret", "", "HS256 secret; trusted role:id tokens when empty")

	// auction config
	fs.String("hot-threshold", ledger.DefaultHotThreshold.String(), "hot-lot threshold in price units")
	fs.Duration("live-cache-ttl", 2*time.Second, "offer list status cache TTL")
	fs.String("fiscal-timezone", "Asia/Kolkata", "timezone for sale-order fiscal years")
	fs.String("notify-stream", "lotx-notifications", "Redis stream for notifications")

	// s3 config
	fs.String("s3-endpoint", "", "")
	fs.String("s3-bucket", "", "")
	fs.String("s3-region", "us-east-1", "")
	fs.String("s3-public-base-url", "", "")
	fs.String("s3-access-key-id", "", "")
	fs.String("s3-secret-access-key", "", "")
	return fs
}

// Load parses args and the environment into a Config.
func Load(args []string) (*Config, error) {
	fs := flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		ServerAddr:   v.GetString("server-addr"),
		DatabaseURL:  v.GetString("database-url"),
		Migrate:      v.GetBool("migrate"),
		RedisURL:     v.GetString("redis-url"),
		CacheTTL:     v.GetDuration("cache-ttl"),
		JWTSecret:    v.GetString("jwt-secret"),
		LiveCacheTTL: v.GetDuration("live-cache-ttl"),
		NotifyStream: v.GetString("notify-stream"),
		S3: documents.S3Config{
			Endpoint:        v.GetString("s3-endpoint"),
			Region:          v.GetString("s3-region"),
			Bucket:          v.GetString("s3-bucket"),
			PublicBaseURL:   v.GetString("s3-public-base-url"),
			AccessKeyID:     v.GetString("s3-access-key-id"),
			SecretAccessKey: v.GetString("s3-secret-access-key"),
		},
	}

	threshold, err := decimal.NewFromString(v.GetString("hot-threshold"))
	if err != nil {
		return nil, fmt.Errorf("hot-threshold: %w", err)
	}
	cfg.HotThreshold = threshold

	loc, err := time.LoadLocation(v.GetString("fiscal-timezone"))
	if err != nil {
		return nil, fmt.Errorf("fiscal-timezone: %w", err)
	}
	cfg.FiscalLocation = loc

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that do not depend on each other's parsing.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server-addr is required"))
	}
	if c.HotThreshold.IsNegative() {
		errs = append(errs, errors.New("hot-threshold must not be negative"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache-ttl must be positive"))
	}
	if c.LiveCacheTTL <= 0 {
		errs = append(errs, errors.New("live-cache-ttl must be positive"))
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		errs = append(errs, errors.New("s3-access-key-id and s3-secret-access-key go together"))
	}
	if !c.S3Enabled() && c.S3.Endpoint != "" {
		errs = append(errs, errors.New("s3-endpoint set without s3-bucket"))
	}
	return errors.Join(errs...)
}
