// Package config loads onekey settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration. Command-line flags override it.
type Config struct {
	CAURL              string        `env:"ONEKEY_CA_URL"               envDefault:"https://letsauth.org"`
	DataDir            string        `env:"ONEKEY_DATA_DIR"             envDefault:"./data"`
	Username           string        `env:"ONEKEY_USERNAME"`
	AccountEmailDomain string        `env:"ONEKEY_ACCOUNT_EMAIL_DOMAIN" envDefault:"letsauth.org"`
	HTTPTimeout        time.Duration `env:"ONEKEY_HTTP_TIMEOUT"         envDefault:"30s"`
	LogLevel           string        `env:"ONEKEY_LOG_LEVEL"            envDefault:"info"`
	Passphrase         string        `env:"ONEKEY_PASSPHRASE"`

	// CACertFile is a PEM file of extra roots trusted for the CA's TLS
	// listener, such as the self-signed certificate of a local ca-server.
	CACertFile string `env:"ONEKEY_CA_CERT"`

	// Reference CA server.
	CAPort           int      `env:"ONEKEY_CA_PORT"            envDefault:"3060"`
	AuditWebhookURL  string   `env:"ONEKEY_AUDIT_WEBHOOK_URL"`
	AuditWebhookAuth string   `env:"ONEKEY_AUDIT_WEBHOOK_AUTH"`
	TrustedProxies   []string `env:"ONEKEY_TRUSTED_PROXIES"    envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env.Parse cannot.
func (c Config) Validate() error {
	u, err := url.Parse(c.CAURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid CA URL %q", c.CAURL)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.CAPort <= 0 || c.CAPort > 65535 {
		return fmt.Errorf("invalid CA port %d", c.CAPort)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns LogLevel as a slog.Level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return l, nil
}

// NewLogger returns a JSON logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
