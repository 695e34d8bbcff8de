package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the conversation engine.
type Config struct {
	StateTable        string `env:"STATE_TABLE,required,notEmpty"`
	ParamPrefix       string `env:"PARAM_PREFIX,required,notEmpty"`
	WebSocketEndpoint string `env:"WEBSOCKET_ENDPOINT,required,notEmpty"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	// AWS SDK retryer; throttling and timeouts are retried up to this many attempts.
	AWSMaxAttempts int `env:"AWS_MAX_ATTEMPTS" envDefault:"3"`

	PushTimeout       time.Duration `env:"PUSH_TIMEOUT" envDefault:"3s"`
	JWKSRefresh       time.Duration `env:"JWKS_REFRESH" envDefault:"1h"`
	QueueEntryTTL     time.Duration `env:"QUEUE_ENTRY_TTL" envDefault:"10m"`
	MaxPairAttempts   int           `env:"MAX_PAIR_ATTEMPTS" envDefault:"3"`
	MaxMessageLength  int           `env:"MAX_MESSAGE_LENGTH" envDefault:"2000"`
	HistoryDefaultLim int           `env:"HISTORY_DEFAULT_LIMIT" envDefault:"50"`
	HistoryMaxLimit   int           `env:"HISTORY_MAX_LIMIT" envDefault:"100"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, fmt.Errorf("PARAM_PREFIX must not be empty")
	}
	if !strings.HasPrefix(cfg.WebSocketEndpoint, "https://") {
		return nil, fmt.Errorf("WEBSOCKET_ENDPOINT must be an https URL")
	}
	if cfg.HistoryMaxLimit <= 0 || cfg.HistoryDefaultLim <= 0 || cfg.HistoryDefaultLim > cfg.HistoryMaxLimit {
		return nil, fmt.Errorf("history limits must satisfy 0 < HISTORY_DEFAULT_LIMIT <= HISTORY_MAX_LIMIT")
	}
	if cfg.MaxPairAttempts <= 0 {
		return nil, fmt.Errorf("MAX_PAIR_ATTEMPTS must be positive")
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// CognitoParams returns the SSM parameter names holding the identity pool
// settings, in region, user pool, client order.
func (c *Config) CognitoParams() (region, userPoolID, clientID string) {
	base := c.ParamPrefix + "/cognito/"
	return base + "region", base + "user_pool_id", base + "client_id"
}
