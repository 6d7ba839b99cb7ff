package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerAddr     string        `env:"CHAT_ADDR" envDefault:"localhost:8000"`
	DatabaseDSN    string        `env:"CHAT_DATABASE_DSN"`
	SigningSecret  string        `env:"CHAT_SIGNING_KEY"`
	AllowedOrigins []string      `env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`
	PingInterval   time.Duration `env:"CHAT_PING_INTERVAL" envDefault:"30s"`

	// SigningKey is the decoded form of SigningSecret, populated by Validate.
	SigningKey []byte `env:"-"`
}

// Load reads configuration from the environment. Values may be overridden
// by command-line flags before calling Validate.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}

	signingKey, err := base64.StdEncoding.DecodeString(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}
