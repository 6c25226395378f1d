package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the server process.
type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`
	DSN  string `envconfig:"DB_DSN" required:"true"`

	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"chat:events"`

	JWTAccessSecret  string        `envconfig:"JWT_ACCESS_SECRET" required:"true"`
	JWTRefreshSecret string        `envconfig:"JWT_REFRESH_SECRET" required:"true"`
	AccessTokenTTL   time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL  time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"168h"`
	CookieSecure     bool          `envconfig:"COOKIE_SECURE" default:"false"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"text"`
	SendBuffer int    `envconfig:"SEND_BUFFER" default:"256"`

	// Inbound websocket events allowed per connection.
	EventRate  float64 `envconfig:"EVENT_RATE" default:"20"`
	EventBurst int     `envconfig:"EVENT_BURST" default:"40"`

	// Empty accepts websocket handshakes from any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside of local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DSN == "" {
		return errors.New("config: DB_DSN is required")
	}
	if c.JWTAccessSecret == "" || c.JWTRefreshSecret == "" {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return errors.New("config: EVENT_RATE and EVENT_BURST must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	return nil
}
