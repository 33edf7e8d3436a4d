package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "chargelink/backend/libs/config"
)

type HTTPConfig struct {
	Port string `yaml:"port" env:"HTTP_PORT"`
}

type BackendConfig struct {
	URL     string        `yaml:"url" env:"BACKEND_URL"`
	Timeout time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`
}

type RealtimeConfig struct {
	URL               string        `yaml:"url" env:"REALTIME_URL"`
	Token             string        `yaml:"token" env:"REALTIME_TOKEN"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REALTIME_REQUEST_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"REALTIME_HEARTBEAT_INTERVAL"`
	ReconnectBase     time.Duration `yaml:"reconnect_base" env:"REALTIME_RECONNECT_BASE"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" env:"REALTIME_RECONNECT_MAX"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"REALTIME_RECONNECT_ATTEMPTS"`
}

type SessionConfig struct {
	ChargePoint   string        `yaml:"charge_point" env:"SESSION_CHARGE_POINT"`
	ConnectorID   int           `yaml:"connector_id" env:"SESSION_CONNECTOR_ID"`
	UserID        string        `yaml:"user_id" env:"SESSION_USER_ID"`
	IDTag         string        `yaml:"id_tag" env:"SESSION_ID_TAG"`
	BaseRate      float64       `yaml:"base_rate" env:"SESSION_BASE_RATE"`
	DefaultRate   float64       `yaml:"default_rate" env:"SESSION_DEFAULT_RATE"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"SESSION_POLL_INTERVAL"`
	SummaryWindow time.Duration `yaml:"summary_window" env:"SESSION_SUMMARY_WINDOW"`
}

type RedisConfig struct {
	Addr       string        `yaml:"addr" env:"REDIS_ADDR"`
	Password   string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB         int           `yaml:"db" env:"REDIS_DB"`
	SummaryTTL time.Duration `yaml:"summary_ttl" env:"REDIS_SUMMARY_TTL"`
}

// Config defines session-monitor configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Backend  BackendConfig  `yaml:"backend"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
}

func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Port: "8081"},
		Backend: BackendConfig{Timeout: 10 * time.Second},
		Realtime: RealtimeConfig{
			RequestTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
			ReconnectAttempts: 5,
		},
		Session: SessionConfig{
			ConnectorID:   1,
			PollInterval:  3 * time.Second,
			SummaryWindow: 5 * time.Second,
		},
		Redis: RedisConfig{SummaryTTL: 24 * time.Hour},
	}
}

// Load uses shared config loader and validates required fields.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("config: backend url is required")
	}
	if strings.TrimSpace(c.Realtime.URL) == "" {
		return errors.New("config: realtime url is required")
	}
	if strings.TrimSpace(c.Realtime.Token) == "" {
		return errors.New("config: realtime token is required")
	}
	if strings.TrimSpace(c.Session.ChargePoint) == "" {
		return errors.New("config: session charge point is required")
	}
	if c.Session.ConnectorID <= 0 {
		return fmt.Errorf("config: connector id must be positive, got %d", c.Session.ConnectorID)
	}
	if c.Session.BaseRate < 0 || c.Session.DefaultRate < 0 {
		return errors.New("config: rates must not be negative")
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8081"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
