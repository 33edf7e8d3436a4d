package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "chargelink/backend/libs/config"
)

// Identity sources.
const (
	SourceRegistry = "registry"
	SourceDatabase = "database"
)

type HTTPConfig struct {
	Port string `yaml:"port" env:"HTTP_PORT"`
}

type RegistryConfig struct {
	URL     string        `yaml:"url" env:"REGISTRY_URL"`
	APIKey  string        `yaml:"api_key" env:"REGISTRY_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"REGISTRY_TIMEOUT"`
}

type IdentityConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"IDENTITY_REFRESH_INTERVAL"`
	Source          string        `yaml:"source" env:"IDENTITY_SOURCE"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"REDIS_ADDR"`
	Password    string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"REDIS_DB"`
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"REDIS_PRESENCE_TTL"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	ReadLimit      int64         `yaml:"read_limit" env:"WS_READ_LIMIT"`
	HandshakeRate  float64       `yaml:"handshake_rate" env:"WS_HANDSHAKE_RATE"`
	HandshakeBurst int           `yaml:"handshake_burst" env:"WS_HANDSHAKE_BURST"`
}

type LivenessConfig struct {
	Interval  time.Duration `yaml:"interval" env:"LIVENESS_INTERVAL"`
	Threshold time.Duration `yaml:"threshold" env:"LIVENESS_THRESHOLD"`
	Probe     bool          `yaml:"probe" env:"LIVENESS_PROBE"`
}

type AdminConfig struct {
	JWTSecret  string `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
	APIKeyHash string `yaml:"api_key_hash" env:"ADMIN_API_KEY_HASH"`
}

type OCPPConfig struct {
	Versions []string `yaml:"versions" env:"OCPP_VERSIONS"`
}

// Config defines ws-gateway configuration.
type Config struct {
	Node      string          `yaml:"node" env:"NODE_NAME"`
	HTTP      HTTPConfig      `yaml:"http"`
	Registry  RegistryConfig  `yaml:"registry"`
	Identity  IdentityConfig  `yaml:"identity"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Admin     AdminConfig     `yaml:"admin"`
	OCPP      OCPPConfig      `yaml:"ocpp"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Node:     "ws-gateway",
		HTTP:     HTTPConfig{Port: "8080"},
		Registry: RegistryConfig{Timeout: 5 * time.Second},
		Identity: IdentityConfig{RefreshInterval: 5 * time.Minute, Source: SourceRegistry},
		Redis:    RedisConfig{PresenceTTL: 10 * time.Minute},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
			ReadLimit:      1 << 20,
			HandshakeRate:  20,
			HandshakeBurst: 40,
		},
		Liveness: LivenessConfig{Interval: 5 * time.Minute, Threshold: 5 * time.Minute, Probe: true},
		OCPP:     OCPPConfig{Versions: []string{"ocpp1.6", "ocpp2.0.1"}},
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

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Identity.Source {
	case SourceRegistry:
		if strings.TrimSpace(c.Registry.URL) == "" {
			return errors.New("config: registry url is required")
		}
	case SourceDatabase:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn is required for the database identity source")
		}
	default:
		return fmt.Errorf("config: unknown identity source %q", c.Identity.Source)
	}
	if len(c.OCPP.Versions) == 0 {
		return errors.New("config: at least one ocpp version is required")
	}
	if c.Liveness.Threshold <= 0 || c.Liveness.Interval <= 0 {
		return errors.New("config: liveness interval and threshold must be positive")
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
