// Package config loads the gateway process configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/relay_gateway/internal/domain/relay"
	"github.com/R3E-Network/relay_gateway/pkg/logger"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Host modes.
const (
	HostMemory = "memory"
	HostRPC    = "rpc"
)

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config is the complete process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     logger.Config `yaml:"log"`
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
	Host    HostConfig    `yaml:"host"`
	Lock    LockConfig    `yaml:"lock"`
	Events  EventsConfig  `yaml:"events"`
	Janitor JanitorConfig `yaml:"janitor"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"GATEWAY_ADDR"`
	AdminToken      string        `yaml:"admin_token" env:"GATEWAY_ADMIN_TOKEN"`
	HostToken       string        `yaml:"host_token" env:"GATEWAY_HOST_TOKEN"`
	AuditPath       string        `yaml:"audit_path" env:"GATEWAY_AUDIT_PATH"`
	RateLimit       int           `yaml:"rate_limit" env:"GATEWAY_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"GATEWAY_RATE_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"GATEWAY_SHUTDOWN_TIMEOUT"`
}

// GatewayConfig seeds gateway settings at startup. Seeded values overwrite stored ones.
type GatewayConfig struct {
	PacketTimeout  time.Duration         `yaml:"packet_timeout" env:"GATEWAY_PACKET_TIMEOUT"`
	RouterAddress  string                `yaml:"router_address" env:"GATEWAY_ROUTER_ADDRESS"`
	VerifierAddr   string                `yaml:"verifier_address" env:"GATEWAY_VERIFIER_ADDRESS"`
	Connections    []relay.ChannelConfig `yaml:"connections"`
	Counterparties map[string]string     `yaml:"counterparties"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"GATEWAY_STORAGE_DRIVER"`
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"GATEWAY_AUTO_MIGRATE"`
	CacheSize   int    `yaml:"cache_size" env:"GATEWAY_CACHE_SIZE"`
}

// HostConfig selects the transport host.
type HostConfig struct {
	Mode    string        `yaml:"mode" env:"GATEWAY_HOST_MODE"`
	URL     string        `yaml:"url" env:"GATEWAY_HOST_URL"`
	Timeout time.Duration `yaml:"timeout" env:"GATEWAY_HOST_TIMEOUT"`
}

// LockConfig selects how calls are serialized.
type LockConfig struct {
	Driver    string        `yaml:"driver" env:"GATEWAY_LOCK_DRIVER"`
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	Key       string        `yaml:"key" env:"GATEWAY_LOCK_KEY"`
	TTL       time.Duration `yaml:"ttl" env:"GATEWAY_LOCK_TTL"`
}

// EventsConfig sizes the event journal.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" env:"GATEWAY_EVENTS_BUFFER"`
}

// JanitorConfig schedules the pending packet sweep.
type JanitorConfig struct {
	Schedule   string        `yaml:"schedule" env:"GATEWAY_JANITOR_SCHEDULE"`
	StaleAfter time.Duration `yaml:"stale_after" env:"GATEWAY_JANITOR_STALE_AFTER"`
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: logger.Config{Level: "info", Format: "text"},
		Gateway: GatewayConfig{
			PacketTimeout:  300 * time.Second,
			Counterparties: map[string]string{},
		},
		Storage: StorageConfig{Driver: StorageMemory, CacheSize: 256},
		Host:    HostConfig{Mode: HostMemory, Timeout: 30 * time.Second},
		Lock:    LockConfig{Driver: LockLocal, TTL: 30 * time.Second},
		Events:  EventsConfig{BufferSize: 1000},
		Janitor: JanitorConfig{Schedule: "@every 1m", StaleAfter: 10 * time.Minute},
	}
}

// Load reads path over the defaults and then applies environment overrides. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			problems = append(problems, "storage.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch c.Host.Mode {
	case HostMemory:
	case HostRPC:
		if c.Host.URL == "" {
			problems = append(problems, "host.url is required for the rpc host")
		}
	default:
		problems = append(problems, fmt.Sprintf("host.mode %q is not supported", c.Host.Mode))
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			problems = append(problems, "lock.redis_addr is required for the redis lock")
		}
	default:
		problems = append(problems, fmt.Sprintf("lock.driver %q is not supported", c.Lock.Driver))
	}

	if c.Gateway.PacketTimeout <= 0 {
		problems = append(problems, "gateway.packet_timeout must be positive")
	}
	for i, conn := range c.Gateway.Connections {
		if err := conn.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("gateway.connections[%d]: %v", i, err))
		}
	}
	for chain, nid := range c.Gateway.Counterparties {
		if strings.TrimSpace(chain) == "" || strings.TrimSpace(nid) == "" {
			problems = append(problems, "gateway.counterparties entries need a chain and a nid")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
