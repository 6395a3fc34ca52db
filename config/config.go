// Package config holds the service configuration: a YAML file overlaid by
// environment variables, with defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Offline queue backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Offline   OfflineConfig   `yaml:"offline"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Pebble    PebbleConfig    `yaml:"pebble"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Receipts  ReceiptsConfig  `yaml:"receipts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds WebSocket server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxConnections  int           `yaml:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	// InboundRate is the sustained frames per second accepted per connection.
	InboundRate  float64  `yaml:"inbound_rate"`
	InboundBurst int      `yaml:"inbound_burst"`
	FanOut       int      `yaml:"fan_out"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// HeartbeatConfig controls liveness detection.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ReconnectConfig is handed to clients and used by the listen command.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// OfflineConfig bounds the offline retention window.
type OfflineConfig struct {
	Enabled   bool          `yaml:"enabled"`
	MaxCount  int           `yaml:"max_count"`
	TTL       time.Duration `yaml:"ttl"`
	Backend   string        `yaml:"backend"`
	SweepCron string        `yaml:"sweep_cron"`
}

// AuthConfig controls the connection handshake.
type AuthConfig struct {
	Required  bool          `yaml:"required"`
	Timeout   time.Duration `yaml:"timeout"`
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RedisConfig holds connection settings for the Redis offline backend and
// the Redis pub/sub producer ingest.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// Ingest subscribes to <prefix>ingest/... channels for producer traffic.
	Ingest bool `yaml:"ingest"`
}

// PebbleConfig locates the on-disk offline backend.
type PebbleConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig enables the MQTT producer ingress when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ReceiptsConfig locates the delivery receipt database.
type ReceiptsConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig selects level and output format ("json" or "console").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxConnections:  10000,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteTimeout:    10 * time.Second,
			InboundRate:     20,
			InboundBurst:    40,
			FanOut:          64,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Offline: OfflineConfig{
			Enabled:   true,
			MaxCount:  100,
			TTL:       24 * time.Hour,
			Backend:   BackendMemory,
			SweepCron: "*/5 * * * *",
		},
		Auth: AuthConfig{
			Required: true,
			Timeout:  10 * time.Second,
			Issuer:   "realtime",
			TokenTTL: 24 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "realtime:",
		},
		Pebble: PebbleConfig{
			Path: "data/offline",
		},
		MQTT: MQTTConfig{
			ClientID:    "realtimed",
			TopicPrefix: "realtime",
			QoS:         1,
		},
		Receipts: ReceiptsConfig{
			Enabled: true,
			DSN:     "data/receipts.db",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (optional), overlays the environment and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
