package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overlays environment variables. Values that fail to parse are
// ignored and the current setting is kept.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Addr, "REALTIME_ADDR")
	setInt(&c.Server.MaxConnections, "REALTIME_MAX_CONNECTIONS")
	setDuration(&c.Server.WriteTimeout, "REALTIME_WRITE_TIMEOUT")

	setDuration(&c.Heartbeat.Interval, "REALTIME_HEARTBEAT_INTERVAL")
	setDuration(&c.Heartbeat.Timeout, "REALTIME_HEARTBEAT_TIMEOUT")

	setBool(&c.Reconnect.Enabled, "REALTIME_RECONNECT_ENABLED")
	setInt(&c.Reconnect.MaxAttempts, "REALTIME_RECONNECT_MAX_ATTEMPTS")
	setDuration(&c.Reconnect.BaseDelay, "REALTIME_RECONNECT_BASE_DELAY")
	setDuration(&c.Reconnect.MaxDelay, "REALTIME_RECONNECT_MAX_DELAY")

	setBool(&c.Offline.Enabled, "REALTIME_OFFLINE_ENABLED")
	setInt(&c.Offline.MaxCount, "REALTIME_OFFLINE_MAX_COUNT")
	setDuration(&c.Offline.TTL, "REALTIME_OFFLINE_TTL")
	setString(&c.Offline.Backend, "REALTIME_OFFLINE_BACKEND")
	setString(&c.Offline.SweepCron, "REALTIME_OFFLINE_SWEEP_CRON")

	setBool(&c.Auth.Required, "REALTIME_AUTH_REQUIRED")
	setDuration(&c.Auth.Timeout, "REALTIME_AUTH_TIMEOUT")
	setString(&c.Auth.JWTSecret, "REALTIME_JWT_SECRET")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Redis.Prefix, "REDIS_PREFIX")
	setBool(&c.Redis.Ingest, "REALTIME_REDIS_INGEST")

	setString(&c.Pebble.Path, "REALTIME_PEBBLE_PATH")
	setString(&c.MQTT.Broker, "REALTIME_MQTT_BROKER")
	setString(&c.Receipts.DSN, "REALTIME_RECEIPTS_DSN")
	setString(&c.Log.Level, "REALTIME_LOG_LEVEL")
	setString(&c.Log.Format, "REALTIME_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
