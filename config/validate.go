package config

import (
	"errors"
	"fmt"

	"github.com/adhocore/gronx"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.WriteTimeout <= 0 {
		add("server.write_timeout must be positive")
	}

	if c.Heartbeat.Interval <= 0 {
		add("heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		add("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}

	if c.Reconnect.MaxAttempts < 0 {
		add("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.BaseDelay <= 0 {
		add("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		add("reconnect.max_delay (%s) must not be below reconnect.base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}

	if c.Offline.Enabled {
		if c.Offline.MaxCount <= 0 {
			add("offline.max_count must be positive")
		}
		if c.Offline.TTL <= 0 {
			add("offline.ttl must be positive")
		}
	}
	switch c.Offline.Backend {
	case BackendMemory, BackendRedis:
	case BackendPebble:
		if c.Pebble.Path == "" {
			add("pebble.path is required for the pebble backend")
		}
	default:
		add("offline.backend %q is not one of memory, pebble, redis", c.Offline.Backend)
	}
	if c.Offline.SweepCron != "" && !gronx.IsValid(c.Offline.SweepCron) {
		add("offline.sweep_cron %q is not a valid cron expression", c.Offline.SweepCron)
	}

	if c.Auth.Timeout <= 0 {
		add("auth.timeout must be positive")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		add("auth.jwt_secret is required when auth.required is set")
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		add("log.format %q is not one of json, console", c.Log.Format)
	}
	return errors.Join(errs...)
}
