package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"medremind/internal/clock"
	"medremind/internal/reminder"
	"medremind/internal/schedule"
)

// Validate checks cfg without side effects. Every problem is reported.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := clock.LoadLocation(cfg.Timezone); err != nil {
		add(fmt.Errorf("timezone: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: want console or json, got %q", cfg.Logging.Format))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.conn_max_lifetime", cfg.Storage.ConnMaxLifetime)
	add(err)

	d := cfg.Dispatch
	if strings.TrimSpace(d.Schedule) != "" {
		spec, err := schedule.Parse(d.Schedule)
		if err == nil {
			_, err = spec.Schedule()
		}
		if err != nil {
			add(fmt.Errorf("dispatch.schedule: %w", err))
		}
	}
	if d.BatchSize < 0 || d.Concurrency < 0 || (d.RetryMax != nil && *d.RetryMax < 0) {
		add(errors.New("dispatch: batch_size, concurrency and retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"dispatch.send_timeout":    d.SendTimeout,
		"dispatch.lease":           d.Lease,
		"dispatch.retry_base":      d.RetryBase,
		"dispatch.retry_max_delay": d.RetryMaxDelay,
		"senders.twilio.timeout":   cfg.Senders.Twilio.Timeout,
		"senders.telegram.timeout": cfg.Senders.Telegram.Timeout,
		"senders.mqtt.timeout":     cfg.Senders.MQTT.Timeout,
		"status.max_stale":         cfg.Status.MaxStale,
		"status.read_timeout":      cfg.Status.ReadTimeout,
		"status.write_timeout":     cfg.Status.WriteTimeout,
		"status.idle_timeout":      cfg.Status.IdleTimeout,
		"redis.interval":           cfg.Redis.Interval,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if cfg.Senders.RatePerSec < 0 {
		add(errors.New("senders.rate_per_sec: must be >= 0"))
	}
	if q := cfg.Senders.MQTT.QoS; q < 0 || q > 2 {
		add(fmt.Errorf("senders.mqtt.qos: want 0..2, got %d", q))
	}

	if _, err := reminder.NewRenderer(cfg.Message.Template); err != nil {
		add(fmt.Errorf("message.template: %w", err))
	}

	if st := cfg.Status; st.Enabled && st.Addr != "" {
		if _, _, err := net.SplitHostPort(st.Addr); err != nil {
			add(fmt.Errorf("status.addr: %w", err))
		}
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		add(fmt.Errorf("redis.addr: required when enabled (or set %s)", EnvRedisAddr))
	}
	return errors.Join(errs...)
}
