package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"medremind/internal/config"
	"medremind/internal/dispatch"
	"medremind/internal/sender"
	"medremind/internal/status"
	"medremind/internal/store"
	logx "medremind/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return store.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvDatabaseURL)
		}
		life, err := config.ParseDurationField("storage.conn_max_lifetime", sc.ConnMaxLifetime)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: sc.MaxOpenConns, ConnMaxLifetime: life}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.Config{
		Schedule:    dc.Schedule,
		BatchSize:   dc.BatchSize,
		Concurrency: dc.Concurrency,
		WorkerID:    strings.TrimSpace(dc.WorkerID),
	}
	if dc.RetryMax != nil {
		out.RetryMax = *dc.RetryMax
		if out.RetryMax == 0 {
			out.RetryMax = dispatch.NoRetries
		}
	}
	var err error
	if out.SendTimeout, err = config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if out.Lease, err = config.ParseDurationField("dispatch.lease", dc.Lease); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("dispatch.retry_base", dc.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.WorkerID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			out.WorkerID = host
		}
	}
	return out, nil
}

type senderConfig struct {
	RatePerSec float64
	Burst      int
	Twilio     sender.TwilioConfig
	Telegram   sender.TelegramConfig
	MQTT       sender.MQTTConfig
	LogEnabled bool
}

func mapSenderConfig(cfg *config.Config) (senderConfig, error) {
	s := cfg.Senders
	tw, err := config.ParseDurationField("senders.twilio.timeout", s.Twilio.Timeout)
	if err != nil {
		return senderConfig{}, err
	}
	tg, err := config.ParseDurationField("senders.telegram.timeout", s.Telegram.Timeout)
	if err != nil {
		return senderConfig{}, err
	}
	mq, err := config.ParseDurationField("senders.mqtt.timeout", s.MQTT.Timeout)
	if err != nil {
		return senderConfig{}, err
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		return senderConfig{}, fmt.Errorf("senders.mqtt.qos must be 0, 1 or 2")
	}
	return senderConfig{
		RatePerSec: s.RatePerSec,
		Burst:      s.Burst,
		Twilio: sender.TwilioConfig{
			AccountSID: s.Twilio.AccountSID,
			AuthToken:  s.Twilio.AuthToken,
			From:       s.Twilio.From,
			BaseURL:    s.Twilio.BaseURL,
			Timeout:    tw,
		},
		Telegram: sender.TelegramConfig{
			Token:   s.Telegram.Token,
			URL:     s.Telegram.URL,
			Timeout: tg,
		},
		MQTT: sender.MQTTConfig{
			Broker:      s.MQTT.Broker,
			ClientID:    s.MQTT.ClientID,
			Username:    s.MQTT.Username,
			Password:    s.MQTT.Password,
			TopicPrefix: s.MQTT.TopicPrefix,
			QoS:         byte(s.MQTT.QoS),
			Timeout:     mq,
		},
		LogEnabled: s.Log.Enabled,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.ServerConfig, error) {
	sc := cfg.Status
	out := status.ServerConfig{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
	var err error
	if out.MaxStale, err = config.ParseDurationField("status.max_stale", sc.MaxStale); err != nil {
		return status.ServerConfig{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("status.read_timeout", sc.ReadTimeout); err != nil {
		return status.ServerConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", sc.WriteTimeout); err != nil {
		return status.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("status.idle_timeout", sc.IdleTimeout); err != nil {
		return status.ServerConfig{}, err
	}
	return out, nil
}

func mapRedisConfig(cfg *config.Config) (status.RedisConfig, error) {
	rc := cfg.Redis
	interval, err := config.ParseDurationField("redis.interval", rc.Interval)
	if err != nil {
		return status.RedisConfig{}, err
	}
	if rc.Enabled && strings.TrimSpace(rc.Addr) == "" {
		return status.RedisConfig{}, fmt.Errorf("redis.addr (or %s) is required when redis.enabled", config.EnvRedisAddr)
	}
	return status.RedisConfig{
		Enabled:  rc.Enabled,
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
		Key:      rc.Key,
		Channel:  rc.Channel,
		Interval: interval,
	}, nil
}
