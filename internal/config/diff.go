package config

import (
	"strings"

	logx "medremind/pkg/logx"
)

// SummarizeChange lists the changed sections, safe log fields (never
// secrets) and the sections whose change only applies after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
		restart = append(restart, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !sameDispatch(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		if oldCfg.Dispatch.WorkerID != newCfg.Dispatch.WorkerID {
			restart = append(restart, "dispatch.worker_id")
		}
		attrs = append(attrs,
			logx.String("dispatch.schedule", newCfg.Dispatch.Schedule),
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency),
			logx.Any("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Senders != newCfg.Senders {
		changed = append(changed, "senders")
		restart = append(restart, "senders")
		s := newCfg.Senders
		attrs = append(attrs,
			logx.Bool("senders.twilio_set", s.Twilio.AccountSID != "" && s.Twilio.AuthToken != ""),
			logx.Bool("senders.telegram_set", s.Telegram.Token != ""),
			logx.String("senders.mqtt_broker", s.MQTT.Broker),
			logx.Bool("senders.log", s.Log.Enabled),
		)
	}

	if oldCfg.Message != newCfg.Message {
		changed = append(changed, "message")
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}

	if oldCfg.Redis != newCfg.Redis {
		changed = append(changed, "redis")
		restart = append(restart, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis.Enabled))
	}
	return changed, attrs, restart
}

func sameDispatch(a, b DispatchConfig) bool {
	ra, rb := a.RetryMax, b.RetryMax
	a.RetryMax, b.RetryMax = nil, nil
	if a != b {
		return false
	}
	if ra == nil || rb == nil {
		return ra == rb
	}
	return *ra == *rb
}
