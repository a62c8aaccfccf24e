package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvTwilioSID     = "TWILIO_ACCOUNT_SID"
	EnvTwilioToken   = "TWILIO_AUTH_TOKEN"
	EnvTwilioFrom    = "TWILIO_PHONE_NUMBER"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvMQTTBroker    = "MQTT_BROKER"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvOpsToken      = "OPS_TOKEN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvStorageDriver = "STORAGE_DRIVER"
)

// LoadDotEnv loads files (default ".env") into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg. A set variable wins over
// the file.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set(&cfg.Storage.DSN, EnvDatabaseURL)
	set(&cfg.Storage.Driver, EnvStorageDriver)
	if v, ok := lookup(EnvDatabaseURL); ok && strings.TrimSpace(v) != "" && cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	set(&cfg.Senders.Twilio.AccountSID, EnvTwilioSID)
	set(&cfg.Senders.Twilio.AuthToken, EnvTwilioToken)
	set(&cfg.Senders.Twilio.From, EnvTwilioFrom)
	set(&cfg.Senders.Telegram.Token, EnvTelegramToken)
	set(&cfg.Senders.MQTT.Broker, EnvMQTTBroker)
	set(&cfg.Redis.Addr, EnvRedisAddr)
	set(&cfg.Status.Token, EnvOpsToken)
	set(&cfg.Logging.Level, EnvLogLevel)
}
