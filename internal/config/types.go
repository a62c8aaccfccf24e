package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "30s", "5m").
//
// Secrets are normally left empty here and supplied through the
// environment; see ApplyEnv.
type Config struct {
	// Timezone is the canonical zone of the clock and the poll schedule.
	Timezone string `json:"timezone,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Senders  SendersConfig  `json:"senders"`
	Message  MessageConfig  `json:"message,omitempty"`
	Status   StatusConfig   `json:"status,omitempty"`
	Redis    RedisConfig    `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// Format is "console" (default) or "json".
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./medremind.db" }
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // usually DATABASE_URL
	BusyTimeout string `json:"busy_timeout,omitempty"`

	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

// DispatchConfig controls the poll cycle.
//
// Defaults (when omitted/zero):
//   - schedule: "@every 60s"
//   - batch_size: 50
//   - concurrency: 4
//   - send_timeout: "30s"
//   - lease: "5m"
//   - retry_base: "1m", retry_max_delay: "1h", retry_max: 5
//
// retry_max is a pointer so an explicit 0 (first failure is terminal) is
// distinct from an omitted value.
type DispatchConfig struct {
	Schedule      string `json:"schedule,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	Lease         string `json:"lease,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	// WorkerID defaults to the hostname.
	WorkerID string `json:"worker_id,omitempty"`
}

type SendersConfig struct {
	// RatePerSec limits outbound sends across all channels; 0 disables.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	Twilio   TwilioConfig    `json:"twilio,omitempty"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
	MQTT     MQTTConfig      `json:"mqtt,omitempty"`
	Log      LogSenderConfig `json:"log,omitempty"`
}

// TwilioConfig configures SMS. Leave fields empty to read TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER.
type TwilioConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"` // do not log
	From       string `json:"from,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token,omitempty"` // TELEGRAM_TOKEN; do not log
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type MQTTConfig struct {
	Broker      string `json:"broker,omitempty"` // MQTT_BROKER, e.g. "tcp://localhost:1883"
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         int    `json:"qos,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// LogSenderConfig enables the log fallback for contacts whose channel is
// not configured.
type LogSenderConfig struct {
	Enabled bool `json:"enabled"`
}

type MessageConfig struct {
	// Template is a text/template over the reminder, for example
	// "Hello {{.PatientName}}, remember to take {{.MedicationName}} ({{.Dosage}}).".
	Template string `json:"template,omitempty"`
}

// StatusConfig controls the ops HTTP server (/healthz, /status, pprof).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback address needs a token (OPS_TOKEN) or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	MaxStale      string `json:"max_stale,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RedisConfig publishes status snapshots for external monitoring.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"` // REDIS_ADDR
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Interval string `json:"interval,omitempty"`
}
