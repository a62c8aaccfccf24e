package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
timezone: America/New_York
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./medremind.db
  busy_timeout: 5s
dispatch:
  schedule: "@every 30s"
  batch_size: 50
  send_timeout: 20s
senders:
  rate_per_sec: 5
  log:
    enabled: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatch.Schedule != "@every 30s" || !cfg.Senders.Log.Enabled {
		t.Fatalf("decoded = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, err := Decode("c.json", []byte(`{"logging":{"level":"info"}}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode("c.yaml", []byte("dispatch:\n  poll_every: 1m\n")); err == nil {
		t.Fatal("unknown field must be rejected")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvDatabaseURL:   "postgres://u:p@db/medremind",
		EnvTwilioSID:     "AC1",
		EnvTwilioToken:   "tok",
		EnvTwilioFrom:    "+15550000",
		EnvTelegramToken: "123:abc",
		EnvOpsToken:      "ops",
	}
	cfg := &Config{}
	ApplyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })

	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != env[EnvDatabaseURL] {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Senders.Twilio.AccountSID != "AC1" || cfg.Senders.Twilio.From != "+15550000" {
		t.Fatalf("twilio = %+v", cfg.Senders.Twilio)
	}
	if cfg.Senders.Telegram.Token != "123:abc" || cfg.Status.Token != "ops" {
		t.Fatal("telegram/ops tokens not applied")
	}

	keep := &Config{Storage: StorageConfig{Driver: "sqlite", Path: "x.db"}}
	ApplyEnv(keep, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if keep.Storage.Driver != "sqlite" {
		t.Fatal("explicit driver must not be replaced by DATABASE_URL")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "MEDREMIND_DOTENV_TEST"
	t.Setenv(key, "")
	_ = os.Unsetenv(key)
	p := writeFile(t, ".env", key+"=from-file\n")

	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Timezone: "Mars/Olympus",
		Storage:  StorageConfig{Driver: "postgres"},
		Dispatch: DispatchConfig{Schedule: "every day", SendTimeout: "soon"},
		Senders:  SendersConfig{MQTT: MQTTConfig{QoS: 3}},
		Message:  MessageConfig{Template: "{{.Nope}}"},
		Redis:    RedisConfig{Enabled: true},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("want errors")
	}
	for _, want := range []string{"timezone", "storage.dsn", "dispatch.schedule", "dispatch.send_timeout", "senders.mqtt.qos", "message.template", "redis.addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Dispatch: DispatchConfig{BatchSize: 50}, Senders: SendersConfig{Telegram: TelegramConfig{Token: "old"}}}
	b := *a
	b.Dispatch.BatchSize = 20
	b.Senders.Telegram.Token = "new"

	changed, attrs, restart := SummarizeChange(a, &b)
	if strings.Join(changed, ",") != "dispatch,senders" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "senders" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("want log attrs")
	}
}

func TestRetryMaxZeroIsExplicit(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "medremind.yaml", "dispatch:\n  retry_max: 0\n")
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.RetryMax == nil || *cfg.Dispatch.RetryMax != 0 {
		t.Fatalf("retry_max = %v, want explicit 0", cfg.Dispatch.RetryMax)
	}

	one, otherOne, two, neg := 1, 1, 2, -1
	a := &Config{Dispatch: DispatchConfig{RetryMax: &one}}
	if changed, _, _ := SummarizeChange(a, &Config{Dispatch: DispatchConfig{RetryMax: &otherOne}}); len(changed) != 0 {
		t.Fatalf("equal retry_max reported as changed: %v", changed)
	}
	if changed, _, _ := SummarizeChange(a, &Config{Dispatch: DispatchConfig{RetryMax: &two}}); strings.Join(changed, ",") != "dispatch" {
		t.Fatalf("changed = %v", changed)
	}
	if changed, _, _ := SummarizeChange(a, &Config{}); strings.Join(changed, ",") != "dispatch" {
		t.Fatalf("dropping retry_max: changed = %v", changed)
	}
	if err := Validate(&Config{Dispatch: DispatchConfig{RetryMax: &neg}}); err == nil || !strings.Contains(err.Error(), "retry_max") {
		t.Fatalf("negative retry_max: err = %v", err)
	}
}

func TestManagerReloadPublishesValidChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "medremind.json", `{"dispatch":{"batch_size":10}}`)
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	m.SetValidator(func(_ context.Context, c *Config) error { return Validate(c) })
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	ctx := context.Background()

	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	if err := os.WriteFile(p, []byte(`{"dispatch":{"batch_size":-1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid config must be rejected")
	}
	if m.Get().Dispatch.BatchSize != 10 {
		t.Fatal("rejected config must not be committed")
	}

	if err := os.WriteFile(p, []byte(`{"dispatch":{"batch_size":25}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("reload: published=%v err=%v", published, err)
	}
	select {
	case c := <-sub:
		if c.Dispatch.BatchSize != 25 {
			t.Fatalf("published batch_size = %d", c.Dispatch.BatchSize)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel should be closed")
	}
}

func TestManagerWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "medremind.yaml", "dispatch:\n  batch_size: 10\n")
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-sub:
			if c.Dispatch.BatchSize != 30 {
				t.Fatalf("batch_size = %d", c.Dispatch.BatchSize)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is up and sees it.
			_ = os.WriteFile(p, []byte("dispatch:\n  batch_size: 30\n"), 0o600)
		case <-deadline:
			t.Fatal("watch did not publish")
		}
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	for _, body := range []string{"", "\n# nothing yet\n"} {
		cfg, err := Decode("c.yml", []byte(body))
		if err != nil {
			t.Fatalf("Decode(%q): %v", body, err)
		}
		if cfg.Storage.Driver != "" || cfg.Dispatch.BatchSize != 0 {
			t.Fatalf("Decode(%q) = %+v, want zero config", body, cfg)
		}
	}
}

func TestYAMLNonStringKeys(t *testing.T) {
	t.Parallel()
	out, err := yamlToJSON([]byte("a:\n  1: one\n  true: yes\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != `{"a":{"1":"one","true":"yes"}}` {
		t.Fatalf("got %s", got)
	}
}
