package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
scheduler:
  enabled: true
  schedule: "0 */6 * * *"
  timezone: Asia/Kolkata
deadlines:
  thresholds: [7, 3, 1]
  audience:
    policy: all
dispatch:
  workers: 4
  rate_per_sec: 5
  send_timeout: 30s
mail:
  driver: log
ledger:
  driver: sqlite
  path: ./data/ledger.db
source:
  driver: file
  path: ./data/catalog.yaml
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Timezone != "Asia/Kolkata" || len(cfg.Deadlines.Thresholds) != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Dispatch.MaxAttempts != nil {
		t.Fatalf("max_attempts should stay unset")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown json key", file: "c.json", body: `{"mail":{"driver":"log","hots":"x"}}`},
		{name: "trailing json", file: "c.json", body: `{} {}`},
		{name: "unknown yaml key", file: "c.yaml", body: "ledger:\n  drvier: sqlite\n"},
		{name: "bad yaml", file: "c.yml", body: "ledger: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := Decode("c.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestParseMissingFileIsFatal(t *testing.T) {
	t.Parallel()
	_, err := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml")).Parse()
	if !errors.Is(err, deadline.ErrFatalConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	zero := 0
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud", File: LoggingFile{Enabled: true}},
		Scheduler: SchedulerConfig{Schedule: "whenever", Timezone: "Mars/Base", RunTimeout: "-1s"},
		Deadlines: DeadlinesConfig{Thresholds: []int{7, 0}, Audience: AudienceConfig{Policy: "nearby"}},
		Dispatch:  DispatchConfig{Workers: -1, MaxAttempts: &zero, SendTimeout: "soon"},
		Mail:      MailConfig{Driver: "smtp", From: "not-an-address"},
		Ledger:    LedgerConfig{Driver: "postgres"},
		Source:    SourceConfig{Driver: "file"},
		Events:    EventsConfig{Kafka: KafkaConfig{Enabled: true}},
		Ops:       OpsConfig{Addr: "6060"},
	}
	err := Validate(cfg)
	if !errors.Is(err, deadline.ErrFatalConfig) {
		t.Fatalf("err=%v", err)
	}
	msg := err.Error()
	for _, want := range []string{
		"logging.level", "logging.file.path", "scheduler.schedule", "scheduler.timezone",
		"scheduler.run_timeout", "deadlines.thresholds[1]", "deadlines.audience.policy",
		"dispatch.workers", "dispatch.send_timeout", "mail.host", "mail.from",
		"ledger.dsn", "source.path", "events.kafka.brokers", "events.kafka.topic", "ops.addr",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in:\n%s", want, msg)
		}
	}
}

func TestValidateAcceptsMinimal(t *testing.T) {
	t.Parallel()
	cfg := &Config{Source: SourceConfig{Path: "catalog.json"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"DEADLINE_SMTP_PASSWORD": " hunter2 ",
		"DEADLINE_POSTGRES_DSN":  "postgres://u:p@db/app",
		"DEADLINE_OPS_TOKEN":     "tok",
		"DEADLINE_LOG_LEVEL":     "",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Ledger:  LedgerConfig{Driver: "postgres"},
		Source:  SourceConfig{Driver: "postgres", DSN: "postgres://explicit"},
	}
	applyEnv(cfg, lookup)

	if cfg.Mail.Password != "hunter2" {
		t.Fatalf("password=%q", cfg.Mail.Password)
	}
	if cfg.Ledger.DSN != "postgres://u:p@db/app" {
		t.Fatalf("ledger dsn=%q", cfg.Ledger.DSN)
	}
	if cfg.Source.DSN != "postgres://explicit" {
		t.Fatalf("explicit source dsn overwritten: %q", cfg.Source.DSN)
	}
	if cfg.Ops.Token != "tok" || cfg.Logging.Level != "info" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "DEADLINE_TEST_DOTENV=from-file\n")
	t.Setenv("DEADLINE_TEST_DOTENV", "")
	os.Unsetenv("DEADLINE_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("DEADLINE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Mail: MailConfig{Driver: "smtp", Password: "old-secret"}}
	newCfg := &Config{
		Mail:      MailConfig{Driver: "smtp", Password: "new-secret"},
		Scheduler: SchedulerConfig{Schedule: "daily:09:00"},
		Ops:       OpsConfig{Token: "tok-secret"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "scheduler,mail,ops" {
		t.Fatalf("sections=%v", sections)
	}

	var buf strings.Builder
	log := logx.NewJSON(&buf, "debug")
	log.Info("summary", attrs...)
	for _, secret := range []string{"new-secret", "old-secret", "tok-secret"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("secret %q leaked: %s", secret, buf.String())
		}
	}
	if got := RestartRequired(sections); len(got) != 0 {
		t.Fatalf("restart required=%v", got)
	}
	if got := RestartRequired([]string{"ledger", "ops"}); len(got) != 1 || got[0] != "ledger" {
		t.Fatalf("restart required=%v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid change is rejected and the committed config stays.
	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "policy: all", "policy: nobody", 1))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Deadlines)
	case <-time.After(300 * time.Millisecond):
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "policy: all", "policy: relevant", 1))
	select {
	case cfg := <-sub:
		if cfg.Deadlines.Audience.Policy != "relevant" {
			t.Fatalf("policy=%q", cfg.Deadlines.Audience.Policy)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Deadlines.Audience.Policy != "relevant" {
		t.Fatalf("not committed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}
