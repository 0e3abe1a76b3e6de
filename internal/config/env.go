package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are ignored; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// envOverrides maps DEADLINE_* variables onto config fields. Secrets live
// here so they can stay out of the config file.
var envOverrides = []struct {
	key string
	set func(c *Config, v string)
}{
	{"DEADLINE_LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
	{"DEADLINE_SCHEDULE", func(c *Config, v string) { c.Scheduler.Schedule = v }},
	{"DEADLINE_SMTP_HOST", func(c *Config, v string) { c.Mail.Host = v }},
	{"DEADLINE_SMTP_USERNAME", func(c *Config, v string) { c.Mail.Username = v }},
	{"DEADLINE_SMTP_PASSWORD", func(c *Config, v string) { c.Mail.Password = v }},
	{"DEADLINE_SMTP_FROM", func(c *Config, v string) { c.Mail.From = v }},
	{"DEADLINE_POSTGRES_DSN", func(c *Config, v string) {
		if isPostgres(c.Ledger.Driver) && c.Ledger.DSN == "" {
			c.Ledger.DSN = v
		}
		if isPostgres(c.Source.Driver) && c.Source.DSN == "" {
			c.Source.DSN = v
		}
	}},
	{"DEADLINE_LEDGER_DSN", func(c *Config, v string) { c.Ledger.DSN = v }},
	{"DEADLINE_SOURCE_DSN", func(c *Config, v string) { c.Source.DSN = v }},
	{"DEADLINE_REDIS_ADDR", func(c *Config, v string) { c.Ledger.Redis.Addr = v }},
	{"DEADLINE_REDIS_PASSWORD", func(c *Config, v string) { c.Ledger.Redis.Password = v }},
	{"DEADLINE_OPS_TOKEN", func(c *Config, v string) { c.Ops.Token = v }},
}

// ApplyEnv overlays DEADLINE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	for _, o := range envOverrides {
		if v, ok := lookup(o.key); ok && strings.TrimSpace(v) != "" {
			o.set(cfg, strings.TrimSpace(v))
		}
	}
}

func isPostgres(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return true
	}
	return false
}
