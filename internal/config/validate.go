package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/scheduler"
	logx "deadlinenotifier/pkg/logx"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report fields by their config key, not the Go name.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks cfg and returns every problem found, classified as
// ErrFatalConfig.
func Validate(cfg *Config) error {
	if cfg == nil {
		return deadline.FatalConfig(errors.New("config is nil"))
	}
	var errs []error

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}
	errs = append(errs, semanticErrors(cfg)...)

	if len(errs) > 0 {
		return deadline.FatalConfig(errors.Join(errs...))
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %s=%s (got %v)", ns, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s: failed %s", ns, fe.Tag())
}

func semanticErrors(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}

	if s := strings.TrimSpace(cfg.Scheduler.Schedule); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			add(fmt.Errorf("scheduler.schedule: %w", err))
		}
	}
	add(checkTimezone("scheduler.timezone", cfg.Scheduler.Timezone))
	add(checkTimezone("deadlines.timezone", cfg.Deadlines.Timezone))

	for _, d := range []struct{ path, raw string }{
		{"scheduler.run_timeout", cfg.Scheduler.RunTimeout},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.claim_lease", cfg.Dispatch.ClaimLease},
		{"mail.timeout", cfg.Mail.Timeout},
		{"ledger.busy_timeout", cfg.Ledger.BusyTimeout},
		{"events.kafka.batch_timeout", cfg.Events.Kafka.BatchTimeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Mail.Driver), "smtp") {
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			add(errors.New("mail.host is required when mail.driver=smtp"))
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			add(errors.New("mail.from is required when mail.driver=smtp"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(cfg.Ledger.Path) == "" {
			add(fmt.Errorf("ledger.path is required when ledger.driver=%s", cfg.Ledger.Driver))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Ledger.DSN) == "" {
			add(errors.New("ledger.dsn is required when ledger.driver=postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Ledger.Redis.Addr) == "" {
			add(errors.New("ledger.redis.addr is required when ledger.driver=redis"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Source.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Source.Path) == "" {
			add(errors.New("source.path is required"))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Source.DSN) == "" {
			add(errors.New("source.dsn is required when source.driver=postgres"))
		}
	}

	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		}
	}
	return errs
}

func checkTimezone(path, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return nil
}

// ParseDurationField parses a Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
