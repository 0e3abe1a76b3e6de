package config

import (
	"reflect"
	"strings"

	logx "deadlinenotifier/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Passwords, tokens and DSNs are reported
// only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", strings.TrimSpace(newCfg.Scheduler.Schedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.run_timeout", strings.TrimSpace(newCfg.Scheduler.RunTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Deadlines, newCfg.Deadlines) {
		changed = append(changed, "deadlines")
		attrs = append(attrs,
			logx.Any("deadlines.thresholds", newCfg.Deadlines.Thresholds),
			logx.String("deadlines.timezone", strings.TrimSpace(newCfg.Deadlines.Timezone)),
			logx.String("deadlines.audience.policy", newCfg.Deadlines.Audience.Policy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.send_timeout", strings.TrimSpace(newCfg.Dispatch.SendTimeout)),
		)
	}

	om, nm := oldCfg.Mail, newCfg.Mail
	if om.Driver != nm.Driver || om.Host != nm.Host || om.Port != nm.Port || om.Username != nm.Username ||
		om.From != nm.From || om.FromName != nm.FromName || om.SSL != nm.SSL || om.Timeout != nm.Timeout ||
		om.Password != nm.Password {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.driver", nm.Driver),
			logx.String("mail.host", nm.Host),
			logx.Int("mail.port", nm.Port),
			logx.Bool("mail.password_set", nm.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ledger, newCfg.Ledger) {
		changed = append(changed, "ledger")
		attrs = append(attrs,
			logx.String("ledger.driver", newCfg.Ledger.Driver),
			logx.String("ledger.path", newCfg.Ledger.Path),
			logx.Bool("ledger.dsn_set", newCfg.Ledger.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.driver", newCfg.Source.Driver),
			logx.String("source.path", newCfg.Source.Path),
			logx.Bool("source.dsn_set", newCfg.Source.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.kafka.enabled", newCfg.Events.Kafka.Enabled),
			logx.String("events.kafka.topic", newCfg.Events.Kafka.Topic),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "ledger", "source", "events":
			out = append(out, s)
		}
	}
	return out
}
