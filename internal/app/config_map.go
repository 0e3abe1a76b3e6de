package app

import (
	"fmt"
	"strings"
	"time"

	"deadlinenotifier/internal/audience"
	"deadlinenotifier/internal/config"
	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/eventsink"
	"deadlinenotifier/internal/fanout"
	"deadlinenotifier/internal/ledger"
	"deadlinenotifier/internal/mailer"
	"deadlinenotifier/internal/observability/ops"
	"deadlinenotifier/internal/scheduler"
	"deadlinenotifier/internal/source"
	logx "deadlinenotifier/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	timeout, err := config.ParseDurationField("scheduler.run_timeout", sc.RunTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Schedule:    strings.TrimSpace(sc.Schedule),
		Timezone:    strings.TrimSpace(sc.Timezone),
		RunTimeout:  timeout,
		RunOnStart:  sc.RunOnStart,
		HistorySize: sc.HistorySize,
	}, nil
}

func mapAudienceConfig(cfg *config.Config) (audience.Config, error) {
	ac := cfg.Deadlines.Audience
	p, err := audience.ParsePolicy(ac.Policy)
	if err != nil {
		return audience.Config{}, fmt.Errorf("deadlines.audience.policy: %w", err)
	}
	return audience.Config{Policy: p, MatchDomains: ac.MatchDomains, MatchLocation: ac.MatchLocation}, nil
}

func mapFanoutConfig(cfg *config.Config) (fanout.Config, error) {
	dc := cfg.Dispatch
	var out fanout.Config

	if len(cfg.Deadlines.Thresholds) > 0 {
		th, err := deadline.NewThresholds(cfg.Deadlines.Thresholds...)
		if err != nil {
			return fanout.Config{}, fmt.Errorf("deadlines.thresholds: %w", err)
		}
		out.Thresholds = th
	}
	if tz := strings.TrimSpace(cfg.Deadlines.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fanout.Config{}, fmt.Errorf("deadlines.timezone: %w", err)
		}
		out.Location = loc
	}

	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return fanout.Config{}, err
	}
	lease, err := config.ParseDurationField("dispatch.claim_lease", dc.ClaimLease)
	if err != nil {
		return fanout.Config{}, err
	}

	out.Workers = dc.Workers
	out.RatePerSec = dc.RatePerSec
	out.Burst = dc.Burst
	out.SendTimeout = sendTimeout
	out.ClaimLease = lease
	out.SubjectPrefix = dc.SubjectPrefix
	out.MaxAttempts = fanout.DefaultMaxAttempts
	if dc.MaxAttempts != nil {
		out.MaxAttempts = *dc.MaxAttempts
	}
	return out, nil
}

func mapMailerConfig(cfg *config.Config) (mailer.Config, error) {
	mc := cfg.Mail
	timeout, err := config.ParseDurationField("mail.timeout", mc.Timeout)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		Driver:   mc.Driver,
		Host:     strings.TrimSpace(mc.Host),
		Port:     mc.Port,
		Username: mc.Username,
		Password: mc.Password,
		From:     strings.TrimSpace(mc.From),
		FromName: mc.FromName,
		SSL:      mc.SSL,
		Timeout:  timeout,
	}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	lc := cfg.Ledger
	busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, time.Second)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      lc.Driver,
		Path:        strings.TrimSpace(lc.Path),
		DSN:         strings.TrimSpace(lc.DSN),
		BusyTimeout: busy,
		Redis: ledger.RedisConfig{
			Addr:     strings.TrimSpace(lc.Redis.Addr),
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
			Prefix:   lc.Redis.Prefix,
		},
	}, nil
}

func mapSourceConfig(cfg *config.Config) source.Config {
	sc := cfg.Source
	return source.Config{
		Driver:   sc.Driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		PageSize: sc.PageSize,
	}
}

func mapEventSinkConfig(cfg *config.Config) (eventsink.Config, error) {
	kc := cfg.Events.Kafka
	bt, err := config.ParseDurationField("events.kafka.batch_timeout", kc.BatchTimeout)
	if err != nil {
		return eventsink.Config{}, err
	}
	return eventsink.Config{
		Enabled:      kc.Enabled,
		Brokers:      kc.Brokers,
		Topic:        strings.TrimSpace(kc.Topic),
		Types:        kc.Types,
		BatchSize:    kc.BatchSize,
		BatchTimeout: bt,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// 0 disables the write timeout so pprof profiles and manual runs can finish.
	wt, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}
