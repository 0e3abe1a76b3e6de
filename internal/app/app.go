// Package app wires config, stores, the fan-out and the scheduler into one
// process and applies hot reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deadlinenotifier/internal/audience"
	"deadlinenotifier/internal/config"
	"deadlinenotifier/internal/eventbus"
	"deadlinenotifier/internal/eventsink"
	"deadlinenotifier/internal/fanout"
	"deadlinenotifier/internal/ledger"
	"deadlinenotifier/internal/mailer"
	"deadlinenotifier/internal/observability/ops"
	rtsup "deadlinenotifier/internal/runtime/supervisor"
	"deadlinenotifier/internal/scheduler"
	"deadlinenotifier/internal/source"
	logx "deadlinenotifier/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	src source.Store
	led ledger.Ledger

	fan   *fanout.Service
	sched *scheduler.Service
	ops   *ops.Service
	sink  *eventsink.Sink

	schedOn bool
}

// New loads the config and opens every backend. Nothing runs until Start
// or RunOnce.
func New(ctx context.Context, cfgm *config.ConfigManager) (a *App, err error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a = &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeStores()
			_ = logSvc.Close()
		}
	}()

	a.src, err = source.Open(ctx, mapSourceConfig(cfg), log.With(logx.String("comp", "source")))
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	lc, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.led, err = ledger.Open(ctx, lc, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	mc, err := mapMailerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := mailer.New(mc, log.With(logx.String("comp", "mailer")))
	if err != nil {
		return nil, err
	}

	ac, err := mapAudienceConfig(cfg)
	if err != nil {
		return nil, err
	}
	fc, err := mapFanoutConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.fan = fanout.New(fc, fanout.Deps{
		Opportunities: a.src,
		Users:         a.src,
		Ledger:        a.led,
		Sender:        sender,
		Audience:      audience.New(ac),
		Bus:           a.bus,
		Log:           log,
	})
	if err = a.fan.Preflight(); err != nil {
		return nil, err
	}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched, err = scheduler.New("deadline.scan", sc, a.fan.Run, log.With(logx.String("comp", "scheduler")), a.bus)
	if err != nil {
		return nil, err
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, ops.Deps{Trigger: a.sched, Reports: a.fan, Ledger: a.led}, log)

	ec, err := mapEventSinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ec.Enabled {
		a.sink, err = eventsink.New(ec, a.bus, log)
		if err != nil {
			return nil, err
		}
	}

	a.log.Info("app configured",
		logx.String("source", orDash(cfg.Source.Driver)),
		logx.String("ledger", orDash(cfg.Ledger.Driver)),
		logx.String("mail", orDash(cfg.Mail.Driver)),
		logx.String("audience", string(ac.Policy)),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("kafka", ec.Enabled),
		logx.Bool("ops", oc.Enabled),
	)
	return a, nil
}

// RunOnce performs a single scan under the scheduler gate.
func (a *App) RunOnce(ctx context.Context) (fanout.Report, error) {
	err := a.sched.RunNow(ctx)
	rep, _ := a.fan.LastReport()
	return rep, err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: every section must map before commit
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapSchedulerConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapAudienceConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapFanoutConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapMailerConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if a.sink != nil {
		a.sup.Go0("events.kafka", func(c context.Context) {
			_ = a.sink.Run(c)
		})
	}

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
		a.schedOn = true
	} else {
		a.log.Warn("scheduler disabled; scans run only on manual trigger")
	}

	if cfg := a.cfgm.Get(); cfg != nil {
		if oc, err := mapOpsConfig(cfg); err == nil {
			a.ops.Reconfigure(a.sup.Context(), oc)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config to the live services.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sections, ","))

	a.logs.Apply(mapLoggingConfig(next))

	if fc, err := mapFanoutConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.fan.Apply(fc)
	}
	if ac, err := mapAudienceConfig(next); err != nil {
		a.log.Warn("invalid audience config; keeping previous", logx.Err(err))
	} else {
		a.fan.SetAudience(audience.New(ac))
	}
	if mc, err := mapMailerConfig(next); err == nil && !sameMail(prev, next) {
		if sender, err := mailer.New(mc, a.log.With(logx.String("comp", "mailer"))); err != nil {
			a.log.Warn("invalid mail config; keeping previous", logx.Err(err))
		} else {
			a.fan.SetSender(sender)
		}
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed; keeping previous", logx.Err(err))
	}
	switch {
	case a.schedOn && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.schedOn = false
	case !a.schedOn && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		} else {
			a.schedOn = true
		}
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.Strs("sections", restart))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: map[string]any{"changed": sections}})
	a.log.Info("config reloaded", append([]logx.Field{changed}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// The scheduler goes first: it cancels an in-flight run and waits for its
	// workers, which still need the ledger and the sender.
	a.step(ctx, "scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "stores", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name),
				logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func (a *App) closeStores() error {
	var errs []error
	if a.led != nil {
		if err := a.led.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger: %w", err))
		}
		a.led = nil
	}
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
		a.src = nil
	}
	return errors.Join(errs...)
}

func sameMail(a, b *config.Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Mail == b.Mail
}

func orDash(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "-"
	}
	return s
}
