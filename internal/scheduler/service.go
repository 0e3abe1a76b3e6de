package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/eventbus"
	logx "deadlinenotifier/pkg/logx"

	"github.com/robfig/cron/v3"
)

// ErrRunInFlight is returned by RunNow while another run holds the gate.
var ErrRunInFlight = errors.New("run already in flight")

// Job is one scan. Its error is logged and recorded, never retried here.
type Job func(ctx context.Context) error

type Config struct {
	Schedule    string
	Timezone    string
	RunTimeout  time.Duration // 0 = no limit
	RunOnStart  bool
	HistorySize int
}

const DefaultSchedule = "0 */6 * * *"

// Record describes one trigger.
type Record struct {
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Err      string        `json:"err,omitempty"`
}

// runGate is the skip-if-running latch shared by ticks and RunNow.
type runGate struct{ busy atomic.Bool }

func (g *runGate) tryAcquire() bool { return g.busy.CompareAndSwap(false, true) }
func (g *runGate) release()         { g.busy.Store(false) }

// Service fires Job on a schedule. At most one run is in flight; a tick
// that finds the gate closed is dropped, not queued.
type Service struct {
	name string
	job  Job
	log  logx.Logger
	bus  eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	spec   ParsedSpec
	loc    *time.Location
	c      *cron.Cron
	entry  cron.EntryID
	runCtx context.Context
	cancel context.CancelFunc

	gate runGate

	hmu     sync.Mutex
	history []Record
}

func New(name string, cfg Config, job Job, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if job == nil {
		return nil, errors.New("scheduler: job required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = withDefaults(cfg)
	spec, loc, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		name: name,
		job:  job,
		log:  log.With(logx.String("comp", "scheduler"), logx.String("job", name)),
		bus:  bus,
		cfg:  cfg,
		spec: spec,
		loc:  loc,
	}, nil
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return cfg
}

func resolve(cfg Config) (ParsedSpec, *time.Location, error) {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return ParsedSpec{}, nil, deadline.FatalConfig(err)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return ParsedSpec{}, nil, deadline.FatalConfig(fmt.Errorf("invalid timezone %q: %w", tz, err))
		}
		loc = l
	}
	return spec, loc, nil
}

// Start begins triggering. Runs started by the schedule inherit ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	if err := s.startCronLocked(); err != nil {
		s.cancel()
		return err
	}
	if s.cfg.RunOnStart {
		go s.fire("startup")
	}
	return nil
}

func (s *Service) startCronLocked() error {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	sch, jitter, err := s.spec.build(time.Now().In(s.loc), s.name)
	if err != nil {
		return deadline.FatalConfig(err)
	}
	s.entry = c.Schedule(sch, cron.FuncJob(func() { s.fire("schedule") }))
	c.Start()
	s.c = c

	fields := []logx.Field{
		logx.String("schedule", s.spec.Describe()),
		logx.String("tz", s.loc.String()),
		logx.Time("next", c.Entry(s.entry).Next),
	}
	if jitter > 0 {
		fields = append(fields, logx.Duration("spread", jitter))
	}
	s.log.Info("scheduler started", fields...)
	return nil
}

// Stop halts triggering, cancels an in-flight run and waits for it, bounded
// by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps schedule, timezone and run settings. A running cron is rebuilt;
// an in-flight run is not interrupted.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	spec, loc, err := resolve(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := spec != s.spec || loc.String() != s.loc.String()
	s.cfg, s.spec, s.loc = cfg, spec, loc
	if s.c == nil || !changed {
		return nil
	}
	s.c.Stop()
	s.c = nil
	return s.startCronLocked()
}

// RunNow runs the job synchronously under the same gate as ticks.
func (s *Service) RunNow(ctx context.Context) error {
	if !s.gate.tryAcquire() {
		return ErrRunInFlight
	}
	defer s.gate.release()
	return s.run(ctx, "manual")
}

// Running reports whether a run holds the gate.
func (s *Service) Running() bool { return s.gate.busy.Load() }

// Next is the next scheduled fire time, zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) fire(trigger string) {
	if !s.gate.tryAcquire() {
		s.log.Warn("run skipped: previous run still in flight", logx.String("trigger", trigger))
		s.record(Record{Trigger: trigger, Started: time.Now(), Skipped: true})
		s.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Data: map[string]any{"job": s.name, "trigger": trigger}})
		return
	}
	defer s.gate.release()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.run(ctx, trigger)
}

func (s *Service) run(ctx context.Context, trigger string) error {
	s.mu.Lock()
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.call(ctx)
	rec := Record{Trigger: trigger, Started: start, Duration: time.Since(start)}
	if err != nil {
		rec.Err = err.Error()
		s.log.Error("run failed", logx.String("trigger", trigger), logx.String("class", deadline.Class(err)),
			logx.Duration("took", rec.Duration), logx.Err(err))
	} else {
		s.log.Debug("run finished", logx.String("trigger", trigger), logx.Duration("took", rec.Duration))
	}
	s.record(rec)
	return err
}

// call contains job panics so the schedule keeps firing.
func (s *Service) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.job(ctx)
}

func (s *Service) record(r Record) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

// History returns recorded triggers, oldest first.
func (s *Service) History() []Record {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Record(nil), s.history...)
}
