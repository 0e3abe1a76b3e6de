// Package fanout turns deadline matches into one email per eligible user,
// at most once per (opportunity, user, threshold).
package fanout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"deadlinenotifier/internal/audience"
	"deadlinenotifier/internal/deadline"
	"deadlinenotifier/internal/eventbus"
	"deadlinenotifier/internal/ledger"
	"deadlinenotifier/internal/mailer"
	"deadlinenotifier/internal/source"
	logx "deadlinenotifier/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of a run.
type Deps struct {
	Opportunities source.Opportunities
	Users         source.Users
	Ledger        ledger.Ledger
	Sender        mailer.Sender
	Audience      audience.Resolver
	Bus           eventbus.Bus
	Log           logx.Logger
}

type Service struct {
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	last    *Report

	now func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		deps: deps,
		log:  log.With(logx.String("comp", "fanout")),
		bus:  bus,
		now:  time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps dispatch settings. A run in flight keeps its snapshot.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) SetAudience(r audience.Resolver) {
	s.mu.Lock()
	s.deps.Audience = r
	s.mu.Unlock()
}

func (s *Service) Audience() audience.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Audience
}

// SetSender swaps the mail transport for later runs.
func (s *Service) SetSender(m mailer.Sender) {
	s.mu.Lock()
	s.deps.Sender = m
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)
}

func (s *Service) snapshot() (Config, Deps, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.deps, s.limiter
}

// Preflight reports configuration errors that make a run impossible.
// They are the only errors that abort a run before any dispatch.
func (s *Service) Preflight() error {
	cfg, d, _ := s.snapshot()
	var errs []error
	if d.Opportunities == nil {
		errs = append(errs, errors.New("opportunity source not configured"))
	}
	if d.Users == nil {
		errs = append(errs, errors.New("user source not configured"))
	}
	if d.Ledger == nil {
		errs = append(errs, errors.New("ledger not configured"))
	}
	if d.Sender == nil {
		errs = append(errs, errors.New("mail sender not configured"))
	}
	for _, t := range cfg.Thresholds {
		if t <= 0 {
			errs = append(errs, fmt.Errorf("threshold must be > 0, got %d", t))
		}
	}
	if len(errs) > 0 {
		return deadline.FatalConfig(errors.Join(errs...))
	}
	return nil
}

// Run is the scheduler job: one scan at the current time.
func (s *Service) Run(ctx context.Context) error {
	_, err := s.RunScan(ctx, s.now())
	return err
}

// LastReport returns the most recent report.
func (s *Service) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// RunScan performs one full run at now.
//
// Per-pair failures are recorded in the ledger and counted in the report;
// they never fail the run. The returned error is set only when the run could
// not dispatch at all (config, source listing) or was canceled.
func (s *Service) RunScan(ctx context.Context, now time.Time) (rep Report, err error) {
	rep = Report{RunID: uuid.NewString(), Started: time.Now(), ScanTime: now}
	log := s.log.With(logx.String("run_id", rep.RunID))

	defer func() {
		rep.Finished = time.Now()
		if err != nil {
			rep.Error = err.Error()
		}
		s.finish(ctx, log, rep)
	}()

	if err = s.Preflight(); err != nil {
		log.Error("run aborted: configuration", logx.Err(err))
		return rep, err
	}
	cfg, d, limiter := s.snapshot()
	s.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: map[string]any{"run_id": rep.RunID, "scan_time": now}})

	opps, err := d.Opportunities.ListOpportunities(ctx)
	if err != nil {
		return rep, fmt.Errorf("list opportunities: %w", deadline.TransientIO(err))
	}
	users, err := d.Users.ListUsers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list users: %w", deadline.TransientIO(err))
	}
	rep.Opportunities, rep.Users = len(opps), len(users)

	users, anonymous := withIDs(users)
	if anonymous > 0 {
		log.Warn("users without id skipped", logx.Int("count", anonymous))
	}

	scanner := deadline.Scanner{Thresholds: cfg.Thresholds, Location: cfg.Location}
	matches, stats := scanner.ScanWithStats(now, opps)
	rep.Malformed, rep.Matches = stats.Malformed+anonymous, stats.Matched
	if stats.Malformed > 0 {
		log.Debug("opportunities without usable deadline skipped", logx.Int("count", stats.Malformed))
	}

	jobs := map[string]job{}
	for _, m := range matches {
		for u := range d.Audience.Resolve(m.Opportunity, users) {
			k := deadline.Key{OpportunityID: m.Opportunity.ID, UserID: u.ID, Threshold: m.Threshold}
			jobs[k.String()] = job{key: k, opp: m.Opportunity, user: u}
		}
	}
	s.collectRetries(ctx, log, cfg, d, now, opps, users, jobs, &rep)

	list := make([]job, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, j)
	}
	slices.SortFunc(list, func(a, b job) int { return strings.Compare(a.key.String(), b.key.String()) })
	rep.Jobs = len(list)

	if len(list) > 0 {
		t := s.dispatchAll(ctx, log, rep.RunID, cfg, d, limiter, list)
		rep.Sent, rep.Skipped, rep.Failed, rep.Canceled = t.sent, t.skipped, t.failed, t.canceled
	}
	if cerr := ctx.Err(); cerr != nil {
		return rep, cerr
	}
	return rep, nil
}

// collectRetries re-queues failed keys and stale claims from earlier runs.
// The exact-day rule does not apply to them; the opportunity only has to
// be still open and the user still eligible.
func (s *Service) collectRetries(ctx context.Context, log logx.Logger, cfg Config, d Deps, now time.Time,
	opps []deadline.Opportunity, users []deadline.User, jobs map[string]job, rep *Report) {

	pending, err := d.Ledger.Pending(ctx)
	if err != nil {
		log.Warn("cannot list failed keys; retries postponed", logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	oppByID := make(map[string]deadline.Opportunity, len(opps))
	for _, o := range opps {
		oppByID[o.ID] = o
	}
	userByID := make(map[string]deadline.User, len(users))
	for _, u := range users {
		userByID[u.ID] = u
	}

	for _, e := range pending {
		k := e.Key
		exhausted := cfg.MaxAttempts > 0 && e.Attempts >= cfg.MaxAttempts
		if _, ok := jobs[k.String()]; ok {
			// Matched again by the scan; the attempt cap still applies.
			if exhausted {
				delete(jobs, k.String())
				rep.Exhausted++
			}
			continue
		}
		reason := ""
		opp, ok := oppByID[k.OpportunityID]
		switch {
		case !ok:
			reason = "opportunity gone"
		default:
			dl, derr := opp.Deadline(cfg.Location)
			if derr != nil {
				reason = "deadline unreadable"
			} else if !dl.After(now) {
				reason = "deadline passed"
			}
		}
		var user deadline.User
		if reason == "" {
			u, ok := userByID[k.UserID]
			switch {
			case !ok:
				reason = "user gone"
			case !d.Audience.Eligible(opp, u):
				reason = "user no longer eligible"
			default:
				user = u
			}
		}
		if reason != "" {
			if err := d.Ledger.ClearFailed(ctx, k); err != nil {
				log.Warn("clear failed key", logx.String("key", k.String()), logx.Err(err))
				continue
			}
			rep.Cleared++
			log.Warn("failed notification dropped", logx.String("key", k.String()),
				logx.String("reason", reason), logx.Int("attempts", e.Attempts), logx.String("last_error", e.LastError))
			continue
		}
		if exhausted {
			rep.Exhausted++
			log.Debug("failed notification exhausted", logx.String("key", k.String()), logx.Int("attempts", e.Attempts))
			continue
		}
		jobs[k.String()] = job{key: k, opp: opp, user: user, retry: true}
		rep.Retried++
	}
}

// withIDs drops users with a blank id. The id is part of the idempotency key,
// so two such users would share one key and only the first would be mailed.
func withIDs(users []deadline.User) ([]deadline.User, int) {
	out := users[:0:0]
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			continue
		}
		out = append(out, u)
	}
	return out, len(users) - len(out)
}

func (s *Service) finish(ctx context.Context, log logx.Logger, rep Report) {
	s.mu.Lock()
	r := rep
	s.last = &r
	led := s.deps.Ledger
	s.mu.Unlock()

	if led != nil {
		rec := ledger.RunRecord{
			RunID: rep.RunID, Started: rep.Started, Finished: rep.Finished,
			Opportunities: rep.Opportunities, Matches: rep.Matches, Jobs: rep.Jobs,
			Sent: rep.Sent, Skipped: rep.Skipped, Failed: rep.Failed, Error: rep.Error,
		}
		if err := led.AppendRun(context.WithoutCancel(ctx), rec); err != nil {
			log.Warn("run journal append failed", logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: rep})

	fields := []logx.Field{
		logx.Int("opportunities", rep.Opportunities), logx.Int("users", rep.Users),
		logx.Int("matches", rep.Matches), logx.Int("jobs", rep.Jobs),
		logx.Int("sent", rep.Sent), logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed), logx.Int("canceled", rep.Canceled),
		logx.Int("retried", rep.Retried), logx.Int("cleared", rep.Cleared),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
	}
	switch {
	case rep.Error != "":
		log.Error("deadline run finished with error", append(fields, logx.String("err", rep.Error))...)
	case rep.Failed > 0:
		log.Warn("deadline run finished with failures", fields...)
	default:
		log.Info("deadline run finished", fields...)
	}
}
