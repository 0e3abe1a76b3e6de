package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"deadlinenotifier/internal/eventbus"
	"deadlinenotifier/internal/mailer"
	rtsup "deadlinenotifier/internal/runtime/supervisor"
	logx "deadlinenotifier/pkg/logx"

	"golang.org/x/time/rate"
)

type tally struct {
	mu                              sync.Mutex
	sent, skipped, failed, canceled int
}

func (t *tally) add(o outcome) {
	t.mu.Lock()
	switch o {
	case outSent:
		t.sent++
	case outSkipped:
		t.skipped++
	case outFailed:
		t.failed++
	case outCanceled:
		t.canceled++
	}
	t.mu.Unlock()
}

// dispatchAll feeds jobs to a bounded worker pool and waits for it.
// Cancellation stops the feed; jobs never handed out count as canceled.
func (s *Service) dispatchAll(ctx context.Context, log logx.Logger, runID string, cfg Config, d Deps,
	limiter *rate.Limiter, jobs []job) *tally {

	t := &tally{}
	workers := min(cfg.Workers, len(jobs))
	ch := make(chan job)

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	defer sup.Cancel()
	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("fanout.worker.%d", i), func(wctx context.Context) {
			for j := range ch {
				t.add(s.dispatchSafe(wctx, log, runID, cfg, d, limiter, j))
			}
		})
	}

	fed := 0
feed:
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case ch <- j:
			fed++
		}
	}
	close(ch)
	_ = sup.Wait(context.Background())

	for range len(jobs) - fed {
		t.add(outCanceled)
	}
	return t
}

// dispatchSafe contains a panic in one job to that job.
func (s *Service) dispatchSafe(ctx context.Context, log logx.Logger, runID string, cfg Config, d Deps,
	limiter *rate.Limiter, j job) (out outcome) {

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Error("dispatch panicked", logx.String("key", j.key.String()), logx.Any("panic", r))
			if merr := d.Ledger.MarkFailed(context.WithoutCancel(ctx), j.key, err.Error()); merr != nil {
				log.Error("ledger mark failed", logx.String("key", j.key.String()), logx.Err(merr))
			}
			s.publish(eventbus.NotificationErr, runID, j, err)
			out = outFailed
		}
	}()
	return s.dispatch(ctx, log, runID, cfg, d, limiter, j)
}

// dispatch runs claim, send, record for one key.
//
// The key reaches "sent" only after Send returned nil. Ledger writes after
// the send ignore cancellation so an accepted message is always recorded.
func (s *Service) dispatch(ctx context.Context, log logx.Logger, runID string, cfg Config, d Deps,
	limiter *rate.Limiter, j job) outcome {

	key := j.key.String()
	if err := limiter.Wait(ctx); err != nil {
		return outCanceled
	}

	ok, err := d.Ledger.Claim(ctx, j.key, runID, cfg.ClaimLease)
	if err != nil {
		if ctx.Err() != nil {
			return outCanceled
		}
		log.Error("ledger claim failed", logx.String("key", key), logx.Err(err))
		s.publish(eventbus.NotificationErr, runID, j, err)
		return outFailed
	}
	if !ok {
		s.publish(eventbus.NotificationDup, runID, j, nil)
		return outSkipped
	}

	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		s.release(wctx, log, d, j, runID)
		return outCanceled
	}

	subject, body, err := mailer.Renderer{Prefix: cfg.SubjectPrefix}.Render(j.opp, j.key.Threshold)
	if err != nil {
		return s.fail(wctx, log, runID, d, j, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = d.Sender.Send(sendCtx, j.user.Email, subject, body)
	cancel()
	if err != nil {
		out := s.fail(wctx, log, runID, d, j, err)
		if ctx.Err() != nil {
			return outCanceled
		}
		return out
	}

	marked, err := d.Ledger.TryMarkSent(wctx, j.key)
	switch {
	case err != nil:
		// Delivered but unrecorded: the claim lease expires and a later run
		// may send again.
		log.Error("ledger mark sent failed after delivery", logx.String("key", key), logx.Err(err))
	case !marked:
		log.Warn("key was already marked sent", logx.String("key", key))
	}
	log.Debug("notification sent", logx.String("key", key), logx.Bool("retry", j.retry))
	s.publish(eventbus.NotificationOK, runID, j, nil)
	return outSent
}

func (s *Service) fail(ctx context.Context, log logx.Logger, runID string, d Deps, j job, cause error) outcome {
	log.Warn("notification failed", logx.String("key", j.key.String()), logx.String("to", j.user.Email), logx.Err(cause))
	if err := d.Ledger.MarkFailed(ctx, j.key, cause.Error()); err != nil {
		log.Error("ledger mark failed", logx.String("key", j.key.String()), logx.Err(err))
	}
	s.publish(eventbus.NotificationErr, runID, j, cause)
	return outFailed
}

func (s *Service) release(ctx context.Context, log logx.Logger, d Deps, j job, runID string) {
	if err := d.Ledger.Release(ctx, j.key, runID); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("ledger release failed", logx.String("key", j.key.String()), logx.Err(err))
	}
}

func (s *Service) publish(typ, runID string, j job, err error) {
	ev := SentEvent{
		RunID:         runID,
		OpportunityID: j.key.OpportunityID,
		UserID:        j.key.UserID,
		Threshold:     j.key.Threshold,
		Retry:         j.retry,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
