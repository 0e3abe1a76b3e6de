package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func withClock(t *testing.T, l Ledger, c *clock) {
	t.Helper()
	switch s := l.(type) {
	case *Memory:
		s.t.now = c.now
	case *fileStore:
		s.t.now = c.now
	case *sqliteStore:
		s.now = c.now
	default:
		t.Fatalf("no clock hook for %T", l)
	}
}

type backend struct {
	name string
	open func(t *testing.T) Ledger
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Ledger { return NewMemory() }},
		{"file", func(t *testing.T) Ledger {
			l, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
			require.NoError(t, err)
			return l
		}},
		{"sqlite", func(t *testing.T) Ledger {
			l, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
			require.NoError(t, err)
			return l
		}},
	}
}

func key(opp, user string, thr int) deadline.Key {
	return deadline.Key{OpportunityID: opp, UserID: user, Threshold: thr}
}

func TestLedger_SentIsTerminal(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			k := key("o1", "u1", 3)

			e, err := l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateNone, e.State)

			ok, err := l.Claim(ctx, k, "run-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Claim(ctx, k, "run-b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "live claim must not be stolen")

			ok, err = l.TryMarkSent(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.TryMarkSent(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = l.Claim(ctx, k, "run-c", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, l.MarkFailed(ctx, k, "late error"))
			require.NoError(t, l.ClearFailed(ctx, k))
			e, err = l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateSent, e.State)
		})
	}
}

func TestLedger_FailedIsRetryable(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			k := key("o1", "u2", 7)

			ok, err := l.Claim(ctx, k, "run-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, l.MarkFailed(ctx, k, "smtp 421"))

			e, err := l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, e.State)
			assert.Equal(t, 1, e.Attempts)
			assert.Equal(t, "smtp 421", e.LastError)

			pending, err := l.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, k, pending[0].Key)

			// A retry that is abandoned before sending returns to failed.
			ok, err = l.Claim(ctx, k, "run-b", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, l.Release(ctx, k, "run-b"))
			e, err = l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateFailed, e.State)

			require.NoError(t, l.ClearFailed(ctx, k))
			e, err = l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateNone, e.State)

			pending, err = l.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestLedger_ReleaseForgetsUnattempted(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			k := key("o2", "u1", 1)

			ok, err := l.Claim(ctx, k, "run-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, l.Release(ctx, k, "someone-else"))
			e, err := l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateClaimed, e.State)

			require.NoError(t, l.Release(ctx, k, "run-a"))
			e, err = l.State(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, StateNone, e.State)
		})
	}
}

func TestLedger_ExpiredClaimIsRetryable(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
			withClock(t, l, c)
			k := key("o3", "u1", 3)

			ok, err := l.Claim(ctx, k, "dead-run", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			pending, err := l.Pending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending, "live claim is not pending")

			c.advance(2 * time.Minute)

			pending, err = l.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, StateClaimed, pending[0].State)

			ok, err = l.Claim(ctx, k, "next-run", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLedger_ConcurrentMarkSentWinsOnce(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			l := b.open(t)
			defer l.Close()
			k := key("o4", "u9", 7)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.TryMarkSent(ctx, k)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

func TestLedger_AppendRun(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			l := b.open(t)
			defer l.Close()
			now := time.Now()
			err := l.AppendRun(context.Background(), RunRecord{
				RunID: "r1", Started: now, Finished: now.Add(time.Second), Jobs: 3, Sent: 2, Failed: 1,
			})
			require.NoError(t, err)
		})
	}
}

func TestFileLedger_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}

	l, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	sent, failed := key("o1", "a", 3), key("o1", "b", 3)
	_, err = l.TryMarkSent(ctx, sent)
	require.NoError(t, err)
	require.NoError(t, l.MarkFailed(ctx, failed, "boom"))
	require.NoError(t, l.Close())

	l, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer l.Close()

	e, err := l.State(ctx, sent)
	require.NoError(t, err)
	assert.Equal(t, StateSent, e.State)

	e, err = l.State(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, e.State)
	assert.Equal(t, 1, e.Attempts)
}

func TestMemory_ClosedRejectsWrites(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.TryMarkSent(context.Background(), key("o", "u", 1))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestOpen_UnknownDriverIsFatal(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, deadline.ErrFatalConfig)

	_, err = Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop())
	assert.ErrorIs(t, err, deadline.ErrFatalConfig)
}

func TestRebind(t *testing.T) {
	t.Parallel()
	got := rebind("SELECT a FROM t WHERE x = ? AND y < ?")
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y < $2", got)
}
