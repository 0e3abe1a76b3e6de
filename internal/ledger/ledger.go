package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"
)

// State of a key in the ledger. A key that was never attempted has no entry
// (StateNone).
type State string

const (
	StateNone    State = ""
	StateClaimed State = "claimed"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

var ErrClosed = errors.New("ledger closed")

// Entry is the stored view of one key.
type Entry struct {
	Key          deadline.Key `json:"key"`
	State        State        `json:"state"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	ClaimedBy    string       `json:"claimed_by,omitempty"`
	ClaimedUntil time.Time    `json:"claimed_until,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// retryable reports whether the entry should be picked up again: a recorded
// failure, or a claim whose lease ran out (the owner died mid-send).
func (e Entry) retryable(now time.Time) bool {
	switch e.State {
	case StateFailed:
		return true
	case StateClaimed:
		return e.ClaimedUntil.Before(now)
	default:
		return false
	}
}

// RunRecord is the journal line written after every run.
type RunRecord struct {
	RunID         string    `json:"run_id"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	Opportunities int       `json:"opportunities"`
	Matches       int       `json:"matches"`
	Jobs          int       `json:"jobs"`
	Sent          int       `json:"sent"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
	Error         string    `json:"error,omitempty"`
}

// Ledger is the idempotency store of the fan-out.
//
// Every method is atomic per key. A key reaches StateSent only through
// TryMarkSent, and nothing moves it out of StateSent.
type Ledger interface {
	// Claim reserves key for owner until now+lease. It returns false when the
	// key is already sent or held by a live claim. Failed keys and expired
	// claims can be claimed again.
	Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error)
	// Release gives up an unsent claim held by owner. A key with earlier
	// attempts goes back to failed, otherwise it is forgotten.
	Release(ctx context.Context, key deadline.Key, owner string) error
	// TryMarkSent records a confirmed dispatch. It returns false if the key was
	// already sent.
	TryMarkSent(ctx context.Context, key deadline.Key) (bool, error)
	// MarkFailed records a failed dispatch and bumps the attempt counter.
	// It is a no-op for sent keys.
	MarkFailed(ctx context.Context, key deadline.Key, reason string) error
	// ClearFailed forgets a retryable key (failed or expired claim).
	ClearFailed(ctx context.Context, key deadline.Key) error
	// State returns the entry for key; State is StateNone when absent.
	State(ctx context.Context, key deadline.Key) (Entry, error)
	// Pending lists retryable keys.
	Pending(ctx context.Context) ([]Entry, error)
	// AppendRun journals a finished run.
	AppendRun(ctx context.Context, r RunRecord) error
	Close() error
}

// Config selects and configures a ledger backend.
//
// Driver values:
//   - "memory": process-local, lost on restart (tests, dry runs)
//   - "file": JSONL journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN
//   - "redis": Redis.Addr
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open initializes the configured ledger. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, deadline.FatalConfig(fmt.Errorf("unknown ledger driver: %s", driver))
	}
}
