package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"deadlinenotifier/internal/deadline"
)

// table is the in-memory state machine shared by the memory and file
// backends. Callers hold the owning store's mutex.
type table struct {
	now     func() time.Time
	entries map[string]Entry
}

func newTable() *table {
	return &table{now: time.Now, entries: map[string]Entry{}}
}

// change describes a mutation for journaling. deleted means the key is gone.
type change struct {
	entry   Entry
	deleted bool
}

func (t *table) claim(key deadline.Key, owner string, lease time.Duration) (change, bool) {
	now := t.now()
	e, ok := t.entries[key.String()]
	if ok {
		switch e.State {
		case StateSent:
			return change{}, false
		case StateClaimed:
			if !e.ClaimedUntil.Before(now) {
				return change{}, false
			}
		}
	} else {
		e = Entry{Key: key}
	}
	e.State = StateClaimed
	e.ClaimedBy = owner
	e.ClaimedUntil = now.Add(lease)
	e.UpdatedAt = now
	t.entries[key.String()] = e
	return change{entry: e}, true
}

func (t *table) release(key deadline.Key, owner string) (change, bool) {
	e, ok := t.entries[key.String()]
	if !ok || e.State != StateClaimed || e.ClaimedBy != owner {
		return change{}, false
	}
	if e.Attempts == 0 {
		delete(t.entries, key.String())
		return change{entry: Entry{Key: key}, deleted: true}, true
	}
	e.State = StateFailed
	e.ClaimedBy = ""
	e.ClaimedUntil = time.Time{}
	e.UpdatedAt = t.now()
	t.entries[key.String()] = e
	return change{entry: e}, true
}

func (t *table) markSent(key deadline.Key) (change, bool) {
	e, ok := t.entries[key.String()]
	if ok && e.State == StateSent {
		return change{}, false
	}
	if !ok {
		e = Entry{Key: key}
	}
	e.State = StateSent
	e.LastError = ""
	e.ClaimedBy = ""
	e.ClaimedUntil = time.Time{}
	e.UpdatedAt = t.now()
	t.entries[key.String()] = e
	return change{entry: e}, true
}

func (t *table) markFailed(key deadline.Key, reason string) (change, bool) {
	e, ok := t.entries[key.String()]
	if ok && e.State == StateSent {
		return change{}, false
	}
	if !ok {
		e = Entry{Key: key}
	}
	e.State = StateFailed
	e.Attempts++
	e.LastError = reason
	e.ClaimedBy = ""
	e.ClaimedUntil = time.Time{}
	e.UpdatedAt = t.now()
	t.entries[key.String()] = e
	return change{entry: e}, true
}

func (t *table) clearFailed(key deadline.Key) (change, bool) {
	e, ok := t.entries[key.String()]
	if !ok || !e.retryable(t.now()) {
		return change{}, false
	}
	delete(t.entries, key.String())
	return change{entry: Entry{Key: key}, deleted: true}, true
}

func (t *table) get(key deadline.Key) Entry {
	e, ok := t.entries[key.String()]
	if !ok {
		return Entry{Key: key}
	}
	return e
}

func (t *table) pending() []Entry {
	now := t.now()
	var out []Entry
	for _, e := range t.entries {
		if e.retryable(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Key.String() < es[j].Key.String() })
}

// Memory is a process-local Ledger. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	t      *table
	runs   []RunRecord
	closed bool
}

func NewMemory() *Memory {
	return &Memory{t: newTable()}
}

func (m *Memory) Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.t.claim(key, owner, lease)
	return ok, nil
}

func (m *Memory) Release(ctx context.Context, key deadline.Key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.t.release(key, owner)
	return nil
}

func (m *Memory) TryMarkSent(ctx context.Context, key deadline.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.t.markSent(key)
	return ok, nil
}

func (m *Memory) MarkFailed(ctx context.Context, key deadline.Key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.t.markFailed(key, reason)
	return nil
}

func (m *Memory) ClearFailed(ctx context.Context, key deadline.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.t.clearFailed(key)
	return nil
}

func (m *Memory) State(ctx context.Context, key deadline.Key) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	return m.t.get(key), nil
}

func (m *Memory) Pending(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.t.pending(), nil
}

func (m *Memory) AppendRun(ctx context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.runs = append(m.runs, r)
	if len(m.runs) > 500 {
		m.runs = m.runs[len(m.runs)-500:]
	}
	return nil
}

// Runs returns the journaled runs, oldest first.
func (m *Memory) Runs() []RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunRecord(nil), m.runs...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
