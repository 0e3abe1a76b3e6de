package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free backend for single-process deployments.
//
// Files:
//   - <prefix>.ledger.snapshot.json (full table, rewritten on compaction)
//   - <prefix>.ledger.journal.jsonl (one line per mutation since the snapshot)
//   - <prefix>.runs.jsonl           (append-only run journal)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	t  *table

	snapshotPath string
	journal      *os.File
	runs         *os.File
	writes       int
}

type journalRecord struct {
	Entry   Entry `json:"entry"`
	Deleted bool  `json:"deleted,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, deadline.FatalConfig(errors.New("ledger.path is required for file driver"))
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".ledger.snapshot.json"
	journalPath := prefix + ".ledger.journal.jsonl"

	t := newTable()
	if err := loadSnapshot(snapPath, t.entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, t.entries); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	s := &fileStore{
		log:          log,
		t:            t,
		snapshotPath: snapPath,
		journal:      jf,
		runs:         rf,
	}
	// Fold the replayed journal into a fresh snapshot so startup stays cheap.
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("ledger compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	log.Debug("file ledger opened", logx.String("prefix", prefix), logx.Int("entries", len(t.entries)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journal != nil {
		err1 = s.journal.Close()
		s.journal = nil
	}
	if s.runs != nil {
		err2 = s.runs.Close()
		s.runs = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// apply runs a table mutation and journals it before returning.
func (s *fileStore) apply(fn func(t *table) (change, bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	ch, ok := fn(s.t)
	if !ok {
		return false, nil
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Entry: ch.entry, Deleted: ch.deleted}); err != nil {
		return true, deadline.TransientIO(err)
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return true, nil
}

func (s *fileStore) Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error) {
	return s.apply(func(t *table) (change, bool) { return t.claim(key, owner, lease) })
}

func (s *fileStore) Release(ctx context.Context, key deadline.Key, owner string) error {
	_, err := s.apply(func(t *table) (change, bool) { return t.release(key, owner) })
	return err
}

func (s *fileStore) TryMarkSent(ctx context.Context, key deadline.Key) (bool, error) {
	return s.apply(func(t *table) (change, bool) { return t.markSent(key) })
}

func (s *fileStore) MarkFailed(ctx context.Context, key deadline.Key, reason string) error {
	_, err := s.apply(func(t *table) (change, bool) { return t.markFailed(key, reason) })
	return err
}

func (s *fileStore) ClearFailed(ctx context.Context, key deadline.Key) error {
	_, err := s.apply(func(t *table) (change, bool) { return t.clearFailed(key) })
	return err
}

func (s *fileStore) State(ctx context.Context, key deadline.Key) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Entry{}, ErrClosed
	}
	return s.t.get(key), nil
}

func (s *fileStore) Pending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.t.pending(), nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(r)
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.t.entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Entry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal lines in order. A torn last line (crash
// mid-write) is skipped.
func replayJournal(path string, out map[string]Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		k := r.Entry.Key.String()
		if r.Deleted {
			delete(out, k)
			continue
		}
		out[k] = r.Entry
	}
	return sc.Err()
}
