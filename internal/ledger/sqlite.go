package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, deadline.FatalConfig(errors.New("ledger.path is required for sqlite driver"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the conditional upserts rely on it
	// only for busy handling, not for atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite ledger opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, deadline.TransientIO(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, deadline.TransientIO(err)
	}
	return n, nil
}

func (s *sqliteStore) Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, qClaim,
		key.String(), key.OpportunityID, key.UserID, key.Threshold,
		owner, now.Add(lease).UnixMilli(), now.UnixMilli(),
		now.UnixMilli(),
	)
	return n > 0, err
}

func (s *sqliteStore) Release(ctx context.Context, key deadline.Key, owner string) error {
	now := s.now().UnixMilli()
	if _, err := s.exec(ctx, qReleaseToFailed, now, key.String(), owner); err != nil {
		return err
	}
	_, err := s.exec(ctx, qReleaseDelete, key.String(), owner)
	return err
}

func (s *sqliteStore) TryMarkSent(ctx context.Context, key deadline.Key) (bool, error) {
	n, err := s.exec(ctx, qMarkSent,
		key.String(), key.OpportunityID, key.UserID, key.Threshold, s.now().UnixMilli())
	return n > 0, err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, key deadline.Key, reason string) error {
	_, err := s.exec(ctx, qMarkFailed,
		key.String(), key.OpportunityID, key.UserID, key.Threshold, nullStr(reason), s.now().UnixMilli())
	return err
}

func (s *sqliteStore) ClearFailed(ctx context.Context, key deadline.Key) error {
	_, err := s.exec(ctx, qClearFailed, key.String(), s.now().UnixMilli())
	return err
}

func (s *sqliteStore) State(ctx context.Context, key deadline.Key) (Entry, error) {
	var (
		e            = Entry{Key: key}
		state        string
		claimedUntil int64
		updatedAt    int64
	)
	err := s.db.QueryRowContext(ctx, qState, key.String()).
		Scan(&state, &e.Attempts, &e.LastError, &e.ClaimedBy, &claimedUntil, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, nil
	}
	if err != nil {
		return Entry{}, deadline.TransientIO(err)
	}
	e.State = State(state)
	e.ClaimedUntil = fromMillis(claimedUntil)
	e.UpdatedAt = fromMillis(updatedAt)
	return e, nil
}

func (s *sqliteStore) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, qPending, s.now().UnixMilli())
	if err != nil {
		return nil, deadline.TransientIO(err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			state        string
			claimedUntil int64
			updatedAt    int64
		)
		if err := rows.Scan(&e.Key.OpportunityID, &e.Key.UserID, &e.Key.Threshold, &state,
			&e.Attempts, &e.LastError, &e.ClaimedBy, &claimedUntil, &updatedAt); err != nil {
			return nil, deadline.TransientIO(err)
		}
		e.State = State(state)
		e.ClaimedUntil = fromMillis(claimedUntil)
		e.UpdatedAt = fromMillis(updatedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, deadline.TransientIO(err)
	}
	return out, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.exec(ctx, qAppendRun,
		r.RunID, r.Started.Format(time.RFC3339Nano), r.Finished.Format(time.RFC3339Nano),
		r.Opportunities, r.Matches, r.Jobs, r.Sent, r.Skipped, r.Failed, nullStr(r.Error),
	)
	return err
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
