package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Ledger, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, deadline.FatalConfig(errors.New("ledger.dsn is required for postgres driver"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, deadline.FatalConfig(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, deadline.TransientIO(err)
	}

	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, deadline.TransientIO(err)
	}
	log.Debug("postgres ledger opened")
	return &postgresStore{pool: pool, log: log, now: time.Now}, nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, rebind(q), args...)
	if err != nil {
		return 0, deadline.TransientIO(err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) Claim(ctx context.Context, key deadline.Key, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, qClaim,
		key.String(), key.OpportunityID, key.UserID, key.Threshold,
		owner, now.Add(lease).UnixMilli(), now.UnixMilli(),
		now.UnixMilli(),
	)
	return n > 0, err
}

func (s *postgresStore) Release(ctx context.Context, key deadline.Key, owner string) error {
	now := s.now().UnixMilli()
	if _, err := s.exec(ctx, qReleaseToFailed, now, key.String(), owner); err != nil {
		return err
	}
	_, err := s.exec(ctx, qReleaseDelete, key.String(), owner)
	return err
}

func (s *postgresStore) TryMarkSent(ctx context.Context, key deadline.Key) (bool, error) {
	n, err := s.exec(ctx, qMarkSent,
		key.String(), key.OpportunityID, key.UserID, key.Threshold, s.now().UnixMilli())
	return n > 0, err
}

func (s *postgresStore) MarkFailed(ctx context.Context, key deadline.Key, reason string) error {
	_, err := s.exec(ctx, qMarkFailed,
		key.String(), key.OpportunityID, key.UserID, key.Threshold, nullStr(reason), s.now().UnixMilli())
	return err
}

func (s *postgresStore) ClearFailed(ctx context.Context, key deadline.Key) error {
	_, err := s.exec(ctx, qClearFailed, key.String(), s.now().UnixMilli())
	return err
}

func (s *postgresStore) State(ctx context.Context, key deadline.Key) (Entry, error) {
	var (
		e            = Entry{Key: key}
		state        string
		claimedUntil int64
		updatedAt    int64
	)
	err := s.pool.QueryRow(ctx, rebind(qState), key.String()).
		Scan(&state, &e.Attempts, &e.LastError, &e.ClaimedBy, &claimedUntil, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *postgresStore) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, rebind(qPending), s.now().UnixMilli())
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

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.exec(ctx, qAppendRun,
		r.RunID, r.Started, r.Finished,
		r.Opportunities, r.Matches, r.Jobs, r.Sent, r.Skipped, r.Failed, nullStr(r.Error),
	)
	return err
}
