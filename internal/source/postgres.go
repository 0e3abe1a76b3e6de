package source

import (
	"context"
	"errors"
	"strings"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgOpportunitiesPage = `SELECT id::text, COALESCE(title, ''), COALESCE(organization, ''), COALESCE(type, ''),
		COALESCE(location, ''), COALESCE(array_to_string(domains, ','), ''), COALESCE(reg_last_date::text, '')
		FROM opportunities WHERE id::text > $1 ORDER BY id::text LIMIT $2`

	pgUsersPage = `SELECT id::text, COALESCE(email, ''), COALESCE(location, ''),
		COALESCE(array_to_string(domains, ','), '')
		FROM users WHERE id::text > $1 ORDER BY id::text LIMIT $2`
)

// pgStore expects domains as text[] columns.
type pgStore struct {
	pool     *pgxpool.Pool
	pageSize int
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, deadline.FatalConfig(errors.New("source.dsn is required for postgres driver"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, deadline.FatalConfig(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, deadline.TransientIO(err)
	}
	log.Debug("postgres source opened")
	return &pgStore{pool: pool, pageSize: cfg.PageSize}, nil
}

func (s *pgStore) ListOpportunities(ctx context.Context) ([]deadline.Opportunity, error) {
	var out []deadline.Opportunity
	after := ""
	for {
		rows, err := s.pool.Query(ctx, pgOpportunitiesPage, after, s.pageSize)
		if err != nil {
			return nil, deadline.TransientIO(err)
		}
		n := 0
		for rows.Next() {
			var (
				o       deadline.Opportunity
				domains string
			)
			if err := rows.Scan(&o.ID, &o.Title, &o.Organization, &o.Type, &o.Location, &domains, &o.RegLastDate); err != nil {
				rows.Close()
				return nil, deadline.TransientIO(err)
			}
			o.Domains = splitList(domains)
			out = append(out, o)
			after = o.ID
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, deadline.TransientIO(err)
		}
		if n < s.pageSize {
			return out, nil
		}
	}
}

func (s *pgStore) ListUsers(ctx context.Context) ([]deadline.User, error) {
	var out []deadline.User
	after := ""
	for {
		rows, err := s.pool.Query(ctx, pgUsersPage, after, s.pageSize)
		if err != nil {
			return nil, deadline.TransientIO(err)
		}
		n := 0
		for rows.Next() {
			var (
				u       deadline.User
				domains string
			)
			if err := rows.Scan(&u.ID, &u.Email, &u.Location, &domains); err != nil {
				rows.Close()
				return nil, deadline.TransientIO(err)
			}
			u.Domains = splitList(domains)
			out = append(out, u)
			after = u.ID
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, deadline.TransientIO(err)
		}
		if n < s.pageSize {
			return out, nil
		}
	}
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
