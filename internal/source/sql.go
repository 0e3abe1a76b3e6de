package source

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	_ "modernc.org/sqlite"
)

// Keyset pagination: each page starts after the last id of the previous one,
// so concurrent inserts never shift a page. Ids are compared as text because
// SQLite sorts every INTEGER below every TEXT value.
const (
	qOpportunitiesPage = `SELECT CAST(id AS TEXT), COALESCE(title, ''), COALESCE(organization, ''), COALESCE(type, ''),
		COALESCE(location, ''), COALESCE(domains, ''), COALESCE(CAST(reg_last_date AS TEXT), '')
		FROM opportunities WHERE CAST(id AS TEXT) > ? ORDER BY CAST(id AS TEXT) LIMIT ?`

	qUsersPage = `SELECT CAST(id AS TEXT), COALESCE(email, ''), COALESCE(location, ''), COALESCE(domains, '')
		FROM users WHERE CAST(id AS TEXT) > ? ORDER BY CAST(id AS TEXT) LIMIT ?`
)

// SQL reads both collections through database/sql. The schema is owned by
// the application that writes it; domains are stored comma separated.
type SQL struct {
	db       *sql.DB
	pageSize int
	owned    bool
}

// NewSQL wraps an existing handle. Close does not close db.
func NewSQL(db *sql.DB, pageSize int) *SQL {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &SQL{db: db, pageSize: pageSize}
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, deadline.FatalConfig(errors.New("source.path is required for sqlite driver"))
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, deadline.FatalConfig(err)
	}
	// query_only is per connection; one connection keeps it in force.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, deadline.TransientIO(err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		log.Warn("sqlite source: query_only not applied", logx.Err(err))
	}
	log.Debug("sqlite source opened", logx.String("path", path))
	s := NewSQL(db, cfg.PageSize)
	s.owned = true
	return s, nil
}

func (s *SQL) ListOpportunities(ctx context.Context) ([]deadline.Opportunity, error) {
	var out []deadline.Opportunity
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx, qOpportunitiesPage, after, s.pageSize)
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
				_ = rows.Close()
				return nil, deadline.TransientIO(err)
			}
			o.Domains = splitList(domains)
			out = append(out, o)
			after = o.ID
			n++
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, deadline.TransientIO(err)
		}
		if n < s.pageSize {
			return out, nil
		}
	}
}

func (s *SQL) ListUsers(ctx context.Context) ([]deadline.User, error) {
	var out []deadline.User
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx, qUsersPage, after, s.pageSize)
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
				_ = rows.Close()
				return nil, deadline.TransientIO(err)
			}
			u.Domains = splitList(domains)
			out = append(out, u)
			after = u.ID
			n++
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, deadline.TransientIO(err)
		}
		if n < s.pageSize {
			return out, nil
		}
	}
}

func (s *SQL) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
