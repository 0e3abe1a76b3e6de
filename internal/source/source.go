// Package source reads the opportunity catalog and the user directory.
//
// Both collections are read-only inputs to a run. Backends return full
// slices; SQL backends page through the tables internally.
package source

import (
	"context"
	"fmt"
	"strings"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"
)

type Opportunities interface {
	ListOpportunities(ctx context.Context) ([]deadline.Opportunity, error)
}

type Users interface {
	ListUsers(ctx context.Context) ([]deadline.User, error)
}

// Store is both collections behind one handle.
type Store interface {
	Opportunities
	Users
	Close() error
}

const DefaultPageSize = 500

type Config struct {
	Driver   string // "file" | "sqlite" | "postgres"
	Path     string
	DSN      string
	PageSize int
}

func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "file", "":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, deadline.FatalConfig(fmt.Errorf("unknown source driver: %s", d))
	}
}

// Static serves fixed slices. It never fails.
type Static struct {
	Opps  []deadline.Opportunity
	Users []deadline.User
}

func (s *Static) ListOpportunities(context.Context) ([]deadline.Opportunity, error) {
	return append([]deadline.Opportunity(nil), s.Opps...), nil
}

func (s *Static) ListUsers(context.Context) ([]deadline.User, error) {
	return append([]deadline.User(nil), s.Users...), nil
}

func (s *Static) Close() error { return nil }

// splitList parses a comma separated column into a trimmed list.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
