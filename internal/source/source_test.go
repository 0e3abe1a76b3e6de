package source

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"deadlinenotifier/internal/deadline"
	logx "deadlinenotifier/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQL_ListOpportunitiesPages(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"id", "title", "organization", "type", "location", "domains", "reg_last_date"}
	mock.ExpectQuery(regexp.QuoteMeta(qOpportunitiesPage)).
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("o1", "Hack2025", "ACME", "hackathon", "Remote", "ai, web", "2025-03-04").
			AddRow("o2", "Intern", "Globex", "internship", "Pune", "", ""))
	mock.ExpectQuery(regexp.QuoteMeta(qOpportunitiesPage)).
		WithArgs("o2", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("o3", "Job", "Initech", "job", "", "backend", "2025-04-01T10:00:00Z"))

	s := NewSQL(db, 2)
	got, err := s.ListOpportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"ai", "web"}, got[0].Domains)
	assert.Nil(t, got[1].Domains)
	assert.Equal(t, "", got[1].RegLastDate)
	assert.Equal(t, "o3", got[2].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQL_ListUsersSinglePage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(qUsersPage)).
		WithArgs("", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "location", "domains"}).
			AddRow("u1", "a@x.com", "Pune", "ai").
			AddRow("u2", "", "", ""))

	got, err := NewSQL(db, 10).ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Eligible())
	assert.False(t, got[1].Eligible())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_IntegerIDs(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite", p)
	require.NoError(t, err)
	_, err = db.Exec(`
CREATE TABLE opportunities (id INTEGER PRIMARY KEY, title TEXT, organization TEXT, type TEXT,
	location TEXT, domains TEXT, reg_last_date TEXT);
CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, location TEXT, domains TEXT);
INSERT INTO opportunities (id, title, organization, reg_last_date) VALUES
	(1, 'Hack2025', 'ACME', '2025-03-04'), (2, 'Intern', 'Globex', '2025-03-05'), (10, 'Job', 'Initech', '');
INSERT INTO users (id, email) VALUES (7, 'a@x.com'), (8, 'b@x.com');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: p, PageSize: 2}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	opps, err := s.ListOpportunities(context.Background())
	require.NoError(t, err)
	require.Len(t, opps, 3)
	ids := []string{opps[0].ID, opps[1].ID, opps[2].ID}
	assert.ElementsMatch(t, []string{"1", "2", "10"}, ids)

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "7", users[0].ID)
	assert.Equal(t, "b@x.com", users[1].Email)

	// The source is read-only.
	_, err = s.(*SQL).db.Exec(`DELETE FROM users`)
	assert.Error(t, err)
}

func TestSQL_QueryErrorIsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(qUsersPage)).
		WithArgs("", 10).
		WillReturnError(errors.New("connection reset"))

	_, err = NewSQL(db, 10).ListUsers(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, deadline.ErrTransientIO)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileSource_JSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"opportunities": [{"id":"o1","title":"Hack2025","organization":"ACME","reg_last_date":"2025-03-04"}],
		"users": [{"id":"u1","email":"a@x.com"}]
	}`), 0o600))

	yamlPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
opportunities:
  - id: o1
    title: Hack2025
    organization: ACME
    domains: [ai]
    reg_last_date: "2025-03-04"
users:
  - id: u1
    email: a@x.com
  - id: u2
    email: b@x.com
`), 0o600))

	for _, p := range []string{jsonPath, yamlPath} {
		s, err := Open(context.Background(), Config{Driver: "file", Path: p}, logx.Nop())
		require.NoError(t, err, p)

		opps, err := s.ListOpportunities(context.Background())
		require.NoError(t, err)
		require.Len(t, opps, 1)
		assert.Equal(t, "Hack2025", opps[0].Title)
		assert.Equal(t, "2025-03-04", opps[0].RegLastDate)

		users, err := s.ListUsers(context.Background())
		require.NoError(t, err)
		assert.NotEmpty(t, users)
		require.NoError(t, s.Close())
	}
}

func TestFileSource_BrokenCatalogIsMalformed(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"opportunities": [`), 0o600))

	s, err := Open(context.Background(), Config{Driver: "file", Path: p}, logx.Nop())
	require.NoError(t, err)
	_, err = s.ListOpportunities(context.Background())
	assert.ErrorIs(t, err, deadline.ErrMalformedData)
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorIs(t, err, deadline.ErrFatalConfig)

	_, err = Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "missing.json")}, logx.Nop())
	assert.ErrorIs(t, err, deadline.ErrFatalConfig)
}

func TestStatic_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s := &Static{Users: []deadline.User{{ID: "u1", Email: "a@x.com"}}}
	got, _ := s.ListUsers(context.Background())
	got[0].Email = ""
	assert.Equal(t, "a@x.com", s.Users[0].Email)
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"ai", []string{"ai"}},
		{" ai , ,web ", []string{"ai", "web"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitList(tt.in), tt.in)
	}
}
