package ledger

import (
	"strconv"
	"strings"
)

// SQL shared by the SQLite and Postgres backends. Written with "?"
// placeholders; Postgres runs them through rebind.
//
// Each transition is a single statement so it is atomic per key without an
// explicit transaction. Times are unix milliseconds.
const (
	qClaim = `INSERT INTO notification_ledger
		(key, opportunity_id, user_id, threshold, state, attempts, claimed_by, claimed_until, updated_at)
		VALUES (?, ?, ?, ?, 'claimed', 0, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			state = 'claimed',
			claimed_by = excluded.claimed_by,
			claimed_until = excluded.claimed_until,
			updated_at = excluded.updated_at
		WHERE notification_ledger.state = 'failed'
		   OR (notification_ledger.state = 'claimed' AND notification_ledger.claimed_until < ?)`

	qReleaseToFailed = `UPDATE notification_ledger
		SET state = 'failed', claimed_by = NULL, claimed_until = 0, updated_at = ?
		WHERE key = ? AND state = 'claimed' AND claimed_by = ? AND attempts > 0`

	qReleaseDelete = `DELETE FROM notification_ledger
		WHERE key = ? AND state = 'claimed' AND claimed_by = ? AND attempts = 0`

	qMarkSent = `INSERT INTO notification_ledger
		(key, opportunity_id, user_id, threshold, state, attempts, claimed_until, updated_at)
		VALUES (?, ?, ?, ?, 'sent', 0, 0, ?)
		ON CONFLICT (key) DO UPDATE SET
			state = 'sent',
			last_error = NULL,
			claimed_by = NULL,
			claimed_until = 0,
			updated_at = excluded.updated_at
		WHERE notification_ledger.state <> 'sent'`

	qMarkFailed = `INSERT INTO notification_ledger
		(key, opportunity_id, user_id, threshold, state, attempts, last_error, claimed_until, updated_at)
		VALUES (?, ?, ?, ?, 'failed', 1, ?, 0, ?)
		ON CONFLICT (key) DO UPDATE SET
			state = 'failed',
			attempts = notification_ledger.attempts + 1,
			last_error = excluded.last_error,
			claimed_by = NULL,
			claimed_until = 0,
			updated_at = excluded.updated_at
		WHERE notification_ledger.state <> 'sent'`

	qClearFailed = `DELETE FROM notification_ledger
		WHERE key = ? AND (state = 'failed' OR (state = 'claimed' AND claimed_until < ?))`

	qState = `SELECT state, attempts, COALESCE(last_error, ''), COALESCE(claimed_by, ''), claimed_until, updated_at
		FROM notification_ledger WHERE key = ?`

	qPending = `SELECT opportunity_id, user_id, threshold, state, attempts, COALESCE(last_error, ''),
		COALESCE(claimed_by, ''), claimed_until, updated_at
		FROM notification_ledger
		WHERE state = 'failed' OR (state = 'claimed' AND claimed_until < ?)
		ORDER BY key`

	qAppendRun = `INSERT INTO run_journal
		(run_id, started_at, finished_at, opportunities, matches, jobs, sent, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// rebind rewrites "?" placeholders to "$1", "$2", ... for Postgres.
// The queries above never contain a literal question mark.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
