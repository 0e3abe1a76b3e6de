// Package ledger records which deadline notifications were delivered.
//
// Keys are (opportunity, user, threshold) tuples. A key moves through
//
//	none -> claimed -> sent
//	          |  ^
//	          v  |
//	        failed
//
// A run claims a key before sending, marks it sent only after the mail
// collaborator confirmed delivery, and marks it failed otherwise. Failed keys
// are retried on later runs. Claims carry a lease so a crashed run does not
// block a key forever.
//
// Backends: memory, file (JSONL journal + snapshot), SQLite, Postgres and
// Redis. All of them also keep a journal of finished runs.
package ledger
