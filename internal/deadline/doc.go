// Package deadline holds the domain model of the notifier and the deadline
// scanner.
//
// An Opportunity carries its registration deadline as the raw stored value.
// The scanner parses it, computes the whole days remaining (rounded up), and
// matches the result exactly against a small set of threshold days. Records
// with a missing or unparseable deadline are skipped, never reported as run
// failures.
//
// The package also defines the error classes shared by every collaborator:
// transient I/O, malformed data and fatal configuration.
package deadline
