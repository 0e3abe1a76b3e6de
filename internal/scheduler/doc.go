// Package scheduler is the periodic trigger of the deadline scan.
//
// It wraps robfig/cron with a skip-if-running gate: runs never overlap and a
// tick that arrives during a run is dropped and logged. Errors and panics of
// a run are contained; the next tick fires normally.
package scheduler
