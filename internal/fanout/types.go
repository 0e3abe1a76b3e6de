package fanout

import (
	"time"

	"deadlinenotifier/internal/deadline"
)

type Config struct {
	Thresholds deadline.Thresholds
	// Location reads zone-less deadlines. UTC when nil.
	Location *time.Location

	Workers     int
	RatePerSec  float64
	Burst       int
	SendTimeout time.Duration
	// MaxAttempts caps retries of a failed key across ticks. 0 = unlimited.
	MaxAttempts int
	// ClaimLease bounds how long a crashed run can block a key.
	ClaimLease time.Duration

	SubjectPrefix string
}

const (
	DefaultWorkers     = 4
	DefaultRatePerSec  = 5
	DefaultSendTimeout = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultClaimLease  = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if len(c.Thresholds) == 0 {
		c.Thresholds = deadline.DefaultThresholds()
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	// A lease shorter than one send would let a second run steal a live key.
	if c.ClaimLease < 2*c.SendTimeout {
		c.ClaimLease = 2 * c.SendTimeout
	}
	return c
}

// Report summarizes one run.
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	ScanTime time.Time `json:"scan_time"`

	Opportunities int `json:"opportunities"`
	Users         int `json:"users"`
	Malformed     int `json:"malformed"`
	Matches       int `json:"matches"`
	Jobs          int `json:"jobs"`

	Sent     int `json:"sent"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`

	Retried   int `json:"retried"`
	Cleared   int `json:"cleared"`
	Exhausted int `json:"exhausted"`

	Error string `json:"error,omitempty"`
}

// outcome of one job.
type outcome int

const (
	outSent outcome = iota
	outSkipped
	outFailed
	outCanceled
)

// job is one (opportunity, user, threshold) dispatch.
type job struct {
	key   deadline.Key
	opp   deadline.Opportunity
	user  deadline.User
	retry bool
}

// SentEvent is the payload of deadline.sent / deadline.failed / deadline.skipped.
type SentEvent struct {
	RunID         string `json:"run_id"`
	OpportunityID string `json:"opportunity_id"`
	UserID        string `json:"user_id"`
	Threshold     int    `json:"threshold"`
	Retry         bool   `json:"retry,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (r Report) EventRunID() string    { return r.RunID }
func (e SentEvent) EventRunID() string { return e.RunID }
