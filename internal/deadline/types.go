package deadline

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Opportunity is a time-bounded listing (hackathon, internship, job...).
//
// RegLastDate is the registration close as stored. It is parsed on demand so a
// bad value only affects this record.
type Opportunity struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Organization string   `json:"organization" yaml:"organization"`
	Type         string   `json:"type,omitempty" yaml:"type,omitempty"`
	Location     string   `json:"location,omitempty" yaml:"location,omitempty"`
	Domains      []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	RegLastDate  string   `json:"reg_last_date" yaml:"reg_last_date"`
}

// Deadline parses RegLastDate. Zone-less values are read in loc (UTC when nil).
func (o Opportunity) Deadline(loc *time.Location) (time.Time, error) {
	return ParseDeadline(o.RegLastDate, loc)
}

// User is a notification target.
type User struct {
	ID       string   `json:"id" yaml:"id"`
	Email    string   `json:"email" yaml:"email"`
	Location string   `json:"location,omitempty" yaml:"location,omitempty"`
	Domains  []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// Eligible reports whether the user can receive email at all.
func (u User) Eligible() bool { return strings.TrimSpace(u.Email) != "" }

// Key identifies one deliverable notification.
type Key struct {
	OpportunityID string `json:"opportunity_id"`
	UserID        string `json:"user_id"`
	Threshold     int    `json:"threshold"`
}

func (k Key) String() string {
	return k.OpportunityID + "|" + k.UserID + "|" + strconv.Itoa(k.Threshold)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.Index(s, "|")
	j := strings.LastIndex(s, "|")
	if i < 0 || j <= i {
		return Key{}, fmt.Errorf("invalid key %q", s)
	}
	days, err := strconv.Atoi(s[j+1:])
	if err != nil {
		return Key{}, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return Key{OpportunityID: s[:i], UserID: s[i+1 : j], Threshold: days}, nil
}

// Thresholds is a de-duplicated set of day counts, largest first.
type Thresholds []int

// DefaultThresholds returns {7, 3, 1}.
func DefaultThresholds() Thresholds { return Thresholds{7, 3, 1} }

// NewThresholds validates and normalizes days.
func NewThresholds(days ...int) (Thresholds, error) {
	if len(days) == 0 {
		return nil, errors.New("at least one threshold is required")
	}
	out := make(Thresholds, 0, len(days))
	for _, d := range days {
		if d <= 0 {
			return nil, fmt.Errorf("threshold must be > 0, got %d", d)
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	slices.Reverse(out)
	return out, nil
}

func (t Thresholds) Contains(days int) bool { return slices.Contains(t, days) }

// Match is one opportunity hitting one threshold.
type Match struct {
	Opportunity   Opportunity
	Threshold     int
	Deadline      time.Time
	DaysRemaining int
}
