package deadline

import (
	"errors"
	"iter"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

var deadlineLayouts = []string{
	time.RFC3339Nano,
	// timestamptz::text as Postgres prints it: "2025-09-30 18:29:00+00".
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDeadline parses a stored deadline value.
//
// Supported: RFC 3339, ISO dates and date-times without zone (read in loc),
// and unix timestamps in seconds or milliseconds. Failures are ErrMalformedData.
func ParseDeadline(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, MalformedData(errors.New("deadline missing"))
	}
	if loc == nil {
		loc = time.UTC
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, MalformedData(err)
		}
		if n >= 1e12 {
			return time.UnixMilli(n).In(loc), nil
		}
		return time.Unix(n, 0).In(loc), nil
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, MalformedData(errors.New("unparseable deadline " + strconv.Quote(raw)))
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// DaysRemaining returns ceil((deadline-now) / 24h).
//
// Integer division truncates toward zero, which is already the ceiling for
// negative spans; positive spans with a remainder round up.
func DaysRemaining(now, deadline time.Time) int {
	d := deadline.Sub(now)
	days := d / day
	if d%day > 0 {
		days++
	}
	return int(days)
}

// Scanner classifies opportunities against a threshold set.
// The zero value uses DefaultThresholds and UTC.
type Scanner struct {
	Thresholds Thresholds
	Location   *time.Location
}

// ScanStats counts what a scan saw.
type ScanStats struct {
	Total     int
	Malformed int
	Past      int
	Matched   int
}

// Scan is Scanner{Thresholds: thresholds}.Scan.
func Scan(now time.Time, opps []Opportunity, thresholds Thresholds) iter.Seq[Match] {
	return Scanner{Thresholds: thresholds}.Scan(now, opps)
}

// Scan lazily yields every opportunity whose days remaining equal one of the
// thresholds. Each iteration re-scans opps from the start.
func (s Scanner) Scan(now time.Time, opps []Opportunity) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for _, o := range opps {
			m, ok, _ := s.classify(now, o)
			if !ok {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// ScanWithStats collects the matches and reports what was skipped.
func (s Scanner) ScanWithStats(now time.Time, opps []Opportunity) ([]Match, ScanStats) {
	var (
		out []Match
		st  = ScanStats{Total: len(opps)}
	)
	for _, o := range opps {
		m, ok, err := s.classify(now, o)
		switch {
		case err != nil:
			st.Malformed++
		case m.DaysRemaining <= 0:
			st.Past++
		}
		if ok {
			out = append(out, m)
		}
	}
	st.Matched = len(out)
	return out, st
}

func (s Scanner) classify(now time.Time, o Opportunity) (Match, bool, error) {
	dl, err := o.Deadline(s.Location)
	if err != nil {
		return Match{}, false, err
	}
	days := DaysRemaining(now, dl)
	m := Match{Opportunity: o, Deadline: dl, DaysRemaining: days}
	if days <= 0 {
		return m, false, nil
	}
	th := s.Thresholds
	if len(th) == 0 {
		th = DefaultThresholds()
	}
	if !th.Contains(days) {
		return m, false, nil
	}
	m.Threshold = days
	return m, true, nil
}
