// Package audience decides which users receive a deadline notification.
//
// Two policies exist. PolicyAll notifies every user with an email address,
// which is how the service has always behaved. PolicyRelevant additionally
// requires the user's declared domains and/or location to overlap with the
// opportunity. The policy is chosen in config (deadlines.audience.policy).
package audience

import (
	"fmt"
	"iter"
	"strings"

	"deadlinenotifier/internal/deadline"
)

type Policy string

const (
	PolicyAll      Policy = "all"
	PolicyRelevant Policy = "relevant"
)

// ParsePolicy maps a config value to a Policy. Empty means PolicyAll.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyAll):
		return PolicyAll, nil
	case string(PolicyRelevant):
		return PolicyRelevant, nil
	default:
		return "", fmt.Errorf("unknown audience policy %q (want %q or %q)", s, PolicyAll, PolicyRelevant)
	}
}

// Config configures a Resolver.
//
// MatchDomains and MatchLocation only apply to PolicyRelevant. When both are
// false the relevant policy behaves like PolicyAll.
type Config struct {
	Policy        Policy
	MatchDomains  bool
	MatchLocation bool
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	cfg Config
}

func New(cfg Config) Resolver {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAll
	}
	return Resolver{cfg: cfg}
}

func (r Resolver) Policy() Policy { return r.cfg.Policy }

// Resolve yields the users that should be notified about opp.
// Users without an email address are skipped silently.
func (r Resolver) Resolve(opp deadline.Opportunity, users []deadline.User) iter.Seq[deadline.User] {
	return func(yield func(deadline.User) bool) {
		for _, u := range users {
			if !u.Eligible() {
				continue
			}
			if r.cfg.Policy == PolicyRelevant && !r.relevant(opp, u) {
				continue
			}
			if !yield(u) {
				return
			}
		}
	}
}

// Eligible reports whether u would be yielded by Resolve for opp.
func (r Resolver) Eligible(opp deadline.Opportunity, u deadline.User) bool {
	if !u.Eligible() {
		return false
	}
	return r.cfg.Policy != PolicyRelevant || r.relevant(opp, u)
}

func (r Resolver) relevant(opp deadline.Opportunity, u deadline.User) bool {
	if r.cfg.MatchDomains && !domainsOverlap(opp.Domains, u.Domains) {
		return false
	}
	if r.cfg.MatchLocation && !locationMatches(opp.Location, u.Location) {
		return false
	}
	return true
}

// domainsOverlap treats an empty side as "no preference".
func domainsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, d := range a {
		if d = normalize(d); d != "" {
			set[d] = struct{}{}
		}
	}
	if len(set) == 0 {
		return true
	}
	for _, d := range b {
		if _, ok := set[normalize(d)]; ok {
			return true
		}
	}
	return false
}

func locationMatches(oppLoc, userLoc string) bool {
	o := normalize(oppLoc)
	switch o {
	case "", "remote", "online", "anywhere":
		return true
	}
	u := normalize(userLoc)
	return u == "" || u == o
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
