package repo

import (
	"fmt"
	"time"
)

// Freshness is the discretized age bucket of the last commit. It is
// computed at read time from the last-commit timestamp and the clock,
// never stored.
type Freshness string

const (
	FreshnessActive  Freshness = "active"  // <= 7 days
	FreshnessRecent  Freshness = "recent"  // <= 30 days
	FreshnessStale   Freshness = "stale"   // <= 90 days
	FreshnessDormant Freshness = "dormant" // <= 365 days
	FreshnessAncient Freshness = "ancient" // older, or no commits at all
)

// FreshnessOf buckets a last-commit timestamp relative to now. Repos
// with no commits are ancient. A timestamp in the future counts as
// active.
func FreshnessOf(lastCommit *time.Time, now time.Time) Freshness {
	if lastCommit == nil || lastCommit.IsZero() {
		return FreshnessAncient
	}
	days := int(now.Sub(*lastCommit).Hours() / 24)
	switch {
	case days <= 7:
		return FreshnessActive
	case days <= 30:
		return FreshnessRecent
	case days <= 90:
		return FreshnessStale
	case days <= 365:
		return FreshnessDormant
	default:
		return FreshnessAncient
	}
}

// ParseFreshness validates a freshness tier name.
func ParseFreshness(s string) (Freshness, error) {
	switch Freshness(s) {
	case FreshnessActive, FreshnessRecent, FreshnessStale, FreshnessDormant, FreshnessAncient:
		return Freshness(s), nil
	}
	return "", fmt.Errorf("unknown freshness tier %q", s)
}

// FreshnessTiers lists the tiers from newest to oldest.
func FreshnessTiers() []Freshness {
	return []Freshness{FreshnessActive, FreshnessRecent, FreshnessStale, FreshnessDormant, FreshnessAncient}
}
