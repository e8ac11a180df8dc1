package domain

import (
	"math"
	"time"
)

// FreshnessHalfLife is how long it takes an untouched snapshot to lose half
// its freshness score.
const FreshnessHalfLife = 24 * time.Hour

// EngagementRate recomputes the derived rate from the raw counters. This is
// the only way the rate is ever produced; it is never stored independently
// of the counters.
func EngagementRate(successes, impressions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(successes) / float64(impressions)
}

// Freshness returns the decay score in [0,1] for a snapshot last updated at
// updatedAt, evaluated at now.
func Freshness(updatedAt, now time.Time) float64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	score := math.Exp2(-age.Hours() / FreshnessHalfLife.Hours())
	if score < 0 {
		return 0
	}
	return score
}
