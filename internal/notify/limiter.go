// Package notify fans terminal load notices out to their audiences:
// file-level failures to business stakeholders by email, internal
// failures to the operations webhook, run summaries to Slack. All
// sends are flood-controlled by a shared rate limiter.
package notify

import (
	"golang.org/x/time/rate"
)

const (
	defaultNotificationsPerMinute = 30
	defaultBurst                  = 10
	secondsPerMinute              = 60
)

// Limiter is a token bucket over outbound notifications. A mass
// failure (every file in a drop rejected by the same schema change)
// must not turn the loader into a mail cannon.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a Limiter allowing perMinute sustained sends
// with the given burst capacity. Non-positive arguments fall back to
// the defaults.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = defaultNotificationsPerMinute
	}

	if burst <= 0 {
		burst = defaultBurst
	}

	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(float64(perMinute)/secondsPerMinute), burst),
	}
}

// Allow reports whether one more notification may be sent now.
// Over-limit notifications are dropped, not queued: by the time a
// queued alert would drain, it is stale.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}

	return l.bucket.Allow()
}
