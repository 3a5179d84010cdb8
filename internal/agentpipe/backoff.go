package agentpipe

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// BackoffConfig is the error-recovery backoff table of spec.md §4.3 step 9
// ("Network/timeout" row): min(initial * multiplier^errs, max).
type BackoffConfig struct {
	Initial              time.Duration
	Multiplier           float64
	Max                  time.Duration
	MaxConsecutiveErrors int
}

// DefaultBackoffConfig mirrors the teacher's infrastructure/ratelimit
// defaults in spirit (small initial window, generous ceiling).
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:              time.Second,
		Multiplier:           2,
		Max:                  2 * time.Minute,
		MaxConsecutiveErrors: 8,
	}
}

// backoff tracks consecutive-error count and turns it into a
// context-cancellable sleep. It's built on x/time/rate's Limiter rather
// than a bare time.Sleep so a stop() mid-backoff returns immediately
// instead of blocking out the remaining sleep.
type backoff struct {
	cfg         BackoffConfig
	consecutive int
}

func newBackoff(cfg BackoffConfig) *backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Max <= 0 {
		cfg.Max = 2 * time.Minute
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 8
	}
	return &backoff{cfg: cfg}
}

func (b *backoff) duration() time.Duration {
	d := time.Duration(float64(b.cfg.Initial) * math.Pow(b.cfg.Multiplier, float64(b.consecutive)))
	if d <= 0 || d > b.cfg.Max {
		d = b.cfg.Max
	}
	return d
}

// recordError increments the streak and reports whether it has crossed
// max_consecutive_errors (the point at which the caller should log at
// CRITICAL and keep retrying at the max backoff rather than escalate
// further).
func (b *backoff) recordError() (consecutive int, critical bool) {
	b.consecutive++
	return b.consecutive, b.consecutive >= b.cfg.MaxConsecutiveErrors
}

func (b *backoff) reset() {
	b.consecutive = 0
}

// wait blocks for the current backoff duration, or returns false early
// if ctx is cancelled first.
func (b *backoff) wait(ctx context.Context) bool {
	d := b.duration()
	limiter := rate.NewLimiter(rate.Every(d), 1)
	limiter.Reserve() // consume the initial burst token so Wait actually blocks ~d
	return limiter.Wait(ctx) == nil
}
