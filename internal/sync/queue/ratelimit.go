package queue

import (
	"sync"
	"time"

	"github.com/kyawswar/orderpad/internal/apperrors"
)

// RateLimiter bounds enqueue throughput with rolling per-minute and
// per-hour windows. It protects the persistent store and the backend
// from runaway local loops. Counters are process-local and reset on
// restart.
type RateLimiter struct {
	mu        sync.Mutex
	enabled   bool
	perMinute int
	perHour   int
	events    []time.Time
}

// NewRateLimiter creates a limiter. A disabled limiter allows
// everything.
func NewRateLimiter(enabled bool, perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		enabled:   enabled,
		perMinute: perMinute,
		perHour:   perHour,
	}
}

// Allow records one enqueue attempt, or rejects it when either window
// is exhausted.
func (rl *RateLimiter) Allow() error {
	if rl == nil || !rl.enabled {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	// Drop events older than the widest window.
	cut := 0
	for cut < len(rl.events) && rl.events[cut].Before(hourAgo) {
		cut++
	}
	rl.events = rl.events[cut:]

	if rl.perHour > 0 && len(rl.events) >= rl.perHour {
		return apperrors.Newf(apperrors.ErrRateLimit,
			"hourly enqueue limit of %d exceeded", rl.perHour)
	}

	inMinute := 0
	for i := len(rl.events) - 1; i >= 0; i-- {
		if rl.events[i].Before(minuteAgo) {
			break
		}
		inMinute++
	}
	if rl.perMinute > 0 && inMinute >= rl.perMinute {
		return apperrors.Newf(apperrors.ErrRateLimit,
			"per-minute enqueue limit of %d exceeded", rl.perMinute)
	}

	rl.events = append(rl.events, now)
	return nil
}
