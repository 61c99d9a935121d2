package execution

import (
	"golang.org/x/time/rate"
)

// NewLimiter builds the shared admission token bucket: capacity tokens of
// burst, refilled at perSec tokens per second. rate.Limiter computes refill
// lazily from elapsed wall-clock time on each reservation, so no background
// timer runs. Waits are unbounded by design; callers bound them with a
// context.
func NewLimiter(capacity int, perSec float64) *rate.Limiter {
	if capacity <= 0 {
		capacity = 10
	}
	if perSec <= 0 {
		perSec = 10
	}
	return rate.NewLimiter(rate.Limit(perSec), capacity)
}
