package bus

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns the wait before retry attempt (1-based):
// exponential growth capped at max, with half-interval jitter so a burst
// of failing subscribers does not retry in lockstep.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
