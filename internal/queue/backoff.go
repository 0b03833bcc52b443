package queue

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry number attempt (1-based): the base
// delay doubling per attempt, capped at max. A small jitter keeps messages
// that failed together from retrying in lockstep.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	// jitter: up to +20%
	j := time.Duration(rand.Int63n(int64(d)/5 + 1))
	if d+j > max {
		return max
	}
	return d + j
}
