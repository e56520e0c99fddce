package util

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at max, with 0.7..1.3 jitter when jitter is set.
func Backoff(base, max time.Duration, attempt int, jitter bool) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if jitter {
		j := 0.7 + rand.Float64()*0.6
		d = time.Duration(float64(d) * j)
	}
	if d < 0 {
		return 0
	}
	if d > max {
		d = max
	}
	return d
}
