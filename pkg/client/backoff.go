package client

import "time"

// backoff returns the wait before retry number attempt (zero based): initial
// doubled attempt times, capped at maxDelay.
func backoff(initial, maxDelay time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
