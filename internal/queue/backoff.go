package queue

import (
	"math/rand/v2"
	"time"
)

// RetryDelay computes the backoff before retry attempt. The delay grows
// exponentially from base and carries up to one base of random jitter so
// retries of jobs that failed together do not land together.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so a large attempt count cannot overflow.
	if attempt > 16 {
		attempt = 16
	}
	delay := base * (1 << attempt)
	jitter := time.Duration(rand.Int64N(int64(base)))
	return delay + jitter
}
