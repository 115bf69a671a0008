package node

import (
	"time"

	"github.com/ogzhanolguncu/peernet/assertions"
)

// Backoff is the delay before retry n (1-indexed): base × 2^n, capped at
// maxDelay. It is deterministic so the schedule can be asserted on.
func Backoff(n int, base, maxDelay time.Duration) time.Duration {
	assertions.Assert(n >= 1, "retry number is 1-indexed")
	assertions.AssertPositive(base, "base backoff must be positive")
	assertions.Assert(maxDelay >= base, "max backoff cannot be below base")

	delay := base
	for range n {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return delay
}
