package worker

import (
	"math"
	"math/rand"
	"time"
)

// DefaultReconnectCap bounds the exponential term when a Loop's Config
// leaves ReconnectCap unset. Jitter adds at most 2s on top of this, so the
// delay never exceeds DefaultReconnectCap+2s.
const DefaultReconnectCap = 60 * time.Second

// nextReconnectDelay computes the Pull stream reconnect backoff for the
// given attempt count (0-indexed): delay = min(2^attempt, cap) + uniform[0,
// 2s]. attempt resets to 0 on a successful stream establishment. cap <= 0
// falls back to DefaultReconnectCap.
func nextReconnectDelay(attempt int, cap time.Duration) time.Duration {
	if cap <= 0 {
		cap = DefaultReconnectCap
	}
	base := math.Pow(2, float64(attempt))
	capped := math.Min(base, cap.Seconds())
	jitter := rand.Float64() * 2 //nolint:gosec // jitter does not need crypto rand
	return time.Duration(capped*float64(time.Second)) + time.Duration(jitter*float64(time.Second))
}
