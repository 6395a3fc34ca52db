package client

import (
	"fmt"
	"time"
)

// CalculateReconnectDelay returns baseDelay*2^attempt capped at maxDelay. It
// is non-decreasing in attempt and never exceeds maxDelay.
func CalculateReconnectDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 || maxDelay <= 0 {
		return 0
	}
	d := baseDelay
	for i := 0; i < attempt; i++ {
		if d > maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// ValidateReconnectSequence returns the delays of maxAttempts consecutive
// reconnect attempts, before jitter.
func ValidateReconnectSequence(maxAttempts int, baseDelay, maxDelay time.Duration) ([]time.Duration, error) {
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got %d", maxAttempts)
	}
	if baseDelay <= 0 {
		return nil, fmt.Errorf("base delay must be positive, got %s", baseDelay)
	}
	if maxDelay < baseDelay {
		return nil, fmt.Errorf("max delay %s is below base delay %s", maxDelay, baseDelay)
	}
	seq := make([]time.Duration, maxAttempts)
	for i := range seq {
		seq[i] = CalculateReconnectDelay(i, baseDelay, maxDelay)
	}
	return seq, nil
}

// jitter spreads d uniformly over [d/2, d] using r in [0, 1).
func jitter(d time.Duration, r float64) time.Duration {
	half := d / 2
	return half + time.Duration(r*float64(d-half))
}
