package viewer

import "time"

// Reconnection uses capped exponential backoff with an attempt ceiling; once
// exhausted the viewer shows a terminal connection-lost state instead of
// retrying blindly forever.
const (
	backoffBase  = 500 * time.Millisecond
	backoffCap   = 30 * time.Second
	maxAttempts  = 8
	backoffScale = 2
)

// nextBackoff returns the delay before reconnect attempt n (1-based) and
// whether another attempt is allowed.
func nextBackoff(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > maxAttempts {
		return 0, false
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffScale
		if d >= backoffCap {
			return backoffCap, true
		}
	}
	return d, true
}
