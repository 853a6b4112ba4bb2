package domain

import "time"

// BackoffDelay maps the number of attempts so far and a strategy to the delay
// before the next retry becomes eligible.
//
//	none -> 0
//	exp  -> 2^attempts seconds (2s after the first failed attempt, 4s after
//	        the second, and so on)
//
// An unknown strategy falls back to exp; callers should check
// BackoffStrategy.Known and log the fallback.
func BackoffDelay(attempts int32, strategy BackoffStrategy) time.Duration {
	switch strategy {
	case BackoffNone:
		return 0
	case BackoffExp:
	default:
		// fall through to exp
	}
	if attempts < 0 {
		attempts = 0
	}
	// Cap the shift so pathological attempt counts do not overflow.
	if attempts > 30 {
		attempts = 30
	}
	return time.Duration(int64(1)<<uint(attempts)) * time.Second
}
