package queue

import "math"

// Backoff computes the capped exponential retry delay in seconds for a
// run that has failed attemptCount times so far:
// min(base * 2^(attempt-1), max), matching the SQL expression
// make_interval(secs => LEAST(:backoff_max, :backoff_base * POWER(2, GREATEST(attempt_count-1,0))))
// used by the bulk lease-expiry sweep.
func Backoff(attemptCount, baseSeconds, maxSeconds int) int {
	exp := attemptCount - 1
	if exp < 0 {
		exp = 0
	}
	delay := float64(baseSeconds) * math.Pow(2, float64(exp))
	if delay > float64(maxSeconds) {
		delay = float64(maxSeconds)
	}
	if delay < 0 {
		delay = 0
	}
	return int(delay)
}
