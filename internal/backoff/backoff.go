// Package backoff implements the default retry-delay and retry-count
// policies used by the Retryer, and the network-mode decision of whether a
// given attempt may run right now.
package backoff

import "time"

// DelayFunc computes how long to wait before retrying after the given
// (1-based) failure count.
type DelayFunc func(failureCount int, err error) time.Duration

// Default is the built-in retry-delay policy: exponential backoff starting
// at 1s and capped at 30s, matching the documented algorithm in spec.md
// §4.1: min(1000 * 2^count, 30000) milliseconds.
func Default(failureCount int, _ error) time.Duration {
	ms := 1000 * (1 << uint(failureCount))
	if ms > 30000 || ms <= 0 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryPolicy decides whether a failed attempt should be retried. It may be
// a fixed boolean, a fixed attempt ceiling, or an arbitrary predicate;
// ShouldRetry below normalizes all three shapes.
type RetryPolicy struct {
	Bool      *bool
	MaxCount  *int
	Predicate func(failureCount int, err error) bool
}

// NoRetry never retries.
func NoRetry() RetryPolicy {
	b := false
	return RetryPolicy{Bool: &b}
}

// AlwaysRetry retries indefinitely (bounded only by cancellation).
func AlwaysRetry() RetryPolicy {
	b := true
	return RetryPolicy{Bool: &b}
}

// UpTo retries at most n times (spec.md §4.1/§8: "retry = n performs at
// most n+1 attempts").
func UpTo(n int) RetryPolicy {
	return RetryPolicy{MaxCount: &n}
}

// When wraps an arbitrary predicate.
func When(fn func(failureCount int, err error) bool) RetryPolicy {
	return RetryPolicy{Predicate: fn}
}

// ShouldRetry evaluates the policy for the given 1-based failure count.
func (p RetryPolicy) ShouldRetry(failureCount int, err error) bool {
	switch {
	case p.Predicate != nil:
		return p.Predicate(failureCount, err)
	case p.MaxCount != nil:
		return failureCount <= *p.MaxCount
	case p.Bool != nil:
		return *p.Bool
	default:
		// Unconfigured policy defaults to the library default of three
		// retries, mirroring the upstream default used when retry is
		// left unspecified.
		return failureCount <= 3
	}
}

// NetworkMode decides whether a fetch may run given the current online
// signal, per spec.md §4.1 "Network modes".
type NetworkMode int

const (
	// Online is the default mode: a fetch requires the online signal, and
	// pauses otherwise.
	Online NetworkMode = iota
	// Always never pauses, regardless of the online signal.
	Always
	// OfflineFirst lets the first attempt run regardless of online state,
	// but pauses retries while offline.
	OfflineFirst
)

// CanRun reports whether an attempt numbered attempt (0 for the first) may
// proceed given the online signal.
func (m NetworkMode) CanRun(attempt int, online bool) bool {
	switch m {
	case Always:
		return true
	case OfflineFirst:
		if attempt == 0 {
			return true
		}
		return online
	default: // Online
		return online
	}
}
