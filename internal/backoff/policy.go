// Package backoff provides exponential backoff schedules for the
// broker-reconnect and lookup-retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy parameterizes an exponential schedule. Durations are in
// milliseconds; Jitter in [0, 1] widens each step by up to that fraction.
type BackoffPolicy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	Jitter    float64
}

// ComputeBackoff returns the sleep before retrying the given 1-indexed
// attempt: InitialMs * Factor^(attempt-1) plus jitter, clamped to MaxMs.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand is ComputeBackoff with the random draw supplied
// by the caller, for deterministic tests. randomValue is in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := math.Min(policy.MaxMs, base+base*policy.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// BrokerReconnectPolicy is the reconnect schedule for broker consumers:
// 1s, 2s, 4s, ... doubling per attempt and clamped at 32s. No jitter, so
// operators can correlate reconnect timestamps across nodes.
func BrokerReconnectPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 1000,
		MaxMs:     32000,
		Factor:    2,
		Jitter:    0,
	}
}

// LookupPolicy paces retries of short control-plane lookups, e.g. the
// gateway resolving a subscription id against the fan-out API.
// Initial: 1s, Max: 5s, Factor: 2, no jitter.
func LookupPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 1000,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0,
	}
}
