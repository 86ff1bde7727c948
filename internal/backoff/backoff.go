// Package backoff computes jittered exponential retry delays.
//
// The same policy drives REST call retries in the resilience middleware and
// reconnect waits in the connection multiplexer. Jitter is drawn per call from
// [0.5, 1.0) of the nominal delay so that many clients recovering from the
// same outage do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so base<<shift cannot overflow int64.
const maxShift = 62

// Jitter returns a value in [0, 1).
type Jitter func() float64

// DefaultJitter draws from the global math/rand/v2 source.
func DefaultJitter() float64 {
	return rand.Float64()
}

// ComputeDelay returns base * 2^(attempt-1) * factor, where factor is
// 0.5 + 0.5*jitter() and therefore lies in [0.5, 1.0).
//
// Attempts below 1 are treated as 1. A nil jitter uses DefaultJitter.
// The result is never negative and saturates at math.MaxInt64.
func ComputeDelay(attempt int, base time.Duration, jitter Jitter) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if jitter == nil {
		jitter = DefaultJitter
	}

	j := jitter()
	if j < 0 || j >= 1 || math.IsNaN(j) {
		j = 0
	}
	factor := 0.5 + 0.5*j

	nominal := float64(base) * math.Pow(2, float64(min(attempt-1, maxShift)))
	delay := nominal * factor
	if delay >= nominal {
		// factor rounds to 1 for jitter just below 1.
		delay = math.Nextafter(nominal, 0)
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	d := time.Duration(delay)
	if nominal < math.MaxInt64 {
		if ceil := time.Duration(nominal); d >= ceil && ceil > 0 {
			d = ceil - 1
		}
	}
	return d
}

// Policy is a reusable backoff configuration.
type Policy struct {
	Base   time.Duration // Delay for the first attempt before jitter
	Max    time.Duration // Upper bound on any delay (0 = uncapped)
	Jitter Jitter        // Jitter source (nil = DefaultJitter)
}

// Delay returns the wait before retrying after the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := ComputeDelay(attempt, p.Base, p.Jitter)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
