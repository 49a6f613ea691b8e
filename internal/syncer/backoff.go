// Package syncer – retry backoff.
//
// Delay grows exponentially with the attempt count, capped, with up to
// 30% random jitter added on top so a fleet of devices recovering at the
// same moment does not synchronize its retries.
package syncer

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential growth.
	DefaultMaxDelay = 5 * time.Minute
	// jitterShare is the maximum fraction of the base delay added as jitter.
	jitterShare = 0.3
)

// Backoff computes jittered exponential retry delays. The zero value uses
// the defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rnd overrides the jitter source in tests.
	rnd func() float64
}

// Delay returns the wait before retry number retryCount (0-based):
// min(base * 2^retryCount, max) plus jitter in [0, 30%) of that value.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := b.Max
	if max <= 0 {
		max = DefaultMaxDelay
	}

	d := base
	for i := 0; i < retryCount && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}

	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	jitter := time.Duration(rnd() * jitterShare * float64(d))
	return d + jitter
}
