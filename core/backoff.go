package core

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 10 * time.Minute
)

// ExponentialJitterBackoff computes base*2^(attempt-1) plus jitter in
// [0, base), capped at Max. Because the jitter never exceeds one base unit the
// delay is non-decreasing in attempt.
type ExponentialJitterBackoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, n). Defaults to math/rand/v2.
	Jitter func(n int64) int64
}

func NewExponentialJitterBackoff(base, max time.Duration) ExponentialJitterBackoff {
	return ExponentialJitterBackoff{Base: base, Max: max}
}

func (b ExponentialJitterBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	delay += time.Duration(jitter(int64(base)))
	if delay > max {
		return max
	}
	return delay
}
