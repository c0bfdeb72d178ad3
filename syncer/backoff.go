package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	BackoffInitial  = time.Second
	BackoffMax      = 60 * time.Second
	BackoffJitter   = 0.2
	BackoffMultiple = 2.0
)

// cappedBackOff clamps every delay, jitter included, to max.
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	next := c.BackOff.NextBackOff()
	if next == backoff.Stop || next <= c.max {
		return next
	}
	return c.max
}

// NewBackOff is the retry schedule for transient failures: 1s doubling to
// 60s with ±20% jitter, retrying forever.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BackoffInitial
	b.RandomizationFactor = BackoffJitter
	b.Multiplier = BackoffMultiple
	b.MaxInterval = BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return &cappedBackOff{BackOff: b, max: BackoffMax}
}
