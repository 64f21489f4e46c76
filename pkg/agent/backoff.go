package agent

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields BaseDelay * 2^n for the n-th consecutive failure (n from 0)
// and reports exhaustion once more than MaxAttempts failures happened in a row.
type Backoff struct {
	exp     *backoff.ExponentialBackOff
	max     int
	attempt int
}

func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << uint(maxAttempts),
	}
	exp.Reset()
	return &Backoff{exp: exp, max: maxAttempts}
}

// Next records a failure. ok is false when the failure exceeds the budget.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempt++
	if b.attempt > b.max {
		return 0, false
	}
	return b.exp.NextBackOff(), true
}

// Reset is called after a successful join.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.exp.Reset()
}

// Attempt is the number of consecutive failures recorded since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }
