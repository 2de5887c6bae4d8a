package connection

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls reconnect pacing: exponential delay from BaseDelay capped at MaxDelay,
// randomised by Jitter (0..1), giving up after MaxRetries failed retries.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	MaxRetries uint64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.5,
		MaxRetries: 5,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	// Only the retry budget ends an episode.
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}
