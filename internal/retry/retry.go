// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of attempts after the first. 0 means one attempt.
	MaxRetries int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Multiplier grows the backoff after each failed attempt. Default: 2
	Multiplier float64

	// Jitter is the fraction of each backoff that is randomized, in [0, 1].
	// A delay d becomes a value in (d*(1-Jitter), d]. Server wait hints are
	// not jittered.
	Jitter float64
}

// DefaultConfig returns two retries starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
}

// jitter shortens d by a random amount up to frac of d.
func jitter(d time.Duration, frac float64) time.Duration {
	n := int64(float64(d) * frac)
	if n <= 0 {
		return d
	}
	return d - time.Duration(rand.Int64N(n))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Wait is an error an operation returns to request a specific delay before
// the next attempt, for example when a rate limit reports its reset time.
type Wait struct {
	Err   error
	After time.Duration
}

func (w *Wait) Error() string { return w.Err.Error() }
func (w *Wait) Unwrap() error { return w.Err }

// Notify is called before each retry with the attempt that failed.
type Notify func(attempt int, backoff time.Duration, err error)

// Do calls op until it succeeds, returns a permanent error, the context is
// done, or retries run out. Context errors are returned unwrapped.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, notify Notify) error {
	cfg.applyDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempt == cfg.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, lastErr)
		}

		delay := jitter(backoff, cfg.Jitter)
		var w *Wait
		if errors.As(err, &w) && w.After > 0 {
			delay = min(w.After, cfg.MaxBackoff)
		}
		if notify != nil {
			notify(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(time.Duration(float64(backoff)*cfg.Multiplier), cfg.MaxBackoff)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return lastErr
}
