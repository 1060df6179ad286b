package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks an error that [Retry] must not retry. Wrap it with
// [Permanent].
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() []error {
	return []error{p.err, ErrPermanent}
}

// Permanent wraps err so that [Retry] returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// BackoffConfig configures [Retry].
type BackoffConfig struct {
	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// Initial is the wait before the second attempt. Doubles every attempt
	// up to Max. Default: 500ms.
	Initial time.Duration

	// Max caps the wait between attempts. Default: 5s.
	Max time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	return c
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the attempt
// budget is spent, or ctx is done. fn receives the 1-based attempt number.
// The last error from fn is returned.
func Retry(ctx context.Context, cfg BackoffConfig, fn func(attempt int) error) error {
	cfg = cfg.withDefaults()
	wait := cfg.Initial

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(attempt); err == nil || errors.Is(err, ErrPermanent) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		wait = min(wait*2, cfg.Max)
	}
	return err
}
