package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// maxSteps bounds the backoff walk; growth is long capped by then.
const maxSteps = 64

// Policy describes exponential backoff: Initial, Initial*Factor, ... capped at Max.
// MaxAttempts <= 0 retries until the context ends.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= maxSteps {
		attempt = maxSteps - 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	b := wait.Backoff{
		Duration: p.Initial,
		Factor:   factor,
		Steps:    attempt + 1,
		Cap:      p.Max,
	}
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.Step()
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the policy runs out of
// attempts or ctx is done. Waits between attempts run on clk.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts {
			return fmt.Errorf("retry: giving up after %d attempts: %w", attempt+1, err)
		}

		t := clk.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}
