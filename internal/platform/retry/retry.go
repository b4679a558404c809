// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the maximum number of tries, including the first one.
	Attempts int
	// Initial is the first backoff interval.
	Initial time.Duration
	// Max caps a single backoff interval.
	Max time.Duration
}

// Persist is the default policy for journal appends.
var Persist = Policy{Attempts: 5, Initial: 10 * time.Millisecond, Max: 200 * time.Millisecond}

// External is the default policy for gateway calls.
var External = Policy{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second}

// Compensation is used for compensating commands, which retry until
// acknowledged or the context ends.
var Compensation = Policy{Attempts: 0, Initial: 50 * time.Millisecond, Max: 2 * time.Second}

// Delivery is used for event-driven commands, which retry until the target
// has handled them or the context ends.
var Delivery = Policy{Attempts: 0, Initial: 20 * time.Millisecond, Max: time.Second}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is spent, or ctx ends. A zero Attempts means unlimited.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), notify func(error, time.Duration)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Attempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.Attempts)))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}
	return backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, opts...)
}
