package streamcorpus

import (
	"context"
	"time"
)

// InitialBackoff is the delay before the first retry. Each later retry
// waits twice as long as the one before, up to the retrier's MaxBackoff.
const InitialBackoff = 100 * time.Millisecond

// Retrier repeats an operation with exponential backoff while it fails
// with a retryable error.
type Retrier struct {
	// Attempts is the total number of tries, including the first.
	Attempts   int
	MaxBackoff time.Duration
	// Retryable reports whether err is worth another try. Nil means
	// IsTransient.
	Retryable func(error) bool
	// Sleep waits between tries. Nil means SleepContext.
	Sleep func(context.Context, time.Duration) error
}

// DefaultRetrier makes five tries, waiting at most 10 seconds between them.
func DefaultRetrier() Retrier {
	return Retrier{Attempts: 5, MaxBackoff: 10 * time.Second}
}

// IsTransient reports whether err is caused by ErrTransientIO.
func IsTransient(err error) bool { return Is(err, ErrTransientIO) }

// Do calls fn until it succeeds, returns an error that is not retryable, or
// the attempts run out. The last error from fn is returned. A cancelled ctx
// ends the wait early.
func (r Retrier) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	retryable := r.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	backoff := InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= r.Attempts || !retryable(err) {
			return err
		}
		wait := backoff
		if r.MaxBackoff > 0 && wait > r.MaxBackoff {
			wait = r.MaxBackoff
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
		backoff *= 2
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
