package streamcorpus_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	streamcorpus "github.com/streamcorpus/go-streamcorpus"
	"github.com/streamcorpus/go-streamcorpus/test"
)

func recordSleeps(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestRetrierBackoff(t *testing.T) {
	var waits []time.Duration
	r := streamcorpus.Retrier{Attempts: 5, MaxBackoff: 300 * time.Millisecond, Sleep: recordSleeps(&waits)}
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.Wrap(streamcorpus.ErrTransientIO, "flaky")
	})
	if !streamcorpus.Is(err, streamcorpus.ErrTransientIO) {
		t.Fatalf("expected the last transient error, got %v", err)
	}
	test.MustBe(t, 5, calls)
	ms := time.Millisecond
	test.MustBe(t, []time.Duration{100 * ms, 200 * ms, 300 * ms, 300 * ms}, waits)
}

func TestRetrierStopsOnSuccess(t *testing.T) {
	var waits []time.Duration
	r := streamcorpus.DefaultRetrier()
	r.Sleep = recordSleeps(&waits)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return streamcorpus.ErrTransientIO
		}
		return nil
	})
	test.ErrNil(t, err, "Do")
	test.MustBe(t, 3, calls)
	test.MustBe(t, 2, len(waits))
}

func TestRetrierPermanentError(t *testing.T) {
	var waits []time.Duration
	r := streamcorpus.DefaultRetrier()
	r.Sleep = recordSleeps(&waits)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return streamcorpus.ErrConfiguration
	})
	test.MustBe(t, streamcorpus.ErrConfiguration, err)
	test.MustBe(t, 1, calls)
	test.MustBe(t, 0, len(waits))
}

func TestRetrierCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := streamcorpus.DefaultRetrier()
	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return streamcorpus.ErrTransientIO
	})
	test.MustBe(t, streamcorpus.ErrTransientIO, err)
	test.MustBe(t, 1, calls)
}
