package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func shortRetryInterval(t *testing.T) {
	t.Helper()

	prev := retryInitialInterval
	retryInitialInterval = time.Millisecond

	t.Cleanup(func() { retryInitialInterval = prev })
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++

		return nil
	})

	if err != nil {
		t.Fatalf("Retry() = %v", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryRetriesTransient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: connection reset", ErrTransient)
		}

		return nil
	})

	if err != nil {
		t.Fatalf("Retry() = %v", err)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++

		return fmt.Errorf("%w: deadlock detected", ErrTransient)
	})

	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Retry() = %v, want transient error", err)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	permanent := Errorf(KindAuditFailed, "audit row_count: got 0")

	calls := 0
	err := Retry(context.Background(), 3, func() error {
		calls++

		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("Retry() = %v, want %v", err, permanent)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++

		return fmt.Errorf("%w: timeout", ErrTransient)
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() = %v, want context.Canceled", err)
	}

	if calls != 0 {
		t.Errorf("calls = %d, want 0 with pre-cancelled context", calls)
	}
}

func TestRetryNotifyReportsWaits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	shortRetryInterval(t)

	var notified int
	err := RetryNotify(context.Background(), 3, func() error {
		return fmt.Errorf("%w: timeout", ErrTransient)
	}, func(err error, next time.Duration) {
		notified++
		if !errors.Is(err, ErrTransient) {
			t.Errorf("notify err = %v, want transient", err)
		}
	})

	if err == nil {
		t.Fatal("Retry() = nil, want error after exhausted budget")
	}

	// Two sleeps between three attempts.
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
}
