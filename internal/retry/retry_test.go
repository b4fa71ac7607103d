package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"quorum-trader/pkg/types"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), TransientOnly, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), TransientOnly, func() error {
		calls++
		if calls < 3 {
			return &types.TransientError{Op: "test", Err: errors.New("timeout")}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnBusinessError(t *testing.T) {
	t.Parallel()

	calls := 0
	bizErr := &types.VenueBusinessError{Errno: 10403, Message: "Invalid area"}
	err := Do(context.Background(), fastPolicy(), TransientOnly, func() error {
		calls++
		return bizErr
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for business error)", calls)
	}
	var vbe *types.VenueBusinessError
	if !errors.As(err, &vbe) || vbe.Errno != 10403 {
		t.Errorf("err = %v, want errno 10403", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(), TransientOnly, func() error {
		calls++
		return &types.TransientError{Op: "test", Err: errors.New("locked")}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !types.IsTransient(err) {
		t.Errorf("want the last transient error back, got %v", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastPolicy(), TransientOnly, func() error {
		calls++
		return &types.TransientError{Op: "test", Err: errors.New("timeout")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled before second attempt)", calls)
	}
}
