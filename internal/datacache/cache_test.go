package datacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetCachesValue(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	key := Key{Symbol: "BTC", Source: "technical"}

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return "report", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, key, loader)
		if err != nil {
			t.Fatal(err)
		}
		if v != "report" {
			t.Fatalf("v = %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestGetDistinguishesKeys(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()

	v1, _ := c.Get(ctx, Key{"BTC", "news"}, func(context.Context) (any, error) { return 1, nil })
	v2, _ := c.Get(ctx, Key{"BTC", "technical"}, func(context.Context) (any, error) { return 2, nil })
	v3, _ := c.Get(ctx, Key{"ETH", "news"}, func(context.Context) (any, error) { return 3, nil })

	if v1 != 1 || v2 != 2 || v3 != 3 {
		t.Errorf("values = %v %v %v", v1, v2, v3)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	key := Key{Symbol: "BTC", Source: "sentiment"}

	calls := 0
	_, err := c.Get(ctx, key, func(context.Context) (any, error) {
		calls++
		return nil, errors.New("collector down")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	v, err := c.Get(ctx, key, func(context.Context) (any, error) {
		calls++
		return "recovered", nil
	})
	if err != nil || v != "recovered" {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestConcurrentCallersShareOneFlight(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	key := Key{Symbol: "BTC", Source: "volatility"}

	var calls atomic.Int32
	gate := make(chan struct{})
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-gate
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, key, loader)
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("loader ran %d times, want 1", got)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("results[%d] = %v", i, v)
		}
	}
}

func TestClearEvictsEverything(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	key := Key{Symbol: "BTC", Source: "news"}

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	v, _ := c.Get(ctx, key, loader)
	if v != 1 {
		t.Fatalf("v = %v", v)
	}

	c.Clear()

	v, _ = c.Get(ctx, key, loader)
	if v != 2 {
		t.Errorf("after Clear, v = %v, want fresh load", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d", c.Len())
	}
}
