package photo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestGroupGoSafeRestartsAfterPanic(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	var runs atomic.Int32
	GroupGoSafe(ctx, group, "flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		t.Fatalf("expected clean exit after restart, got %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}
}

func TestGroupGoSafeKeepsErrgroupErrors(t *testing.T) {
	group, ctx := errgroup.WithContext(context.Background())
	boom := errors.New("boom")
	GroupGoSafe(ctx, group, "failing", func(context.Context) error { return boom })
	GroupGoSafe(ctx, group, "waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if err := group.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
