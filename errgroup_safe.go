package photo

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs loop in an errgroup goroutine and restarts it with
// exponential backoff if it panics. A returned error keeps errgroup
// semantics: the group's context is cancelled and Wait returns it.
//
// Panics are reported on stderr rather than through the logger, which may be
// what panicked.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, loop func(context.Context) error) {
	if group == nil || loop == nil {
		return
	}
	group.Go(func() error {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for restarts := 0; ; restarts++ {
			if ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovered(ctx, loop)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked (restart %d): %v\n%s\n", name, restarts+1, recovered, debug.Stack())
			if sleepContext(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func runRecovered(ctx context.Context, loop func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, loop(ctx)
}
