package photo

import (
	"context"
	"time"

	"github.com/parker-ryan1/photo/internal/env"
)

// Timings holds the settle delays and retry constants. The defaults were
// tuned by hand against Canon bodies over USB; none of them come from a
// documented protocol limit.
type Timings struct {
	TickInterval time.Duration

	MaxInitAttempts int
	RetryBase       time.Duration
	RetryStep       time.Duration
	RetryCap        time.Duration
	SessionSettle   time.Duration

	EventPollInterval time.Duration
	EventPollBackoff  time.Duration

	ResetSettle      time.Duration
	CaptureSettle    time.Duration
	FrameReadyMargin time.Duration

	KeepAliveSettle       time.Duration
	KeepAliveMargin       time.Duration
	KeepAliveFailureLimit int

	FallbackScanInterval time.Duration
	MinFreeBytes         uint64
}

// DefaultTimings returns the field-tested constants.
func DefaultTimings() Timings {
	return Timings{
		TickInterval:          time.Minute,
		MaxInitAttempts:       5,
		RetryBase:             3 * time.Second,
		RetryStep:             time.Second,
		RetryCap:              10 * time.Second,
		SessionSettle:         3 * time.Second,
		EventPollInterval:     50 * time.Millisecond,
		EventPollBackoff:      time.Second,
		ResetSettle:           2 * time.Second,
		CaptureSettle:         5 * time.Second,
		FrameReadyMargin:      2 * time.Second,
		KeepAliveSettle:       3 * time.Second,
		KeepAliveMargin:       5 * time.Minute,
		KeepAliveFailureLimit: 3,
		FallbackScanInterval:  30 * time.Second,
		MinFreeBytes:          1 << 30,
	}
}

// TimingsFromEnv overlays PHOTO_* environment overrides on the defaults.
func TimingsFromEnv() Timings {
	t := DefaultTimings()
	t.TickInterval = env.Duration("PHOTO_TICK_INTERVAL", t.TickInterval)
	t.MaxInitAttempts = env.Int("PHOTO_INIT_ATTEMPTS", t.MaxInitAttempts)
	t.RetryBase = env.Duration("PHOTO_RETRY_BASE", t.RetryBase)
	t.RetryStep = env.Duration("PHOTO_RETRY_STEP", t.RetryStep)
	t.RetryCap = env.Duration("PHOTO_RETRY_CAP", t.RetryCap)
	t.SessionSettle = env.Duration("PHOTO_SESSION_SETTLE", t.SessionSettle)
	t.EventPollInterval = env.Duration("PHOTO_EVENT_POLL_INTERVAL", t.EventPollInterval)
	t.EventPollBackoff = env.Duration("PHOTO_EVENT_POLL_BACKOFF", t.EventPollBackoff)
	t.ResetSettle = env.Duration("PHOTO_RESET_SETTLE", t.ResetSettle)
	t.CaptureSettle = env.Duration("PHOTO_CAPTURE_SETTLE", t.CaptureSettle)
	t.FrameReadyMargin = env.Duration("PHOTO_FRAME_READY_MARGIN", t.FrameReadyMargin)
	t.KeepAliveSettle = env.Duration("PHOTO_KEEPALIVE_SETTLE", t.KeepAliveSettle)
	t.KeepAliveMargin = env.Duration("PHOTO_KEEPALIVE_MARGIN", t.KeepAliveMargin)
	t.KeepAliveFailureLimit = env.Int("PHOTO_KEEPALIVE_FAILURES", t.KeepAliveFailureLimit)
	t.FallbackScanInterval = env.Duration("PHOTO_SCAN_INTERVAL", t.FallbackScanInterval)
	t.MinFreeBytes = env.Uint64("PHOTO_MIN_FREE_BYTES", t.MinFreeBytes)
	return t.normalized()
}

// normalized replaces non-positive values that would stall the loops.
func (t Timings) normalized() Timings {
	def := DefaultTimings()
	if t.TickInterval <= 0 {
		t.TickInterval = def.TickInterval
	}
	if t.MaxInitAttempts <= 0 {
		t.MaxInitAttempts = def.MaxInitAttempts
	}
	if t.RetryCap <= 0 {
		t.RetryCap = def.RetryCap
	}
	if t.EventPollInterval <= 0 {
		t.EventPollInterval = def.EventPollInterval
	}
	if t.EventPollBackoff <= 0 {
		t.EventPollBackoff = def.EventPollBackoff
	}
	if t.KeepAliveFailureLimit <= 0 {
		t.KeepAliveFailureLimit = def.KeepAliveFailureLimit
	}
	if t.FallbackScanInterval <= 0 {
		t.FallbackScanInterval = def.FallbackScanInterval
	}
	return t
}

// RetryDelay is the pause after the failed attempt with 0-based index n:
// min(base + n*step, cap). It never decreases as n grows.
func (t Timings) RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := t.RetryBase + time.Duration(n)*t.RetryStep
	if d > t.RetryCap || d < 0 {
		return t.RetryCap
	}
	return d
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
