package photo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// BurstRunner executes one burst.
type BurstRunner interface {
	Run(ctx context.Context, req SequenceRequest) SequenceResult
}

// KeepAliveRunner runs one keep-alive cycle; a non-nil error is fatal.
type KeepAliveRunner interface {
	Run(ctx context.Context) error
}

// Decision is the outcome of one scheduler tick.
type Decision int

const (
	DecisionStopped Decision = iota
	DecisionInProgress
	DecisionOutsideHours
	DecisionAdmitted
	DecisionKeepAlive
	DecisionIdle
)

func (d Decision) String() string {
	switch d {
	case DecisionStopped:
		return "stopped"
	case DecisionInProgress:
		return "in_progress"
	case DecisionOutsideHours:
		return "outside_hours"
	case DecisionAdmitted:
		return "admitted"
	case DecisionKeepAlive:
		return "keep_alive"
	case DecisionIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Scheduler admits at most one burst at a time, on the configured interval
// and inside the operating window, and runs keep-alive cycles in between.
type Scheduler struct {
	runner    BurstRunner
	keepAlive KeepAliveRunner
	timings   Timings
	now       func() time.Time

	cfg     atomic.Pointer[Config]
	stopped atomic.Bool
	bursts  sync.WaitGroup

	mu              sync.Mutex
	inProgress      bool
	lastCapture     time.Time
	hasCapture      bool
	successfulBurst bool
	cancelBurst     context.CancelFunc
}

func NewScheduler(cfg Config, runner BurstRunner, keepAlive KeepAliveRunner, timings Timings) (*Scheduler, error) {
	if runner == nil {
		return nil, pkgerrors.New("burst runner cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		runner:    runner,
		keepAlive: keepAlive,
		timings:   timings.normalized(),
		now:       time.Now,
	}
	s.cfg.Store(&cfg)
	return s, nil
}

// UpdateConfig swaps the schedule. A burst already running keeps the
// settings it was admitted with.
func (s *Scheduler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	log.Info().Str("component", "scheduler").
		Str("site", cfg.SiteName).
		Str("window", cfg.Window().String()).
		Int("interval_minutes", cfg.SequenceIntervalMinutes).
		Int("frames", cfg.FramesPerSequence).
		Msg("schedule updated")
	return nil
}

// Config returns the schedule currently in effect.
func (s *Scheduler) Config() Config {
	return *s.cfg.Load()
}

// InProgress reports whether the single-flight guard is held.
func (s *Scheduler) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// LastCapture returns the admission time of the last finished burst.
func (s *Scheduler) LastCapture() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCapture, s.hasCapture
}

// Start runs one tick immediately and then one per TickInterval until ctx is
// done or a tick fails fatally. On return no burst is running.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.Config()
	log.Info().Str("component", "scheduler").
		Str("site", cfg.SiteName).
		Str("window", cfg.Window().String()).
		Int("interval_minutes", cfg.SequenceIntervalMinutes).
		Dur("tick", s.timings.TickInterval).
		Msg("scheduler started")

	ticker := time.NewTicker(s.timings.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.Stop()
			return err
		}
		select {
		case <-ctx.Done():
			s.Stop()
			log.Info().Str("component", "scheduler").Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop prevents further admissions, clears the guard so a running burst
// ends after its current frame, and waits for it to return.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	cancel := s.cancelBurst
	s.inProgress = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.bursts.Wait()
}

// Tick evaluates the schedule once. Bursts are dispatched asynchronously;
// keep-alive cycles run inside the tick. The returned error is non-nil only
// when the camera became unavailable.
func (s *Scheduler) Tick(ctx context.Context) (Decision, error) {
	if s.stopped.Load() || ctx.Err() != nil {
		return DecisionStopped, nil
	}
	now := s.now()
	cfg := s.cfg.Load()

	s.mu.Lock()
	// Stop may have run since the check above; admitting now would race its Wait.
	if s.stopped.Load() {
		s.mu.Unlock()
		return DecisionStopped, nil
	}
	if s.inProgress {
		s.mu.Unlock()
		log.Debug().Str("component", "scheduler").Msg("burst in progress, tick skipped")
		return DecisionInProgress, nil
	}
	if !cfg.Window().Contains(now) {
		s.mu.Unlock()
		log.Debug().Str("component", "scheduler").
			Time("now", now).
			Str("window", cfg.Window().String()).
			Msg("outside operating window")
		return DecisionOutsideHours, nil
	}
	interval := cfg.Interval()
	if !s.hasCapture || now.Sub(s.lastCapture) >= interval {
		burstCtx, cancel := context.WithCancel(ctx)
		s.inProgress = true
		s.cancelBurst = cancel
		s.bursts.Add(1)
		s.mu.Unlock()

		log.Info().Str("component", "scheduler").Time("session_time", now).Msg("burst due, admitting")
		go s.runBurst(burstCtx, cancel, now, *cfg)
		return DecisionAdmitted, nil
	}
	remaining := interval - now.Sub(s.lastCapture)
	eligible := s.successfulBurst && remaining > s.timings.KeepAliveMargin
	s.mu.Unlock()

	if !eligible || s.keepAlive == nil {
		log.Debug().Str("component", "scheduler").Dur("until_due", remaining).Msg("burst not due")
		return DecisionIdle, nil
	}
	if err := s.keepAlive.Run(ctx); err != nil {
		if errors.Is(err, ErrInitialization) {
			return DecisionKeepAlive, err
		}
		log.Warn().Err(err).Str("component", "scheduler").Msg("keep-alive failed")
	}
	return DecisionKeepAlive, nil
}

func (s *Scheduler) runBurst(ctx context.Context, cancel context.CancelFunc, admitted time.Time, cfg Config) {
	defer s.bursts.Done()
	defer cancel()

	result := s.runner.Run(ctx, SequenceRequest{
		SessionTime: admitted,
		Frames:      cfg.FramesPerSequence,
		FrameDelay:  cfg.FrameDelay(),
		Site:        cfg.SiteName,
		Directory:   SessionDirectory(cfg.SiteDirectory(), admitted),
		Active:      s.guardHeld,
	})

	s.mu.Lock()
	s.inProgress = false
	s.cancelBurst = nil
	s.lastCapture = admitted
	s.hasCapture = true
	if result.Completed > 0 {
		s.successfulBurst = true
	}
	s.mu.Unlock()
}

func (s *Scheduler) guardHeld() bool {
	if s.stopped.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}
