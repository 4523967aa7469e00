package photo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig wires the engine together.
type ServiceConfig struct {
	Config   Config
	Timings  Timings
	Device   Device
	Preparer Preparer
	Recorder Recorder
	// Fs receives downloaded images; defaults to the OS filesystem.
	Fs afero.Fs
}

// Service runs the capture engine: session, event pump, scan worker and
// scheduler.
type Service struct {
	session    *SessionManager
	reconciler *Reconciler
	runner     *SequenceRunner
	keepAlive  *KeepAlive
	scheduler  *Scheduler
}

func NewService(sc ServiceConfig) (*Service, error) {
	if sc.Device == nil {
		return nil, errors.New("device cannot be nil")
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, err
	}
	timings := sc.Timings.normalized()

	session := NewSessionManager(sc.Device, timings, sc.Preparer)
	reconciler := NewReconciler(session, sc.Fs, sc.Recorder, sc.Config, timings)
	session.SetItemCreatedHandler(func(ref ItemRef) {
		log.Debug().Str("component", "session").Str("item", string(ref)).Msg("item created on card")
		reconciler.Trigger()
	})
	runner := NewSequenceRunner(session, reconciler, sc.Recorder, timings)
	keepAlive := NewKeepAlive(session, reconciler, timings)
	scheduler, err := NewScheduler(sc.Config, runner, keepAlive, timings)
	if err != nil {
		return nil, err
	}
	return &Service{
		session:    session,
		reconciler: reconciler,
		runner:     runner,
		keepAlive:  keepAlive,
		scheduler:  scheduler,
	}, nil
}

func (s *Service) Session() *SessionManager { return s.session }

// ApplyConfig validates cfg and makes it effective from the next tick.
func (s *Service) ApplyConfig(cfg Config) error {
	if err := s.scheduler.UpdateConfig(cfg); err != nil {
		return err
	}
	s.reconciler.Configure(cfg)
	return nil
}

// Run initializes the camera and blocks until ctx is done or the camera
// becomes unavailable. The session is closed only after every loop and any
// burst in flight have returned.
func (s *Service) Run(ctx context.Context) error {
	if err := s.session.Initialize(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	GroupGoSafe(gctx, group, "event-pump", s.session.RunEventPump)
	GroupGoSafe(gctx, group, "scan-worker", s.reconciler.RunTriggers)
	GroupGoSafe(gctx, group, "scheduler", s.scheduler.Start)
	runErr := group.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.session.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("session close during shutdown failed")
	}
	return runErr
}
