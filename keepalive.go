package photo

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// sessionHealth is the part of SessionManager the keep-alive reports to.
type sessionHealth interface {
	SessionSource
	MarkDegraded(cause error) bool
	MarkHealthy()
	Reconnect(ctx context.Context) error
}

// KeepAliveResult describes one keep-alive cycle.
type KeepAliveResult struct {
	Captured bool
	Deleted  bool
}

// KeepAlive exercises the camera between bursts with a capture that is
// deleted straight away, so a dead session is noticed before the next burst.
type KeepAlive struct {
	session    sessionHealth
	reconciler *Reconciler
	timings    Timings
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewKeepAlive(session sessionHealth, reconciler *Reconciler, timings Timings) *KeepAlive {
	return &KeepAlive{
		session:    session,
		reconciler: reconciler,
		timings:    timings.normalized(),
		sleep:      sleepContext,
	}
}

// Run performs one cycle and updates session health. It returns an error
// only when a forced reconnect left the camera unavailable.
func (k *KeepAlive) Run(ctx context.Context) error {
	res, err := k.cycle(ctx)
	if err == nil {
		k.session.MarkHealthy()
		log.Info().Str("component", "keepalive").
			Bool("deleted", res.Deleted).
			Msg("keep-alive ok")
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if !res.Captured {
		log.Warn().Err(err).Str("component", "keepalive").
			Stringer("kind", KindOf(err)).
			Msg("keep-alive capture failed")
		if k.session.MarkDegraded(err) {
			if rerr := k.session.Reconnect(ctx); rerr != nil {
				if errors.Is(rerr, ErrInitialization) {
					return rerr
				}
				log.Warn().Err(rerr).Str("component", "keepalive").Msg("reconnect failed")
			}
		}
		return nil
	}
	// The shutter fired, so the session is alive even if cleanup failed.
	k.session.MarkHealthy()
	log.Warn().Err(err).Str("component", "keepalive").
		Stringer("kind", KindOf(err)).
		Msg("keep-alive shot not removed")
	return nil
}

// cycle captures, waits for the file to land, and deletes the test shot.
// Scans are held for the whole cycle so the test shot is never downloaded.
// The newest image is only deleted when it was not on the card before the
// capture; anything else may still be waiting for its download.
func (k *KeepAlive) cycle(ctx context.Context) (KeepAliveResult, error) {
	var res KeepAliveResult
	release := k.reconciler.Hold()
	defer release()

	handle, err := k.session.Handle()
	if err != nil {
		return res, opError(KindDeviceCommand, "keep-alive capture", err)
	}
	before, hadBefore, findErr := k.reconciler.FindLatestFile(ctx)
	if err := k.session.Device().SendCommand(ctx, handle, CommandTakePicture); err != nil {
		return res, opError(KindDeviceCommand, "keep-alive capture", err)
	}
	res.Captured = true
	if findErr != nil {
		return res, pkgerrors.Wrap(findErr, "locate newest image before keep-alive capture")
	}

	// The test shot is removed even when shutdown interrupts the settle.
	_ = k.sleep(ctx, k.timings.KeepAliveSettle)
	cleanupCtx := context.WithoutCancel(ctx)
	shot, ok, err := k.reconciler.FindLatestFile(cleanupCtx)
	if err != nil {
		return res, err
	}
	if !ok || (hadBefore && shot.Ref == before.Ref) {
		log.Warn().Str("component", "keepalive").
			Str("newest", before.Name).
			Msg("test shot not found, nothing deleted")
		return res, nil
	}
	if err := k.reconciler.DeleteFile(cleanupCtx, shot); err != nil {
		return res, err
	}
	res.Deleted = true
	return res, nil
}
