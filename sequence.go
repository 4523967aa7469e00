package photo

import (
	"context"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SequenceRequest describes one burst.
type SequenceRequest struct {
	// SessionTime is the tick time the burst was admitted at.
	SessionTime time.Time
	Frames      int
	FrameDelay  time.Duration
	Site        string
	Directory   string
	// Active is polled before every frame; the burst stops once it reports
	// false. Nil means always active.
	Active func() bool
}

// SequenceResult reports frames attempted and frames whose capture command
// succeeded. File arrival is tracked separately by the Reconciler.
type SequenceResult struct {
	ID         string
	Attempted  int
	Completed  int
	Aborted    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// SequenceRunner executes bursts.
type SequenceRunner struct {
	session    SessionSource
	reconciler *Reconciler
	recorder   Recorder
	timings    Timings
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	diskFree   func(path string) (uint64, error)
}

func NewSequenceRunner(session SessionSource, reconciler *Reconciler, recorder Recorder, timings Timings) *SequenceRunner {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &SequenceRunner{
		session:    session,
		reconciler: reconciler,
		recorder:   recorder,
		timings:    timings.normalized(),
		sleep:      sleepContext,
		now:        time.Now,
		diskFree:   freeBytes,
	}
}

// Run executes one burst. The caller must hold the scheduler's single-flight
// guard. Individual frame failures are logged and skipped.
func (r *SequenceRunner) Run(ctx context.Context, req SequenceRequest) SequenceResult {
	res := SequenceResult{ID: uuid.NewString(), StartedAt: r.now()}
	active := req.Active
	if active == nil {
		active = func() bool { return true }
	}
	logger := log.With().Str("component", "sequence").Str("sequence_id", res.ID).Logger()
	logger.Info().
		Time("session_time", req.SessionTime).
		Int("frames", req.Frames).
		Dur("frame_delay", req.FrameDelay).
		Str("dir", req.Directory).
		Msg("burst starting")

	r.checkFreeSpace(req.Directory)

	// Rescue anything still on the card before it is formatted.
	if report, err := r.reconciler.ScanAndDownload(ctx); err != nil {
		logger.Warn().Err(err).Msg("pre-burst sweep failed")
	} else if report.Downloaded > 0 {
		logger.Info().Int("downloaded", report.Downloaded).Msg("pre-burst sweep recovered files")
	}

	r.reconciler.BeginSession(CaptureSession{ID: res.ID, Site: req.Site, Dir: req.Directory})
	if err := r.reconciler.ClearAndResetTracking(ctx); err != nil {
		logger.Warn().Err(err).Msg("card reset incomplete, continuing burst")
	}

	for i := 1; i <= req.Frames; i++ {
		if !active() || ctx.Err() != nil {
			res.Aborted = true
			break
		}
		res.Attempted++
		if err := r.capture(ctx); err != nil {
			logger.Warn().Err(err).Stringer("kind", KindOf(err)).Int("frame", i).Int("frames", req.Frames).Msg("frame failed, continuing")
		} else {
			res.Completed++
			if err := r.sleep(ctx, r.timings.CaptureSettle); err != nil {
				res.Aborted = true
				break
			}
			event := logger.Info().Int("frame", i).Int("frames", req.Frames)
			if n, err := r.reconciler.ItemCount(ctx); err == nil {
				event = event.Int("items_on_card", n)
			}
			event.Msg("frame captured")
		}
		if i < req.Frames {
			if err := r.sleep(ctx, req.FrameDelay+r.timings.FrameReadyMargin); err != nil {
				res.Aborted = true
				break
			}
		}
	}

	res.FinishedAt = r.now()
	logger.Info().
		Int("attempted", res.Attempted).
		Int("completed", res.Completed).
		Bool("aborted", res.Aborted).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("burst finished")

	rec := SequenceRecord{
		ID:              res.ID,
		Site:            req.Site,
		SessionTime:     req.SessionTime,
		FramesRequested: req.Frames,
		FramesAttempted: res.Attempted,
		FramesCompleted: res.Completed,
		Aborted:         res.Aborted,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
	if err := r.recorder.RecordSequence(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Msg("journal burst failed")
	}
	return res
}

func (r *SequenceRunner) capture(ctx context.Context) error {
	handle, err := r.session.Handle()
	if err != nil {
		return opError(KindDeviceCommand, "take picture", err)
	}
	if err := r.session.Device().SendCommand(ctx, handle, CommandTakePicture); err != nil {
		return opError(KindDeviceCommand, "take picture", err)
	}
	return nil
}

func (r *SequenceRunner) checkFreeSpace(dir string) {
	if r.diskFree == nil || r.timings.MinFreeBytes == 0 || dir == "" {
		return
	}
	free, err := r.diskFree(filepath.Clean(dir))
	if err != nil {
		log.Debug().Err(err).Str("component", "sequence").Str("dir", dir).Msg("free space probe failed")
		return
	}
	if free < r.timings.MinFreeBytes {
		log.Warn().Str("component", "sequence").
			Str("dir", dir).
			Str("free", humanize.IBytes(free)).
			Str("threshold", humanize.IBytes(r.timings.MinFreeBytes)).
			Msg("low disk space at capture root")
	}
}
