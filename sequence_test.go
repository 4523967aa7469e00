package photo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func newTestRunner(t *testing.T, dev *stubDevice) (*SequenceRunner, *Reconciler, *sleepRecorder, *memRecorder) {
	t.Helper()
	session, err := readySession(dev)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	rec := &memRecorder{}
	cfg := DefaultConfig()
	cfg.BaseDirectory = "/captures"
	reconciler := NewReconciler(session, afero.NewMemMapFs(), rec, cfg, DefaultTimings())
	reconciler.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	sleeps := &sleepRecorder{}
	runner := NewSequenceRunner(session, reconciler, rec, DefaultTimings())
	runner.sleep = sleeps.sleep
	runner.diskFree = nil
	return runner, reconciler, sleeps, rec
}

func TestSequenceContinuesPastFailedFrame(t *testing.T) {
	dev := newStubDevice()
	dev.captureErrs = []error{nil, errors.New("busy")}
	runner, _, sleeps, rec := newTestRunner(t, dev)

	res := runner.Run(context.Background(), SequenceRequest{
		SessionTime: fixedNow,
		Frames:      3,
		FrameDelay:  10 * time.Second,
		Site:        "Waveland",
		Directory:   "/captures/Waveland/2026-03-14/093000",
	})
	if res.Attempted != 3 || res.Completed != 2 || res.Aborted {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ID == "" {
		t.Fatalf("expected a sequence id")
	}
	if dev.formatCalls != 1 {
		t.Fatalf("expected the card to be reset once, got %d", dev.formatCalls)
	}

	timings := DefaultTimings()
	settle := timings.CaptureSettle
	gap := 10*time.Second + timings.FrameReadyMargin
	want := []time.Duration{settle, gap, gap, settle}
	got := sleeps.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if len(rec.sequences) != 1 || rec.sequences[0].FramesCompleted != 2 || rec.sequences[0].FramesRequested != 3 {
		t.Fatalf("unexpected journal entries %+v", rec.sequences)
	}
}

func TestSequenceResetsBeforeFirstFrame(t *testing.T) {
	dev := newStubDevice()
	runner, _, _, _ := newTestRunner(t, dev)
	runner.Run(context.Background(), SequenceRequest{Frames: 2, Site: "Waveland", Directory: "/captures/x"})

	events := dev.eventLog()
	formatAt, firstCapture := -1, -1
	for i, e := range events {
		if e == "format" && formatAt < 0 {
			formatAt = i
		}
		if e == "capture" && firstCapture < 0 {
			firstCapture = i
		}
	}
	if formatAt < 0 || firstCapture < 0 || formatAt > firstCapture {
		t.Fatalf("expected format before the first capture, events %v", events)
	}
}

func TestSequenceStopsWhenGuardCleared(t *testing.T) {
	dev := newStubDevice()
	runner, _, _, _ := newTestRunner(t, dev)

	checks := 0
	res := runner.Run(context.Background(), SequenceRequest{
		Frames: 5,
		Active: func() bool {
			checks++
			return checks <= 2
		},
	})
	if res.Attempted != 2 || !res.Aborted {
		t.Fatalf("expected abort after 2 frames, got %+v", res)
	}
}

func TestSequenceRescuesFilesBeforeFormat(t *testing.T) {
	dev := newStubDevice()
	dev.addFile(dev.captureFolder, "IMG_0099.JPG", 32)
	runner, _, _, rec := newTestRunner(t, dev)

	runner.Run(context.Background(), SequenceRequest{Frames: 1, Site: "Waveland", Directory: "/captures/x"})
	if dev.downloads("IMG_0099.JPG") != 1 {
		t.Fatalf("expected leftover file downloaded before the format")
	}
	if len(rec.downloads) != 1 || rec.downloads[0].SequenceID != "" {
		t.Fatalf("leftover file should not be attributed to the new burst: %+v", rec.downloads)
	}
}

func TestFrameFailureIsDeviceCommandKind(t *testing.T) {
	dev := newStubDevice()
	dev.captureErrs = []error{errors.New("shutter jammed")}
	runner, _, _, _ := newTestRunner(t, dev)

	err := runner.capture(context.Background())
	if !errors.Is(err, ErrDeviceCommand) || KindOf(err) != KindDeviceCommand {
		t.Fatalf("expected a device command error, got %v", err)
	}
	if errors.Is(err, ErrInitialization) {
		t.Fatalf("a failed frame must not look fatal")
	}
}
