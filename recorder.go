package photo

import (
	"context"
	"time"
)

// DownloadRecord describes one file retrieved from the card.
type DownloadRecord struct {
	SequenceID    string
	Site          string
	Name          string
	Size          uint64
	LocalPath     string
	SHA256        string
	DeviceDeleted bool
	DownloadedAt  time.Time
}

// SequenceRecord describes one finished burst.
type SequenceRecord struct {
	ID              string
	Site            string
	SessionTime     time.Time
	FramesRequested int
	FramesAttempted int
	FramesCompleted int
	Aborted         bool
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Recorder persists capture history. Implementations must be safe for
// concurrent use; failures are logged by the caller and never stop capture.
type Recorder interface {
	RecordDownload(ctx context.Context, rec DownloadRecord) error
	RecordSequence(ctx context.Context, rec SequenceRecord) error
}

type noopRecorder struct{}

func (noopRecorder) RecordDownload(context.Context, DownloadRecord) error { return nil }

func (noopRecorder) RecordSequence(context.Context, SequenceRecord) error { return nil }
