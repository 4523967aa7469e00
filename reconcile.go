package photo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// CaptureSession names where files of one burst are written.
type CaptureSession struct {
	ID   string
	Site string
	Dir  string
}

// ScanReport summarizes one ScanAndDownload pass.
type ScanReport struct {
	Seen       int
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      uint64
}

// DownloadObserver is told about each transfer; Started may return a writer
// that receives the streamed bytes (nil for none).
type DownloadObserver interface {
	Started(f FileRecord) io.Writer
	Finished(f FileRecord, err error)
}

type folderListing struct {
	ref   ItemRef
	files []FileRecord
}

// Reconciler mirrors images from the card to the local filesystem exactly
// once per dedup key, then removes them from the card.
type Reconciler struct {
	session  SessionSource
	fs       afero.Fs
	recorder Recorder
	timings  Timings
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	// gate admits concurrent scans and excludes Hold/ClearAndResetTracking.
	gate sync.RWMutex

	mu        sync.Mutex
	processed map[string]struct{}
	claimed   map[string]struct{}

	destMu   sync.Mutex
	site     string
	siteDir  string
	current  *CaptureSession
	observer DownloadObserver

	trigger chan struct{}
}

// NewReconciler builds a reconciler writing below cfg.SiteDirectory() on fs.
func NewReconciler(session SessionSource, fs afero.Fs, recorder Recorder, cfg Config, timings Timings) *Reconciler {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Reconciler{
		session:   session,
		fs:        fs,
		recorder:  recorder,
		timings:   timings.normalized(),
		sleep:     sleepContext,
		now:       time.Now,
		processed: make(map[string]struct{}),
		claimed:   make(map[string]struct{}),
		site:      cfg.SiteName,
		siteDir:   cfg.SiteDirectory(),
		trigger:   make(chan struct{}, 1),
	}
}

// Configure updates the site used for files found outside a burst.
func (r *Reconciler) Configure(cfg Config) {
	r.destMu.Lock()
	r.site = cfg.SiteName
	r.siteDir = cfg.SiteDirectory()
	r.destMu.Unlock()
}

// SetObserver installs a transfer observer. Pass nil to remove it.
func (r *Reconciler) SetObserver(o DownloadObserver) {
	r.destMu.Lock()
	r.observer = o
	r.destMu.Unlock()
}

// BeginSession routes subsequent downloads to s.Dir. The destination stays
// in place until the next BeginSession so late arrivals land with their burst.
func (r *Reconciler) BeginSession(s CaptureSession) {
	r.destMu.Lock()
	r.current = &s
	r.destMu.Unlock()
	log.Info().Str("component", "reconcile").
		Str("sequence_id", s.ID).
		Str("dir", s.Dir).
		Msg("capture directory switched")
}

func (r *Reconciler) destination() (CaptureSession, DownloadObserver) {
	r.destMu.Lock()
	defer r.destMu.Unlock()
	if r.current != nil {
		return *r.current, r.observer
	}
	return CaptureSession{
		Site: r.site,
		Dir:  UnscheduledDirectory(r.siteDir, r.now()),
	}, r.observer
}

// Trigger requests a scan without blocking. Bursts of triggers coalesce into
// one pending scan.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// RunTriggers drains Trigger requests and runs the periodic fallback scan
// until ctx is done.
func (r *Reconciler) RunTriggers(ctx context.Context) error {
	ticker := time.NewTicker(r.timings.FallbackScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			r.scanLogged(ctx, "notification")
		case <-ticker.C:
			r.scanLogged(ctx, "fallback")
		}
	}
}

func (r *Reconciler) scanLogged(ctx context.Context, reason string) {
	report, err := r.ScanAndDownload(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSession) || ctx.Err() != nil {
			log.Debug().Err(err).Str("component", "reconcile").Str("trigger", reason).Msg("scan skipped")
			return
		}
		log.Warn().Err(err).Str("component", "reconcile").Str("trigger", reason).Msg("scan aborted, will retry")
		return
	}
	if report.Seen == 0 {
		return
	}
	log.Info().Str("component", "reconcile").
		Str("trigger", reason).
		Int("seen", report.Seen).
		Int("downloaded", report.Downloaded).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("bytes", humanize.IBytes(report.Bytes)).
		Msg("scan finished")
}

// Hold blocks scans until the returned release is called, waiting for any
// scan in flight to finish first.
func (r *Reconciler) Hold() (release func()) {
	r.gate.Lock()
	return sync.OnceFunc(r.gate.Unlock)
}

// ScanAndDownload enumerates the card and downloads every image whose dedup
// key has not been processed. A key is marked only after its download
// succeeded; failed keys are retried on the next scan. Safe for concurrent
// use. Per-file failures are counted in the report; only enumeration
// failures and a missing session are returned as errors.
func (r *Reconciler) ScanAndDownload(ctx context.Context) (ScanReport, error) {
	r.gate.RLock()
	defer r.gate.RUnlock()

	var report ScanReport
	handle, err := r.session.Handle()
	if err != nil {
		return report, err
	}
	folders, err := r.walk(ctx, handle)
	if err != nil {
		return report, opError(KindEnumeration, "scan", err)
	}

	for _, folder := range folders {
		for _, f := range folder.files {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Seen++
			key := f.DedupKey()
			if !r.claim(key) {
				report.Skipped++
				continue
			}
			if err := r.download(ctx, f); err != nil {
				r.unclaim(key, false)
				report.Failed++
				log.Warn().Err(err).Str("component", "reconcile").
					Str("file", f.Name).
					Stringer("kind", KindOf(err)).
					Msg("download failed, will retry")
				continue
			}
			r.unclaim(key, true)
			report.Downloaded++
			report.Bytes += f.Size
		}
	}
	return report, nil
}

// claim atomically checks that key is neither processed nor in flight and
// marks it in flight.
func (r *Reconciler) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.processed[key]; done {
		return false
	}
	if _, busy := r.claimed[key]; busy {
		return false
	}
	r.claimed[key] = struct{}{}
	return true
}

func (r *Reconciler) unclaim(key string, downloaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, key)
	if downloaded {
		r.processed[key] = struct{}{}
	}
}

// IsProcessed reports whether key has been downloaded since the last reset.
func (r *Reconciler) IsProcessed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processed[key]
	return ok
}

// ProcessedCount is the size of the processed set.
func (r *Reconciler) ProcessedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processed)
}

type countingWriter struct {
	n uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return len(p), nil
}

func (r *Reconciler) download(ctx context.Context, f FileRecord) (err error) {
	dest, observer := r.destination()
	dev := r.session.Device()

	if observer != nil {
		defer func() { observer.Finished(f, err) }()
	}

	name := filepath.Base(filepath.Clean("/" + f.Name))
	if name == "/" || name == "." {
		return opError(KindDownload, "download "+f.Name, pkgerrors.New("unusable file name"))
	}
	if err := r.fs.MkdirAll(dest.Dir, 0o755); err != nil {
		return opError(KindDownload, "download "+f.Name, pkgerrors.Wrap(err, "create capture directory"))
	}
	local := filepath.Join(dest.Dir, name)

	if err := r.fs.Remove(local); err != nil && !os.IsNotExist(err) {
		return opError(KindDownload, "download "+f.Name, pkgerrors.Wrap(err, "remove existing local file"))
	}
	out, err := r.fs.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return opError(KindDownload, "download "+f.Name, pkgerrors.Wrap(err, "create local file"))
	}

	hasher := sha256.New()
	counter := &countingWriter{}
	writers := []io.Writer{out, hasher, counter}
	if observer != nil {
		if w := observer.Started(f); w != nil {
			writers = append(writers, w)
		}
	}

	streamErr := dev.Download(ctx, f.Ref, f.Size, io.MultiWriter(writers...))
	closeErr := out.Close()
	switch {
	case streamErr != nil:
		err = pkgerrors.Wrap(streamErr, "stream from device")
	case closeErr != nil:
		err = pkgerrors.Wrap(closeErr, "close local file")
	case counter.n != f.Size:
		err = pkgerrors.Errorf("short transfer: got %d of %d bytes", counter.n, f.Size)
	}
	if err != nil {
		if rmErr := r.fs.Remove(local); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Debug().Err(rmErr).Str("component", "reconcile").Str("path", local).Msg("remove partial file")
		}
		return opError(KindDownload, "download "+f.Name, err)
	}

	if cerr := dev.CompleteDownload(ctx, f.Ref); cerr != nil {
		log.Warn().Err(cerr).Str("component", "reconcile").Str("file", f.Name).Msg("download acknowledgement failed")
	}
	deleted := true
	if derr := dev.DeleteItem(ctx, f.Ref); derr != nil {
		deleted = false
		log.Warn().Err(opError(KindDeviceCleanup, "delete "+f.Name, derr)).
			Str("component", "reconcile").
			Msg("downloaded file left on card")
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	log.Info().Str("component", "reconcile").
		Str("file", f.Name).
		Str("size", humanize.IBytes(f.Size)).
		Str("path", local).
		Bool("device_deleted", deleted).
		Msg("downloaded")

	rec := DownloadRecord{
		SequenceID:    dest.ID,
		Site:          dest.Site,
		Name:          f.Name,
		Size:          f.Size,
		LocalPath:     local,
		SHA256:        sum,
		DeviceDeleted: deleted,
		DownloadedAt:  r.now(),
	}
	if rerr := r.recorder.RecordDownload(ctx, rec); rerr != nil {
		log.Warn().Err(rerr).Str("component", "reconcile").Str("file", f.Name).Msg("journal download failed")
	}
	return nil
}

// walk lists every folder on every volume in device order, with the image
// files found directly inside each.
func (r *Reconciler) walk(ctx context.Context, handle SessionHandle) ([]folderListing, error) {
	dev := r.session.Device()
	volumes, err := dev.EnumerateVolumes(ctx, handle)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "enumerate volumes")
	}
	var out []folderListing
	for _, vol := range volumes {
		if err := r.walkFolder(ctx, dev, vol, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reconciler) walkFolder(ctx context.Context, dev Device, folder ItemRef, out *[]folderListing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := dev.EnumerateChildren(ctx, folder)
	if err != nil {
		return pkgerrors.Wrapf(err, "enumerate %s", folder)
	}
	listing := folderListing{ref: folder}
	var subfolders []ItemRef
	for _, child := range children {
		info, err := dev.GetItemInfo(ctx, child)
		if err != nil {
			return pkgerrors.Wrapf(err, "item info %s", child)
		}
		if info.IsFolder {
			subfolders = append(subfolders, child)
			continue
		}
		rec := FileRecord{Ref: child, Name: info.Name, Size: info.Size, Folder: folder}
		if rec.IsImage() {
			listing.files = append(listing.files, rec)
		}
	}
	if len(listing.files) > 0 {
		*out = append(*out, listing)
	}
	for _, sub := range subfolders {
		if err := r.walkFolder(ctx, dev, sub, out); err != nil {
			return err
		}
	}
	return nil
}

// ItemCount reports how many images are currently on the card.
func (r *Reconciler) ItemCount(ctx context.Context) (int, error) {
	handle, err := r.session.Handle()
	if err != nil {
		return 0, err
	}
	folders, err := r.walk(ctx, handle)
	if err != nil {
		return 0, opError(KindEnumeration, "count items", err)
	}
	n := 0
	for _, f := range folders {
		n += len(f.files)
	}
	return n, nil
}

// FindLatestFile returns the most recently created image: folders are
// searched newest first, and items within a folder newest first. ok is
// false when the card holds no image.
func (r *Reconciler) FindLatestFile(ctx context.Context) (rec FileRecord, ok bool, err error) {
	handle, err := r.session.Handle()
	if err != nil {
		return FileRecord{}, false, err
	}
	folders, err := r.walk(ctx, handle)
	if err != nil {
		return FileRecord{}, false, opError(KindEnumeration, "find latest", err)
	}
	for i := len(folders) - 1; i >= 0; i-- {
		files := folders[i].files
		if n := len(files); n > 0 {
			return files[n-1], true, nil
		}
	}
	return FileRecord{}, false, nil
}

// DeleteLatestFile removes the image FindLatestFile would return. It reports
// false with a nil error when there was nothing to delete.
func (r *Reconciler) DeleteLatestFile(ctx context.Context) (bool, error) {
	rec, ok, err := r.FindLatestFile(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := r.DeleteFile(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFile removes rec from the card.
func (r *Reconciler) DeleteFile(ctx context.Context, rec FileRecord) error {
	if err := r.session.Device().DeleteItem(ctx, rec.Ref); err != nil {
		return opError(KindDeviceCleanup, "delete "+rec.Name, err)
	}
	log.Debug().Str("component", "reconcile").Str("file", rec.Name).Msg("deleted file from card")
	return nil
}

// ClearAndResetTracking formats every volume and then empties the processed
// set whether or not the format succeeded. Scans are held off meanwhile.
func (r *Reconciler) ClearAndResetTracking(ctx context.Context) error {
	release := r.Hold()
	defer release()

	formatErr := r.formatVolumes(ctx)

	r.mu.Lock()
	cleared := len(r.processed)
	r.processed = make(map[string]struct{})
	r.mu.Unlock()

	if formatErr != nil {
		log.Warn().Err(formatErr).Str("component", "reconcile").
			Int("cleared_keys", cleared).
			Msg("card format failed, tracking reset anyway")
	} else {
		log.Info().Str("component", "reconcile").
			Int("cleared_keys", cleared).
			Msg("card formatted, tracking reset")
	}
	if err := r.sleep(ctx, r.timings.ResetSettle); err != nil && formatErr == nil {
		return err
	}
	return formatErr
}

func (r *Reconciler) formatVolumes(ctx context.Context) error {
	handle, err := r.session.Handle()
	if err != nil {
		return opError(KindDeviceCleanup, "format", err)
	}
	dev := r.session.Device()
	volumes, err := dev.EnumerateVolumes(ctx, handle)
	if err != nil {
		return opError(KindDeviceCleanup, "format", pkgerrors.Wrap(err, "enumerate volumes"))
	}
	var errs []error
	for _, vol := range volumes {
		if err := dev.FormatVolume(ctx, vol); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "format %s", vol))
		}
	}
	if len(errs) > 0 {
		return opError(KindDeviceCleanup, "format", errors.Join(errs...))
	}
	return nil
}

// SessionDirectory is the capture directory for a burst admitted at t.
func SessionDirectory(siteDir string, t time.Time) string {
	return filepath.Join(siteDir, t.Format("2006-01-02"), t.Format("150405"))
}

// UnscheduledDirectory receives files found before any burst started.
func UnscheduledDirectory(siteDir string, t time.Time) string {
	return filepath.Join(siteDir, t.Format("2006-01-02"), "unscheduled")
}
