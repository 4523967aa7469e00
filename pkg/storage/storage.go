package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parker-ryan1/photo"
	"github.com/parker-ryan1/photo/internal/env"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	envDisableJSONL   = "PHOTO_JOURNAL_DISABLE_JSONL"
	envJournalPath    = "PHOTO_JOURNAL_PATH"
	defaultDBFileName = "journal.sqlite"

	kindDownload = "download"
	kindSequence = "sequence"
)

// Config selects the journal sinks.
type Config struct {
	// DBPath is the sqlite journal; resolved through ResolveDatabasePath when empty.
	DBPath string
	// BaseDirectory anchors the default DBPath.
	BaseDirectory string
	// JSONLPath enables an additional line-delimited copy of every entry.
	JSONLPath string
}

// Entry is one journal write. Exactly one of Download or Sequence is set.
type Entry struct {
	Kind     string
	Download *photo.DownloadRecord
	Sequence *photo.SequenceRecord
}

// Sink defines the contract for each journal implementation.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
	Name() string
}

// Manager fans entries out to configured sinks and implements photo.Recorder.
type Manager struct {
	sinks  []Sink
	name   string
	dbPath string
}

var _ photo.Recorder = (*Manager)(nil)

// NewManager builds a journal manager based on cfg.
func NewManager(cfg Config) (*Manager, error) {
	dbPath, err := ResolveDatabasePath(cfg.DBPath, cfg.BaseDirectory)
	if err != nil {
		return nil, err
	}
	sinks, err := buildSinks(cfg, dbPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info().Str("component", "journal").Strs("sinks", names).Msg("journal opened")
	return &Manager{sinks: sinks, name: strings.Join(names, ","), dbPath: dbPath}, nil
}

func buildSinks(cfg Config, dbPath string) ([]Sink, error) {
	sinks := make([]Sink, 0, 2)
	if shouldEnableJSONL(cfg) {
		jsonl, err := newJSONLWriter(cfg.JSONLPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}
	sqliteSink, err := newSQLiteWriter(dbPath)
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	return append(sinks, sqliteSink), nil
}

func shouldEnableJSONL(cfg Config) bool {
	if strings.TrimSpace(cfg.JSONLPath) == "" {
		return false
	}
	return !env.Bool(envDisableJSONL, false)
}

// RecordDownload journals one downloaded file.
func (m *Manager) RecordDownload(ctx context.Context, rec photo.DownloadRecord) error {
	return m.Write(ctx, Entry{Kind: kindDownload, Download: &rec})
}

// RecordSequence journals one finished burst.
func (m *Manager) RecordSequence(ctx context.Context, rec photo.SequenceRecord) error {
	return m.Write(ctx, Entry{Kind: kindSequence, Sequence: &rec})
}

func (m *Manager) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, fmt.Sprintf("%s write failed", sink.Name())))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, fmt.Sprintf("%s close failed", sink.Name())))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Name() string {
	if m == nil || m.name == "" {
		return "journal"
	}
	return m.name
}

// DBPath is the sqlite journal in use.
func (m *Manager) DBPath() string { return m.dbPath }

// ResolveDatabasePath picks the journal location: the explicit path, then
// PHOTO_JOURNAL_PATH, then journal.sqlite under baseDir. The parent
// directory is created.
func ResolveDatabasePath(explicit, baseDir string) (string, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envJournalPath))
	}
	if path == "" {
		if strings.TrimSpace(baseDir) == "" {
			return "", pkgerrors.New("storage: no journal path or base directory")
		}
		path = filepath.Join(baseDir, defaultDBFileName)
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	return path, nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
	}
	return nil
}

func newJSONLWriter(path string) (Sink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, pkgerrors.New("storage: jsonl path is empty")
	}
	if err := ensureDir(filepath.Dir(trimmed)); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open jsonl file failed")
	}
	return &jsonlWriter{path: trimmed, file: file, writer: bufio.NewWriter(file)}, nil
}

type jsonlWriter struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func (j *jsonlWriter) Write(_ context.Context, entry Entry) error {
	if j == nil || j.writer == nil {
		return pkgerrors.New("storage: jsonl writer nil")
	}
	row, err := buildJSONLRow(entry)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: marshal json payload failed")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.writer.Write(payload); err != nil {
		return pkgerrors.Wrap(err, "storage: write json payload failed")
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return pkgerrors.Wrap(err, "storage: write newline failed")
	}
	if err := j.writer.Flush(); err != nil {
		return pkgerrors.Wrap(err, "storage: flush json writer failed")
	}
	return nil
}

func (j *jsonlWriter) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return pkgerrors.Wrap(err, "storage: flush on close failed")
		}
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return pkgerrors.Wrap(err, "storage: close json file failed")
		}
	}
	return nil
}

func (j *jsonlWriter) Name() string {
	if j == nil || j.path == "" {
		return "jsonl"
	}
	return j.path
}

func buildJSONLRow(entry Entry) (map[string]any, error) {
	row := map[string]any{"kind": entry.Kind}
	switch entry.Kind {
	case kindDownload:
		if entry.Download == nil {
			return nil, pkgerrors.New("storage: download entry without record")
		}
		d := entry.Download
		row["sequence_id"] = d.SequenceID
		row["site"] = d.Site
		row["name"] = d.Name
		row["size"] = d.Size
		row["local_path"] = d.LocalPath
		row["sha256"] = d.SHA256
		row["device_deleted"] = d.DeviceDeleted
		row["downloaded_at"] = d.DownloadedAt.UTC().Format(time.RFC3339Nano)
	case kindSequence:
		if entry.Sequence == nil {
			return nil, pkgerrors.New("storage: sequence entry without record")
		}
		s := entry.Sequence
		row["id"] = s.ID
		row["site"] = s.Site
		row["session_time"] = s.SessionTime.UTC().Format(time.RFC3339)
		row["frames_requested"] = s.FramesRequested
		row["frames_attempted"] = s.FramesAttempted
		row["frames_completed"] = s.FramesCompleted
		row["aborted"] = s.Aborted
		row["started_at"] = s.StartedAt.UTC().Format(time.RFC3339Nano)
		row["finished_at"] = s.FinishedAt.UTC().Format(time.RFC3339Nano)
	default:
		return nil, pkgerrors.Errorf("storage: unknown entry kind %q", entry.Kind)
	}
	return row, nil
}
