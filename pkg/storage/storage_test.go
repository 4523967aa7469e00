package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parker-ryan1/photo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, jsonl bool) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{DBPath: filepath.Join(dir, "journal.sqlite")}
	if jsonl {
		cfg.JSONLPath = filepath.Join(dir, "journal.jsonl")
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func download(path string, seq string, deleted bool) photo.DownloadRecord {
	return photo.DownloadRecord{
		SequenceID:    seq,
		Site:          "Waveland",
		Name:          filepath.Base(path),
		Size:          2048,
		LocalPath:     path,
		SHA256:        "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		DeviceDeleted: deleted,
		DownloadedAt:  time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
	}
}

func TestResolveDatabasePath(t *testing.T) {
	dir := t.TempDir()

	got, err := ResolveDatabasePath("", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "journal.sqlite"), got)

	env := filepath.Join(dir, "env", "j.sqlite")
	t.Setenv(envJournalPath, env)
	got, err = ResolveDatabasePath("", dir)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.DirExists(t, filepath.Dir(env))

	explicit := filepath.Join(dir, "flag.sqlite")
	got, err = ResolveDatabasePath(explicit, dir)
	require.NoError(t, err)
	assert.Equal(t, explicit, got)
}

func TestResolveDatabasePathNeedsSomething(t *testing.T) {
	t.Setenv(envJournalPath, "")
	_, err := ResolveDatabasePath("", "")
	require.Error(t, err)
}

func TestDownloadUpsertKeepsOneRowPerLocalPath(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()
	path := "/captures/Waveland/2026-03-14/093000/IMG_0001.JPG"

	require.NoError(t, m.RecordDownload(ctx, download(path, "seq-1", false)))
	require.NoError(t, m.RecordDownload(ctx, download(path, "seq-1", true)))
	require.NoError(t, m.RecordDownload(ctx, download(path+"2", "seq-1", true)))

	sum, err := m.Summary(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Downloads)
	assert.Equal(t, uint64(4096), sum.Bytes)
	assert.Equal(t, 0, sum.LeftOnCard, "the second write marks the device copy deleted")
	assert.True(t, sum.LastDownload.Equal(time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC)))
}

func TestSummaryListsRecentSequences(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"seq-a", "seq-b", "seq-c"} {
		require.NoError(t, m.RecordSequence(ctx, photo.SequenceRecord{
			ID:              id,
			Site:            "Waveland",
			SessionTime:     base.Add(time.Duration(i) * time.Hour),
			FramesRequested: 50,
			FramesAttempted: 50,
			FramesCompleted: 49,
			StartedAt:       base.Add(time.Duration(i) * time.Hour),
			FinishedAt:      base.Add(time.Duration(i)*time.Hour + 10*time.Minute),
		}))
	}
	require.NoError(t, m.RecordDownload(ctx, download("/x/IMG_1.JPG", "seq-c", true)))
	require.NoError(t, m.RecordDownload(ctx, download("/x/IMG_2.JPG", "seq-c", false)))

	sum, err := m.Summary(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Sequences)
	assert.Equal(t, 1, sum.LeftOnCard)
	require.Len(t, sum.Recent, 2)
	assert.Equal(t, "seq-c", sum.Recent[0].ID)
	assert.Equal(t, 2, sum.Recent[0].Downloads)
	assert.Equal(t, 49, sum.Recent[0].FramesCompleted)
	assert.Equal(t, "seq-b", sum.Recent[1].ID)
}

func TestSequenceUpsertUpdatesCounts(t *testing.T) {
	m, _ := newTestManager(t, false)
	ctx := context.Background()
	rec := photo.SequenceRecord{ID: "seq-1", Site: "Waveland", SessionTime: time.Now(), FramesRequested: 5}
	require.NoError(t, m.RecordSequence(ctx, rec))
	rec.FramesAttempted, rec.FramesCompleted, rec.Aborted = 3, 3, true
	require.NoError(t, m.RecordSequence(ctx, rec))

	sum, err := m.Summary(ctx, 5)
	require.NoError(t, err)
	require.Len(t, sum.Recent, 1)
	assert.True(t, sum.Recent[0].Aborted)
	assert.Equal(t, 3, sum.Recent[0].FramesAttempted)
}

func TestJSONLSinkAppendsEntries(t *testing.T) {
	m, dir := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.RecordDownload(ctx, download("/x/IMG_1.JPG", "seq-1", true)))
	require.NoError(t, m.RecordSequence(ctx, photo.SequenceRecord{ID: "seq-1", Site: "Waveland"}))
	require.NoError(t, m.Close())

	f, err := os.Open(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		kinds = append(kinds, row["kind"].(string))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"download", "sequence"}, kinds)
}

func TestJSONLDisabledByEnv(t *testing.T) {
	t.Setenv(envDisableJSONL, "1")
	m, dir := newTestManager(t, true)
	assert.Equal(t, filepath.Join(dir, "journal.sqlite"), m.Name())
	assert.NoFileExists(t, filepath.Join(dir, "journal.jsonl"))
}

func TestJSONLKeptWhenDisableIsFalse(t *testing.T) {
	t.Setenv(envDisableJSONL, "false")
	m, dir := newTestManager(t, true)
	assert.Contains(t, m.Name(), filepath.Join(dir, "journal.jsonl"))
}

func TestBuildJSONLRowRejectsUnknownKind(t *testing.T) {
	_, err := buildJSONLRow(Entry{Kind: "thumbnail"})
	require.Error(t, err)
	_, err = buildJSONLRow(Entry{Kind: kindDownload})
	require.Error(t, err)
}

func TestReadSummaryMissingJournal(t *testing.T) {
	_, err := ReadSummary(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite"), 1)
	require.Error(t, err)
}
