package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	downloadsTable = "downloads"
	sequencesTable = "sequences"
)

type sqliteWriter struct {
	db           *sql.DB
	downloadStmt *sql.Stmt
	sequenceStmt *sql.Stmt
	path         string
}

func newSQLiteWriter(dbPath string) (Sink, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	downloadStmt, err := db.Prepare(buildDownloadUpsert())
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare download upsert failed")
	}
	sequenceStmt, err := db.Prepare(buildSequenceUpsert())
	if err != nil {
		downloadStmt.Close()
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare sequence upsert failed")
	}
	return &sqliteWriter{db: db, downloadStmt: downloadStmt, sequenceStmt: sequenceStmt, path: dbPath}, nil
}

func openSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildDownloadUpsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		sequence_id, site, name, size, local_path, sha256, device_deleted, downloaded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(site, local_path) DO UPDATE SET
		sequence_id=excluded.sequence_id,
		name=excluded.name,
		size=excluded.size,
		sha256=excluded.sha256,
		device_deleted=excluded.device_deleted,
		downloaded_at=excluded.downloaded_at;`, quoteIdent(downloadsTable))
}

func buildSequenceUpsert() string {
	return fmt.Sprintf(`INSERT INTO %s (
		id, site, session_time, frames_requested, frames_attempted, frames_completed, aborted, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		frames_attempted=excluded.frames_attempted,
		frames_completed=excluded.frames_completed,
		aborted=excluded.aborted,
		finished_at=excluded.finished_at;`, quoteIdent(sequencesTable))
}

func (s *sqliteWriter) Write(ctx context.Context, entry Entry) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("storage: sqlite storage nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	switch entry.Kind {
	case kindDownload:
		d := entry.Download
		if d == nil {
			return pkgerrors.New("storage: download entry without record")
		}
		_, err := s.downloadStmt.ExecContext(ctx,
			d.SequenceID,
			d.Site,
			d.Name,
			int64(d.Size),
			d.LocalPath,
			d.SHA256,
			boolToInt(d.DeviceDeleted),
			d.DownloadedAt.UnixMilli(),
		)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: sqlite download upsert failed")
		}
	case kindSequence:
		q := entry.Sequence
		if q == nil {
			return pkgerrors.New("storage: sequence entry without record")
		}
		_, err := s.sequenceStmt.ExecContext(ctx,
			q.ID,
			q.Site,
			q.SessionTime.Unix(),
			q.FramesRequested,
			q.FramesAttempted,
			q.FramesCompleted,
			boolToInt(q.Aborted),
			q.StartedAt.UnixMilli(),
			q.FinishedAt.UnixMilli(),
		)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: sqlite sequence upsert failed")
		}
	default:
		return pkgerrors.Errorf("storage: unknown entry kind %q", entry.Kind)
	}
	return nil
}

func (s *sqliteWriter) Close() error {
	if s == nil {
		return nil
	}
	if s.downloadStmt != nil {
		s.downloadStmt.Close()
	}
	if s.sequenceStmt != nil {
		s.sequenceStmt.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqliteWriter) Name() string {
	if s == nil || s.path == "" {
		return "sqlite"
	}
	return s.path
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		// status readers share the file with a running service
		"PRAGMA busy_timeout=10000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence_id TEXT,
			site TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			local_path TEXT NOT NULL,
			downloaded_at INTEGER NOT NULL,
			UNIQUE(site, local_path)
		);`, quoteIdent(downloadsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			site TEXT NOT NULL,
			session_time INTEGER NOT NULL,
			frames_requested INTEGER NOT NULL,
			frames_attempted INTEGER NOT NULL,
			frames_completed INTEGER NOT NULL,
			aborted INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER,
			finished_at INTEGER
		);`, quoteIdent(sequencesTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_downloads_sequence ON %s(sequence_id);`, quoteIdent(downloadsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_sequences_session ON %s(session_time);`, quoteIdent(sequencesTable)),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare journal schema failed")
		}
	}
	// columns added after the first field deployments
	if err := ensureSQLiteColumn(db, downloadsTable, "sha256", "TEXT"); err != nil {
		return err
	}
	return ensureSQLiteColumn(db, downloadsTable, "device_deleted", "INTEGER NOT NULL DEFAULT 0")
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	query := fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table))
	rows, err := db.Query(query)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return pkgerrors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return pkgerrors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return pkgerrors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
