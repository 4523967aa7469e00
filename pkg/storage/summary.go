package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// SequenceRow is one journaled burst as read back for status output.
type SequenceRow struct {
	ID              string
	Site            string
	SessionTime     time.Time
	FramesRequested int
	FramesAttempted int
	FramesCompleted int
	Aborted         bool
	Downloads       int
}

// Summary aggregates the journal.
type Summary struct {
	Downloads    int
	Bytes        uint64
	LeftOnCard   int
	Sequences    int
	LastDownload time.Time
	Recent       []SequenceRow
}

// ReadSummary opens the journal at dbPath and aggregates it. recent bounds
// the number of bursts returned newest first.
func ReadSummary(ctx context.Context, dbPath string, recent int) (Summary, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return Summary{}, pkgerrors.Wrapf(err, "storage: journal %s", dbPath)
	}
	db, err := openSQLite(dbPath)
	if err != nil {
		return Summary{}, err
	}
	defer db.Close()
	if err := prepareSchema(db); err != nil {
		return Summary{}, err
	}
	return readSummary(ctx, db, recent)
}

// Summary aggregates the journal this manager writes to.
func (m *Manager) Summary(ctx context.Context, recent int) (Summary, error) {
	return ReadSummary(ctx, m.dbPath, recent)
}

func readSummary(ctx context.Context, db *sql.DB, recent int) (Summary, error) {
	var (
		out      Summary
		bytes    sql.NullInt64
		lastMs   sql.NullInt64
		leftOver sql.NullInt64
	)
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), SUM(size), SUM(CASE WHEN device_deleted = 0 THEN 1 ELSE 0 END), MAX(downloaded_at) FROM %s;`,
		quoteIdent(downloadsTable)))
	if err := row.Scan(&out.Downloads, &bytes, &leftOver, &lastMs); err != nil {
		return Summary{}, pkgerrors.Wrap(err, "storage: aggregate downloads failed")
	}
	if bytes.Valid {
		out.Bytes = uint64(bytes.Int64)
	}
	if leftOver.Valid {
		out.LeftOnCard = int(leftOver.Int64)
	}
	if lastMs.Valid {
		out.LastDownload = time.UnixMilli(lastMs.Int64)
	}

	row = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, quoteIdent(sequencesTable)))
	if err := row.Scan(&out.Sequences); err != nil {
		return Summary{}, pkgerrors.Wrap(err, "storage: count sequences failed")
	}
	if recent <= 0 {
		return out, nil
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT s.id, s.site, s.session_time,
			s.frames_requested, s.frames_attempted, s.frames_completed, s.aborted,
			(SELECT COUNT(*) FROM %s d WHERE d.sequence_id = s.id)
		FROM %s s ORDER BY s.session_time DESC, s.started_at DESC LIMIT ?;`,
		quoteIdent(downloadsTable), quoteIdent(sequencesTable)), recent)
	if err != nil {
		return Summary{}, pkgerrors.Wrap(err, "storage: query recent sequences failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     SequenceRow
			session int64
			aborted int
		)
		if err := rows.Scan(&seq.ID, &seq.Site, &session, &seq.FramesRequested,
			&seq.FramesAttempted, &seq.FramesCompleted, &aborted, &seq.Downloads); err != nil {
			return Summary{}, pkgerrors.Wrap(err, "storage: scan sequence row failed")
		}
		seq.SessionTime = time.Unix(session, 0)
		seq.Aborted = aborted != 0
		out.Recent = append(out.Recent, seq)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, pkgerrors.Wrap(err, "storage: iterate sequences failed")
	}
	return out, nil
}
