// Package store implements the durable Segment State Store (§4.B): a
// process-wide, SQLite-backed repository of per-segment and per-download
// progress, written through by the Update Batcher.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"segfetch/internal"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	download_id TEXT PRIMARY KEY,
	total_size INTEGER NOT NULL,
	segment_count INTEGER NOT NULL,
	percent REAL NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS segments (
	download_id TEXT NOT NULL,
	segment_index INTEGER NOT NULL,
	start_byte INTEGER NOT NULL,
	end_byte INTEGER NOT NULL,
	bytes_written INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	temp_path TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (download_id, segment_index)
);
`

// SQLiteStore is a Store (internal.Store) implementation backed by a
// single pure-Go SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates/migrates the database at path and returns a ready Store.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, internal.NewFileIOError("mkdir", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, internal.NewFileIOError("open", path, err)
	}
	if err := db.Ping(); err != nil {
		return nil, internal.NewFileIOError("ping", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, internal.NewFileIOError("migrate", path, err)
	}

	return &SQLiteStore{db: db}, nil
}

// List returns every persisted segment record for a download, ordered
// by segment_index.
func (s *SQLiteStore) List(ctx context.Context, downloadID string) ([]internal.SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_index, start_byte, end_byte, bytes_written, state, temp_path, retry_count
		FROM segments WHERE download_id = ? ORDER BY segment_index ASC`, downloadID)
	if err != nil {
		return nil, internal.NewFileIOError("list", downloadID, err)
	}
	defer rows.Close()

	var out []internal.SegmentRecord
	for rows.Next() {
		var rec internal.SegmentRecord
		var state string
		if err := rows.Scan(&rec.Index, &rec.StartByte, &rec.EndByte, &rec.BytesWritten, &state, &rec.TempPath, &rec.RetryCount); err != nil {
			return nil, internal.NewFileIOError("scan", downloadID, err)
		}
		rec.DownloadID = downloadID
		rec.State = internal.SegmentState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create atomically persists the full segment set for a download plus
// the owning download row.
func (s *SQLiteStore) Create(ctx context.Context, downloadID string, totalSize int64, count int, records []internal.SegmentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal.NewFileIOError("begin", downloadID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO downloads (download_id, total_size, segment_count, percent, downloaded_bytes)
		VALUES (?, ?, ?, 0, 0)`, downloadID, totalSize, count); err != nil {
		return internal.NewFileIOError("insert_download", downloadID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO segments
		(download_id, segment_index, start_byte, end_byte, bytes_written, state, temp_path, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return internal.NewFileIOError("prepare", downloadID, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, downloadID, rec.Index, rec.StartByte, rec.EndByte, rec.BytesWritten, string(rec.State), rec.TempPath, rec.RetryCount); err != nil {
			return internal.NewFileIOError("insert_segment", downloadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return internal.NewFileIOError("commit", downloadID, err)
	}
	return nil
}

// Update applies the non-nil fields of a SegmentUpdate to one segment
// row. Concurrent updates to distinct (download_id, index) pairs are
// independent because each runs as its own single-row UPDATE statement;
// SQLite serializes the writes themselves database-wide.
func (s *SQLiteStore) Update(ctx context.Context, downloadID string, index int, fields internal.SegmentUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if fields.BytesWritten != nil {
		sets = append(sets, "bytes_written = ?")
		args = append(args, *fields.BytesWritten)
	}
	if fields.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*fields.State))
	}
	if fields.TempPath != nil {
		sets = append(sets, "temp_path = ?")
		args = append(args, *fields.TempPath)
	}
	if fields.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *fields.RetryCount)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE segments SET %s WHERE download_id = ? AND segment_index = ?", joinComma(sets))
	args = append(args, downloadID, index)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return internal.NewFileIOError("update_segment", downloadID, err)
	}
	return nil
}

// UpdateProgress updates the per-download percent/downloaded_bytes row.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, downloadID string, percent float64, bytes int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET percent = ?, downloaded_bytes = ? WHERE download_id = ?`, percent, bytes, downloadID); err != nil {
		return internal.NewFileIOError("update_progress", downloadID, err)
	}
	return nil
}

// BatchUpdate commits every buffered segment and download-progress write
// the Update Batcher (§4.F) hands it inside a single transaction, so a
// periodic flush is all-or-nothing rather than one autocommit per row.
func (s *SQLiteStore) BatchUpdate(ctx context.Context, segments []internal.SegmentUpdateEntry, progress []internal.DownloadProgressEntry) error {
	if len(segments) == 0 && len(progress) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return internal.NewFileIOError("begin_batch", "", err)
	}
	defer tx.Rollback()

	for _, entry := range segments {
		sets := make([]string, 0, 4)
		args := make([]interface{}, 0, 6)

		if entry.Fields.BytesWritten != nil {
			sets = append(sets, "bytes_written = ?")
			args = append(args, *entry.Fields.BytesWritten)
		}
		if entry.Fields.State != nil {
			sets = append(sets, "state = ?")
			args = append(args, string(*entry.Fields.State))
		}
		if entry.Fields.TempPath != nil {
			sets = append(sets, "temp_path = ?")
			args = append(args, *entry.Fields.TempPath)
		}
		if entry.Fields.RetryCount != nil {
			sets = append(sets, "retry_count = ?")
			args = append(args, *entry.Fields.RetryCount)
		}
		if len(sets) == 0 {
			continue
		}

		query := fmt.Sprintf("UPDATE segments SET %s WHERE download_id = ? AND segment_index = ?", joinComma(sets))
		args = append(args, entry.DownloadID, entry.Index)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return internal.NewFileIOError("batch_update_segment", entry.DownloadID, err)
		}
	}

	for _, entry := range progress {
		if _, err := tx.ExecContext(ctx, `
			UPDATE downloads SET percent = ?, downloaded_bytes = ? WHERE download_id = ?`,
			entry.Percent, entry.Bytes, entry.DownloadID); err != nil {
			return internal.NewFileIOError("batch_update_progress", entry.DownloadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return internal.NewFileIOError("commit_batch", "", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

var _ internal.Store = (*SQLiteStore)(nil)
