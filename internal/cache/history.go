package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS conversions (
	file_key    TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	output      TEXT NOT NULL,
	format      TEXT NOT NULL,
	track_id    TEXT NOT NULL DEFAULT '',
	converted_at INTEGER NOT NULL
)`

// HistoryRecord is one converted input.
type HistoryRecord struct {
	Source      string
	Output      string
	Format      string
	TrackID     string
	ConvertedAt time.Time
}

// History persists converted inputs so that batch and watch runs can skip
// files whose path, size and mtime have not changed.
type History struct {
	db *sql.DB
}

func OpenHistory(ctx context.Context, path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY under the worker pool
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func statKey(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", err
	}
	return FileKey(source, info.Size(), info.ModTime()), nil
}

// Seen reports whether source, in its current version, was converted before.
func (h *History) Seen(ctx context.Context, source string) (*HistoryRecord, bool, error) {
	key, err := statKey(source)
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", source, err)
	}

	var rec HistoryRecord
	var ts int64
	err = h.db.QueryRowContext(ctx,
		`SELECT source, output, format, track_id, converted_at FROM conversions WHERE file_key = ?`, key,
	).Scan(&rec.Source, &rec.Output, &rec.Format, &rec.TrackID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("query history: %w", err)
	}
	rec.ConvertedAt = time.Unix(ts, 0)
	return &rec, true, nil
}

// Record stores a conversion. Must be called before the source is removed.
func (h *History) Record(ctx context.Context, rec HistoryRecord) error {
	key, err := statKey(rec.Source)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rec.Source, err)
	}
	if rec.ConvertedAt.IsZero() {
		rec.ConvertedAt = time.Now()
	}

	_, err = h.db.ExecContext(ctx,
		`INSERT INTO conversions (file_key, source, output, format, track_id, converted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_key) DO UPDATE SET
		   output = excluded.output, format = excluded.format,
		   track_id = excluded.track_id, converted_at = excluded.converted_at`,
		key, rec.Source, rec.Output, rec.Format, rec.TrackID, rec.ConvertedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return n, nil
}
