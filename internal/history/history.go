// Package history persists continue-watching state locally: last position
// and timestamp per video, surviving process restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one watch-history row.
type Entry struct {
	Bvid        string
	Cid         int64
	Title       string
	PositionSec int64
	DurationSec int64
	UpdatedAt   time.Time
}

// ErrNotFound indicates no history exists for the video.
var ErrNotFound = errors.New("history: not found")

// Store is a SQLite-backed history store. Safe for concurrent use; SQLite
// is opened with a single connection as it allows a single writer.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS watch_history (
		bvid         TEXT PRIMARY KEY,
		cid          INTEGER NOT NULL,
		title        TEXT NOT NULL,
		position_sec INTEGER NOT NULL,
		duration_sec INTEGER NOT NULL,
		updated_at   TEXT NOT NULL
	)`)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert writes the latest position for a video, replacing any earlier row.
func (s *Store) Upsert(ctx context.Context, entry Entry) error {
	if entry.Bvid == "" {
		return fmt.Errorf("history: empty bvid")
	}
	now := entry.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_history (bvid, cid, title, position_sec, duration_sec, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bvid) DO UPDATE SET
		   cid = excluded.cid,
		   title = excluded.title,
		   position_sec = excluded.position_sec,
		   duration_sec = excluded.duration_sec,
		   updated_at = excluded.updated_at`,
		entry.Bvid, entry.Cid, entry.Title, entry.PositionSec, entry.DurationSec,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("history: upsert %s: %w", entry.Bvid, err)
	}
	return nil
}

// Get returns the stored entry for a video.
func (s *Store) Get(ctx context.Context, bvid string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bvid, cid, title, position_sec, duration_sec, updated_at
		 FROM watch_history WHERE bvid = ?`, bvid)
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, bvid)
	}
	return entry, err
}

// Recent returns up to limit entries, most recently updated first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT bvid, cid, title, position_sec, duration_sec, updated_at
		 FROM watch_history ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(scan func(...any) error) (Entry, error) {
	var entry Entry
	var updatedAt string
	if err := scan(&entry.Bvid, &entry.Cid, &entry.Title,
		&entry.PositionSec, &entry.DurationSec, &updatedAt); err != nil {
		return Entry{}, err
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		entry.UpdatedAt = ts
	}
	return entry, nil
}
