package persist

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/prefetch"
)

// Store mirrors the prefetch cache into SQLite. It implements
// prefetch.Recorder; writes go through a Writer and never block the caller.
type Store struct {
	db     *sql.DB
	w      *Writer
	logger *slog.Logger
}

// NewStore creates the tables if needed and starts a write-behind queue
// with the given debounce delay.
func NewStore(db *sql.DB, delay time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, w: NewWriter(db, delay, logger), logger: logger}
	if err := s.InitTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitTable creates the cache tables if they don't exist.
func (s *Store) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS image_entry (
		url TEXT PRIMARY KEY,
		blurhash TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS image_variation (
		url TEXT NOT NULL,
		requested_width INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (url, requested_width)
	);

	CREATE TABLE IF NOT EXISTS image_stats (
		url TEXT PRIMARY KEY,
		fetched INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS image_loading_time (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_time DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_image_loading_time_url ON image_loading_time(url);
	`
	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to create cache tables")
	}
	return nil
}

// Writer exposes the underlying write-behind queue.
func (s *Store) Writer() *Writer { return s.w }

func (s *Store) RecordVariation(url, blurhash string, v prefetch.Variation) {
	s.track("entry", s.w.Exec(`
		INSERT INTO image_entry (url, blurhash) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET blurhash = CASE
			WHEN excluded.blurhash != '' THEN excluded.blurhash
			ELSE image_entry.blurhash
		END`, url, blurhash))
	s.track("variation", s.w.Exec(`
		INSERT INTO image_variation (url, requested_width, source, status, timestamp, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, requested_width) DO UPDATE SET
			source = excluded.source,
			status = excluded.status,
			timestamp = excluded.timestamp,
			attempts = excluded.attempts`,
		url, int(v.Width), v.Source, string(v.Status), v.Timestamp.UnixMilli(), v.Attempts))
}

func (s *Store) RecordFetch(url string, elapsed time.Duration) {
	s.track("fetched", s.w.Exec(`
		INSERT INTO image_stats (url, fetched) VALUES (?, 1)
		ON CONFLICT(url) DO UPDATE SET fetched = image_stats.fetched + 1`, url))
	s.track("loading_time", s.w.Exec(
		`INSERT INTO image_loading_time (url, duration_ms, created_time) VALUES (?, ?, datetime('now'))`,
		url, elapsed.Milliseconds()))
}

// RecordClear replaces every queued write with a wipe of the cache tables.
func (s *Store) RecordClear() {
	s.track("clear", s.w.Supersede(`
		DELETE FROM image_variation;
		DELETE FROM image_entry;
		DELETE FROM image_stats;
		DELETE FROM image_loading_time;`))
}

func (s *Store) track(op string, done <-chan error) {
	go func() {
		if err := <-done; err != nil && !errors.Is(err, ErrSuperseded) {
			s.logger.Warn("persist: write-behind job failed", "op", op, "error", err)
		}
	}()
}

// Load flushes pending writes and returns the loaded variations and
// counters that were persisted.
func (s *Store) Load(ctx context.Context) (map[string]prefetch.Entry, prefetch.Stats, error) {
	stats := prefetch.Stats{
		Fetched:      make(map[string]int),
		LoadingTimes: make(map[string][]time.Duration),
	}
	if err := s.w.Sync(ctx); err != nil {
		return nil, stats, errors.Wrap(err, errors.CodeDatabase, "failed to flush pending writes")
	}

	entries, err := s.loadEntries(ctx)
	if err != nil {
		return nil, stats, err
	}
	if err := s.loadStats(ctx, stats); err != nil {
		return nil, stats, err
	}
	return entries, stats, nil
}

func (s *Store) loadEntries(ctx context.Context) (map[string]prefetch.Entry, error) {
	query := `
	SELECT v.url, v.requested_width, v.source, v.status, v.timestamp, v.attempts, COALESCE(e.blurhash, '')
	FROM image_variation v
	LEFT JOIN image_entry e ON e.url = v.url
	WHERE v.status = ?
	ORDER BY v.url, v.timestamp`
	rows, err := s.db.QueryContext(ctx, query, string(prefetch.StatusLoaded))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to query variations")
	}
	defer rows.Close()

	entries := make(map[string]prefetch.Entry)
	for rows.Next() {
		var (
			url, source, status, blurhash string
			width, attempts              int
			ts                           int64
		)
		if err := rows.Scan(&url, &width, &source, &status, &ts, &attempts, &blurhash); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "failed to scan variation")
		}
		e := entries[url]
		e.Blurhash = blurhash
		e.Variations = append(e.Variations, prefetch.Variation{
			Width:     prefetch.Width(width),
			Source:    source,
			Status:    prefetch.Status(status),
			Timestamp: time.UnixMilli(ts),
			Attempts:  attempts,
		})
		entries[url] = e
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "failed to read variations")
	}
	return entries, nil
}

func (s *Store) loadStats(ctx context.Context, stats prefetch.Stats) error {
	rows, err := s.db.QueryContext(ctx, `SELECT url, fetched FROM image_stats`)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to query stats")
	}
	for rows.Next() {
		var url string
		var n int
		if err := rows.Scan(&url, &n); err != nil {
			rows.Close()
			return errors.Wrap(err, errors.CodeDatabase, "failed to scan stats")
		}
		stats.Fetched[url] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT url, duration_ms FROM image_loading_time ORDER BY id`)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "failed to query loading times")
	}
	defer rows.Close()
	for rows.Next() {
		var url string
		var ms int64
		if err := rows.Scan(&url, &ms); err != nil {
			return errors.Wrap(err, errors.CodeDatabase, "failed to scan loading time")
		}
		stats.LoadingTimes[url] = append(stats.LoadingTimes[url], time.Duration(ms)*time.Millisecond)
	}
	return rows.Err()
}

// Close flushes pending writes and stops accepting new ones.
func (s *Store) Close(ctx context.Context) error {
	return s.w.Close(ctx)
}
