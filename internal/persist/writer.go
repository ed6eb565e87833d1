// Package persist stores cache state in SQLite behind a write-behind queue.
package persist

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
)

// DefaultDelay is the debounce applied to queued writes.
const DefaultDelay = 500 * time.Millisecond

var (
	// ErrClosed is delivered to jobs queued after Close.
	ErrClosed = errors.New(errors.CodeUnavailable, "persist: writer is closed")
	// ErrSuperseded is delivered to queued jobs dropped by Supersede.
	ErrSuperseded = errors.New(errors.CodeConflict, "persist: write superseded")
)

// Execer is the subset of *sql.DB the writer needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type job struct {
	query string
	args  []any
	done  chan error
}

// Writer queues statements and flushes them after a quiet period. Jobs are
// written in the order they were queued, so a later upsert of the same row
// wins. Every job reports its own result; a failing job never affects the
// others.
type Writer struct {
	db     Execer
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	timer  *time.Timer
	busy   bool
	closed bool
}

// NewWriter creates a Writer that debounces flushes by delay.
func NewWriter(db Execer, delay time.Duration, logger *slog.Logger) *Writer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{db: db, delay: delay, logger: logger}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Exec queues a statement and restarts the debounce timer. The returned
// channel receives the statement's result once it has been written.
func (w *Writer) Exec(query string, args ...any) <-chan error {
	j := &job{query: query, args: args, done: make(chan error, 1)}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		j.done <- ErrClosed
		return j.done
	}
	w.queue = append(w.queue, j)
	w.armLocked()
	return j.done
}

// Supersede drops every queued job and queues query in their place. Jobs
// that are already being written are not affected and finish first.
func (w *Writer) Supersede(query string, args ...any) <-chan error {
	w.mu.Lock()
	dropped := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, j := range dropped {
		j.done <- ErrSuperseded
	}
	return w.Exec(query, args...)
}

func (w *Writer) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		w.timer = nil
		w.mu.Unlock()
		w.Flush(context.Background())
	})
}

// Flush writes everything queued so far. A call made while another flush is
// running returns immediately; the queue is picked up when that flush ends.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	batch := w.queue
	w.queue = nil
	if len(batch) == 0 {
		w.mu.Unlock()
		return
	}
	w.busy = true
	w.mu.Unlock()

	for _, j := range batch {
		_, err := w.db.ExecContext(ctx, j.query, j.args...)
		if err != nil {
			err = errors.Wrap(err, errors.CodeDatabase, "persist: write failed")
		}
		j.done <- err
	}
	w.logger.Debug("persist: flushed", "jobs", len(batch))

	w.mu.Lock()
	w.busy = false
	if len(w.queue) > 0 && w.timer == nil && !w.closed {
		w.armLocked()
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Sync flushes until nothing is queued or being written.
func (w *Writer) Sync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.Flush(ctx)

		w.mu.Lock()
		for w.busy {
			w.cond.Wait()
		}
		empty := len(w.queue) == 0
		w.mu.Unlock()
		if empty {
			return nil
		}
	}
}

// Pending returns the number of queued, unflushed jobs.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Close rejects new jobs and writes what is already queued. Jobs still
// queued when ctx ends receive ErrClosed.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.Sync(ctx)

	w.mu.Lock()
	dropped := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, j := range dropped {
		j.done <- ErrClosed
	}
	return err
}
