// Package cache keeps downloaded images on disk, one file per task key.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/jmgilman/go/errors"
)

// partialSuffixes mark files that are still being written.
var partialSuffixes = []string{".tmp", ".aria2"}

// Dir is a flat directory of cached images. An in-memory index of the files
// present answers LocalPath without touching the disk.
type Dir struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]struct{}
}

// Open creates root if needed and indexes the files already in it.
func Open(root string, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid cache directory")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create cache directory")
	}
	d := &Dir{root: abs, logger: logger, index: make(map[string]struct{})}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) scan() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to read cache directory")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		d.index[e.Name()] = struct{}{}
	}
	return nil
}

// Root returns the absolute cache directory.
func (d *Dir) Root() string { return d.root }

// FileName returns the file name used for key.
func FileName(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

// Path returns the full path for key whether or not it exists.
func (d *Dir) Path(key string) string {
	return filepath.Join(d.root, FileName(key))
}

// LocalPath returns the cached file for key if it is present.
func (d *Dir) LocalPath(key string) (string, bool) {
	name := FileName(key)
	d.mu.RLock()
	_, ok := d.index[name]
	d.mu.RUnlock()
	if !ok {
		return "", false
	}
	return filepath.Join(d.root, name), true
}

// TempFile creates a partial file for key in the cache directory.
func (d *Dir) TempFile(key string) (*os.File, error) {
	f, err := os.CreateTemp(d.root, FileName(key)+"-*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create temp file")
	}
	return f, nil
}

// Commit moves a finished temp file into key's slot.
func (d *Dir) Commit(key, tmpPath string) error {
	if err := os.Rename(tmpPath, d.Path(key)); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeInternal, "failed to commit cache file")
	}
	d.Mark(key)
	return nil
}

// Mark records key as present. Used when the file was written in place.
func (d *Dir) Mark(key string) {
	d.mu.Lock()
	d.index[FileName(key)] = struct{}{}
	d.mu.Unlock()
}

// Remove deletes key's file, if any, and drops it from the index.
func (d *Dir) Remove(key string) error {
	name := FileName(key)
	d.mu.Lock()
	delete(d.index, name)
	d.mu.Unlock()
	if err := os.Remove(filepath.Join(d.root, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", name)
	}
	return nil
}

// Clear removes every cached file.
func (d *Dir) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to read cache directory")
	}
	for _, e := range entries {
		if e.IsDir() || isPartial(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(d.root, e.Name())); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, errors.CodeInternal, "failed to remove %s", e.Name())
		}
	}
	d.index = make(map[string]struct{})
	return nil
}

// Len returns the number of indexed files.
func (d *Dir) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}

// Size returns the total bytes of the indexed files.
func (d *Dir) Size() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total int64
	for name := range d.index {
		info, err := os.Stat(filepath.Join(d.root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, errors.Wrapf(err, errors.CodeInternal, "failed to stat %s", name)
		}
		total += info.Size()
	}
	return total, nil
}

// Watch keeps the index in sync with files added or removed by other
// processes until ctx is done.
func (d *Dir) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to create watcher")
	}
	defer w.Close()
	if err := w.Add(d.root); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to watch cache directory")
	}
	d.logger.Info("cache: watching directory", "dir", d.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			d.apply(event)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("cache: watcher error", "error", err)
		}
	}
}

func (d *Dir) apply(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if isPartial(name) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(d.index, name)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && !info.IsDir() {
			d.index[name] = struct{}{}
		}
	}
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
