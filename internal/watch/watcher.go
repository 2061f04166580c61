package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mfinley/docsync/internal/store"
)

// uploader is the subset of the API client that Watcher needs.
// Extracted for testability.
type uploader interface {
	UploadFile(ctx context.Context, name string, r io.Reader) (store.FileRecord, error)
}

// Watcher monitors a drop folder and uploads new documents. Uploaded
// records land in the store with status "uploaded"; the realtime channel
// and the poller track processing from there.
type Watcher struct {
	dir    string
	filter *Filter
	client uploader
	store  *store.Store
	logger *slog.Logger

	// uploaded maps absolute path to the mtime of the last successful
	// upload so an unchanged file is not uploaded twice.
	uploaded map[string]int64
}

// NewWatcher creates a drop-folder watcher. dir must be an absolute path.
func NewWatcher(dir string, filter *Filter, client uploader, st *store.Store, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		filter:   filter,
		client:   client,
		store:    st,
		logger:   logger,
		uploaded: make(map[string]int64),
	}
}

// Watch starts watching the drop folder. It blocks until the context is
// cancelled. Subdirectories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating drop folder: %w", err)
	}

	if err := addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching drop folder: %w", err)
	}

	w.logger.Info("drop folder watcher started", slog.String("dir", w.dir))

	// Debounce: batch rapid writes into a single upload per file.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// If a new directory was created, watch it too.
				if event.Has(fsnotify.Create) {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						_ = addRecursive(watcher, event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(w.uploaded, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < 300*time.Millisecond {
					continue
				}
				delete(pending, path)
				w.handleDrop(ctx, path)
			}
		}
	}
}

// handleDrop uploads a single settled file if the filter admits it.
func (w *Watcher) handleDrop(ctx context.Context, absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("stat failed", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}
	if info.IsDir() {
		return
	}

	name := filepath.Base(absPath)
	if !w.filter.Allow(name, info.Size()) {
		w.logger.Debug("skipping filtered file", slog.String("path", absPath))
		return
	}

	mtime := info.ModTime().UnixMilli()
	if last, ok := w.uploaded[absPath]; ok && last == mtime {
		return
	}

	f, err := os.Open(absPath)
	if err != nil {
		w.logger.Warn("opening file", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	rec, err := w.client.UploadFile(ctx, name, f)
	if err != nil {
		w.logger.Warn("upload failed",
			slog.String("path", absPath),
			slog.String("error", err.Error()),
		)
		return
	}

	w.uploaded[absPath] = mtime
	w.store.MergeFile(rec)

	w.logger.Info("uploaded dropped file",
		slog.String("name", name),
		slog.Int64("file_id", rec.ID),
	)
}

// addRecursive adds dir and all non-hidden subdirectories to the watcher.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
