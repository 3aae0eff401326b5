// Package watcher observes the directory a run writes its result files
// into and feeds settled batches to the data sync.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BatchCallback receives the files that settled since the last flush,
// sorted by path. It runs on the watcher goroutine, so a slow sync blocks
// further flushes but never loses events.
type BatchCallback func(files []string)

// DefaultSettle is the quiet period after the last write before a batch
// is considered complete. A run writes several files in quick succession;
// flushing per event would split one run into many sync prompts.
const DefaultSettle = 2 * time.Second

// Watch starts an fsnotify watcher on root and processes write events
// until ctx is cancelled. Files are collected until no write has arrived
// for the settle period, then the batch is handed to cb. New directories
// created at runtime are added to the watch list; hidden files and this
// tool's own temporary files are ignored.
func Watch(ctx context.Context, root string, settle time.Duration, logger *slog.Logger, cb BatchCallback) error {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	scheduleFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(settle)
			flushCh = flushTimer.C
		} else {
			flushTimer.Reset(settle)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if flushTimer != nil {
				flushTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-flushCh:
			batch := drainPending(pending)
			if len(batch) == 0 {
				continue
			}
			logger.Debug("watcher: batch settled", slog.Int("files", len(batch)))
			if cb != nil {
				cb(batch)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ignored(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			scheduleFlush()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// drainPending empties the pending set into a sorted batch, dropping
// files that vanished again before the flush.
func drainPending(pending map[string]struct{}) []string {
	batch := make([]string, 0, len(pending))
	for p := range pending {
		delete(pending, p)
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			continue
		}
		batch = append(batch, p)
	}
	sort.Strings(batch)
	return batch
}

// ignored filters hidden files and the temporary files this tool writes
// during atomic saves and downloads.
func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
