package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Subdirectories batches are moved to once handled
const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Handler processes one settled batch file. A nil error moves the file to
// done/, anything else to failed/.
type Handler func(ctx context.Context, path string) error

// Watcher hands every batch file that lands in a directory to a Handler,
// one file at a time in arrival order
type Watcher struct {
	dir    string
	config Config
	handle Handler
	logger *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]time.Time // path → last write seen
}

// NewWatcher creates a watcher for dir
func NewWatcher(dir string, cfg Config, handle Handler, logger *slog.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inbox config: %w", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	return &Watcher{
		dir:     abs,
		config:  cfg,
		handle:  handle,
		logger:  logger,
		pending: make(map[string]time.Time),
	}, nil
}

// Run handles the batches already waiting in the directory, then watches it
// until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	for _, sub := range []string{DoneDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	existing, err := Collect([]string{filepath.Join(w.dir, w.config.Pattern)})
	if err != nil {
		return err
	}
	for _, path := range existing {
		if ctx.Err() != nil {
			return nil
		}
		w.process(ctx, path)
	}

	w.logger.Info("watching inbox",
		slog.String("dir", w.dir),
		slog.String("pattern", w.config.Pattern),
		slog.Duration("debounce", w.config.Debounce))

	ticker := time.NewTicker(w.config.Debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox watcher error", slog.Any("error", err))

		case now := <-ticker.C:
			for _, path := range w.settled(now) {
				if ctx.Err() != nil {
					return nil
				}
				w.process(ctx, path)
			}
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if filepath.Dir(event.Name) != w.dir {
		return
	}
	if ok, _ := doublestar.Match(w.config.Pattern, filepath.Base(event.Name)); !ok {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()
	w.logger.Debug("batch change detected", slog.String("path", event.Name), slog.String("op", event.Op.String()))
}

// settled returns, in name order, the pending files quiet for a full
// debounce interval
func (w *Watcher) settled(now time.Time) []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	dest := DoneDir
	if err := w.handle(ctx, path); err != nil {
		dest = FailedDir
		w.logger.Error("batch failed", slog.String("path", path), slog.Any("error", err))
	}

	target, err := w.archive(path, dest)
	if err != nil {
		w.logger.Error("failed to move batch out of the inbox", slog.String("path", path), slog.Any("error", err))
		return
	}
	w.logger.Info("batch handled", slog.String("path", path), slog.String("moved_to", target))
}

// archive moves path into the dest subdirectory, suffixing the name with a
// timestamp if a file of that name was archived before
func (w *Watcher) archive(path, dest string) (string, error) {
	base := filepath.Base(path)
	target := filepath.Join(w.dir, dest, base)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(base)
		stem := base[:len(base)-len(ext)]
		target = filepath.Join(w.dir, dest, fmt.Sprintf("%s.%s%s", stem, time.Now().UTC().Format("20060102T150405.000000000"), ext))
	}
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}
