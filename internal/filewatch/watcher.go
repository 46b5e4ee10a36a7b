// Package filewatch records file changes under a set of directories and
// queues them for the next telemetry batch.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/rcourtman/pulse-netmon/internal/buffer"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

const (
	defaultMaxQueued = 1000

	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
	OpRename = "rename"
)

// Config lists the directories to watch.
type Config struct {
	Paths     []string
	MaxQueued int
	Logger    *zerolog.Logger
}

// Watcher turns fsnotify events into netmon.FileEvent values held in a
// bounded queue. When the queue is full the oldest events are dropped.
type Watcher struct {
	fs      *fsnotify.Watcher
	queue   *buffer.Queue[netmon.FileEvent]
	logger  zerolog.Logger
	dropped atomic.Int64
	now     func() time.Time
}

// New starts watching every directory under cfg.Paths. Paths that do not
// exist are skipped with a warning.
func New(cfg Config) (*Watcher, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "filewatch").Logger()
	}
	maxQueued := cfg.MaxQueued
	if maxQueued <= 0 {
		maxQueued = defaultMaxQueued
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:     fw,
		queue:  buffer.New[netmon.FileEvent](maxQueued),
		logger: logger,
		now:    time.Now,
	}

	for _, root := range cfg.Paths {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if err := w.addTree(root); err != nil {
			logger.Warn().Err(err).Str("path", root).Msg("Skipping watch path")
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn().Msg("File event overflow, some changes were not recorded")
				continue
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

// Drain returns queued events and empties the queue.
func (w *Watcher) Drain() []netmon.FileEvent {
	return w.queue.Drain()
}

// Dropped reports how many events were discarded because the queue was full.
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

// WatchList returns the directories currently watched.
func (w *Watcher) WatchList() []string {
	return w.fs.WatchList()
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	op := operation(event.Op)
	if op == "" {
		return
	}

	var size int64
	if op == OpCreate || op == OpModify {
		info, err := os.Stat(event.Name)
		if err != nil {
			// Gone before we looked; nothing left to report.
			return
		}
		if info.IsDir() {
			if op == OpCreate {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Debug().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
				}
			}
			return
		}
		size = info.Size()
	}

	w.enqueue(netmon.FileEvent{
		Path:      event.Name,
		Operation: op,
		FileType:  FileType(event.Name),
		Size:      size,
		Timestamp: w.now().UTC(),
	})
}

func (w *Watcher) enqueue(ev netmon.FileEvent) {
	if evicted := w.queue.Push(ev); len(evicted) > 0 {
		if w.dropped.Add(int64(len(evicted))) == int64(len(evicted)) {
			w.logger.Warn().Int("max", w.queue.Cap()).Msg("File event queue full, dropping oldest events")
		}
	}
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped rather than aborting the walk.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Debug().Err(err).Str("path", path).Msg("Failed to add watch")
		}
		return nil
	})
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Write):
		return OpModify
	default:
		return ""
	}
}

// FileType is the file extension including the dot, or "unknown".
func FileType(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return "unknown"
}
