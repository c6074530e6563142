package recording

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// StabilityChecker runs the filesystem watch path of spec.md §4.4: a
// periodic scanner (interval capped at 60s) over every Descriptor with
// file_exists, not yet complete, not yet uploaded.
type StabilityChecker struct {
	store *state.Store
	cfg   config.RecordingConfig
}

func NewStabilityChecker(store *state.Store, cfg config.RecordingConfig) *StabilityChecker {
	if cfg.WatchInterval > 60*time.Second {
		cfg.WatchInterval = 60 * time.Second
	}
	return &StabilityChecker{store: store, cfg: cfg}
}

func (c *StabilityChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.checkAll()
		}
	}
}

func (c *StabilityChecker) checkAll() {
	tracked, err := c.store.ListTrackedRecordings()
	if err != nil {
		logger.WithError(err).Error("failed to list tracked recordings")
		return
	}
	for _, rd := range tracked {
		c.checkOne(rd)
	}
}

func (c *StabilityChecker) checkOne(rd *models.RecordingDescriptor) {
	info, err := os.Stat(rd.FilePath)
	if err != nil {
		rd.FileExists = false
		if saveErr := c.store.SaveRecording(rd); saveErr != nil {
			logger.WithError(saveErr).Error("failed to persist vanished recording")
		}
		return
	}

	size := info.Size()
	switch {
	case size == rd.FileSize && size >= c.cfg.MinFileSize:
		rd.SizeStableCount++
		if rd.SizeStableCount >= c.cfg.StabilizationChecks {
			rd.RecordingComplete = true
		}
	case size < c.cfg.MinFileSize:
		rd.SizeStableCount = 0
	default:
		rd.SizeStableCount = 0
	}

	rd.FileSize = size
	rd.LastSizeCheck = time.Now().UTC()

	if err := c.store.SaveRecording(rd); err != nil {
		logger.WithError(err).Error("failed to persist recording stability check")
	}
}

// Watcher forwards fsnotify create and write events for the configured
// recording root paths to a channel. cmd/agent does not construct a
// Watcher, so the running agent's filesystem watch path (spec.md §4.4) is
// the periodic StabilityChecker above, together with the sweeper.
type Watcher struct {
	watcher *fsnotify.Watcher
	Created chan string
}

func NewWatcher(roots []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := fw.Add(root); err != nil {
			logger.WithField("path", root).WithError(err).Warn("failed to watch recording root path")
		}
	}
	return &Watcher{watcher: fw, Created: make(chan string, 256)}, nil
}

func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				select {
				case w.Created <- ev.Name:
				default:
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("recording filesystem watcher error")
		}
	}
}
