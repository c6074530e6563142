package recording

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// Sweeper periodically scans the configured recording directories for files
// the AMI event stream missed — e.g. the agent restarted mid-call and never
// saw a MixMonitorStart. Grounded on
// original_source/src/recording_uploader.py's periodic sweep, reimplemented
// in-process rather than shelling out to a helper script.
type Sweeper struct {
	store *state.Store
	cfg   config.RecordingConfig
}

func NewSweeper(store *state.Store, cfg config.RecordingConfig) *Sweeper {
	return &Sweeper{store: store, cfg: cfg}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	for _, root := range s.cfg.RootPaths {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			filename := filepath.Base(path)

			existing, getErr := s.store.GetRecording(filename)
			if getErr != nil {
				logger.WithError(getErr).Warn("sweep: failed to check existing descriptor")
				return nil
			}
			if existing != nil {
				return nil
			}

			rd := &models.RecordingDescriptor{
				Filename:           filename,
				FilePath:           path,
				FileExists:         true,
				FileSize:           info.Size(),
				StartedAt:          info.ModTime().UTC(),
				EarliestUploadTime: info.ModTime().UTC().Add(s.cfg.StopUploadDelay),
			}
			if saveErr := s.store.SaveRecording(rd); saveErr != nil {
				logger.WithError(saveErr).Error("sweep: failed to register discovered recording")
				return nil
			}
			logger.WithField("filename", filename).Info("sweep discovered untracked recording file")
			return nil
		})
	}
}
