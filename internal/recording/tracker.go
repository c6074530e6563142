package recording

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/ami"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// filenameFields is the ordered fallback list of AMI event fields that might
// carry the recording's filename (spec.md §6).
var filenameFields = []string{
	"Mixmonitor_filename", "MixMonitor_filename", "File", "Filename", "MixMonitorFilename",
}

// Tracker implements the AMI path of spec.md §4.4: it upserts a
// RecordingDescriptor on MixMonitor/Monitor start events and finalizes
// stopped_at/earliest_upload_time on stop events.
type Tracker struct {
	store *state.Store
	cfg   config.RecordingConfig
}

func NewTracker(store *state.Store, cfg config.RecordingConfig) *Tracker {
	return &Tracker{store: store, cfg: cfg}
}

// Attach registers the tracker's handlers on an AMI manager.
func (t *Tracker) Attach(mgr *ami.Manager) {
	mgr.RegisterEventHandler("MixMonitorStart", t.handleStart)
	mgr.RegisterEventHandler("MonitorStart", t.handleStart)
	mgr.RegisterEventHandler("MixMonitorStop", t.handleStop)
	mgr.RegisterEventHandler("MonitorStop", t.handleStop)
}

func (t *Tracker) handleStart(event ami.Event) {
	uniqueID := event["Uniqueid"]
	linkedID := event["Linkedid"]
	log := logger.WithField("uniqueid", uniqueID).WithField("linkedid", linkedID)

	filename := firstNonEmpty(event, filenameFields)
	var filePath string
	if filename == "" {
		if path, ok := DiscoverFile(t.cfg.RootPaths, pickNeedle(uniqueID, linkedID), t.cfg.DiscoveryWindow); ok {
			filePath = path
			filename = filepath.Base(path)
		} else {
			filename = SyntheticFilename(uniqueID)
			log.Warn("recording-start event has no filename and no file was discovered; using synthetic filename")
		}
	} else {
		filePath = resolveFilePath(t.cfg.RootPaths, filename)
	}

	rd := &models.RecordingDescriptor{
		Filename:           filename,
		Channel:            event["Channel"],
		UniqueID:           uniqueID,
		LinkedID:           linkedID,
		CallerIDNum:        event["CallerIDNum"],
		Exten:              event["Exten"],
		Context:            event["Context"],
		StartedAt:          time.Now().UTC(),
		FilePath:           filePath,
		FileExists:         filePath != "",
		EarliestUploadTime: time.Now().UTC(),
	}

	if err := t.store.SaveRecording(rd); err != nil {
		log.WithError(err).Error("failed to persist recording descriptor on start")
		return
	}
	log.WithField("filename", filename).Info("recording tracking started")
}

func (t *Tracker) handleStop(event ami.Event) {
	filename := firstNonEmpty(event, filenameFields)
	uniqueID := event["Uniqueid"]
	log := logger.WithField("uniqueid", uniqueID)

	if filename == "" {
		// Descriptors are not searched by uniqueid here: a stop event
		// without a filename is logged and ignored.
		log.Warn("recording-stop event missing filename field")
		return
	}

	rd, err := t.store.GetRecording(filename)
	if err != nil || rd == nil {
		log.WithField("filename", filename).Warn("recording-stop for unknown descriptor")
		return
	}

	stoppedAt := time.Now().UTC()
	rd.StoppedAt = &stoppedAt
	rd.EarliestUploadTime = stoppedAt.Add(t.cfg.StopUploadDelay)

	if err := t.store.SaveRecording(rd); err != nil {
		log.WithError(err).Error("failed to persist recording descriptor on stop")
	}
}

func firstNonEmpty(event ami.Event, fields []string) string {
	for _, f := range fields {
		if v := strings.TrimSpace(event[f]); v != "" {
			return filepath.Base(v)
		}
	}
	return ""
}

func pickNeedle(uniqueID, linkedID string) string {
	if uniqueID != "" {
		return uniqueID
	}
	return linkedID
}

func resolveFilePath(roots []string, filename string) string {
	for _, root := range roots {
		candidate := filepath.Join(root, filename)
		if fileExists(candidate) {
			return candidate
		}
	}
	if len(roots) > 0 {
		return filepath.Join(roots[0], filename)
	}
	return filename
}
