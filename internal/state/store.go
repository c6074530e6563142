// Package state is the agent's Local State Store: the single durable
// substrate for per-call shipping state and recording descriptors, and the
// retry queue the rest of the system leans on (spec.md §9 "Global state").
// Grounded on original_source/src/database_connector.py's SQLite tracker
// tables, reimplemented over an embedded key/value store rather than SQLite
// since the agent's existing stack has no SQLite driver (see DESIGN.md).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

var (
	bucketCalls      = []byte("processed_calls")
	bucketRecordings = []byte("recording_metadata")
	bucketMeta       = []byte("startup_info")
)

// Store wraps a single bbolt database file. All access goes through one
// connection guarded by bbolt's own internal locking plus a thin mutex for
// compound read-modify-write sequences, matching the "single connection
// guarded by a mutex" policy in spec.md §5.
type Store struct {
	mu sync.Mutex
	db *bbolt.DB
}

// Open opens (creating if absent) the state file at path, falling back to
// fallbackPath if path's directory isn't writable.
func Open(path, fallbackPath string) (*Store, error) {
	db, err := openAt(path)
	if err != nil {
		logger.WithField("path", path).WithError(err).Warn("primary state path unavailable, falling back")
		db, err = openAt(fallbackPath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrStateCorrupt, "failed to open local state store")
		}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCalls, bucketRecordings, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrStateCorrupt, "failed to initialize state buckets")
	}

	return &Store{db: db}, nil
}

func openAt(path string) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartupWatermark returns the persisted CDR high-water mark, if any has
// ever been recorded. Otherwise it persists dbNow (or dbMaxCallDate, if
// non-zero) as the fresh-start watermark so a new install never replays
// history (spec.md §4.1, SPEC_FULL.md §4 "Fresh-start watermark").
func (s *Store) StartupWatermark(dbNow, dbMaxCallDate time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var watermark time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte("watermark"))
		if raw == nil {
			return nil
		}
		return watermark.UnmarshalText(raw)
	})
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrStateCorrupt, "failed to read watermark")
	}
	if !watermark.IsZero() {
		return watermark, nil
	}

	watermark = dbNow
	if !dbMaxCallDate.IsZero() {
		watermark = dbMaxCallDate
	}

	// s.mu is already held, so write directly rather than via SetWatermark.
	raw, err := watermark.MarshalText()
	if err != nil {
		return time.Time{}, err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("watermark"), raw)
	}); err != nil {
		return time.Time{}, err
	}
	logger.WithField("watermark", watermark).Info("initialized fresh-start watermark")
	return watermark, nil
}

func (s *Store) SetWatermark(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := t.MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("watermark"), raw)
	})
}

// --- Call shipping state ---

func (s *Store) GetCallState(linkedID string) (*models.CallShippingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *models.CallShippingState
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCalls).Get([]byte(linkedID))
		if raw == nil {
			return nil
		}
		var st models.CallShippingState
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		out = &st
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStateCorrupt, "failed to decode call state")
	}
	return out, nil
}

func (s *Store) SaveCallState(st *models.CallShippingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCalls).Put([]byte(st.LinkedID), raw)
	})
}

// PurgeOldCallStates removes shipped call states older than ttl (spec.md §3
// "Per-Call Shipping State" cleanup, default 48h).
func (s *Store) PurgeOldCallStates(ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	var toDelete [][]byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCalls).ForEach(func(k, v []byte) error {
			var st models.CallShippingState
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			if !st.ShippedAt.IsZero() && st.ShippedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCalls)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

// ListCallStates returns every tracked call shipping state, for operator
// inspection via cmd/agentctl. Unbounded by design: the bucket is pruned
// regularly by PurgeOldCallStates, so it never grows large enough to make a
// full scan expensive.
func (s *Store) ListCallStates() ([]*models.CallShippingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CallShippingState
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCalls).ForEach(func(k, v []byte) error {
			var st models.CallShippingState
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			cp := st
			out = append(out, &cp)
			return nil
		})
	})
	return out, err
}

// ListFailedCallsForRetry returns call states past their escalating backoff
// cooldown (5m,10m,20m,40m,1h per error_count), within the 48h retry
// ceiling, grounded on database_connector.py's get_failed_calls.
func (s *Store) ListFailedCallsForRetry(retryCeiling time.Duration, limit int) ([]*models.CallShippingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CallShippingState
	now := time.Now()

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCalls).ForEach(func(k, v []byte) error {
			if len(out) >= limit {
				return nil
			}
			var st models.CallShippingState
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			if st.ErrorCount == 0 || !st.ShippedAt.IsZero() {
				return nil
			}
			if now.Sub(st.FirstSeen) > retryCeiling {
				return nil
			}
			if now.Before(st.LastUpdated.Add(BackoffCooldown(st.ErrorCount))) {
				return nil
			}
			cp := st
			out = append(out, &cp)
			return nil
		})
	})
	return out, err
}

// BackoffCooldown implements the escalating schedule from
// SPEC_FULL.md §4 / database_connector.py: 5m,10m,20m,40m, then hourly.
// Shared by call-shipping retry (ListFailedCallsForRetry) and recording
// upload retry (shipper.uploadOne) since both follow the same schedule.
func BackoffCooldown(errorCount int) time.Duration {
	switch {
	case errorCount <= 1:
		return 5 * time.Minute
	case errorCount == 2:
		return 10 * time.Minute
	case errorCount == 3:
		return 20 * time.Minute
	case errorCount == 4:
		return 40 * time.Minute
	default:
		return time.Hour
	}
}

// --- Recording descriptors ---

func (s *Store) GetRecording(filename string) (*models.RecordingDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *models.RecordingDescriptor
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecordings).Get([]byte(filename))
		if raw == nil {
			return nil
		}
		var rd models.RecordingDescriptor
		if err := json.Unmarshal(raw, &rd); err != nil {
			return err
		}
		out = &rd
		return nil
	})
	return out, err
}

func (s *Store) SaveRecording(rd *models.RecordingDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(rd)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecordings).Put([]byte(rd.Filename), raw)
	})
}

func (s *Store) DeleteRecording(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecordings).Delete([]byte(filename))
	})
}

// ListTrackedRecordings returns every descriptor currently being watched
// (file_exists=true, recording_complete=false, uploaded=false) for the
// filesystem watch path (spec.md §4.4).
func (s *Store) ListTrackedRecordings() ([]*models.RecordingDescriptor, error) {
	return s.filterRecordings(func(rd *models.RecordingDescriptor) bool {
		return rd.FileExists && !rd.RecordingComplete && !rd.Uploaded
	})
}

// RecordingRetryCeiling is the point past started_at beyond which a
// recording's upload is abandoned rather than retried (spec.md §8 scenario
// 6): "attempts halt no later than started_at + 48h".
const RecordingRetryCeiling = 48 * time.Hour

// ListUploadEligible returns descriptors eligible for upload: complete, not
// yet uploaded, past earliest_upload_time, and still within
// RecordingRetryCeiling of started_at (spec.md §4.4, §8 scenario 6).
func (s *Store) ListUploadEligible(now time.Time) ([]*models.RecordingDescriptor, error) {
	return s.filterRecordings(func(rd *models.RecordingDescriptor) bool {
		if !rd.RecordingComplete || rd.Uploaded || now.Before(rd.EarliestUploadTime) {
			return false
		}
		if rd.UploadAttempts > 0 && !rd.StartedAt.IsZero() && now.Sub(rd.StartedAt) > RecordingRetryCeiling {
			return false
		}
		return true
	})
}

func (s *Store) filterRecordings(pred func(*models.RecordingDescriptor) bool) ([]*models.RecordingDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RecordingDescriptor
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecordings).ForEach(func(_, v []byte) error {
			var rd models.RecordingDescriptor
			if err := json.Unmarshal(v, &rd); err != nil {
				return nil
			}
			if pred(&rd) {
				out = append(out, &rd)
			}
			return nil
		})
	})
	return out, err
}

// PurgeOldRecordings deletes descriptors older than ttl since started_at
// (spec.md §3, default 24h; independent of the 48h call-state ceiling per
// the Open Question in spec.md §9).
func (s *Store) PurgeOldRecordings(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	recs, err := s.filterRecordings(func(rd *models.RecordingDescriptor) bool {
		return rd.StartedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecordings)
		for _, rd := range recs {
			if err := b.Delete([]byte(rd.Filename)); err != nil {
				return err
			}
		}
		return nil
	})
	return len(recs), err
}
