package shipper

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/localdb"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// Shipper is the Durable Shipping Layer described in spec.md §4.5. It
// satisfies aggregator.Emitter and drives recording uploads once their
// earliest_upload_time has passed. Two delivery modes mirror
// ShipperConfig.Mode: "batch" accumulates documents up to BatchSize or
// BatchTimeout before a single HTTP call; "direct" ships each document
// immediately, bounded by a semaphore of MaxConcurrentUploads in-flight
// requests. Grounded on original_source/src/ami/http_worker.py's queue +
// worker-pool shape.
type Shipper struct {
	client *Client
	store  *state.Store
	cfg    config.ShipperConfig

	queue   chan *models.ConsolidatedCall
	batch   []*models.ConsolidatedCall
	batchMu sync.Mutex

	uploadSem chan struct{}
	limiter   *limiter

	// auditLog is optional: when set (cfg.LocalState.AuditEnabled), every
	// shipment outcome is additionally recorded to the MySQL shipment_log
	// table for operator history, independent of state.Store's
	// current-state-only tracking.
	auditLog *localdb.AuditLog

	dropped uint64
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

func New(cfg config.ShipperConfig, store *state.Store, hostname, version string) *Shipper {
	return &Shipper{
		client:    NewClient(cfg, hostname, version),
		store:     store,
		cfg:       cfg,
		queue:     make(chan *models.ConsolidatedCall, cfg.QueueCapacity),
		uploadSem: make(chan struct{}, cfg.MaxConcurrentUploads),
		limiter:   newLimiter(RateForAPIKey(cfg.APIKey)),
		stopCh:    make(chan struct{}),
	}
}

// SetAuditLog wires the optional MySQL shipment audit trail. Must be called
// before Run; nil is a safe no-op (the default when audit_enabled is false
// or the audit database is unreachable at startup).
func (s *Shipper) SetAuditLog(a *localdb.AuditLog) {
	s.auditLog = a
}

// Emit implements aggregator.Emitter. The queue is bounded (spec.md §4.5,
// "backpressure: bounded queue with a drop-oldest... no, drop-newest policy
// and a monotonic dropped-document counter"); a full queue drops the
// incoming document rather than blocking the aggregator's poll loop.
func (s *Shipper) Emit(ctx context.Context, doc *models.ConsolidatedCall) error {
	select {
	case s.queue <- doc:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		logger.WithField("linkedid", doc.LinkedID).Warn("shipment queue full, dropping document")
		return errors.New(errors.ErrShipFailed, "shipment queue full").WithContext("linkedid", doc.LinkedID)
	}
}

// Dropped returns the cumulative count of documents dropped due to a full
// queue, for metrics/health reporting.
func (s *Shipper) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// QueueDepth reports the current number of queued-but-unshipped documents.
func (s *Shipper) QueueDepth() int {
	return len(s.queue)
}

// Run drives the shipper until ctx is cancelled, then drains in-flight work
// for up to cfg.ShutdownDeadline before returning (spec.md §5's graceful
// shutdown contract).
func (s *Shipper) Run(ctx context.Context) error {
	switch s.cfg.Mode {
	case "batch":
		return s.runBatch(ctx)
	default:
		return s.runDirect(ctx)
	}
}

func (s *Shipper) runDirect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainDirect()
			return nil
		case doc := <-s.queue:
			s.wg.Add(1)
			s.uploadSem <- struct{}{}
			go func(d *models.ConsolidatedCall) {
				defer s.wg.Done()
				defer func() { <-s.uploadSem }()
				s.shipWithRetry(context.Background(), d)
			}(doc)
		}
	}
}

func (s *Shipper) drainDirect() {
	deadline := time.After(s.cfg.ShutdownDeadline)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		logger.Warn("shipper shutdown deadline exceeded with in-flight uploads outstanding")
	}
}

func (s *Shipper) runBatch(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushBatch(context.Background())
			return nil
		case doc := <-s.queue:
			s.batchMu.Lock()
			s.batch = append(s.batch, doc)
			full := len(s.batch) >= s.cfg.BatchSize
			s.batchMu.Unlock()
			if full {
				s.flushBatch(ctx)
			}
		case <-ticker.C:
			s.flushBatch(ctx)
		}
	}
}

func (s *Shipper) flushBatch(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	docs := s.batch
	s.batch = nil
	s.batchMu.Unlock()

	s.limiter.wait()
	err := s.shipBatchWithRetry(ctx, docs)
	for _, d := range docs {
		s.recordOutcome(d, err)
	}
}

// shipWithRetry delivers a single document, retrying with the
// exponential-with-jitter delay from backoff in retry.go, and records the
// outcome to the local state store either way.
func (s *Shipper) shipWithRetry(ctx context.Context, doc *models.ConsolidatedCall) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		s.limiter.wait()
		lastErr = s.client.ShipDocuments(ctx, []*models.ConsolidatedCall{doc})
		if lastErr == nil {
			break
		}
		if appErr, ok := lastErr.(*errors.AppError); ok && appErr.Code == errors.ErrShipRejected {
			// 4xx: the API has permanently rejected this document; retrying
			// won't help, so stop after logging.
			break
		}
		if attempt < s.cfg.MaxRetries-1 {
			time.Sleep(backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap))
		}
	}
	s.recordOutcome(doc, lastErr)
}

func (s *Shipper) shipBatchWithRetry(ctx context.Context, docs []*models.ConsolidatedCall) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		lastErr = s.client.ShipDocuments(ctx, docs)
		if lastErr == nil {
			return nil
		}
		if appErr, ok := lastErr.(*errors.AppError); ok && appErr.Code == errors.ErrShipRejected {
			return lastErr
		}
		if attempt < s.cfg.MaxRetries-1 {
			time.Sleep(backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap))
		}
	}
	return lastErr
}

func (s *Shipper) recordOutcome(doc *models.ConsolidatedCall, shipErr error) {
	st, err := s.store.GetCallState(doc.LinkedID)
	if err != nil {
		logger.WithError(err).Error("failed to load call state while recording ship outcome")
		return
	}
	if st == nil {
		st = &models.CallShippingState{LinkedID: doc.LinkedID, FirstSeen: time.Now().UTC()}
	}
	st.LastUpdated = time.Now().UTC()
	st.LastPhase = doc.ShipPhase
	if shipErr != nil {
		st.ErrorCount++
		st.LastError = shipErr.Error()
		logger.WithField("linkedid", doc.LinkedID).WithError(shipErr).Warn("shipment attempt failed")
	} else {
		st.ShipCount++
		st.ShippedAt = time.Now().UTC()
		st.ErrorCount = 0
		st.LastError = ""
		if doc.IsComplete {
			st.IsComplete = true
		}
	}
	if err := s.store.SaveCallState(st); err != nil {
		logger.WithError(err).Error("failed to persist call shipping state")
	}
	s.recordAudit(doc, st, shipErr)
}

// recordAudit appends one row to the optional MySQL shipment_log table. A
// nil auditLog (the default) or a database error here must never affect the
// shipping outcome already persisted to state.Store, so failures are only
// logged.
func (s *Shipper) recordAudit(doc *models.ConsolidatedCall, st *models.CallShippingState, shipErr error) {
	if s.auditLog == nil {
		return
	}
	entry := models.ShipmentLogEntry{
		LinkedID:  doc.LinkedID,
		Phase:     doc.ShipPhase,
		Success:   shipErr == nil,
		ShippedAt: st.LastUpdated,
	}
	if shipErr != nil {
		entry.Error = shipErr.Error()
		if appErr, ok := shipErr.(*errors.AppError); ok {
			entry.StatusCode = appErr.StatusCode
		}
	} else {
		entry.StatusCode = http.StatusOK
	}
	if err := s.auditLog.Record(context.Background(), entry); err != nil {
		logger.WithField("linkedid", doc.LinkedID).WithError(err).Warn("failed to record shipment audit entry")
	}
}

// RetryFailed reports the call states whose previous shipment attempt failed
// and whose backoff cooldown has elapsed. It does not reconstruct or
// re-enqueue documents, since that requires re-fetching CDR/CEL data, which
// is the Aggregator's job. cmd/agent does not call it; a failed call is
// processed again only when the aggregator's CDR poll returns its linkedid.
func (s *Shipper) RetryFailed(retryCeiling time.Duration, limit int) ([]*models.CallShippingState, error) {
	return s.store.ListFailedCallsForRetry(retryCeiling, limit)
}

// UploadEligibleRecordings ships every recording whose earliest_upload_time
// has passed and that has not yet been uploaded, bounded by
// MaxConcurrentUploads.
func (s *Shipper) UploadEligibleRecordings(ctx context.Context) {
	eligible, err := s.store.ListUploadEligible(time.Now().UTC())
	if err != nil {
		logger.WithError(err).Error("failed to list upload-eligible recordings")
		return
	}

	var wg sync.WaitGroup
	for _, rd := range eligible {
		rd := rd
		wg.Add(1)
		s.uploadSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.uploadSem }()
			s.uploadOne(ctx, rd)
		}()
	}
	wg.Wait()
}

func (s *Shipper) uploadOne(ctx context.Context, rd *models.RecordingDescriptor) {
	log := logger.WithField("filename", rd.Filename).WithField("linkedid", rd.LinkedID)

	meta := map[string]string{
		"linkedid": rd.LinkedID,
		"uniqueid": rd.UniqueID,
		"channel":  rd.Channel,
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		s.limiter.wait()
		lastErr = s.client.UploadRecording(ctx, rd, meta)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, errors.ErrRecordingNotFound) {
			break
		}
		if attempt < s.cfg.MaxRetries-1 {
			time.Sleep(backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap))
		}
	}

	rd.UploadAttempts++
	if lastErr != nil {
		rd.LastUploadError = lastErr.Error()
		rd.EarliestUploadTime = time.Now().UTC().Add(state.BackoffCooldown(rd.UploadAttempts))
		log.WithError(lastErr).Warn("recording upload failed")
	} else {
		rd.Uploaded = true
		rd.LastUploadError = ""
		log.Info("recording uploaded")
	}
	if err := s.store.SaveRecording(rd); err != nil {
		log.WithError(err).Error("failed to persist recording upload outcome")
	}
}

// Close signals any background goroutines spawned by Run to stop. Run's own
// ctx cancellation is the primary shutdown path; Close additionally unblocks
// callers waiting on stopCh in tests.
func (s *Shipper) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}
