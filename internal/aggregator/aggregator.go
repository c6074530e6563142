// Package aggregator implements the Call Aggregation Pipeline of spec.md
// §4.2: it groups polled CDR/CEL rows by linkedid, decides completion, and
// schedules emission of consolidated documents. Grounded on
// original_source/src/ami/cdr_monitor.py's batch/flush shape and
// database_connector.py's is_call_complete/build_call_threads logic.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/classify"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// CELSource abstracts the three interchangeable CEL readers behind one
// capability, per spec.md §9 "Polymorphic source readers".
type CELSource interface {
	CELsFor(ctx context.Context, linkedID string) ([]models.CEL, error)
}

// CDRSource is the always-on database CDR reader.
type CDRSource interface {
	UpdatedLinkedIDs(ctx context.Context, watermark time.Time, batch int) ([]string, time.Time, error)
	CDRsFor(ctx context.Context, linkedID string) ([]models.CDR, error)
}

// Emitter hands a finished consolidated document off to the Shipper.
type Emitter interface {
	Emit(ctx context.Context, doc *models.ConsolidatedCall) error
}

// Aggregator polls CDRSource/CELSource, maintains in-memory CallGroups, and
// emits consolidated documents through Emitter.
type Aggregator struct {
	cdrSource CDRSource
	celSource CELSource
	store     *state.Store
	emitter   Emitter
	patterns  *classify.Patterns
	cfg       config.AggregationConfig
	tenantCfg config.TenantConfig
	customerID int
	hostname  string
	connVer   string

	mu         sync.Mutex
	groups     map[string]*models.CallGroup
	groupOrder []string // bounds the in-memory cache (oldest-evicted)
	inFlight   map[string]bool // linkedids with an emission in progress

	watermark time.Time
}

func New(cdrSource CDRSource, celSource CELSource, store *state.Store, emitter Emitter,
	patterns *classify.Patterns, cfg config.AggregationConfig, app config.AppConfig) *Aggregator {
	return &Aggregator{
		cdrSource:  cdrSource,
		celSource:  celSource,
		store:      store,
		emitter:    emitter,
		patterns:   patterns,
		cfg:        cfg,
		tenantCfg:  app.Tenant,
		customerID: app.CustomerID,
		hostname:   app.Hostname,
		connVer:    "1.0.0",
		groups:     make(map[string]*models.CallGroup),
		inFlight:   make(map[string]bool),
	}
}

// SetWatermark seeds the in-memory high-water mark (called once at startup
// from Store.StartupWatermark).
func (a *Aggregator) SetWatermark(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watermark = t
}

// Run polls on cfg.PollInterval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				logger.WithError(err).Error("aggregator poll tick failed")
			}
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) error {
	a.mu.Lock()
	watermark := a.watermark
	a.mu.Unlock()

	ids, newWatermark, err := a.cdrSource.UpdatedLinkedIDs(ctx, watermark, 100)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, linkedID := range ids {
		if err := a.processCall(ctx, linkedID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	a.mu.Lock()
	a.watermark = newWatermark
	a.mu.Unlock()
	if err := a.store.SetWatermark(newWatermark); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// processCall fetches the current CDR/CEL lists for linkedID, updates the
// in-memory group, and emits if warranted. Emissions for a single linkedid
// are totally ordered: a second poll hit for the same linkedid while one is
// still shipping is skipped this tick (spec.md §5 ordering guarantees).
func (a *Aggregator) processCall(ctx context.Context, linkedID string) error {
	a.mu.Lock()
	if a.inFlight[linkedID] {
		a.mu.Unlock()
		return nil
	}
	a.inFlight[linkedID] = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inFlight, linkedID)
		a.mu.Unlock()
	}()

	cdrs, err := a.cdrSource.CDRsFor(ctx, linkedID)
	if err != nil {
		return err
	}
	cels, err := a.celSource.CELsFor(ctx, linkedID)
	if err != nil {
		logger.WithField("linkedid", linkedID).WithError(err).Warn("CEL fetch failed, proceeding with CDRs only")
		cels = nil
	}

	if len(cdrs) == 0 {
		// Boundary behavior (spec.md §8): empty CDR list never emits, even
		// with non-empty CELs.
		return nil
	}

	group := &models.CallGroup{LinkedID: linkedID, CDRs: cdrs, CELs: cels}
	a.cacheGroup(group)

	prevState, err := a.store.GetCallState(linkedID)
	if err != nil {
		return err
	}

	complete := isComplete(group)
	phase, shouldEmit := a.decidePhase(prevState, group, complete)
	if !shouldEmit {
		return a.saveState(linkedID, prevState, group, complete, "")
	}

	doc := a.buildDocument(group, complete, phase)
	if err := a.emitter.Emit(ctx, doc); err != nil {
		return a.saveState(linkedID, prevState, group, complete, err.Error())
	}

	return a.saveStateAfterShip(linkedID, group, complete, phase)
}

func (a *Aggregator) cacheGroup(group *models.CallGroup) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.groups[group.LinkedID]; !exists {
		a.groupOrder = append(a.groupOrder, group.LinkedID)
	}
	a.groups[group.LinkedID] = group

	max := a.cfg.CacheMaxEntries
	if max <= 0 {
		max = 10000
	}
	for len(a.groupOrder) > max {
		oldest := a.groupOrder[0]
		a.groupOrder = a.groupOrder[1:]
		delete(a.groups, oldest)
	}
}

// isComplete implements spec.md §4.2 rule 1.
func isComplete(group *models.CallGroup) bool {
	chanStarts := map[string]bool{}
	hangups := 0
	allDisposed := true
	var mostRecent time.Time

	for _, cel := range group.CELs {
		switch cel.EventType {
		case models.EventLinkedIDEnd:
			return true
		case models.EventChanStart:
			chanStarts[cel.UniqueID] = true
		case models.EventHangup:
			hangups++
		}
		if cel.EventTime.After(mostRecent) {
			mostRecent = cel.EventTime
		}
	}
	if len(chanStarts) > 0 && hangups == len(chanStarts) {
		return true
	}

	for _, cdr := range group.CDRs {
		if cdr.Disposition == "" || cdr.Disposition == models.DispositionNull {
			allDisposed = false
		}
		if cdr.CallDate.After(mostRecent) {
			mostRecent = cdr.CallDate
		}
	}

	if allDisposed && time.Since(mostRecent) > 60*time.Second {
		return true
	}
	return false
}

// decidePhase implements spec.md §4.2 rules 2-3: has the call changed since
// last emission, and with what phase should it re-emit.
func (a *Aggregator) decidePhase(prev *models.CallShippingState, group *models.CallGroup, complete bool) (models.ShipPhase, bool) {
	cdrCount, celCount := len(group.CDRs), len(group.CELs)

	if prev == nil {
		if a.cfg.ShippingMode == "progressive" {
			return models.ShipPhaseInitial, true
		}
		if complete {
			return models.ShipPhaseComplete, true
		}
		return "", false
	}

	if !prev.ShippedAt.IsZero() && prev.IsComplete {
		// Already shipped in complete phase; never re-emit (spec.md §8
		// invariant 6).
		return "", false
	}

	grew := cdrCount > prev.LastCDRCount || celCount > prev.LastCELCount
	justCompleted := complete && !prev.IsComplete

	if a.cfg.ShippingMode == "progressive" {
		if justCompleted {
			return models.ShipPhaseComplete, true
		}
		if grew {
			return models.ShipPhaseUpdate, true
		}
		if a.cfg.LongCallUpdateInterval > 0 && time.Since(prev.LastUpdated) >= a.cfg.LongCallUpdateInterval {
			return models.ShipPhaseUpdate, true
		}
		return "", false
	}

	// complete mode (default): emit only on transition to complete, or a
	// configured periodic update while still incomplete.
	if justCompleted {
		return models.ShipPhaseComplete, true
	}
	if !complete && a.cfg.LongCallUpdateInterval > 0 && grew &&
		time.Since(prev.LastUpdated) >= a.cfg.LongCallUpdateInterval {
		return models.ShipPhaseUpdate, true
	}
	return "", false
}

func (a *Aggregator) buildDocument(group *models.CallGroup, complete bool, phase models.ShipPhase) *models.ConsolidatedCall {
	result := classify.Classify(group, &classify.Config{Patterns: a.patterns})
	tenant := a.patterns.ExtractTenant(group, a.tenantCfg.Default)

	threads := buildCallThreads(group)

	doc := &models.ConsolidatedCall{
		LinkedID:         group.LinkedID,
		IsComplete:       complete,
		CallTime:         group.CallDate().UTC(),
		DurationSeconds:  group.DurationSeconds(),
		Direction:        result.Direction,
		Disposition:      group.Disposition(),
		Hostname:         a.hostname,
		Connector:        "asterisk",
		ConnectorVersion: a.connVer,
		CustomerID:       a.customerID,
		CallThreads:      threads,
		CallThreadsCount: len(threads),
		ShipPhase:        phase,
		ShippedAt:        time.Now().UTC(),
	}
	if tenant != "" {
		doc.Tenant = &tenant
	}
	setOptional(&doc.SrcNumber, result.SrcNumber)
	setOptional(&doc.SrcExtension, result.SrcExtension)
	setOptional(&doc.SrcName, result.SrcName)
	setOptional(&doc.DstNumber, result.DstNumber)
	setOptional(&doc.DstExtension, result.DstExtension)
	setOptional(&doc.DstName, result.DstName)

	return doc
}

func setOptional(dst **string, v string) {
	if v != "" {
		*dst = &v
	}
}

// buildCallThreads merges projected CDR rows (tag "CDR") with projected CEL
// rows for the fixed allowlist (spec.md §4.2): CDR rows sort before CEL rows
// on equal timestamps; among CELs the allowlist's input order breaks ties.
func buildCallThreads(group *models.CallGroup) []models.EventProjection {
	type entry struct {
		proj models.EventProjection
		kind int // 0 = CDR, 1 = CEL
		rank int // allowlist position, for CEL
	}

	allowlistRank := make(map[string]int, len(models.EventAllowlist))
	for i, e := range models.EventAllowlist {
		allowlistRank[e] = i
	}

	var entries []entry
	for _, cdr := range group.CDRs {
		entries = append(entries, entry{
			proj: models.EventProjection{
				Time:  cdr.CallDate,
				Event: "CDR",
				Extra: map[string]interface{}{
					"src": cdr.Src, "dst": cdr.Dst, "disposition": string(cdr.Disposition),
					"duration": cdr.Duration, "uniqueid": cdr.UniqueID,
				},
			},
			kind: 0,
		})
	}
	for _, cel := range group.CELs {
		rank, ok := allowlistRank[cel.EventType]
		if !ok {
			continue
		}
		entries = append(entries, entry{
			proj: models.EventProjection{
				Time:  cel.EventTime,
				Event: cel.EventType,
				Extra: map[string]interface{}{
					"channel": cel.ChanName, "exten": cel.Exten, "uniqueid": cel.UniqueID,
				},
			},
			kind: 1,
			rank: rank,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].proj.Time.Equal(entries[j].proj.Time) {
			return entries[i].proj.Time.Before(entries[j].proj.Time)
		}
		if entries[i].kind != entries[j].kind {
			return entries[i].kind < entries[j].kind // CDR (0) before CEL (1)
		}
		return entries[i].rank < entries[j].rank
	})

	out := make([]models.EventProjection, len(entries))
	for i, e := range entries {
		out[i] = e.proj
	}
	return out
}

func (a *Aggregator) saveState(linkedID string, prev *models.CallShippingState, group *models.CallGroup, complete bool, shipErr string) error {
	st := mergeState(prev, linkedID, group, complete)
	if shipErr != "" {
		st.ErrorCount++
		st.LastError = shipErr
	}
	return a.store.SaveCallState(st)
}

func (a *Aggregator) saveStateAfterShip(linkedID string, group *models.CallGroup, complete bool, phase models.ShipPhase) error {
	prev, err := a.store.GetCallState(linkedID)
	if err != nil {
		return err
	}
	st := mergeState(prev, linkedID, group, complete)
	st.ShipCount++
	st.LastPhase = phase
	if phase == models.ShipPhaseComplete {
		st.ShippedAt = time.Now().UTC()
	}
	return a.store.SaveCallState(st)
}

func mergeState(prev *models.CallShippingState, linkedID string, group *models.CallGroup, complete bool) *models.CallShippingState {
	now := time.Now().UTC()
	st := &models.CallShippingState{
		LinkedID:     linkedID,
		FirstSeen:    now,
		LastUpdated:  now,
		IsComplete:   complete,
		LastCDRCount: len(group.CDRs),
		LastCELCount: len(group.CELs),
	}
	if prev != nil {
		st.FirstSeen = prev.FirstSeen
		st.ShipCount = prev.ShipCount
		st.ShippedAt = prev.ShippedAt
		st.ErrorCount = prev.ErrorCount
	}
	return st
}
