package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medsync/medsync/internal/domain/mapping"
	"github.com/medsync/medsync/internal/platform/telemetry"
)

// MappingSource resolves the active schema mapping for a system pair.
// Satisfied by the mapping service.
type MappingSource interface {
	Active(ctx context.Context, sourceSystem, targetSystem, resourceType string) (*mapping.SchemaMapping, error)
}

// Options tunes a Coordinator.
type Options struct {
	// TargetSystem is the canonical store records are synchronized into.
	TargetSystem string
	// BatchSize is how many records are pulled from the source per batch.
	BatchSize int
	// AbortThreshold fails the run when failed/processed exceeds it.
	AbortThreshold float64
	// Retry governs transient I/O retries per record.
	Retry RetryPolicy
	// RecordTimeout bounds each individual I/O operation.
	RecordTimeout time.Duration
	// Reviews, when set, receives records whose conflicts deferred to
	// manual resolution.
	Reviews ReviewQueue
	// OnProgress, when set, is called after every batch.
	OnProgress func(ProgressEvent)
}

// Coordinator owns the synchronization run lifecycle: it pulls batches from
// the source, transforms, detects and resolves conflicts, and applies the
// results to the target store. At most one run per (provider, EHR system)
// pair is active at a time; concurrent runs for different pairs are
// serialized per resource at the apply step only.
type Coordinator struct {
	opts        Options
	mappings    MappingSource
	source      SourceConnector
	target      TargetStore
	runs        RunRepository
	resolutions ResolutionRepository

	transformer *Transformer
	detector    *Detector
	resolver    *Resolver

	tel *telemetry.Provider
	log zerolog.Logger

	mu      sync.Mutex
	active  map[uuid.UUID]*runHandle
	running map[string]uuid.UUID

	applyLocks *keyedMutex
}

type runHandle struct {
	mu     sync.Mutex
	run    *ActiveSync
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *runHandle) snapshot() *ActiveSync {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h.run
	cp.ResourceTypes = append([]string(nil), h.run.ResourceTypes...)
	cp.Errors = append([]SyncError(nil), h.run.Errors...)
	cp.Warnings = append([]FieldWarning(nil), h.run.Warnings...)
	return &cp
}

func (h *runHandle) update(fn func(run *ActiveSync)) {
	h.mu.Lock()
	fn(h.run)
	h.mu.Unlock()
}

// NewCoordinator wires a coordinator. The transformer, detector, and
// resolver carry the built-in registries; callers may register additional
// functions before the first run starts.
func NewCoordinator(opts Options, mappings MappingSource, source SourceConnector, target TargetStore,
	runs RunRepository, resolutions ResolutionRepository, tel *telemetry.Provider, log zerolog.Logger) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.AbortThreshold <= 0 {
		opts.AbortThreshold = 0.5
	}
	return &Coordinator{
		opts:        opts,
		mappings:    mappings,
		source:      source,
		target:      target,
		runs:        runs,
		resolutions: resolutions,
		transformer: NewTransformer(),
		detector:    NewDetector(),
		resolver:    NewResolver(),
		tel:         tel,
		log:         log,
		active:      make(map[uuid.UUID]*runHandle),
		running:     make(map[string]uuid.UUID),
		applyLocks:  newKeyedMutex(),
	}
}

// Transformer exposes the transform registry for custom registrations.
func (c *Coordinator) Transformer() *Transformer { return c.transformer }

// Resolver exposes the merge registry for custom registrations.
func (c *Coordinator) Resolver() *Resolver { return c.resolver }

func pairKey(providerID, ehrSystem string) string {
	return providerID + "|" + ehrSystem
}

// StartSync validates the request, claims the (provider, EHR system) pair,
// and launches the run in the background. The returned snapshot is the run
// in its queued state.
func (c *Coordinator) StartSync(ctx context.Context, req SyncRequest, strategy ResolutionStrategy) (*ActiveSync, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	run := &ActiveSync{
		SyncID:        uuid.New(),
		ProviderID:    req.ProviderID,
		EHRSystem:     req.EHRSystem,
		ResourceTypes: append([]string(nil), req.ResourceTypes...),
		Status:        StatusQueued,
		StartedAt:     time.Now().UTC(),
	}

	key := pairKey(req.ProviderID, req.EHRSystem)
	c.mu.Lock()
	if _, busy := c.running[key]; busy {
		c.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{run: run, cancel: cancel, done: make(chan struct{})}
	c.running[key] = run.SyncID
	c.active[run.SyncID] = h
	c.mu.Unlock()

	if err := c.runs.Create(ctx, run); err != nil {
		cancel()
		c.mu.Lock()
		delete(c.running, key)
		delete(c.active, run.SyncID)
		c.mu.Unlock()
		return nil, fmt.Errorf("persist run: %w", err)
	}

	c.tel.RunStarted()
	go c.execute(runCtx, h, req, strategy)

	return h.snapshot(), nil
}

// Status returns the live run when it is in flight, otherwise the persisted
// run.
func (c *Coordinator) Status(ctx context.Context, syncID uuid.UUID) (*ActiveSync, error) {
	c.mu.Lock()
	h, ok := c.active[syncID]
	c.mu.Unlock()
	if ok {
		return h.snapshot(), nil
	}
	return c.runs.GetByID(ctx, syncID)
}

// Cancel requests cooperative cancellation. The run stops at the next batch
// boundary; an apply already in flight completes so the target store is
// never left half-written.
func (c *Coordinator) Cancel(syncID uuid.UUID) error {
	c.mu.Lock()
	h, ok := c.active[syncID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active run %s", syncID)
	}
	h.cancel()
	return nil
}

// Wait blocks until the run leaves the active set. Used by tests and
// graceful shutdown.
func (c *Coordinator) Wait(syncID uuid.UUID) {
	c.mu.Lock()
	h, ok := c.active[syncID]
	c.mu.Unlock()
	if ok {
		<-h.done
	}
}

// execute drives one run to a terminal state.
func (c *Coordinator) execute(ctx context.Context, h *runHandle, req SyncRequest, strategy ResolutionStrategy) {
	log := c.log.With().
		Stringer("sync_id", h.run.SyncID).
		Str("provider_id", req.ProviderID).
		Str("ehr_system", req.EHRSystem).
		Logger()

	final := StatusCompleted
	var fatal error

resourceLoop:
	for _, resourceType := range req.ResourceTypes {
		sm, err := c.mappings.Active(ctx, req.EHRSystem, c.opts.TargetSystem, resourceType)
		if err != nil {
			fatal = &FatalRunError{Reason: fmt.Sprintf("no active mapping for %s -> %s %s: %v",
				req.EHRSystem, c.opts.TargetSystem, resourceType, err)}
			final = StatusFailed
			break
		}

		cursor := ""
		for {
			if ctx.Err() != nil {
				final = StatusCancelled
				break resourceLoop
			}

			c.setStatus(h, StatusExtracting)
			var batch []*DataRecord
			err := c.withRetry(ctx, func(opCtx context.Context) error {
				var fetchErr error
				batch, cursor, fetchErr = c.source.FetchBatch(opCtx, SourceQuery{
					ProviderID:   req.ProviderID,
					EHRSystem:    req.EHRSystem,
					ResourceType: resourceType,
					Filter:       req.Filter,
					Cursor:       cursor,
					Limit:        c.opts.BatchSize,
				})
				return fetchErr
			})
			if err != nil {
				if ctx.Err() != nil {
					final = StatusCancelled
					break resourceLoop
				}
				fatal = &FatalRunError{Reason: fmt.Sprintf("extraction of %s failed: %v", resourceType, err)}
				final = StatusFailed
				break resourceLoop
			}
			if len(batch) == 0 && cursor == "" {
				break
			}

			c.processBatch(ctx, h, batch, sm, strategy, req)

			h.mu.Lock()
			processed, failed := h.run.RecordsProcessed, h.run.RecordsFailed
			h.mu.Unlock()
			c.persist(h)
			c.progress(h)

			if processed > 0 && float64(failed)/float64(processed) > c.opts.AbortThreshold {
				fatal = &FatalRunError{Reason: fmt.Sprintf("failure rate %.0f%% exceeds abort threshold",
					100*float64(failed)/float64(processed))}
				final = StatusFailed
				break resourceLoop
			}
			if ctx.Err() != nil {
				final = StatusCancelled
				break resourceLoop
			}
			if cursor == "" {
				break
			}
		}
	}

	now := time.Now().UTC()
	h.update(func(run *ActiveSync) {
		run.Status = final
		run.FinishedAt = &now
		if fatal != nil {
			run.Errors = append(run.Errors, SyncError{
				Stage:   "run",
				Message: fatal.Error(),
				At:      now,
			})
		}
	})
	c.persist(h)
	c.progress(h)
	c.tel.RunFinished(string(final))

	evt := log.Info()
	if final == StatusFailed {
		evt = log.Error().Err(fatal)
	}
	snap := h.snapshot()
	evt.Str("status", string(final)).
		Int("processed", snap.RecordsProcessed).
		Int("failed", snap.RecordsFailed).
		Dur("duration", now.Sub(snap.StartedAt)).
		Msg("synchronization run finished")

	c.mu.Lock()
	delete(c.running, pairKey(req.ProviderID, req.EHRSystem))
	delete(c.active, h.run.SyncID)
	c.mu.Unlock()
	close(h.done)
}

// workItem tracks one record through the batch phases.
type workItem struct {
	rec      *DataRecord
	tr       *TransformedRecord
	tgt      *TargetRecord
	state    *SyncState
	deferred bool
	failed   bool
}

// processBatch runs one batch through transform, resolve, and apply.
// Failures and deferrals are per record; the rest of the batch proceeds.
func (c *Coordinator) processBatch(ctx context.Context, h *runHandle, batch []*DataRecord,
	sm *mapping.SchemaMapping, strategy ResolutionStrategy, req SyncRequest) {

	items := make([]*workItem, 0, len(batch))

	c.setStatus(h, StatusTransforming)
	for _, rec := range batch {
		it := &workItem{rec: rec}
		tr, err := c.transformer.Transform(rec, sm)
		if err != nil {
			c.recordError(h, rec.ResourceID, "transform", err)
			it.failed = true
		} else {
			it.tr = tr
			if len(tr.Warnings) > 0 {
				h.update(func(run *ActiveSync) {
					run.Warnings = append(run.Warnings, tr.Warnings...)
				})
			}
		}
		items = append(items, it)
	}

	c.setStatus(h, StatusResolving)
	for _, it := range items {
		if it.failed {
			continue
		}
		err := c.withRetry(ctx, func(opCtx context.Context) error {
			tgt, err := c.target.GetRecord(opCtx, c.opts.TargetSystem, it.tr.ResourceType, it.tr.ResourceID)
			if err != nil {
				return err
			}
			state, err := c.target.GetState(opCtx, req.ProviderID, req.EHRSystem, it.tr.ResourceType, it.tr.ResourceID)
			if err != nil {
				return err
			}
			it.tgt, it.state = tgt, state
			return nil
		})
		if err != nil {
			c.recordError(h, it.tr.ResourceID, "resolve", err)
			it.failed = true
			continue
		}

		conflicts := c.detector.Detect(it.tr, it.tgt, it.state, sm)
		if len(conflicts) == 0 {
			continue
		}
		for _, cf := range conflicts {
			c.tel.ConflictCounter(string(cf.Type))
		}

		cd := &ConflictSet{
			ResourceID:      it.tr.ResourceID,
			SourceSystem:    it.tr.SourceSystem,
			TargetSystem:    c.opts.TargetSystem,
			ResourceType:    it.tr.ResourceType,
			SourceUpdatedAt: it.tr.UpdatedAt,
			TargetUpdatedAt: it.tgt.UpdatedAt,
			Conflicts:       conflicts,
			Strategy:        strategy,
		}
		res := c.resolver.Resolve(cd, sm)
		for i := range res.Resolutions {
			res.Resolutions[i].SyncID = h.run.SyncID
		}
		if len(res.Resolutions) > 0 {
			if err := c.resolutions.CreateBatch(ctx, res.Resolutions); err != nil {
				c.recordError(h, it.tr.ResourceID, "resolve", err)
				it.failed = true
				continue
			}
		}
		if res.Deferred {
			it.deferred = true
			if c.opts.Reviews != nil {
				if err := c.opts.Reviews.Enqueue(ctx, ReviewItem{
					SyncID:       h.run.SyncID,
					ResourceType: it.tr.ResourceType,
					ResourceID:   it.tr.ResourceID,
					SourceSystem: it.tr.SourceSystem,
					TargetSystem: c.opts.TargetSystem,
					Conflicts:    conflicts,
				}); err != nil {
					c.log.Warn().Err(err).Str("resource_id", it.tr.ResourceID).Msg("enqueue review item")
				}
			}
			continue
		}
		for field, val := range res.FinalValues {
			it.tr.Fields[field] = val
		}
		// A delete racing an update resolves to a single survivor: the
		// whole-record resolution's final value is the deleted flag. When
		// the target side wins, its content is what survives.
		for _, rs := range res.Resolutions {
			if rs.Field != "" {
				continue
			}
			del, ok := rs.FinalValue.(bool)
			if !ok {
				continue
			}
			it.tr.Deleted = del
			if !del && it.tgt != nil {
				fields := make(map[string]interface{}, len(it.tgt.Fields))
				for k, v := range it.tgt.Fields {
					fields[k] = v
				}
				it.tr.Fields = fields
			}
		}
	}

	c.setStatus(h, StatusApplying)
	for _, it := range items {
		start := time.Now()
		outcome := c.applyItem(ctx, h, it, req)
		c.tel.SyncRecordCounter(sm.ResourceType, outcome)
		c.tel.ObserveRecordDuration(time.Since(start).Seconds())

		h.update(func(run *ActiveSync) {
			run.RecordsProcessed++
			switch outcome {
			case telemetry.OutcomeCreated:
				run.RecordsCreated++
			case telemetry.OutcomeUpdated:
				run.RecordsUpdated++
			case telemetry.OutcomeDeleted:
				run.RecordsDeleted++
			case telemetry.OutcomeDeferred:
				run.RecordsPending++
			case telemetry.OutcomeError:
				run.RecordsFailed++
			}
		})
	}
}

// applyItem writes one record to the target store and returns the telemetry
// outcome. The write runs under the per-resource lock and is shielded from
// run cancellation so an apply never lands half-done.
func (c *Coordinator) applyItem(ctx context.Context, h *runHandle, it *workItem, req SyncRequest) string {
	switch {
	case it.failed:
		return telemetry.OutcomeError
	case it.deferred:
		return telemetry.OutcomeDeferred
	}

	checksum := it.tr.Checksum()
	// Re-syncing an unchanged record is a no-op: same checksum as the last
	// apply and the target still holds it.
	if !it.tr.Deleted && it.state != nil && it.state.LastChecksum == checksum && it.tgt != nil && !it.tgt.Deleted {
		return telemetry.OutcomeNoop
	}
	if it.tr.Deleted && (it.tgt == nil || it.tgt.Deleted) {
		return telemetry.OutcomeNoop
	}

	state := &SyncState{
		ProviderID:   req.ProviderID,
		EHRSystem:    req.EHRSystem,
		ResourceType: it.tr.ResourceType,
		ResourceID:   it.tr.ResourceID,
		LastSyncAt:   time.Now().UTC(),
		LastChecksum: checksum,
	}

	lockKey := it.tr.ResourceType + "|" + it.tr.ResourceID
	c.applyLocks.Lock(lockKey)
	defer c.applyLocks.Unlock(lockKey)

	applyCtx := context.WithoutCancel(ctx)
	var err error
	if it.tr.Deleted {
		err = c.withRetry(applyCtx, func(opCtx context.Context) error {
			return c.target.Tombstone(opCtx, c.opts.TargetSystem, it.tr.ResourceType, it.tr.ResourceID, state)
		})
	} else {
		rec := &TargetRecord{
			ResourceType:   it.tr.ResourceType,
			ResourceID:     it.tr.ResourceID,
			TargetSystem:   c.opts.TargetSystem,
			Fields:         it.tr.Fields,
			UpdatedAt:      state.LastSyncAt,
			Checksum:       checksum,
			MappingVersion: it.tr.MappingVersion,
		}
		err = c.withRetry(applyCtx, func(opCtx context.Context) error {
			return c.target.Apply(opCtx, rec, state)
		})
	}
	if err != nil {
		c.recordError(h, it.tr.ResourceID, "apply", err)
		return telemetry.OutcomeError
	}

	switch {
	case it.tr.Deleted:
		return telemetry.OutcomeDeleted
	case it.tgt == nil || it.tgt.Deleted:
		return telemetry.OutcomeCreated
	default:
		return telemetry.OutcomeUpdated
	}
}

// withRetry runs fn under the per-operation timeout and retries transient
// failures with exponential backoff.
func (c *Coordinator) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		opCtx := ctx
		var cancel context.CancelFunc
		if c.opts.RecordTimeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, c.opts.RecordTimeout)
		}
		err := fn(opCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || !IsTransient(err) || attempt >= c.opts.Retry.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Retry.Delay(attempt)):
		}
	}
}

func (c *Coordinator) setStatus(h *runHandle, s SyncStatus) {
	h.update(func(run *ActiveSync) { run.Status = s })
}

func (c *Coordinator) recordError(h *runHandle, resourceID, stage string, err error) {
	c.log.Warn().Str("resource_id", resourceID).Str("stage", stage).Err(err).Msg("record failed")
	h.update(func(run *ActiveSync) {
		run.Errors = append(run.Errors, SyncError{
			ResourceID: resourceID,
			Stage:      stage,
			Message:    err.Error(),
			At:         time.Now().UTC(),
		})
	})
}

// persist stores the current run state. Persistence failures are logged and
// otherwise ignored: the in-memory run stays authoritative while active.
func (c *Coordinator) persist(h *runHandle) {
	snap := h.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.runs.Update(ctx, snap); err != nil {
		c.log.Error().Err(err).Stringer("sync_id", snap.SyncID).Msg("persist run state")
	}
}

func (c *Coordinator) progress(h *runHandle) {
	if c.opts.OnProgress == nil {
		return
	}
	snap := h.snapshot()
	c.opts.OnProgress(ProgressEvent{
		SyncID:           snap.SyncID,
		Status:           snap.Status,
		RecordsProcessed: snap.RecordsProcessed,
		Timestamp:        time.Now().UTC(),
	})
}
