// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/sgucard/dispatcher/internal/obs"
	"github.com/sgucard/dispatcher/internal/registry"
	"github.com/sgucard/dispatcher/internal/store"
	"github.com/sgucard/dispatcher/internal/worker"
	"go.uber.org/zap"
)

// Dispatcher is the single coordinator loop (C3, SPEC_FULL.md §4.3). One Dispatcher
// runs per coordinator process, guarded at the process level by the singleton lock
// (C6) acquired before Run is ever called.
type Dispatcher struct {
	store             store.Store
	registry          *registry.Registry
	worker            *worker.Worker
	workerID          string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	dispatchStagger   time.Duration
	log               *zap.Logger

	wg sync.WaitGroup
}

func New(st store.Store, reg *registry.Registry, wrk *worker.Worker, workerID string, pollInterval, visibilityTimeout, dispatchStagger time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:             st,
		registry:          reg,
		worker:            wrk,
		workerID:          workerID,
		pollInterval:      pollInterval,
		visibilityTimeout: visibilityTimeout,
		dispatchStagger:   dispatchStagger,
		log:               log,
	}
}

// Run executes the dispatcher loop until ctx is cancelled (SIGINT/SIGTERM in
// production). Returning does not wait for in-flight workers; call Wait for that.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher loop stopping", zap.Error(ctx.Err()))
			return
		default:
		}

		d.cycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// Wait blocks until every in-flight worker goroutine has returned, or ctx expires.
// Callers use this during graceful shutdown after Run has returned.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("shutdown deadline hit with workers still in flight")
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	start := time.Now()
	defer func() { obs.DispatchCycleDuration.Observe(time.Since(start).Seconds()) }()

	purged, err := d.store.PurgeStale(ctx, store.TypeSGUCard)
	if err != nil {
		d.log.Error("purge stale failed; skipping this cycle", zap.Error(err))
		return
	}
	if purged > 0 {
		obs.JobsPurged.Add(float64(purged))
		d.log.Info("recycled stale leases", zap.Int("count", purged))
	}

	free := d.registry.FreeAndHealthy(ctx)
	if len(free) == 0 {
		return
	}

	// Each free backend claims its own row under its own slot_id in one atomic step,
	// so locked_by always matches the slot_id the eventual Complete/Fail call will use
	// (SPEC_FULL.md §4.1, §4.3 step 4; resolved per DESIGN.md's open-question note).
	var needFallback []*registry.Backend
	for _, backend := range free {
		slotID := backend.SlotID(d.workerID)
		claimed, err := d.store.Claim(ctx, slotID, 1, d.visibilityTimeout)
		if err != nil {
			d.log.Error("claim failed", zap.String("backend", backend.URL), zap.Error(err))
			continue
		}
		if len(claimed) == 0 {
			needFallback = append(needFallback, backend)
			continue
		}
		d.dispatch(ctx, claimed[0], backend, slotID, true)
		d.stagger(ctx)
	}

	if len(needFallback) == 0 {
		return
	}
	d.dispatchFallback(ctx, needFallback)
}

// dispatchFallback covers the plain-SELECT path (SPEC_FULL.md §4.3 step 4): pending
// rows first, then error rows, each capped at the number of backends still idle.
func (d *Dispatcher) dispatchFallback(ctx context.Context, idle []*registry.Backend) {
	limit := len(idle)
	jobs, err := d.store.FetchReady(ctx, []store.Status{store.StatusPending}, limit)
	if err != nil {
		d.log.Error("fallback fetch (pending) failed", zap.Error(err))
		return
	}
	if len(jobs) < limit {
		more, err := d.store.FetchReady(ctx, []store.Status{store.StatusError}, limit-len(jobs))
		if err != nil {
			d.log.Error("fallback fetch (error) failed", zap.Error(err))
		} else {
			jobs = append(jobs, more...)
		}
	}

	for i, job := range jobs {
		if i >= len(idle) {
			break
		}
		backend := idle[i]
		slotID := backend.SlotID(d.workerID)
		ok, err := d.store.Start(ctx, job.ID, slotID, d.visibilityTimeout)
		if err != nil {
			d.log.Error("fallback start failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !ok {
			d.log.Debug("fallback start lost the race", zap.String("job_id", job.ID))
			continue
		}
		d.dispatch(ctx, job, backend, slotID, false)
		d.stagger(ctx)
	}
}

// dispatch handles one claimed job: the missing-card terminal transition, or handing
// the job to a Worker goroutine. alreadyProcessing is true when the row was claimed
// atomically by Claim; false when it arrived via the fallback Start path — both leave
// the row in the same state by the time this is called.
func (d *Dispatcher) dispatch(ctx context.Context, job store.Job, backend *registry.Backend, slotID string, alreadyProcessing bool) {
	if job.CardNumber == "" {
		ok, err := d.store.Fail(ctx, job.ID, slotID, "missing card")
		if err != nil {
			d.log.Error("missing-card transition failed", zap.String("job_id", job.ID), zap.Error(err))
		} else if !ok {
			d.log.Warn("missing-card transition lost the race", zap.String("job_id", job.ID))
		} else {
			obs.JobsFailed.Inc()
			d.log.Warn("job failed: missing card", zap.String("job_id", job.ID))
		}
		return
	}

	backend.SetBusy(true)
	obs.JobsClaimed.Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Workers run against an independent background context: the visibility
		// timeout is the only cancellation primitive (SPEC_FULL.md §4.4); a
		// dispatcher shutdown must not abort an in-flight verify call.
		d.worker.Run(context.Background(), worker.Dispatch{Job: job, Backend: backend, SlotID: slotID})
	}()
}

func (d *Dispatcher) stagger(ctx context.Context) {
	if d.dispatchStagger <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d.dispatchStagger):
	}
}
