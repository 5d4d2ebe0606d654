package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scanwright/scanorch/internal/actor"
	"github.com/scanwright/scanorch/internal/aggregator"
	"github.com/scanwright/scanorch/internal/budget"
	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/config"
	"github.com/scanwright/scanorch/internal/correlation"
	"github.com/scanwright/scanorch/internal/cursor"
	"github.com/scanwright/scanorch/internal/dispatcher"
	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
	"github.com/scanwright/scanorch/internal/scheduler"
	"github.com/scanwright/scanorch/internal/series"
	"github.com/scanwright/scanorch/internal/watcher"
	"github.com/scanwright/scanorch/internal/worker"
)

// Orchestrator is the runtime built by Builder.Build: it owns every
// component's goroutine and exposes the operational surface named in §6 as
// plain exported methods. Wiring those methods to HTTP/SSE is out of scope
// here (§9, §12 Non-goals).
type Orchestrator struct {
	cfg config.Config

	queue    *queue.Queue
	cursors  *cursor.Store
	resolver *series.Resolver
	sched    *scheduler.Scheduler
	streams  *bus.Streams
	corr     *correlation.Cache
	registry *actor.Registry
	budget   *budget.Manager
	dispatch *dispatcher.Dispatcher

	pools      map[model.JobKind]*worker.Pool
	aggregator *aggregator.Aggregator
	libraries  map[string]*actor.Library
	watchers   []*watcher.Watcher

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Run starts every component's background goroutine under one
// errgroup.WithContext, in the teacher's own daemon-supervision idiom: any
// goroutine's error (or ctx cancellation) tears down the rest. Run blocks
// until ctx is cancelled or a component goroutine returns an error. It does
// not stop the worker pools or close the stores itself; Shutdown does that.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.runMu.Lock()
	o.cancel = cancel
	o.stopped = make(chan struct{})
	o.runMu.Unlock()
	defer close(o.stopped)

	g, ctx := errgroup.WithContext(ctx)

	observer := scheduler.NewObserver(o.sched, o.streams.Jobs)
	g.Go(func() error {
		observer.Run(ctx)
		return nil
	})

	g.Go(func() error {
		o.aggregator.Run(ctx)
		return nil
	})

	for _, lib := range o.libraries {
		lib := lib
		g.Go(func() error {
			lib.Run(ctx)
			return nil
		})
	}

	for _, w := range o.watchers {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	for _, pool := range o.pools {
		pool.Start(ctx)
	}

	g.Go(func() error {
		o.runHousekeeper(ctx)
		return nil
	})

	return g.Wait()
}

// runHousekeeper periodically reclaims expired leases and republishes the
// corresponding job-lifecycle event, so the scheduler's Observer and the
// aggregator stay consistent with the queue's own reclaim decisions instead
// of silently drifting out of sync with it.
func (o *Orchestrator) runHousekeeper(ctx context.Context) {
	interval := o.cfg.HousekeeperInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("housekeeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := o.queue.ScanExpiredLeases(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("expired lease sweep failed")
				continue
			}
			for _, r := range reclaimed {
				o.publishReclaim(ctx, r)
			}
		}
	}
}

func (o *Orchestrator) publishReclaim(ctx context.Context, r queue.ExpiredLease) {
	meta := model.EventMeta{LibraryID: r.Library, EmittedAt: time.Now()}
	if r.DeadLettered {
		o.streams.PublishJob(ctx, model.Event{
			Meta: meta, Kind: model.EvDeadLettered,
			JobID: r.JobID, JobKind: r.Kind, Priority: r.Priority, Reason: "lease_expired",
		})
		if lib, ok := o.registry.Get(r.Library); ok {
			lib.JobFailed(r.JobID, r.DedupeKey, false, "lease_expired")
		}
		return
	}
	o.streams.PublishJob(ctx, model.Event{
		Meta: meta, Kind: model.EvEnqueued,
		JobID: r.JobID, JobKind: r.Kind, Priority: r.Priority,
	})
}

// Shutdown cancels the runtime's context, stops every worker pool within
// timeout, and waits for Run to return.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.runMu.Lock()
	cancel := o.cancel
	stopped := o.stopped
	o.runMu.Unlock()
	if cancel == nil {
		return fmt.Errorf("orchestrator: Shutdown called before Run")
	}
	cancel()

	for _, pool := range o.pools {
		pool.Stop(timeout)
	}
	for _, lib := range o.libraries {
		lib.Shutdown()
	}
	o.aggregator.Close()

	select {
	case <-stopped:
	case <-time.After(timeout):
		return fmt.Errorf("orchestrator: shutdown timed out after %s", timeout)
	}

	_ = o.queue.Close()
	_ = o.cursors.Close()
	_ = o.resolver.Close()
	return nil
}

// StartScan begins a scan for libraryID: it seeds the Library Actor's Start
// command (bulk or maintenance, depending on reason) and the Scan
// Aggregator's run, sharing one correlation id across both so every event
// produced by the scan can be traced back to this call.
func (o *Orchestrator) StartScan(libraryID string, reason model.ScanReason) (aggregator.Snapshot, error) {
	lib, ok := o.libraries[libraryID]
	if !ok {
		return aggregator.Snapshot{}, fmt.Errorf("orchestrator: unknown library %q", libraryID)
	}
	correlationID := newScanID()
	mode := actor.ModeBulk
	if reason == model.ReasonMaintenanceSweep {
		mode = actor.ModeMaintenance
	}
	snap := o.aggregator.Start(correlationID, libraryID, correlationID)
	lib.Start(mode, correlationID)
	return snap, nil
}

// PauseScan stops libraryID from being handed new scheduler reservations;
// jobs already inflight run to completion.
func (o *Orchestrator) PauseScan(libraryID string) error {
	if _, ok := o.libraries[libraryID]; !ok {
		return fmt.Errorf("orchestrator: unknown library %q", libraryID)
	}
	o.sched.Pause(libraryID)
	return nil
}

// ResumeScan makes libraryID eligible for reservations again.
func (o *Orchestrator) ResumeScan(libraryID string) error {
	if _, ok := o.libraries[libraryID]; !ok {
		return fmt.Errorf("orchestrator: unknown library %q", libraryID)
	}
	o.sched.Resume(libraryID)
	return nil
}

// CancelScan marks libraryID's active run Canceled; in-flight jobs are left
// to finish and their terminal events are folded as no-ops once the run is
// terminal (§4.10).
func (o *Orchestrator) CancelScan(libraryID string) (aggregator.Snapshot, error) {
	snap, ok := o.aggregator.Cancel(libraryID)
	if !ok {
		return aggregator.Snapshot{}, fmt.Errorf("orchestrator: no active scan for library %q", libraryID)
	}
	return snap, nil
}

// ListActiveScans returns every run the aggregator currently holds.
func (o *Orchestrator) ListActiveScans() []aggregator.Snapshot {
	return o.aggregator.ActiveScans()
}

// GetSnapshot returns the current state of libraryID's active run, if any.
func (o *Orchestrator) GetSnapshot(libraryID string) (aggregator.Snapshot, bool) {
	return o.aggregator.Snapshot(libraryID)
}

// ReplayEventsSince returns every retained domain event with sequence
// strictly greater than since; ok is false if the ring has already dropped
// some of the requested range.
func (o *Orchestrator) ReplayEventsSince(since uint64) ([]model.Event, bool) {
	return o.streams.Domain.Replay(since)
}

func newScanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
