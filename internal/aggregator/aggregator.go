// Package aggregator implements the Scan Aggregator (§4.10): a long-running
// task that folds job-lifecycle and domain events into per-library scan
// run snapshots, enforcing the quiescence/stall rules that decide when a
// run is Completed, Failed, or needs another progress frame.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
)

// CursorLister is the aggregator's view of the Scan Cursors store, used to
// rehydrate a run's item set from prior work at start.
type CursorLister interface {
	ListForLibrary(libraryID string) ([]model.ScanCursor, error)
}

// Config tunes the aggregator's quiescence and polling behaviour.
type Config struct {
	QuiescenceWindow       time.Duration
	StallTimeoutMultiplier int
	PollInterval           time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuiescenceWindow <= 0 {
		c.QuiescenceWindow = 3 * time.Second
	}
	if c.StallTimeoutMultiplier <= 0 {
		c.StallTimeoutMultiplier = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

func (c Config) stallTimeout() time.Duration {
	return c.QuiescenceWindow * time.Duration(c.StallTimeoutMultiplier)
}

// Aggregator subscribes to both broadcast streams and folds their events
// into one Run per active library-scoped scan. Only one run may be active
// per library at a time, matching the scheduler's per-library fan-out.
type Aggregator struct {
	cfg     Config
	streams *bus.Streams
	cursors CursorLister

	mu   sync.Mutex
	runs map[string]*Run // keyed by library id

	jobsSub   *bus.Subscription
	domainSub *bus.Subscription
	stop      chan struct{}
	stopped   chan struct{}
}

// New constructs an Aggregator. Call Run in its own goroutine to start
// folding events; call Close to unsubscribe and stop the poll loop.
func New(streams *bus.Streams, cursors CursorLister, cfg Config) *Aggregator {
	return &Aggregator{
		cfg: cfg.withDefaults(), streams: streams, cursors: cursors,
		runs: make(map[string]*Run),
		stop: make(chan struct{}), stopped: make(chan struct{}),
	}
}

// Start begins a new run for libraryID, rehydrating its item set from
// persisted scan cursors so already-scanned roots are seeded Completed
// instead of double-counted after a restart. It returns the run's
// snapshot so callers can report the initial scan id immediately.
func (a *Aggregator) Start(scanID, libraryID, correlationID string) Snapshot {
	run := newRun(scanID, libraryID, correlationID)

	if a.cursors != nil {
		if cursors, err := a.cursors.ListForLibrary(libraryID); err == nil {
			for _, c := range cursors {
				run.seedCompleted(c.FolderPath)
			}
		} else {
			log.WithComponent("aggregator").Warn().Err(err).Str("library_id", libraryID).Msg("failed to rehydrate scan cursors")
		}
	}

	a.mu.Lock()
	a.runs[libraryID] = run
	a.mu.Unlock()

	started := run.nextFrame()
	a.streams.PublishDomain(context.Background(), model.Event{
		Meta: model.EventMeta{CorrelationID: correlationID, LibraryID: libraryID, IdempotencyKey: started.IdempotencyKey, EmittedAt: time.Now()},
		Kind: model.EvScanStarted, Status: string(PhaseInitializing),
	})

	// A library with zero configured roots (or an empty cursor rehydration)
	// never produces a FolderScan item to fold, so nothing would otherwise
	// move the run out of Initializing. Complete it synchronously after the
	// first frame instead of leaving it stuck (spec.md §8).
	if run.isEmpty() {
		run.completeEmpty()
		completed := run.nextFrame()
		a.streams.PublishDomain(context.Background(), model.Event{
			Meta: model.EventMeta{CorrelationID: correlationID, LibraryID: libraryID, IdempotencyKey: completed.IdempotencyKey, EmittedAt: time.Now()},
			Kind: model.EvScanCompleted, Status: completed.Status,
			CompletedCount: completed.Completed, TotalCount: completed.Total, RetryingCount: completed.Retrying, DeadLetterCount: completed.DeadLettered,
		})
		return completed
	}

	return started
}

// Cancel marks libraryID's active run Canceled, if one exists. In-flight
// jobs are left to finish; their terminal events arrive after the run is
// already terminal and are folded as no-ops.
func (a *Aggregator) Cancel(libraryID string) (Snapshot, bool) {
	a.mu.Lock()
	run, ok := a.runs[libraryID]
	a.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	run.cancel()
	return run.snapshot(), true
}

// Snapshot returns the current state of libraryID's active run, if any.
func (a *Aggregator) Snapshot(libraryID string) (Snapshot, bool) {
	a.mu.Lock()
	run, ok := a.runs[libraryID]
	a.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return run.snapshot(), true
}

// ActiveScans lists every run the aggregator currently holds, active or
// terminal, keyed by library id.
func (a *Aggregator) ActiveScans() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Snapshot, 0, len(a.runs))
	for _, run := range a.runs {
		out = append(out, run.snapshot())
	}
	return out
}

// Run subscribes to both streams and folds events until ctx is cancelled
// or Close is called. It is meant to be run in its own goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.stopped)

	a.jobsSub = a.streams.Jobs.Subscribe()
	a.domainSub = a.streams.Domain.Subscribe()
	defer a.jobsSub.Close()
	defer a.domainSub.Close()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case ev := <-a.jobsSub.Events():
			a.foldJobEvent(ctx, ev)
		case ev := <-a.domainSub.Events():
			a.foldDomainEvent(ctx, ev)
		case <-ticker.C:
			a.pollCompletion(ctx)
		}
	}
}

// Close stops Run and waits for it to return.
func (a *Aggregator) Close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.stopped
}

func (a *Aggregator) runFor(libraryID string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[libraryID]
	return run, ok
}

func (a *Aggregator) foldJobEvent(ctx context.Context, ev model.Event) {
	if ev.JobKind != model.KindFolderScan {
		return
	}
	run, ok := a.runFor(ev.Meta.LibraryID)
	if !ok || run.terminal() {
		return
	}

	progress := run.foldJobEvent(ev)
	if progress {
		a.emitProgress(ctx, run)
	}
}

func (a *Aggregator) foldDomainEvent(ctx context.Context, ev model.Event) {
	if ev.Kind != model.EvIndexed {
		return
	}
	run, ok := a.runFor(ev.Meta.LibraryID)
	if !ok || run.terminal() {
		return
	}
	run.creditIndexedMatch(ev.Path)
}

func (a *Aggregator) pollCompletion(ctx context.Context) {
	a.mu.Lock()
	runs := make([]*Run, 0, len(a.runs))
	for _, run := range a.runs {
		runs = append(runs, run)
	}
	a.mu.Unlock()

	for _, run := range runs {
		switch run.checkCompletion(a.cfg) {
		case completionQuiescing:
			a.emitPhase(ctx, run, model.EvScanQuiescing)
		case completionDemoted:
			a.emitProgress(ctx, run)
		case completionDone:
			a.emitPhase(ctx, run, model.EvScanCompleted)
		case completionTimedOut:
			a.emitFailed(ctx, run, "quiescence_timeout")
		}
	}
}

func (a *Aggregator) emitProgress(ctx context.Context, run *Run) {
	snap := run.nextFrame()
	a.streams.PublishDomain(ctx, model.Event{
		Meta: model.EventMeta{CorrelationID: run.correlationID, LibraryID: run.libraryID, PathKey: snap.CurrentPath, IdempotencyKey: snap.IdempotencyKey, EmittedAt: time.Now()},
		Kind: model.EvScanProgress, Status: snap.Status,
		CompletedCount: snap.Completed, TotalCount: snap.Total, RetryingCount: snap.Retrying, DeadLetterCount: snap.DeadLettered,
		Path: snap.CurrentPath,
	})
}

func (a *Aggregator) emitPhase(ctx context.Context, run *Run, kind model.EventPayloadKind) {
	snap := run.nextFrame()
	a.streams.PublishDomain(ctx, model.Event{
		Meta: model.EventMeta{CorrelationID: run.correlationID, LibraryID: run.libraryID, IdempotencyKey: snap.IdempotencyKey, EmittedAt: time.Now()},
		Kind: kind, Status: snap.Status,
		CompletedCount: snap.Completed, TotalCount: snap.Total, RetryingCount: snap.Retrying, DeadLetterCount: snap.DeadLettered,
	})
}

func (a *Aggregator) emitFailed(ctx context.Context, run *Run, reason string) {
	run.fail(reason)
	snap := run.nextFrame()
	a.streams.PublishDomain(ctx, model.Event{
		Meta: model.EventMeta{CorrelationID: run.correlationID, LibraryID: run.libraryID, IdempotencyKey: snap.IdempotencyKey, EmittedAt: time.Now()},
		Kind: model.EvScanFailed, Status: snap.Status, Reason: reason,
		CompletedCount: snap.Completed, TotalCount: snap.Total, RetryingCount: snap.Retrying, DeadLetterCount: snap.DeadLettered,
	})
}
