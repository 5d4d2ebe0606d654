// Package orchestrator is the composition root named in SPEC_FULL §9: an
// explicit Builder wires the Job Queue, Scheduler, Budget Manager,
// Dispatcher, Worker Pools, Library Actors, Event Bus, Correlation Cache,
// Series Resolver and Scan Cursors into one runnable Orchestrator, and a
// plain Go struct exposes the operational surface named in §6 (start,
// pause, resume, cancel, list, snapshot, replay) without any transport
// wiring of its own.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/scanwright/scanorch/internal/actor"
	"github.com/scanwright/scanorch/internal/aggregator"
	"github.com/scanwright/scanorch/internal/budget"
	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/config"
	"github.com/scanwright/scanorch/internal/correlation"
	"github.com/scanwright/scanorch/internal/cursor"
	"github.com/scanwright/scanorch/internal/dispatcher"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
	"github.com/scanwright/scanorch/internal/scheduler"
	"github.com/scanwright/scanorch/internal/series"
	"github.com/scanwright/scanorch/internal/watcher"
	"github.com/scanwright/scanorch/internal/worker"
)

// LibraryDef is one library's static configuration: its roots (for the
// Library Actor and filesystem watchers) and its scheduler overrides.
type LibraryDef struct {
	ID          string
	Roots       []actor.Root
	Weight      int
	MaxInflight int
	// Watch adds a fsnotify watcher per root when true. Tests and
	// maintenance-only libraries typically leave this false.
	Watch bool
}

// Builder assembles an Orchestrator from its collaborators. Every leaf
// actor port is injected by the caller, so production code wires real
// filesystem/media/metadata/index/image implementations and tests wire
// fakes, without the orchestrator package itself ever importing either.
type Builder struct {
	cfg config.Config

	queuePath    string
	cursorDBPath string
	seriesDBPath string
	catalog      series.Catalog

	folderScan   dispatcher.FolderScanActor
	mediaAnalyze dispatcher.MediaAnalyzeActor
	metadata     dispatcher.MetadataActor
	indexer      dispatcher.IndexerActor
	imageFetch   dispatcher.ImageFetchActor

	libraries []LibraryDef
}

// NewBuilder starts a Builder from cfg, which supplies every tunable
// (budget limits, lease TTL, quiescence window, retry policy).
func NewBuilder(cfg config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithQueue sets the sqlite path backing the Job Queue.
func (b *Builder) WithQueue(path string) *Builder {
	b.queuePath = path
	return b
}

// WithCursorStore sets the bbolt path backing Scan Cursors.
func (b *Builder) WithCursorStore(path string) *Builder {
	b.cursorDBPath = path
	return b
}

// WithSeriesStore sets the badger directory backing the Series Resolver,
// plus its remote catalog port (may be nil to always fall back to the
// deterministic stub).
func (b *Builder) WithSeriesStore(dir string, catalog series.Catalog) *Builder {
	b.seriesDBPath = dir
	b.catalog = catalog
	return b
}

// WithLeafActors injects the production (or fake) implementations of the
// five leaf actor ports the Dispatcher drives. Any nil port is left for the
// caller to notice at Build time via a clear error rather than a nil-pointer
// panic mid-scan.
func (b *Builder) WithLeafActors(folderScan dispatcher.FolderScanActor, mediaAnalyze dispatcher.MediaAnalyzeActor, metadata dispatcher.MetadataActor, indexer dispatcher.IndexerActor, imageFetch dispatcher.ImageFetchActor) *Builder {
	b.folderScan = folderScan
	b.mediaAnalyze = mediaAnalyze
	b.metadata = metadata
	b.indexer = indexer
	b.imageFetch = imageFetch
	return b
}

// WithLibrary registers one library to be actored, scheduled, and
// (optionally) watched.
func (b *Builder) WithLibrary(def LibraryDef) *Builder {
	b.libraries = append(b.libraries, def)
	return b
}

// Build validates the accumulated configuration, opens every durable
// store, and wires the full component graph. The returned Orchestrator has
// not started any goroutine yet; call Run to do that.
func (b *Builder) Build() (*Orchestrator, error) {
	if errs := b.cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("orchestrator: invalid config: %v", errs)
	}
	if b.queuePath == "" {
		return nil, fmt.Errorf("orchestrator: WithQueue is required")
	}
	if b.cursorDBPath == "" {
		return nil, fmt.Errorf("orchestrator: WithCursorStore is required")
	}
	if b.seriesDBPath == "" {
		return nil, fmt.Errorf("orchestrator: WithSeriesStore is required")
	}
	if b.folderScan == nil || b.mediaAnalyze == nil || b.metadata == nil || b.indexer == nil || b.imageFetch == nil {
		return nil, fmt.Errorf("orchestrator: all five leaf actors must be set via WithLeafActors")
	}
	if len(b.libraries) == 0 {
		return nil, fmt.Errorf("orchestrator: at least one library must be registered via WithLibrary")
	}

	q, err := queue.Open(b.queuePath, queue.RetryPolicy{
		MaxAttempts: b.cfg.Retry.MaxAttempts,
		BackoffBase: b.cfg.BackoffBase(),
		BackoffMax:  b.cfg.BackoffMax(),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open queue: %w", err)
	}

	cursors, err := cursor.Open(b.cursorDBPath)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("orchestrator: open cursor store: %w", err)
	}

	resolver, err := series.Open(b.seriesDBPath, b.catalog)
	if err != nil {
		_ = q.Close()
		_ = cursors.Close()
		return nil, fmt.Errorf("orchestrator: open series store: %w", err)
	}

	sched := scheduler.New()
	streams := bus.NewStreams()
	corr := correlation.New()
	registry := actor.NewRegistry()

	budgetLimits := budget.Limits{
		budget.ClassLibraryScan:        b.cfg.Budget.LibraryScanLimit,
		budget.ClassMediaAnalysis:      b.cfg.Budget.MediaAnalysisLimit,
		budget.ClassMetadataEnrichment: b.cfg.Budget.MetadataEnrichLimit,
		budget.ClassIndexing:           b.cfg.Budget.IndexingLimit,
		budget.ClassImageFetch:         b.cfg.Budget.ImageFetchLimit,
	}
	bm := budget.New(budgetLimits)

	pubQ := newPublishingQueue(q, streams)

	disp := dispatcher.New(b.folderScan, b.mediaAnalyze, b.metadata, b.indexer, b.imageFetch,
		series.Port{Resolver: resolver}, cursors, pubQ, streams)

	pools := make(map[model.JobKind]*worker.Pool, len(b.cfg.MaxParallel))
	for kind, n := range b.cfg.MaxParallel {
		pools[kind] = worker.New(kind, n, worker.Config{
			LeaseTTL:        b.cfg.LeaseTTL(),
			RenewAtFraction: b.cfg.Lease.RenewAtFraction,
			RenewMinMargin:  time.Duration(b.cfg.Lease.RenewMinMarginMs) * time.Millisecond,
		}, q, sched, bm, disp, corr, streams, registry)
	}

	agg := aggregator.New(streams, cursors, aggregator.Config{
		QuiescenceWindow:       b.cfg.QuiescenceWindowDuration(),
		StallTimeoutMultiplier: b.cfg.StallMultiplier,
	})

	libs := make(map[string]*actor.Library, len(b.libraries))
	var watchers []*watcher.Watcher
	for _, def := range b.libraries {
		weight := def.Weight
		if weight <= 0 {
			weight = 1
		}
		sched.AddLibrary(def.ID, scheduler.LibraryConfig{Weight: weight, MaxInflight: def.MaxInflight})

		lib := actor.NewLibrary(def.ID, def.Roots, pubQ)
		registry.Add(lib)
		libs[def.ID] = lib

		if def.Watch {
			for _, root := range def.Roots {
				w, err := watcher.New(def.ID, root.ID, root.Path, lib)
				if err != nil {
					_ = q.Close()
					_ = cursors.Close()
					_ = resolver.Close()
					return nil, fmt.Errorf("orchestrator: watch %s root %s: %w", def.ID, root.ID, err)
				}
				watchers = append(watchers, w)
			}
		}
	}

	return &Orchestrator{
		cfg:        b.cfg,
		queue:      q,
		cursors:    cursors,
		resolver:   resolver,
		sched:      sched,
		streams:    streams,
		corr:       corr,
		registry:   registry,
		budget:     bm,
		dispatch:   disp,
		pools:      pools,
		aggregator: agg,
		libraries:  libs,
		watchers:   watchers,
	}, nil
}

