// Package worker implements the Worker Pool (§4.5): per-kind fleets of
// workers that reserve a scheduler slot, dequeue a job, run it through the
// dispatcher, and translate the outcome back into queue/scheduler/event-bus
// state, with a background lease-renewal task covering the dispatch.
package worker

import (
	"sync"
	"time"

	"github.com/scanwright/scanorch/internal/budget"
	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/correlation"
	"github.com/scanwright/scanorch/internal/dispatcher"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
	"github.com/scanwright/scanorch/internal/scheduler"
)

// ClassForKind maps a job kind to its budget workload class.
func ClassForKind(kind model.JobKind) budget.Class {
	switch kind {
	case model.KindFolderScan:
		return budget.ClassLibraryScan
	case model.KindMediaAnalyze:
		return budget.ClassMediaAnalysis
	case model.KindMetadataEnrich, model.KindEpisodeMatch, model.KindSeriesResolve:
		return budget.ClassMetadataEnrichment
	case model.KindIndexUpsert:
		return budget.ClassIndexing
	case model.KindImageFetch:
		return budget.ClassImageFetch
	default:
		return budget.ClassMetadataEnrichment
	}
}

// Config tunes a Pool's idle backoff and renewal timing.
type Config struct {
	IdleBackoff     time.Duration
	LeaseTTL        time.Duration
	RenewAtFraction float64
	RenewMinMargin  time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 50 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.RenewAtFraction <= 0 {
		c.RenewAtFraction = 0.5
	}
	if c.RenewMinMargin <= 0 {
		c.RenewMinMargin = 2 * time.Second
	}
	return c
}

// LibraryNotifier is the worker pool's view of the Library Actor mailbox,
// notified asynchronously on terminal job outcomes.
type LibraryNotifier interface {
	NotifyJobCompleted(libraryID, jobID string)
	NotifyJobFailed(libraryID, jobID string, retryable bool)
}

// Pool owns N workers for one job kind, all sharing the same collaborators.
type Pool struct {
	Kind     model.JobKind
	N        int
	Cfg      Config
	Queue    *queue.Queue
	Sched    *scheduler.Scheduler
	Budget   *budget.Manager
	Dispatch *dispatcher.Dispatcher
	Corr     *correlation.Cache
	Streams  *bus.Streams
	Actor    LibraryNotifier

	wg sync.WaitGroup
}

// New constructs a Pool. Cfg is completed with defaults for any zero field.
func New(kind model.JobKind, n int, cfg Config, q *queue.Queue, sched *scheduler.Scheduler, bm *budget.Manager, d *dispatcher.Dispatcher, corr *correlation.Cache, streams *bus.Streams, actor LibraryNotifier) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		Kind: kind, N: n, Cfg: cfg.withDefaults(),
		Queue: q, Sched: sched, Budget: bm, Dispatch: d, Corr: corr, Streams: streams, Actor: actor,
	}
}
