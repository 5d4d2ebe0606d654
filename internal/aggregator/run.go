package aggregator

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/scanwright/scanorch/internal/model"
)

// Phase is a scan run's lifecycle phase (§4.10).
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseDiscovering  Phase = "discovering"
	PhaseProcessing   Phase = "processing"
	PhaseQuiescing    Phase = "quiescing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCanceled     Phase = "canceled"
)

// Terminal reports whether phase is one no run ever leaves.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCanceled:
		return true
	}
	return false
}

// itemStatus is a single folder item's status within a run.
type itemStatus string

const (
	itemInProgress   itemStatus = "in_progress"
	itemCompleted    itemStatus = "completed"
	itemRetrying     itemStatus = "retrying"
	itemDeadLettered itemStatus = "dead_lettered"
)

func (s itemStatus) terminal() bool {
	return s == itemCompleted || s == itemDeadLettered
}

type item struct {
	path           string
	jobID          string // the job currently considered "live" for this item
	status         itemStatus
	indexedMatches int
	lastActivity   time.Time
}

// Snapshot is a read-only view of a Run's current state, safe to hold
// after the Run has moved on.
type Snapshot struct {
	ScanID         string
	LibraryID      string
	Status         string
	Completed      int
	Total          int
	Retrying       int
	DeadLettered   int
	CurrentPath    string
	Sequence       uint64
	IdempotencyKey string
	Reason         string
}

// Run tracks one library's active (or just-terminated) scan lifecycle.
// All mutation happens on the aggregator's single folding goroutine except
// for reads via snapshot, so the mutex only guards against concurrent
// Snapshot/Cancel calls from other goroutines (e.g. an HTTP handler).
type Run struct {
	mu sync.Mutex

	scanID        string
	libraryID     string
	correlationID string

	phase  Phase
	reason string

	items map[string]*item

	seq             uint64
	currentPath     string
	quiescenceStart time.Time
	lastActivity    time.Time
}

func newRun(scanID, libraryID, correlationID string) *Run {
	now := time.Now()
	return &Run{
		scanID: scanID, libraryID: libraryID, correlationID: correlationID,
		phase: PhaseInitializing, items: make(map[string]*item),
		lastActivity: now,
	}
}

// seedCompleted registers a historical item as already Completed, with one
// indexed match credited so the quiescence demotion pass never treats
// rehydrated history as a fresh zero-match root.
func (r *Run) seedCompleted(folderPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[folderPath] = &item{path: folderPath, status: itemCompleted, indexedMatches: 1, lastActivity: time.Now()}
}

// isEmpty reports whether the run has no tracked items at all — a library
// with zero configured roots, or one whose cursor rehydration found nothing.
func (r *Run) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items) == 0
}

// completeEmpty transitions a run with no tracked items straight to
// Completed. checkCompletion's Initializing phase has no exit of its own —
// it only ever leaves Discovering/Processing/Quiescing — so a run that
// never gets a single FolderScan item (zero roots) would otherwise sit in
// Initializing forever. Per spec.md §8, a pure-zero-item scan completes
// synchronously instead.
func (r *Run) completeEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Terminal() || len(r.items) != 0 {
		return
	}
	r.phase = PhaseCompleted
}

func (r *Run) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase.Terminal()
}

func (r *Run) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Terminal() {
		return
	}
	r.phase = PhaseCanceled
	r.reason = "canceled"
}

func (r *Run) fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Terminal() {
		return
	}
	r.phase = PhaseFailed
	r.reason = reason
}

// foldJobEvent applies one FolderScan job-lifecycle event to the run's item
// set, per §4.10's transition table. It returns true if the event should
// trigger a progress frame.
func (r *Run) foldJobEvent(ev model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pathKey := ev.Meta.PathKey
	if pathKey == "" {
		return false
	}
	it, known := r.items[pathKey]
	if !known {
		it = &item{path: pathKey}
		r.items[pathKey] = it
	}

	switch ev.Kind {
	case model.EvEnqueued, model.EvDequeued:
		if it.status.terminal() {
			// Retrograde: an active transition arriving after a terminal one
			// for the same item. Refresh liveness only, never the status.
			it.lastActivity = time.Now()
			return false
		}
		it.status = itemInProgress
		it.jobID = ev.JobID
		it.lastActivity = time.Now()
		r.lastActivity = it.lastActivity
		r.currentPath = pathKey
		if r.phase == PhaseInitializing {
			r.phase = PhaseDiscovering
		} else if r.phase == PhaseQuiescing {
			r.phase = PhaseProcessing
		}
		return true

	case model.EvLeaseRenewed:
		// A renewal only counts as activity for the job the item currently
		// tracks; a renewal for a superseded/merged job id is stale and is
		// dropped rather than reviving an item's liveness.
		if it.jobID != "" && it.jobID != ev.JobID {
			return false
		}
		it.lastActivity = time.Now()
		r.lastActivity = it.lastActivity
		return false

	case model.EvCompleted:
		if it.status.terminal() {
			return false
		}
		it.status = itemCompleted
		it.lastActivity = time.Now()
		r.lastActivity = it.lastActivity
		r.maybeEnterQuiescing()
		return true

	case model.EvFailed:
		if it.status.terminal() {
			return false
		}
		it.lastActivity = time.Now()
		r.lastActivity = it.lastActivity
		if ev.Retryable {
			it.status = itemRetrying
			return true
		}
		it.status = itemDeadLettered
		r.maybeEnterQuiescing()
		return true

	case model.EvDeadLettered:
		if it.status.terminal() {
			return false
		}
		it.status = itemDeadLettered
		it.lastActivity = time.Now()
		r.lastActivity = it.lastActivity
		r.maybeEnterQuiescing()
		return true

	default:
		return false
	}
}

// maybeEnterQuiescing transitions Discovering/Processing to Quiescing once
// every tracked item is terminal. Caller must hold r.mu.
func (r *Run) maybeEnterQuiescing() {
	if r.phase != PhaseDiscovering && r.phase != PhaseProcessing {
		return
	}
	if !r.allTerminal() {
		return
	}
	r.phase = PhaseQuiescing
	r.quiescenceStart = time.Now()
}

func (r *Run) allTerminal() bool {
	for _, it := range r.items {
		if !it.status.terminal() {
			return false
		}
	}
	return true
}

// creditIndexedMatch walks path upward to the deepest tracked ancestor
// folder and credits it with an entity-root match, per §4.10's Indexed
// handling ("walking upward past season/extras-like folders").
func (r *Run) creditIndexedMatch(mediaPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := path.Dir(strings.ReplaceAll(mediaPath, "\\", "/"))
	for dir != "." && dir != "/" && dir != "" {
		if it, ok := r.items[dir]; ok {
			it.indexedMatches++
			return
		}
		parent := path.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

type completionOutcome int

const (
	completionNone completionOutcome = iota
	completionQuiescing
	completionDemoted
	completionDone
	completionTimedOut
)

// checkCompletion runs the polled completion check from §4.10: entering
// Quiescing, demoting zero-match root items once the quiescence window has
// elapsed without further activity, transitioning to Completed, or failing
// on a stall.
func (r *Run) checkCompletion(cfg Config) completionOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase.Terminal() {
		return completionNone
	}

	if r.phase == PhaseDiscovering || r.phase == PhaseProcessing {
		if len(r.items) > 0 && r.allTerminal() {
			r.phase = PhaseQuiescing
			r.quiescenceStart = time.Now()
			return completionQuiescing
		}
		if r.hasStalled(cfg.stallTimeout()) {
			r.phase = PhaseFailed
			r.reason = "quiescence_timeout"
			return completionTimedOut
		}
		return completionNone
	}

	if r.phase == PhaseQuiescing {
		if len(r.items) == 0 {
			r.phase = PhaseCompleted
			return completionDone
		}
		if time.Since(r.quiescenceStart) < cfg.QuiescenceWindow {
			return completionNone
		}
		if time.Since(r.lastActivity) < cfg.QuiescenceWindow {
			// Activity since quiescence began; stay armed, a later poll
			// will re-check once it has settled.
			return completionNone
		}

		demoted := r.demoteZeroMatchRoots()
		if demoted {
			// Per the resolved open question on re-arming: do not reset
			// quiescenceStart here, so a demotion late in the window leaves
			// the next check due almost immediately rather than granting a
			// fresh full window.
			return completionDemoted
		}
		r.phase = PhaseCompleted
		return completionDone
	}

	return completionNone
}

// demoteZeroMatchRoots marks root-level Completed items with zero indexed
// matches as DeadLettered (reason no_root_match). A "root" item here is
// one whose path has no tracked ancestor in this run's item set.
func (r *Run) demoteZeroMatchRoots() bool {
	demoted := false
	for p, it := range r.items {
		if it.status != itemCompleted || it.indexedMatches > 0 {
			continue
		}
		if r.hasTrackedAncestor(p) {
			continue
		}
		it.status = itemDeadLettered
		demoted = true
	}
	return demoted
}

func (r *Run) hasTrackedAncestor(p string) bool {
	dir := path.Dir(p)
	for dir != "." && dir != "/" && dir != "" {
		if _, ok := r.items[dir]; ok {
			return true
		}
		parent := path.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
	return false
}

func (r *Run) hasStalled(stallTimeout time.Duration) bool {
	for _, it := range r.items {
		if it.status == itemRetrying {
			return false
		}
	}
	for _, it := range r.items {
		if !it.status.terminal() && time.Since(it.lastActivity) >= stallTimeout {
			return true
		}
	}
	return false
}

// snapshot returns a read-only point-in-time copy of the run's counters and
// status; it does not advance the sequence number.
func (r *Run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// nextFrame advances the per-run sequence number and returns the snapshot
// that an emitted lifecycle frame should carry. Every call represents one
// outgoing frame, per §4.10's "monotonic per-run sequence number".
func (r *Run) nextFrame() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	var completed, retrying, deadLettered int
	for _, it := range r.items {
		switch it.status {
		case itemCompleted:
			completed++
		case itemRetrying:
			retrying++
		case itemDeadLettered:
			deadLettered++
		}
	}
	return Snapshot{
		ScanID: r.scanID, LibraryID: r.libraryID, Status: string(r.phase),
		Completed: completed, Total: len(r.items), Retrying: retrying, DeadLettered: deadLettered,
		CurrentPath: r.currentPath, Sequence: r.seq, IdempotencyKey: fmt.Sprintf("scan:%s:%d", r.scanID, r.seq),
		Reason: r.reason,
	}
}
