// Package scheduler implements the weighted-fair Scheduler (§4.2): it
// multiplexes workers across (library, priority) slots, rotating library
// order so no single library can monopolise a worker pool, while still
// preferring higher priorities within a library and respecting per-library
// inflight caps.
package scheduler

import (
	"sync"

	"github.com/scanwright/scanorch/internal/metrics"
	"github.com/scanwright/scanorch/internal/model"
)

// consecutivePickConstant bounds how many reservations in a row one
// library may win before the rotation forces a different library to the
// front, even if that library still has ready work at a higher priority.
// This is what guarantees starvation-freedom: a library's run length is
// capped at weight * consecutivePickConstant.
const consecutivePickConstant = 4

// Reservation is a claim on one (library, priority) slot, to be confirmed
// or cancelled once the worker has attempted to dequeue.
type Reservation struct {
	ID       uint64
	Library  string
	Priority model.Priority
}

type libraryState struct {
	weight      int
	maxInflight int // 0 means unbounded
	inflight    int
	ready       [4]int // indexed by Priority
	consecutive int
	paused      bool
}

// Scheduler tracks per-library ready/inflight counters and hands out
// reservations in rotating, priority-biased, weight-capped order.
type Scheduler struct {
	mu        sync.Mutex
	libraries map[string]*libraryState
	order     []string // rotation order
	cursor    int
	nextID    uint64
	pending   map[uint64]Reservation
}

// LibraryConfig is the per-library override accepted by New/AddLibrary.
type LibraryConfig struct {
	Weight      int // default 1
	MaxInflight int // 0 = unbounded
}

// New constructs an empty scheduler. Libraries are registered via
// AddLibrary as they become known (typically at Library Actor startup).
func New() *Scheduler {
	return &Scheduler{
		libraries: make(map[string]*libraryState),
		pending:   make(map[uint64]Reservation),
	}
}

// AddLibrary registers a library with the scheduler if not already present.
func (s *Scheduler) AddLibrary(libraryID string, cfg LibraryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[libraryID]; ok {
		return
	}
	w := cfg.Weight
	if w <= 0 {
		w = 1
	}
	s.libraries[libraryID] = &libraryState{weight: w, maxInflight: cfg.MaxInflight}
	s.order = append(s.order, libraryID)
}

// RecordEnqueued bumps the ready-count for (library, priority). Merged
// events must never call this — they represent no new work (§4.2).
func (s *Scheduler) RecordEnqueued(libraryID string, p model.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib := s.ensureLibraryLocked(libraryID)
	lib.ready[p]++
}

// RecordCompleted decrements inflight for libraryID, called on
// Completed/DeadLettered job events.
func (s *Scheduler) RecordCompleted(libraryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[libraryID]
	if !ok || lib.inflight == 0 {
		return
	}
	lib.inflight--
}

// Release decrements inflight for libraryID without touching ready,
// freeing the reservation slot a job held while it was running. Unlike
// RecordCompleted this is for a job that is going back to pending rather
// than reaching a terminal state: a retryable failure already re-enters
// ready via a fresh RecordEnqueued (from the re-published Enqueued event),
// and without a matching Release here that job's inflight slot would stay
// claimed until its eventual terminal outcome, starving the library's
// max_inflight cap one retry at a time (§4.5 step 8).
func (s *Scheduler) Release(libraryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[libraryID]
	if !ok || lib.inflight == 0 {
		return
	}
	lib.inflight--
}

// Pause stops libraryID from being handed new reservations; jobs already
// inflight run to completion. Unregistered libraries are registered paused,
// so a Pause that races AddLibrary still takes effect.
func (s *Scheduler) Pause(libraryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLibraryLocked(libraryID).paused = true
}

// Resume makes libraryID eligible for reservations again.
func (s *Scheduler) Resume(libraryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[libraryID]
	if !ok {
		return
	}
	lib.paused = false
}

// Paused reports whether libraryID is currently paused.
func (s *Scheduler) Paused(libraryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[libraryID]
	return ok && lib.paused
}

func (s *Scheduler) ensureLibraryLocked(libraryID string) *libraryState {
	lib, ok := s.libraries[libraryID]
	if !ok {
		lib = &libraryState{weight: 1}
		s.libraries[libraryID] = lib
		s.order = append(s.order, libraryID)
	}
	return lib
}

// Reserve selects the next eligible slot, or returns ok=false if nothing is
// ready. The rotation starts from the library after the last one that was
// handed a reservation, so repeated calls sweep the whole library set.
func (s *Scheduler) Reserve() (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	if n == 0 {
		return Reservation{}, false
	}

	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		libID := s.order[idx]
		lib := s.libraries[libID]
		if lib == nil || lib.paused {
			continue
		}
		if lib.maxInflight > 0 && lib.inflight >= lib.maxInflight {
			continue
		}
		if lib.consecutive >= lib.weight*consecutivePickConstant {
			continue
		}

		priority, ok := highestReadyPriority(lib)
		if !ok {
			lib.consecutive = 0
			continue
		}

		lib.ready[priority]--
		lib.inflight++
		lib.consecutive++
		s.cursor = (idx + 1) % n

		s.nextID++
		id := s.nextID
		res := Reservation{ID: id, Library: libID, Priority: priority}
		s.pending[id] = res
		metrics.SchedulerReservations.WithLabelValues(libID, "reserved").Inc()
		return res, true
	}

	// Nothing had both ready work and an open consecutive budget; reset
	// every library's consecutive counter and try once more so a library
	// that exhausted its burst can be picked again on the next call.
	for _, lib := range s.libraries {
		lib.consecutive = 0
	}
	return s.reserveOnce()
}

// reserveOnce is a single unrotated pass used as the fallback after a
// consecutive-budget reset; it does not itself reset anything further, to
// avoid infinite recursion when there is simply no ready work anywhere.
func (s *Scheduler) reserveOnce() (Reservation, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		libID := s.order[idx]
		lib := s.libraries[libID]
		if lib == nil || lib.paused {
			continue
		}
		if lib.maxInflight > 0 && lib.inflight >= lib.maxInflight {
			continue
		}
		priority, ok := highestReadyPriority(lib)
		if !ok {
			continue
		}
		lib.ready[priority]--
		lib.inflight++
		lib.consecutive++
		s.cursor = (idx + 1) % n

		s.nextID++
		id := s.nextID
		res := Reservation{ID: id, Library: libID, Priority: priority}
		s.pending[id] = res
		metrics.SchedulerReservations.WithLabelValues(libID, "reserved").Inc()
		return res, true
	}
	return Reservation{}, false
}

func highestReadyPriority(lib *libraryState) (model.Priority, bool) {
	for p := model.P0; p <= model.P3; p++ {
		if lib.ready[p] > 0 {
			return p, true
		}
	}
	return 0, false
}

// Confirm reports that the reservation produced a dequeued job; it is a
// bookkeeping no-op beyond removing the pending entry (inflight already
// incremented at reservation time).
func (s *Scheduler) Confirm(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Cancel reports that the reservation did not produce a dequeued job
// (e.g. a race with another worker); the slot is returned so the ready
// count and inflight counter are not permanently lost.
func (s *Scheduler) Cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	lib, ok := s.libraries[res.Library]
	if !ok {
		return
	}
	if lib.inflight > 0 {
		lib.inflight--
	}
	lib.ready[res.Priority]++
	metrics.SchedulerReservations.WithLabelValues(res.Library, "cancelled").Inc()
}
