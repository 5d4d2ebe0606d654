// Package actor implements the Library Actor (§4.6): a mailbox-serialised
// goroutine per library that converts scan-start requests and filesystem
// events into batched job enqueues, preserving a caller-supplied
// correlation id across the whole batch.
package actor

import (
	"context"
	"time"

	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
)

// Mode distinguishes the two Start command variants.
type Mode int

const (
	ModeBulk Mode = iota
	ModeMaintenance
)

// BatchEnqueuer is the actor's view of the Job Queue: a single call that
// inserts every request in req as one transaction, so a batch of enqueues
// from one FsEvents or Start command either lands together or not at all.
type BatchEnqueuer interface {
	EnqueueMany(ctx context.Context, reqs []model.EnqueueRequest) ([]model.JobHandle, error)
}

// Root is one configured library root to seed on Start{Bulk}.
type Root struct {
	ID   string
	Path string
}

// FsEvent is one filesystem change observed for this library.
type FsEvent struct {
	Path   string
	Kind   string // "created" | "modified" | "removed"
	RootID string
}

type startCmd struct {
	mode          Mode
	correlationID string
}

type fsEventsCmd struct {
	rootID        string
	events        []FsEvent
	correlationID string
}

type jobCompletedCmd struct {
	jobID     string
	dedupeKey string
}

type jobFailedCmd struct {
	jobID     string
	dedupeKey string
	retryable bool
	err       string
}

// burstThreshold is the batch size, within one FsEvents call, above which
// every event in the batch is classified WatcherOverflow instead of
// HotChange — a burst this large usually means a bulk operation (move,
// unpack) rather than discrete edits worth racing to scan.
const burstThreshold = 50

// Library is one library's mailbox actor. All commands are serialized
// through a single goroutine reading cmds, so no internal state needs a
// mutex.
type Library struct {
	id    string
	roots []Root

	queue BatchEnqueuer

	cmds   chan any
	done   chan struct{}
	closed chan struct{}

	completedCount int
	failedCount    int
	retryingCount  int
}

// NewLibrary constructs a Library actor for libraryID with its configured
// roots, backed by queue for enqueues. Call Run in its own goroutine to
// start serving commands.
func NewLibrary(libraryID string, roots []Root, queue BatchEnqueuer) *Library {
	return &Library{
		id: libraryID, roots: roots, queue: queue,
		cmds: make(chan any, 64), done: make(chan struct{}), closed: make(chan struct{}),
	}
}

// Run serves commands until Shutdown is called or ctx is cancelled.
func (l *Library) Run(ctx context.Context) {
	defer close(l.closed)
	logger := log.WithComponent("library_actor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case cmd := <-l.cmds:
			l.handle(ctx, cmd, &logger)
		}
	}
}

// Shutdown stops the actor's Run loop; it does not wait for in-flight
// enqueues started by the current command to finish.
func (l *Library) Shutdown() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

// Closed is signalled once Run has returned.
func (l *Library) Closed() <-chan struct{} { return l.closed }

// Start enqueues the Start{Bulk|Maintenance} command.
func (l *Library) Start(mode Mode, correlationID string) {
	l.send(startCmd{mode: mode, correlationID: correlationID})
}

// FsEvents enqueues a batch of filesystem events observed under rootID.
func (l *Library) FsEvents(rootID string, events []FsEvent, correlationID string) {
	l.send(fsEventsCmd{rootID: rootID, events: events, correlationID: correlationID})
}

// JobCompleted/JobFailed notify the actor of a terminal job outcome for
// bookkeeping; they never block the caller on a full mailbox beyond a
// short buffered send.
func (l *Library) JobCompleted(jobID, dedupeKey string) {
	l.send(jobCompletedCmd{jobID: jobID, dedupeKey: dedupeKey})
}

func (l *Library) JobFailed(jobID, dedupeKey string, retryable bool, errMsg string) {
	l.send(jobFailedCmd{jobID: jobID, dedupeKey: dedupeKey, retryable: retryable, err: errMsg})
}

// NotifyJobCompleted/NotifyJobFailed satisfy worker.LibraryNotifier.
func (l *Library) NotifyJobCompleted(libraryID, jobID string) {
	l.JobCompleted(jobID, "")
}

func (l *Library) NotifyJobFailed(libraryID, jobID string, retryable bool) {
	l.JobFailed(jobID, "", retryable, "")
}

func (l *Library) send(cmd any) {
	select {
	case l.cmds <- cmd:
	case <-l.done:
	case <-time.After(5 * time.Second):
		log.WithComponent("library_actor").Warn().Str("library_id", l.id).Msg("mailbox send timed out, command dropped")
	}
}

