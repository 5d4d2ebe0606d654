package scheduler

import (
	"context"

	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
)

// Observer feeds scheduler counters from the internal job-event stream, so
// the scheduler never has to be called directly by the queue or worker
// pool — it just reacts to the same events everything else sees.
type Observer struct {
	sched *Scheduler
	jobs  *bus.Bus
}

// NewObserver wires sched to the job-event stream.
func NewObserver(sched *Scheduler, jobs *bus.Bus) *Observer {
	return &Observer{sched: sched, jobs: jobs}
}

// Run subscribes and feeds the scheduler until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	sub := o.jobs.Subscribe()
	defer sub.Close()

	logger := log.WithComponent("scheduler_observer")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case model.EvEnqueued:
				// Merged events must never reach here (they do not
				// increment ready-count, per §4.2); only a true new-job
				// Enqueued arrives with this kind.
				o.sched.RecordEnqueued(ev.Meta.LibraryID, ev.Priority)
			case model.EvCompleted, model.EvDeadLettered:
				o.sched.RecordCompleted(ev.Meta.LibraryID)
			default:
				// Dequeued/LeaseRenewed/Failed(retryable) do not move
				// scheduler counters directly here; retry re-enqueue goes
				// through a fresh Enqueued event from the worker pool, and
				// the worker pool calls Scheduler.Release itself when it
				// re-publishes that event (§4.5 step 8).
			}
		case <-sub.Lagged():
			logger.Warn().Msg("scheduler observer lagged on job-event stream")
		}
	}
}
