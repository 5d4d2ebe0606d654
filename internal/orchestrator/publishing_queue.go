package orchestrator

import (
	"context"
	"time"

	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
)

// publishingQueue decorates *queue.Queue so every newly-accepted enqueue
// (the Library Actor's Start/FsEvents batches, the Dispatcher's follow-up
// jobs) publishes the job-lifecycle Enqueued event that the scheduler's
// Observer and the aggregator rely on to see new ready work. A merged
// enqueue is not new ready work (§4.2) and is left unpublished, matching
// the Observer's own contract. The queue package stays a pure durable
// store with no bus dependency; this wiring lives at the composition root
// instead.
type publishingQueue struct {
	*queue.Queue
	streams *bus.Streams
}

func newPublishingQueue(q *queue.Queue, streams *bus.Streams) *publishingQueue {
	return &publishingQueue{Queue: q, streams: streams}
}

// Enqueue shadows the embedded Queue's Enqueue so it goes through
// EnqueueMany below and gets the same publish behaviour.
func (p *publishingQueue) Enqueue(ctx context.Context, req model.EnqueueRequest) (model.JobHandle, error) {
	handles, err := p.EnqueueMany(ctx, []model.EnqueueRequest{req})
	if err != nil {
		return model.JobHandle{}, err
	}
	return handles[0], nil
}

// EnqueueMany shadows the embedded Queue's EnqueueMany, publishing Enqueued
// for each accepted (non-merged) handle after the transaction commits.
func (p *publishingQueue) EnqueueMany(ctx context.Context, reqs []model.EnqueueRequest) ([]model.JobHandle, error) {
	handles, err := p.Queue.EnqueueMany(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for i, h := range handles {
		if !h.Accepted {
			continue
		}
		p.streams.PublishJob(ctx, model.Event{
			Meta: model.EventMeta{
				CorrelationID: reqs[i].CorrelationID,
				LibraryID:     reqs[i].LibraryID,
				EmittedAt:     time.Now(),
			},
			Kind: model.EvEnqueued, JobID: h.JobID, JobKind: h.Kind, Priority: h.Priority,
		})
	}
	return handles, nil
}
