package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scanwright/scanorch/internal/dispatcher"
	"github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
	"github.com/scanwright/scanorch/internal/scheduler"
)

// Start launches p.N worker goroutines. They run until ctx is cancelled;
// Stop blocks until every worker has exited its current iteration.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.N; i++ {
		workerID := uuid.NewString()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
}

// Stop waits up to timeout for all workers to exit after ctx has been
// cancelled by the caller; it returns false if the timeout elapsed first.
func (p *Pool) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	logger := log.WithComponent("worker")
	class := ClassForKind(p.Kind)

	for {
		if ctx.Err() != nil {
			return
		}

		if !p.Budget.HasBudget(class) {
			sleepOrDone(ctx, p.Cfg.IdleBackoff)
			continue
		}

		res, ok := p.Sched.Reserve()
		if !ok {
			sleepOrDone(ctx, p.Cfg.IdleBackoff)
			continue
		}

		lease, found, err := p.Queue.Dequeue(ctx, p.Kind, workerID, p.Cfg.LeaseTTL, queue.Selector{Library: res.Library, Priority: res.Priority})
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			p.Sched.Cancel(res.ID)
			sleepOrDone(ctx, p.Cfg.IdleBackoff)
			continue
		}
		if !found {
			p.Sched.Cancel(res.ID)
			sleepOrDone(ctx, p.Cfg.IdleBackoff)
			continue
		}
		p.Sched.Confirm(res.ID)

		tok, err := p.Budget.Acquire(ctx, class)
		if err != nil {
			_ = p.Queue.Fail(ctx, lease.LeaseID, true, "budget acquire cancelled")
			p.publishRetryRequeue(ctx, lease, res, "budget acquire cancelled")
			continue
		}

		p.runLease(ctx, workerID, res, lease, logger)
		p.Budget.Release(tok)
	}
}

func (p *Pool) runLease(ctx context.Context, workerID string, res scheduler.Reservation, lease model.Lease, logger zerolog.Logger) {
	correlationID := p.Corr.FetchOrGenerate(lease.JobID)
	pathKey := folderPathKey(lease.Job)

	p.Streams.PublishJob(ctx, model.Event{
		Meta: model.EventMeta{CorrelationID: correlationID, LibraryID: res.Library, PathKey: pathKey, EmittedAt: time.Now()},
		Kind: model.EvDequeued, JobID: lease.JobID, JobKind: p.Kind, Priority: res.Priority,
	})

	renewCtx, cancelRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renewLoop(renewCtx, workerID, lease, correlationID, res.Library)
	}()

	status := p.Dispatch.Dispatch(ctx, lease.Job, correlationID)

	cancelRenew()
	<-renewDone

	p.finish(ctx, res, lease, status, correlationID, pathKey, logger)
}

// folderPathKey recovers the folder path carried in a FolderScan job's
// dedupe key ("folder_scan:"+path), for lifecycle events that identify the
// item they apply to. Other job kinds are not path-scoped at this layer.
func folderPathKey(job model.Job) string {
	if job.Kind != model.KindFolderScan {
		return ""
	}
	const prefix = "folder_scan:"
	if strings.HasPrefix(job.DedupeKey, prefix) {
		return job.DedupeKey[len(prefix):]
	}
	return ""
}

func (p *Pool) renewLoop(ctx context.Context, workerID string, lease model.Lease, correlationID, libraryID string) {
	ttl := p.Cfg.LeaseTTL
	for {
		renewAt := renewDelay(ttl, p.Cfg.RenewAtFraction, p.Cfg.RenewMinMargin)
		timer := time.NewTimer(renewAt)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		renewed, err := p.Queue.Renew(ctx, lease.LeaseID, workerID, ttl)
		if err != nil {
			if errors.Is(err, queue.ErrLeaseNotFound) {
				return
			}
			continue
		}
		lease.ExpiresAt = renewed.ExpiresAt
		p.Streams.PublishJob(ctx, model.Event{
			Meta: model.EventMeta{CorrelationID: correlationID, LibraryID: libraryID, PathKey: folderPathKey(lease.Job), EmittedAt: time.Now()},
			Kind: model.EvLeaseRenewed, JobID: lease.JobID, JobKind: p.Kind,
		})
	}
}

// renewDelay implements SPEC_FULL §4.5's renewal margin formula: renew at
// the later of a fixed fraction of the TTL or shortly before expiry —
// max(ttl*fraction, ttl-margin) — so a short TTL still leaves a safety
// margin and a long TTL does not renew needlessly often.
func renewDelay(ttl time.Duration, fraction float64, margin time.Duration) time.Duration {
	byFraction := time.Duration(float64(ttl) * fraction)
	byMargin := ttl - margin
	if byMargin > byFraction {
		return byMargin
	}
	return byFraction
}

// finish translates a dispatch Status into the terminal queue transition,
// the matching Completed/Failed/DeadLettered event, and an async
// library-actor notification (§4.5 step 8). Completed/DeadLettered leave
// scheduler bookkeeping to the scheduler.Observer reacting to those same
// published events; a Retry additionally calls Scheduler.Release directly
// here, since the retried job is not terminal and the Observer has no event
// that means "this inflight slot is free again" on its own (§4.2, §4.5
// step 8).
func (p *Pool) finish(ctx context.Context, res scheduler.Reservation, lease model.Lease, status dispatcher.Status, correlationID, pathKey string, logger zerolog.Logger) {
	meta := model.EventMeta{CorrelationID: correlationID, LibraryID: res.Library, PathKey: pathKey, EmittedAt: time.Now()}

	switch status.Outcome {
	case dispatcher.Success:
		if err := p.Queue.Complete(ctx, lease.LeaseID); err != nil {
			logger.Error().Err(err).Str("job_id", lease.JobID).Msg("failed to mark job completed")
		}
		terminalCorrelation := p.Corr.TakeOrGenerate(lease.JobID)
		p.Streams.PublishJob(ctx, model.Event{Meta: withCorrelation(meta, terminalCorrelation), Kind: model.EvCompleted, JobID: lease.JobID, JobKind: p.Kind})
		if p.Actor != nil {
			go p.Actor.NotifyJobCompleted(res.Library, lease.JobID)
		}

	case dispatcher.Retry:
		if err := p.Queue.Fail(ctx, lease.LeaseID, true, status.Err.Error()); err != nil {
			logger.Error().Err(err).Str("job_id", lease.JobID).Msg("failed to mark job retryable-failed")
		}
		p.Sched.Release(res.Library)
		retryCorrelation := p.Corr.FetchOrGenerate(lease.JobID)
		p.Streams.PublishJob(ctx, model.Event{Meta: withCorrelation(meta, retryCorrelation), Kind: model.EvFailed, JobID: lease.JobID, JobKind: p.Kind, Retryable: true, Error: status.Err.Error()})
		p.Streams.PublishJob(ctx, model.Event{Meta: withCorrelation(meta, retryCorrelation), Kind: model.EvEnqueued, JobID: lease.JobID, JobKind: p.Kind, Priority: res.Priority})
		if p.Actor != nil {
			go p.Actor.NotifyJobFailed(res.Library, lease.JobID, true)
		}

	case dispatcher.DeadLetter:
		errMsg := ""
		if status.Err != nil {
			errMsg = status.Err.Error()
		}
		if err := p.Queue.DeadLetter(ctx, lease.LeaseID, errMsg); err != nil {
			logger.Error().Err(err).Str("job_id", lease.JobID).Msg("failed to mark job dead-lettered")
		}
		terminalCorrelation := p.Corr.TakeOrGenerate(lease.JobID)
		p.Streams.PublishJob(ctx, model.Event{Meta: withCorrelation(meta, terminalCorrelation), Kind: model.EvDeadLettered, JobID: lease.JobID, JobKind: p.Kind, Error: errMsg})
		if p.Actor != nil {
			go p.Actor.NotifyJobFailed(res.Library, lease.JobID, false)
		}
	}
}

// publishRetryRequeue emits the Failed{retryable=true} + fresh Enqueued
// pair the scheduler.Observer expects when a job is returned to pending
// outside of the normal dispatch path (e.g. a budget acquire that lost its
// race with cancellation after the job was already dequeued), and releases
// the reservation's inflight slot: res was already Confirmed by the caller,
// so without this the slot would sit claimed until the retried job's
// eventual terminal outcome.
func (p *Pool) publishRetryRequeue(ctx context.Context, lease model.Lease, res scheduler.Reservation, reason string) {
	p.Sched.Release(res.Library)
	correlationID := p.Corr.FetchOrGenerate(lease.JobID)
	meta := model.EventMeta{CorrelationID: correlationID, LibraryID: res.Library, PathKey: folderPathKey(lease.Job), EmittedAt: time.Now()}
	p.Streams.PublishJob(ctx, model.Event{Meta: meta, Kind: model.EvFailed, JobID: lease.JobID, JobKind: p.Kind, Retryable: true, Error: reason})
	p.Streams.PublishJob(ctx, model.Event{Meta: meta, Kind: model.EvEnqueued, JobID: lease.JobID, JobKind: p.Kind, Priority: res.Priority})
}

func withCorrelation(meta model.EventMeta, correlationID string) model.EventMeta {
	meta.CorrelationID = correlationID
	return meta
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
