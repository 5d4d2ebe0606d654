package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwright/scanorch/internal/budget"
	"github.com/scanwright/scanorch/internal/bus"
	"github.com/scanwright/scanorch/internal/correlation"
	"github.com/scanwright/scanorch/internal/dispatcher"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/queue"
	"github.com/scanwright/scanorch/internal/scheduler"
)

func TestRenewDelayPrefersLaterOfFractionAndMargin(t *testing.T) {
	// Short TTL: the margin-based delay would be negative, so the fraction wins.
	d := renewDelay(2*time.Second, 0.5, 3*time.Second)
	assert.Equal(t, 1*time.Second, d)

	// Long TTL: margin-based delay is later than the fraction-based one.
	d = renewDelay(100*time.Second, 0.5, 2*time.Second)
	assert.Equal(t, 98*time.Second, d)
}

type recordingNotifier struct {
	completed []string
	failed    []string
}

func (r *recordingNotifier) NotifyJobCompleted(libraryID, jobID string) {
	r.completed = append(r.completed, jobID)
}
func (r *recordingNotifier) NotifyJobFailed(libraryID, jobID string, retryable bool) {
	r.failed = append(r.failed, jobID)
}

// noopCursors reports a cursor whose hash matches noopFolderScan's listing,
// so the folder scan short-circuits and Dispatch resolves to Success
// without needing a full actor fake set.
type noopCursors struct{}

func (noopCursors) Get(libraryID, folderPath string) (model.ScanCursor, bool, error) {
	return model.ScanCursor{ListingHash: "h"}, true, nil
}
func (noopCursors) Upsert(model.ScanCursor) error { return nil }

type noopFolderScan struct{}

func (noopFolderScan) Scan(ctx context.Context, libraryID, folderPath string) (dispatcher.Listing, error) {
	return dispatcher.Listing{ListingHash: "h"}, nil
}

type noopQueueAdapter struct{ q *queue.Queue }

func (a noopQueueAdapter) Enqueue(ctx context.Context, req model.EnqueueRequest) (model.JobHandle, error) {
	return a.q.Enqueue(ctx, req)
}
func (a noopQueueAdapter) ReleaseDependency(ctx context.Context, library, key string) error {
	return a.q.ReleaseDependency(ctx, library, key)
}

type noopPublisher struct{ streams *bus.Streams }

func (p noopPublisher) PublishJob(ctx context.Context, ev model.Event) model.Event {
	return p.streams.PublishJob(ctx, ev)
}
func (p noopPublisher) PublishDomain(ctx context.Context, ev model.Event) model.Event {
	return p.streams.PublishDomain(ctx, ev)
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "q.db"), queue.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	_, err = q.Enqueue(ctx, model.EnqueueRequest{Kind: model.KindFolderScan, Priority: model.P0, LibraryID: "lib-1", Payload: []byte(`{"folder_path":"/tv"}`), DedupeKey: "folder:/tv"})
	require.NoError(t, err)

	sched := scheduler.New()
	sched.AddLibrary("lib-1", scheduler.LibraryConfig{})
	sched.RecordEnqueued("lib-1", model.P0)

	bm := budget.New(budget.Limits{budget.ClassLibraryScan: 2})
	streams := bus.NewStreams()
	sub := streams.Jobs.Subscribe()
	defer sub.Close()

	d := dispatcher.New(noopFolderScan{}, nil, nil, nil, nil, nil, noopCursors{}, noopQueueAdapter{q: q}, noopPublisher{streams: streams})

	pool := New(model.KindFolderScan, 1, Config{IdleBackoff: 5 * time.Millisecond, LeaseTTL: time.Second}, q, sched, bm, d, correlation.New(), streams, &recordingNotifier{})

	runCtx, cancel := context.WithCancel(ctx)
	pool.Start(runCtx)

	var sawCompleted bool
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == model.EvCompleted {
				sawCompleted = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	cancel()
	pool.Stop(2 * time.Second)

	assert.True(t, sawCompleted, "expected a Completed event for the short-circuited folder scan")
}
