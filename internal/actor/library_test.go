package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwright/scanorch/internal/model"
)

type fakeEnqueuer struct {
	batches [][]model.EnqueueRequest
}

func (f *fakeEnqueuer) EnqueueMany(ctx context.Context, reqs []model.EnqueueRequest) ([]model.JobHandle, error) {
	f.batches = append(f.batches, reqs)
	handles := make([]model.JobHandle, len(reqs))
	for i, r := range reqs {
		handles[i] = model.JobHandle{JobID: "job-" + r.DedupeKey, Accepted: true, Kind: r.Kind, Priority: r.Priority}
	}
	return handles, nil
}

func waitForBatch(t *testing.T, f *fakeEnqueuer, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(f.batches) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqualf(t, len(f.batches), n, "timed out waiting for %d enqueue batch(es)", n)
}

func TestStartBulkEnqueuesOneFolderScanPerRoot(t *testing.T) {
	fe := &fakeEnqueuer{}
	roots := []Root{{ID: "r1", Path: "/tv"}, {ID: "r2", Path: "/movies"}}
	lib := NewLibrary("lib-1", roots, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	lib.Start(ModeBulk, "corr-1")
	waitForBatch(t, fe, 1)

	require.Len(t, fe.batches[0], 2)
	for _, req := range fe.batches[0] {
		assert.Equal(t, model.KindFolderScan, req.Kind)
		assert.Equal(t, "lib-1", req.LibraryID)
		assert.Equal(t, "corr-1", req.CorrelationID)
		assert.Equal(t, model.PriorityForReason(model.ReasonBulkSeed), req.Priority)
	}
}

func TestStartMaintenanceUsesMaintenanceSweepReason(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", []Root{{ID: "r1", Path: "/tv"}}, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	lib.Start(ModeMaintenance, "corr-2")
	waitForBatch(t, fe, 1)

	require.Len(t, fe.batches[0], 1)
	assert.Equal(t, model.PriorityForReason(model.ReasonMaintenanceSweep), fe.batches[0][0].Priority)
}

func TestFsEventsDeduplicatesByPath(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", nil, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	events := []FsEvent{
		{Path: "/tv/show", Kind: "modified", RootID: "r1"},
		{Path: "/tv/show", Kind: "modified", RootID: "r1"},
		{Path: "/tv/other", Kind: "created", RootID: "r1"},
	}
	lib.FsEvents("r1", events, "corr-3")
	waitForBatch(t, fe, 1)

	assert.Len(t, fe.batches[0], 2)
}

func TestFsEventsBelowBurstThresholdClassifiesHotChange(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", nil, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	lib.FsEvents("r1", []FsEvent{{Path: "/tv/show", Kind: "modified", RootID: "r1"}}, "corr-4")
	waitForBatch(t, fe, 1)

	require.Len(t, fe.batches[0], 1)
	assert.Equal(t, model.PriorityForReason(model.ReasonHotChange), fe.batches[0][0].Priority)
}

func TestFsEventsAboveBurstThresholdClassifiesWatcherOverflow(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", nil, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	events := make([]FsEvent, burstThreshold+1)
	for i := range events {
		events[i] = FsEvent{Path: "/tv/" + string(rune('a'+i%26)) + string(rune(i)), Kind: "created", RootID: "r1"}
	}
	lib.FsEvents("r1", events, "corr-5")
	waitForBatch(t, fe, 1)

	require.NotEmpty(t, fe.batches[0])
	for _, req := range fe.batches[0] {
		assert.Equal(t, model.PriorityForReason(model.ReasonWatcherOverflow), req.Priority)
	}
}

func TestJobCompletedIncrementsCompletedCount(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", []Root{{ID: "r1", Path: "/tv"}}, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lib.Run(ctx)
	defer lib.Shutdown()

	lib.JobCompleted("job-1", "dedupe-1")
	lib.JobFailed("job-2", "dedupe-2", true, "transient")
	lib.JobFailed("job-3", "dedupe-3", false, "permanent")

	// Drain via a synchronous round trip: send one more command and wait for
	// its batch to land, which guarantees the prior three were processed
	// first since the mailbox is a single serialized channel.
	lib.Start(ModeBulk, "corr-6")
	waitForBatch(t, fe, 1)

	assert.Equal(t, 1, lib.completedCount)
	assert.Equal(t, 1, lib.retryingCount)
	assert.Equal(t, 1, lib.failedCount)
}

func TestShutdownStopsRunLoop(t *testing.T) {
	fe := &fakeEnqueuer{}
	lib := NewLibrary("lib-1", nil, fe)

	ctx := context.Background()
	go lib.Run(ctx)

	lib.Shutdown()

	select {
	case <-lib.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to signal after Shutdown")
	}
}
