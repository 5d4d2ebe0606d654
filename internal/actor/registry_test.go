package actor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRoutesNotificationsToTheRightLibrary(t *testing.T) {
	reg := NewRegistry()
	feA, feB := &fakeEnqueuer{}, &fakeEnqueuer{}
	libA := NewLibrary("lib-a", []Root{{ID: "r1", Path: "/a"}}, feA)
	libB := NewLibrary("lib-b", []Root{{ID: "r1", Path: "/b"}}, feB)
	reg.Add(libA)
	reg.Add(libB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go libA.Run(ctx)
	go libB.Run(ctx)
	defer libA.Shutdown()
	defer libB.Shutdown()

	reg.NotifyJobCompleted("lib-b", "job-1")

	// Synchronous round trip: a Start command only lands once every
	// earlier command on that library's mailbox has been processed.
	libB.Start(ModeBulk, "corr-1")
	waitForBatch(t, feB, 1)

	assert.Equal(t, 1, libB.completedCount)
	assert.Equal(t, 0, libA.completedCount)
}

func TestRegistryGetMissingLibraryReturnsFalse(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryAllListsEveryRegisteredLibrary(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewLibrary("lib-a", nil, &fakeEnqueuer{}))
	reg.Add(NewLibrary("lib-b", nil, &fakeEnqueuer{}))
	assert.Len(t, reg.All(), 2)
}
