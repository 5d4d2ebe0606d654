package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwright/scanorch/internal/model"
)

func TestReserveNothingReadyReturnsFalse(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{})
	_, ok := s.Reserve()
	assert.False(t, ok)
}

func TestReservePrefersHigherPriorityWithinLibrary(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{})
	s.RecordEnqueued("lib-1", model.P2)
	s.RecordEnqueued("lib-1", model.P0)

	res, ok := s.Reserve()
	require.True(t, ok)
	assert.Equal(t, model.P0, res.Priority)
}

func TestMaxInflightCapIsRespected(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{MaxInflight: 1})
	s.RecordEnqueued("lib-1", model.P0)
	s.RecordEnqueued("lib-1", model.P0)

	_, ok := s.Reserve()
	require.True(t, ok)

	_, ok = s.Reserve()
	assert.False(t, ok, "second reservation should be blocked by max_inflight")
}

func TestCancelReturnsSlot(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{MaxInflight: 1})
	s.RecordEnqueued("lib-1", model.P0)

	res, ok := s.Reserve()
	require.True(t, ok)

	s.Cancel(res.ID)

	res2, ok := s.Reserve()
	require.True(t, ok, "ready count and inflight should be restored by cancel")
	assert.Equal(t, model.P0, res2.Priority)
}

func TestRotationDoesNotStarveSecondLibrary(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{})
	s.AddLibrary("lib-2", LibraryConfig{})

	// lib-1 has far more ready work than lib-1's consecutive-pick budget.
	for i := 0; i < consecutivePickConstant*3; i++ {
		s.RecordEnqueued("lib-1", model.P1)
	}
	s.RecordEnqueued("lib-2", model.P1)

	seenLib2 := false
	for i := 0; i < consecutivePickConstant+2; i++ {
		res, ok := s.Reserve()
		require.True(t, ok)
		if res.Library == "lib-2" {
			seenLib2 = true
		}
	}
	assert.True(t, seenLib2, "lib-2 must get a turn within one consecutive-pick budget of lib-1")
}

func TestRecordCompletedDecrementsInflight(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{MaxInflight: 1})
	s.RecordEnqueued("lib-1", model.P0)
	s.RecordEnqueued("lib-1", model.P0)

	res, ok := s.Reserve()
	require.True(t, ok)
	s.Confirm(res.ID)

	_, ok = s.Reserve()
	assert.False(t, ok, "still at max inflight until completion recorded")

	s.RecordCompleted("lib-1")
	_, ok = s.Reserve()
	assert.True(t, ok)
}

func TestRetryReleasesInflightWithoutReopeningReadySlot(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{MaxInflight: 1})
	s.RecordEnqueued("lib-1", model.P0)

	res, ok := s.Reserve()
	require.True(t, ok)
	s.Confirm(res.ID)

	_, ok = s.Reserve()
	assert.False(t, ok, "still at max inflight while the retried job is live")

	// Worker pool's Retry branch: release the inflight slot, then
	// re-publish Enqueued (mirrored here as a direct RecordEnqueued call).
	s.Release("lib-1")
	s.RecordEnqueued("lib-1", model.P0)

	res2, ok := s.Reserve()
	require.True(t, ok, "released slot must be reusable by the retried job")
	s.Confirm(res2.ID)

	_, ok = s.Reserve()
	assert.False(t, ok, "max_inflight must still cap at one even across a retry")

	s.RecordCompleted("lib-1")
	_, ok = s.Reserve()
	assert.False(t, ok, "no more ready work after the retried job finally completes")
}

func TestReleaseOnUnknownLibraryIsNoop(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() { s.Release("missing") })
}

func TestPausedLibraryIsNotReserved(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{})
	s.RecordEnqueued("lib-1", model.P0)

	s.Pause("lib-1")
	_, ok := s.Reserve()
	assert.False(t, ok, "paused library must not be handed a reservation")

	s.Resume("lib-1")
	res, ok := s.Reserve()
	require.True(t, ok)
	assert.Equal(t, "lib-1", res.Library)
}

func TestPauseBeforeAddLibraryStillTakesEffect(t *testing.T) {
	s := New()
	s.Pause("lib-1")
	s.AddLibrary("lib-1", LibraryConfig{})
	s.RecordEnqueued("lib-1", model.P0)

	_, ok := s.Reserve()
	assert.False(t, ok)
	assert.True(t, s.Paused("lib-1"))
}

func TestPauseOneLibraryDoesNotBlockAnother(t *testing.T) {
	s := New()
	s.AddLibrary("lib-1", LibraryConfig{})
	s.AddLibrary("lib-2", LibraryConfig{})
	s.RecordEnqueued("lib-1", model.P0)
	s.RecordEnqueued("lib-2", model.P0)

	s.Pause("lib-1")
	res, ok := s.Reserve()
	require.True(t, ok)
	assert.Equal(t, "lib-2", res.Library)
}
