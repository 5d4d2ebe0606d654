package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New(Limits{ClassIndexing: 1})
	ctx := context.Background()

	tok, err := m.Acquire(ctx, ClassIndexing)
	require.NoError(t, err)
	assert.False(t, m.HasBudget(ClassIndexing), "single-slot class should be exhausted")

	m.Release(tok)
	assert.True(t, m.HasBudget(ClassIndexing))
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	m := New(Limits{ClassImageFetch: 1})
	ctx := context.Background()

	tok, err := m.Acquire(ctx, ClassImageFetch)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tok2, err := m.Acquire(context.Background(), ClassImageFetch)
		require.NoError(t, err)
		m.Release(tok2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked until release")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(tok)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	m := New(Limits{ClassIndexing: 1})
	_, err := m.Acquire(context.Background(), ClassIndexing)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, ClassIndexing)
	assert.Error(t, err)
}

func TestUnknownClassErrors(t *testing.T) {
	m := New(Limits{})
	_, err := m.Acquire(context.Background(), ClassIndexing)
	assert.Error(t, err)
	assert.False(t, m.HasBudget(ClassIndexing))
}

func TestReleaseZeroValueTokenIsNoop(t *testing.T) {
	m := New(Limits{ClassIndexing: 1})
	assert.NotPanics(t, func() { m.Release(Token{}) })
}
