package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithCorrelationID(ctx, "corr-1")
	ctx = ContextWithJobID(ctx, "job-1")
	ctx = ContextWithLibraryID(ctx, "lib-1")

	require.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
	require.Equal(t, "job-1", JobIDFromContext(ctx))
	require.Equal(t, "lib-1", LibraryIDFromContext(ctx))
}

func TestContextFromContextMissing(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
	assert.Empty(t, JobIDFromContext(nil))
	assert.Empty(t, LibraryIDFromContext(context.Background()))
}

func TestWithContextAddsFieldsOnlyWhenPresent(t *testing.T) {
	l := Base()
	enriched := WithContext(context.Background(), l)
	assert.Equal(t, l, enriched)

	ctx := ContextWithCorrelationID(context.Background(), "corr-2")
	enriched = WithContext(ctx, l)
	assert.NotEqual(t, l, enriched)
}
