package cursor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanwright/scanorch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	c := model.ScanCursor{LibraryID: "lib-1", FolderPath: "/tv/show", ListingHash: "abc123", EntryCount: 12, LastScan: 100}

	require.NoError(t, s.Upsert(c))

	got, ok, err := s.Get("lib-1", "/tv/show")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123", got.ListingHash)
	assert.Equal(t, 12, got.EntryCount)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("lib-1", "/nowhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeCollapsesEquivalentPaths(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/tv/show/", ListingHash: "h1"}))

	got, ok, err := s.Get("lib-1", "/tv//show")
	require.NoError(t, err)
	require.True(t, ok, "differently-spelled but equivalent paths must hit the same cursor")
	assert.Equal(t, "h1", got.ListingHash)
}

func TestUpsertOverwritesExistingCursor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/tv", ListingHash: "v1"}))
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/tv", ListingHash: "v2"}))

	got, ok, err := s.Get("lib-1", "/tv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", got.ListingHash)
}

func TestDeleteRemovesCursor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/tv", ListingHash: "v1"}))
	require.NoError(t, s.Delete("lib-1", "/tv"))

	_, ok, err := s.Get("lib-1", "/tv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountForLibraryCountsOnlyItsOwnKeys(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/a", ListingHash: "h"}))
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-1", FolderPath: "/b", ListingHash: "h"}))
	require.NoError(t, s.Upsert(model.ScanCursor{LibraryID: "lib-2", FolderPath: "/a", ListingHash: "h"}))

	n, err := s.CountForLibrary("lib-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
