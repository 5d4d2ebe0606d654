package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	errs := Default().Validate()
	assert.Empty(t, errs)
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanorch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logLevel: debug
quiescenceWindow: 10s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10s", cfg.QuiescenceWindow)
	// untouched defaults survive the merge
	assert.Equal(t, 30, cfg.Lease.TTLSecs)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Lease.TTLSecs = 0
	cfg.Retry.MaxAttempts = 0
	cfg.QuiescenceWindow = "not-a-duration"

	errs := cfg.Validate()
	assert.Len(t, errs, 3)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.QuiescenceWindowDuration()*5, cfg.StallTimeout())
}
