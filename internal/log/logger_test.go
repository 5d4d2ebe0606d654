package log

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigureWritesToOutputAndBuffer(t *testing.T) {
	ClearRecentLogs()
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test-svc", Version: "v1"})

	L().Info().Str("job_id", "j1").Msg("hello")

	require.Contains(t, buf.String(), "\"service\":\"test-svc\"")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "hello", line["message"])

	// give the buffer writer a moment to process (synchronous in practice).
	time.Sleep(time.Millisecond)
	entries := GetRecentLogs()
	require.NotEmpty(t, entries)
	require.Equal(t, "hello", entries[len(entries)-1].Message)
}

func TestWithComponentAnnotates(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	WithComponent("scheduler").Info().Msg("reserving")
	require.Contains(t, buf.String(), "\"component\":\"scheduler\"")
}
