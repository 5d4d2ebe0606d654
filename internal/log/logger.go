// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidLogLevel is returned when a level string cannot be parsed.
var ErrInvalidLogLevel = errors.New("invalid log level")

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Version string    // optional version attached to every log entry
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initialises the global zerolog logger with the provided configuration.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "scanorch"
	}

	// A MultiWriter feeds both the configured output and the in-memory
	// diagnostic ring, so operators can serve get_snapshot-style recent-log
	// queries without standing up a log aggregator.
	bufferWriter := &structuredBufferWriter{}
	multi := io.MultiWriter(writer, bufferWriter)

	base = zerolog.New(multi).With().
		Timestamp().
		Str("service", service).
		Str("version", cfg.Version).
		Logger()

	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()

	Configure(Config{})
}

func logger() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Base returns the configured base logger instance by value.
func Base() zerolog.Logger {
	return logger()
}

// L provides access to the global logger instance as a pointer to a copy.
func L() *zerolog.Logger {
	l := logger()
	return &l
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}

// LogEntry is one parsed line retained in the diagnostic ring buffer.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

const maxLogEntries = 500

var (
	logBufferMu sync.RWMutex
	logBuffer   []LogEntry
)

// structuredBufferWriter is an io.Writer that parses JSON log lines into the
// in-memory ring, tolerating partial writes.
type structuredBufferWriter struct {
	mu      sync.Mutex
	partial bytes.Buffer
}

const (
	maxPartialBytes = 1 << 20  // 1 MiB: limit accumulation of non-terminated lines
	maxLineBytes    = 64 << 10 // 64 KiB: limit parsing of giant log lines
)

func (w *structuredBufferWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	if w.partial.Len()+len(p) > maxPartialBytes {
		w.partial.Reset()
		w.mu.Unlock()
		return len(p), nil
	}
	w.partial.Write(p)
	data := w.partial.Bytes()

	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL == -1 {
		w.mu.Unlock()
		return len(p), nil
	}

	lines := make([]byte, lastNL+1)
	copy(lines, data[:lastNL+1])

	remainder := data[lastNL+1:]
	w.partial.Reset()
	w.partial.Write(remainder)
	w.mu.Unlock()

	start := 0
	for i := 0; i < len(lines); i++ {
		if lines[i] == '\n' {
			w.processLine(lines[start:i])
			start = i + 1
		}
	}

	return len(p), nil
}

func (w *structuredBufferWriter) processLine(line []byte) {
	if len(line) == 0 || len(line) > maxLineBytes {
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return
	}

	entry := LogEntry{Fields: make(map[string]any)}

	if ts, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if lvl, ok := raw["level"].(string); ok {
		entry.Level = lvl
	} else {
		entry.Level = "info"
	}

	if msg, ok := raw["message"].(string); ok {
		entry.Message = msg
	}

	for k, v := range raw {
		switch k {
		case "time", "level", "message":
			continue
		default:
			entry.Fields[k] = v
		}
	}

	logBufferMu.Lock()
	logBuffer = append(logBuffer, entry)
	if len(logBuffer) > maxLogEntries {
		logBuffer = logBuffer[1:]
	}
	logBufferMu.Unlock()
}

// GetRecentLogs returns the most recent log entries.
func GetRecentLogs() []LogEntry {
	logBufferMu.RLock()
	defer logBufferMu.RUnlock()

	result := make([]LogEntry, len(logBuffer))
	copy(result, logBuffer)
	return result
}

// ClearRecentLogs clears the in-memory log buffer.
func ClearRecentLogs() {
	logBufferMu.Lock()
	defer logBufferMu.Unlock()
	logBuffer = nil
}
