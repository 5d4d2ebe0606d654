// Package watcher is the thin fsnotify-based producer feeding the Library
// Actor's FsEvents command (§4.6, §11): it watches a library root and
// coalesces raw filesystem events into batches before handing them off, so
// the actor's burst classification sees one call per burst of activity
// rather than one call per inode event.
package watcher

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/scanwright/scanorch/internal/actor"
	"github.com/scanwright/scanorch/internal/log"
)

// BatchWindow is how long raw events are coalesced before being handed to
// the actor as one FsEvents batch.
const BatchWindow = 250 * time.Millisecond

// Notifier is the watcher's view of a Library Actor.
type Notifier interface {
	FsEvents(rootID string, events []actor.FsEvent, correlationID string)
}

// Watcher watches one library root and batches raw fsnotify events into
// FsEvents calls on its Notifier.
type Watcher struct {
	libraryID string
	rootID    string
	notifier  Notifier
	fsw       *fsnotify.Watcher
}

// New creates a Watcher rooted at path, registered as rootID under
// libraryID. The path is added non-recursively, matching fsnotify's own
// per-directory watch model; callers add one Watcher per directory that
// needs to be observed.
func New(libraryID, rootID, path string, notifier Notifier) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{libraryID: libraryID, rootID: rootID, notifier: notifier, fsw: fsw}, nil
}

// Run batches and forwards events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	logger := log.WithComponent("watcher")

	var pending []actor.FsEvent
	var flush *time.Timer

	for {
		var flushC <-chan time.Time
		if flush != nil {
			flushC = flush.C
		}

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			pending = append(pending, actor.FsEvent{Path: ev.Name, Kind: kindFor(ev.Op), RootID: w.rootID})
			if flush == nil {
				flush = time.NewTimer(BatchWindow)
			}

		case <-flushC:
			flush = nil
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			w.notifier.FsEvents(w.rootID, batch, newCorrelationID())

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Str("library_id", w.libraryID).Msg("filesystem watcher error")
		}
	}
}

// Close releases the underlying fsnotify handle without waiting for Run's
// context to be cancelled.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func kindFor(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return "removed"
	case op&fsnotify.Create != 0:
		return "created"
	default:
		return "modified"
	}
}

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
