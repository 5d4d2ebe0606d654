package model

import "time"

// EventPayloadKind discriminates the tagged variant carried by an Event.
type EventPayloadKind string

const (
	EvEnqueued            EventPayloadKind = "enqueued"
	EvMerged              EventPayloadKind = "merged"
	EvDequeued            EventPayloadKind = "dequeued"
	EvLeaseRenewed        EventPayloadKind = "lease_renewed"
	EvCompleted           EventPayloadKind = "completed"
	EvFailed              EventPayloadKind = "failed"
	EvDeadLettered        EventPayloadKind = "dead_lettered"
	EvFolderDiscovered    EventPayloadKind = "folder_discovered"
	EvMediaFileDiscovered EventPayloadKind = "media_file_discovered"
	EvMediaAnalyzed       EventPayloadKind = "media_analyzed"
	EvFolderScanCompleted EventPayloadKind = "folder_scan_completed"
	EvMediaReadyForIndex  EventPayloadKind = "media_ready_for_index"
	EvIndexed             EventPayloadKind = "indexed"
	EvSeriesBundleFinal   EventPayloadKind = "series_bundle_finalized"
	EvScanStarted         EventPayloadKind = "scan_started"
	EvScanProgress        EventPayloadKind = "scan_progress"
	EvScanQuiescing       EventPayloadKind = "scan_quiescing"
	EvScanCompleted       EventPayloadKind = "scan_completed"
	EvScanFailed          EventPayloadKind = "scan_failed"
)

// EventMeta is the envelope carried by every event regardless of payload.
type EventMeta struct {
	Sequence       uint64
	CorrelationID  string
	LibraryID      string
	IdempotencyKey string
	PathKey        string // optional, empty if not path-scoped
	EmittedAt      time.Time
}

// Event is a single published frame. Payload fields are populated according
// to Kind; unused fields are left zero.
type Event struct {
	Meta EventMeta
	Kind EventPayloadKind

	// Job-lifecycle payload fields (Enqueued/Merged/Dequeued/LeaseRenewed/
	// Completed/Failed/DeadLettered).
	JobID      string
	JobKind    JobKind
	Priority   Priority
	MergedInto string
	Retryable  bool
	Error      string

	// Domain-event payload fields.
	Path       string
	MediaPath  string
	ChangeKind string // "created" | "updated", for Indexed
	SeriesRoot string
	SeriesID   string

	// Scan-lifecycle payload fields.
	Status          string
	CompletedCount  int
	TotalCount      int
	RetryingCount   int
	DeadLetterCount int
	Reason          string
}

// IsJobEvent reports whether this event belongs on the internal job-event
// stream (as opposed to the public domain-event stream).
func (e Event) IsJobEvent() bool {
	switch e.Kind {
	case EvEnqueued, EvMerged, EvDequeued, EvLeaseRenewed, EvCompleted, EvFailed, EvDeadLettered:
		return true
	default:
		return false
	}
}
