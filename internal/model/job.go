// Package model holds the shared data types for the scan orchestration core:
// jobs, leases, events, scan cursors and series state. These types carry no
// behaviour of their own — they are passed between the queue, scheduler,
// dispatcher, worker pool, bus and aggregator.
package model

import (
	"encoding/json"
	"time"
)

// JobKind discriminates the pipeline's job payload variants.
type JobKind string

const (
	KindFolderScan     JobKind = "folder_scan"
	KindMediaAnalyze   JobKind = "media_analyze"
	KindMetadataEnrich JobKind = "metadata_enrich"
	KindEpisodeMatch   JobKind = "episode_match"
	KindSeriesResolve  JobKind = "series_resolve"
	KindIndexUpsert    JobKind = "index_upsert"
	KindImageFetch     JobKind = "image_fetch"
)

// Priority orders jobs within a library. P0 is highest.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

// Higher returns the higher-ranked priority of a and b, which is the
// numerically lower value (i.e. the one that should run first). P0 beats
// P1 beats P2 beats P3.
func Higher(a, b Priority) Priority {
	if a < b {
		return a
	}
	return b
}

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return "P?"
	}
}

// JobState is the persistent lifecycle state of a queued job row.
type JobState string

const (
	StatePending    JobState = "pending"
	StateLeased     JobState = "leased"
	StateCompleted  JobState = "completed"
	StateDeadLetter JobState = "dead_lettered"
)

// ScanReason explains why a FolderScan job was enqueued; it drives the
// priority a Library Actor assigns when it creates the job.
type ScanReason string

const (
	ReasonHotChange        ScanReason = "hot_change"
	ReasonWatcherOverflow  ScanReason = "watcher_overflow"
	ReasonUserRequested    ScanReason = "user_requested"
	ReasonBulkSeed         ScanReason = "bulk_seed"
	ReasonMaintenanceSweep ScanReason = "maintenance_sweep"
)

// PriorityForReason maps a scan reason to its job priority, per the
// original implementation's dispatcher.rs priority_for_reason table.
func PriorityForReason(r ScanReason) Priority {
	switch r {
	case ReasonHotChange, ReasonWatcherOverflow:
		return P0
	case ReasonUserRequested, ReasonBulkSeed:
		return P1
	case ReasonMaintenanceSweep:
		return P2
	default:
		return P2
	}
}

// Job is a single unit of work as stored by the queue.
type Job struct {
	ID            string
	Kind          JobKind
	Priority      Priority
	LibraryID     string
	Payload       json.RawMessage
	DedupeKey     string
	DependencyKey string // empty if not gated
	Attempt       int
	CreatedAt     time.Time
}

// EnqueueRequest is the input to Queue.Enqueue / EnqueueMany.
type EnqueueRequest struct {
	Kind          JobKind
	Priority      Priority
	LibraryID     string
	Payload       json.RawMessage
	DedupeKey     string
	DependencyKey string
	CorrelationID string
}

// JobHandle is the result of an enqueue call.
type JobHandle struct {
	JobID      string
	Accepted   bool
	MergedInto string
	Kind       JobKind
	Priority   Priority
}

// Lease represents exclusive, time-bounded ownership of a job by a worker.
type Lease struct {
	LeaseID   string
	JobID     string
	WorkerID  string
	Job       Job
	ExpiresAt time.Time
	Renewals  int
}
