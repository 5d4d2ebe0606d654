package log

// Canonical field name constants for structured logging.
const (
	FieldCorrelationID = "correlation_id"
	FieldJobID         = "job_id"
	FieldLibraryID     = "library_id"
	FieldScanID        = "scan_id"

	FieldEvent     = "event"
	FieldComponent = "component"

	FieldPath       = "path"
	FieldJobKind    = "job_kind"
	FieldPriority    = "priority"

	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
