package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSourceID      = "source_id"
	FieldCorrelationID = "correlation_id"
	FieldBackend       = "backend"

	// Pipeline / element fields
	FieldComponent   = "component"
	FieldElementKind = "element_kind"
	FieldElementName = "element_name"

	// Source / branch fields
	FieldURI         = "uri"
	FieldOldState    = "old_state"
	FieldNewState    = "new_state"
	FieldErrorKind   = "error_kind"
	FieldAttempt     = "attempt"
	FieldBreakerName = "breaker"

	// Detection fields
	FieldFrameIndex     = "frame_index"
	FieldDetectionCount = "detection_count"
	FieldModelPath      = "model_path"
)
