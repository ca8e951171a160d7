package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields, carried on context-scoped loggers through the call chain.
const (
	// FieldRequestID is the HTTP request ID
	FieldRequestID = "request_id"

	// FieldJobID is the generation job ID
	FieldJobID = "job_id"

	// FieldCorrelationKey ties a job to its history entry
	FieldCorrelationKey = "correlation_key"

	// FieldKind is the job kind (content, image, video, ...)
	FieldKind = "kind"

	// FieldOwnerID is the authenticated owner of a job
	FieldOwnerID = "owner_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Metric fields, attached per entry for aggregation.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldProgress   = "progress"
)
