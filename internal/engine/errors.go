package engine

import "errors"

// Sentinel errors for the correlation failure taxonomy. Ingestion and
// enrichment classes degrade gracefully; only a state conflict signals a
// broken programming invariant.
var (
	// ErrDuplicateAlert marks an alert id already ingested for the tenant.
	// Callers treat it as an idempotent no-op, never as a failure.
	ErrDuplicateAlert = errors.New("duplicate alert id")

	// ErrMalformedAlert marks an alert missing required fields.
	ErrMalformedAlert = errors.New("malformed alert")

	// ErrQueueFull marks a tenant inbox at capacity; the alert was shed.
	ErrQueueFull = errors.New("tenant queue full")

	// ErrGraphUnavailable marks a missing or stale dependency graph. The
	// topology pass still emits groups with a confidence penalty.
	ErrGraphUnavailable = errors.New("dependency graph unavailable")

	// ErrEnrichmentUnavailable marks a skipped semantic merge or summary.
	// Incidents are still emitted without the enriched fields.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrStateConflict marks two concurrent mutators touching one tenant's
	// state. Structurally prevented by the single-writer design; when
	// detected it is logged and the operation retried once.
	ErrStateConflict = errors.New("concurrent tenant state mutation")
)
