package usage

import "time"

// EventKind identifies the kind of metered usage event.
type EventKind string

// Event kinds delivered by the platform's usage stream.
const (
	// EventKindFunctionExecution reports one function execution and its resource counters.
	EventKindFunctionExecution EventKind = "function_execution"
	// EventKindStorageSnapshot reports the current storage sizes of a deployment.
	EventKindStorageSnapshot EventKind = "storage_snapshot"
)

// Event is one metered usage event. Delivery is at-least-once and unordered
// across deployments; EventID is the producer-assigned identifier used to
// absorb redelivery. Function execution events carry bandwidth and compute
// counters as deltas; storage snapshot events carry current sizes, not
// deltas.
type Event struct {
	EventID      string    `json:"event_id"`
	Kind         EventKind `json:"kind"`
	DeploymentID string    `json:"deployment_id"`
	OccurredAt   time.Time `json:"occurred_at"`

	// Function execution counters.
	IsAction      bool  `json:"is_action,omitempty"`       // Billable action, eligible for compute pricing.
	IsCachedQuery bool  `json:"is_cached_query,omitempty"` // Cache hit, excluded from the call counter.
	ComputeMs     int64 `json:"compute_ms,omitempty"`

	DatabaseReadBytes  int64 `json:"database_read_bytes,omitempty"`
	DatabaseWriteBytes int64 `json:"database_write_bytes,omitempty"`
	FileReadBytes      int64 `json:"file_read_bytes,omitempty"`
	FileWriteBytes     int64 `json:"file_write_bytes,omitempty"`
	VectorReadBytes    int64 `json:"vector_read_bytes,omitempty"`
	VectorWriteBytes   int64 `json:"vector_write_bytes,omitempty"`

	// Storage snapshot sizes.
	DocumentStorageBytes int64 `json:"document_storage_bytes,omitempty"`
	FileStorageBytes     int64 `json:"file_storage_bytes,omitempty"`
	VectorStorageBytes   int64 `json:"vector_storage_bytes,omitempty"`
	IndexStorageBytes    int64 `json:"index_storage_bytes,omitempty"`
	BackupStorageBytes   int64 `json:"backup_storage_bytes,omitempty"`
}

// SkipReason categorizes why an event was logged but not accumulated.
type SkipReason string

// Skip reasons tallied by batch ingestion.
const (
	// SkipNoDeploymentMapping means no deployment row maps the event to an account.
	SkipNoDeploymentMapping SkipReason = "no_deployment_mapping"
	// SkipNoOwner means the deployment mapping points at a missing account.
	SkipNoOwner SkipReason = "no_owner"
	// SkipNoActiveSubscription means the owning account has no paid entitlement.
	SkipNoActiveSubscription SkipReason = "no_active_subscription"
	// SkipUnrecognizedEventType means the event kind is unknown to this build.
	SkipUnrecognizedEventType SkipReason = "unrecognized_event_type"
	// SkipDuplicateEvent means the event ID was already ingested.
	SkipDuplicateEvent SkipReason = "duplicate_event"
)

// ApplyResult reports the outcome of applying a single event.
type ApplyResult struct {
	Applied        bool       // Whether the event's usage was accumulated.
	Skip           SkipReason // Populated when the event was skipped.
	CreditsCharged float64    // Fractional credits added, zero for snapshots and skips.
}

// BatchSummary tallies the outcome of one ingest batch. Skipped events are
// counted per reason rather than silently dropped so operators can see what
// the stream delivered that billing ignored.
type BatchSummary struct {
	Received  int                `json:"received"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Skipped   map[SkipReason]int `json:"skipped,omitempty"`
}

// skip tallies one skipped event.
func (s *BatchSummary) skip(reason SkipReason) {
	if s.Skipped == nil {
		s.Skipped = make(map[SkipReason]int)
	}
	s.Skipped[reason]++
}

// SkippedTotal returns the number of skipped events across all reasons.
func (s *BatchSummary) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}
