package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent logs one ingested usage event.
//
// EventID carries the producer-assigned identifier; the unique index on it
// absorbs at-least-once redelivery, a conflicting insert marks the event as
// a duplicate and its usage is not accumulated again. Rows are pruned by the
// retention cleaner.
type UsageEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventID      string `gorm:"type:text;not null;uniqueIndex"` // Producer-assigned event identifier.
	Kind         string `gorm:"type:text;not null;index"`       // Event kind.
	DeploymentID string `gorm:"type:text;not null;index"`       // Platform deployment identifier.

	AccountID *uint64 `gorm:"index"` // Resolved owning account ID, nil when unattributable.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw event payload.

	OccurredAt time.Time `gorm:"not null"`                      // Producer event timestamp.
	CreatedAt  time.Time `gorm:"not null;autoCreateTime;index"` // Ingestion timestamp.
}
