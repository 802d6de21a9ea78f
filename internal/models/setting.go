package models

import (
	"encoding/json"
	"time"
)

// Setting stores one runtime tunable as a key/value row. The settings
// package mirrors these rows into an in-memory snapshot; the reserve floor,
// loop intervals, retention window and pricing overrides all live here.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Configuration key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
