package models

import "time"

// MeterReport records the last cumulative credit total pushed to the external
// metering sink for one account and period.
//
// The sink aggregates with last-value semantics, so reporting the same value
// twice is harmless; this row exists so operators can see what the sink was
// told and when, and so an unchanged total can be skipped cheaply.
type MeterReport struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID   uint64    `gorm:"not null;uniqueIndex:idx_meter_reports_period"` // Reported account ID.
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_meter_reports_period"` // Usage period start.

	ReportedCredits int64     `gorm:"not null;default:0"` // Rounded cumulative credits last reported.
	ReportedAt      time.Time `gorm:"not null"`           // Time of the last successful report.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
