package models

import "time"

// DeploymentUsage accumulates metered usage for a single deployment.
//
// Counter columns are cumulative within the current period and only ever
// grow; snapshot columns hold the latest reported size and are overwritten
// on each storage report. CreditsUsedThisPeriod keeps the full fractional
// credit total; rounding happens once at sync time, never here.
type DeploymentUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeploymentID string `gorm:"type:text;not null;uniqueIndex"` // Platform deployment identifier.

	AccountID uint64  `gorm:"not null;index"`       // Owning account ID.
	Account   Account `gorm:"foreignKey:AccountID"` // Owning account record.

	PeriodStart time.Time `gorm:"not null;index"` // Current usage period start.
	PeriodEnd   time.Time `gorm:"not null"`       // Current usage period end.

	FunctionCalls   int64 `gorm:"not null;default:0"` // Billable function call count.
	ActionComputeMs int64 `gorm:"not null;default:0"` // Action execution time in milliseconds.

	DatabaseBandwidthBytes int64 `gorm:"not null;default:0"` // Database bytes read and written.
	FileBandwidthBytes     int64 `gorm:"not null;default:0"` // File storage bytes read and written.
	VectorBandwidthBytes   int64 `gorm:"not null;default:0"` // Vector index bytes read and written.

	DocumentStorageBytes int64 `gorm:"not null;default:0"` // Latest document storage size.
	FileStorageBytes     int64 `gorm:"not null;default:0"` // Latest file storage size.
	VectorStorageBytes   int64 `gorm:"not null;default:0"` // Latest vector storage size.
	IndexStorageBytes    int64 `gorm:"not null;default:0"` // Latest index storage size.
	BackupStorageBytes   int64 `gorm:"not null;default:0"` // Latest backup storage size.

	CreditsUsedThisPeriod float64 `gorm:"type:decimal(30,15);not null;default:0"` // Unrounded fractional credits accumulated this period.

	LastUsageAt *time.Time // Time of the most recent applied event.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
