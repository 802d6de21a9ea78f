package models

import "time"

// StoragePeak records the highest storage sizes observed for a deployment
// within one period. Peaks only move upward; late or out-of-order snapshot
// reports can lower the current value on DeploymentUsage but never a peak.
type StoragePeak struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeploymentID string    `gorm:"type:text;not null;uniqueIndex:idx_storage_peaks_period"` // Platform deployment identifier.
	PeriodStart  time.Time `gorm:"not null;uniqueIndex:idx_storage_peaks_period"`           // Usage period start.

	AccountID uint64 `gorm:"not null;index"` // Owning account ID.

	DocumentStorageBytes int64 `gorm:"not null;default:0"` // Peak document storage size.
	FileStorageBytes     int64 `gorm:"not null;default:0"` // Peak file storage size.
	VectorStorageBytes   int64 `gorm:"not null;default:0"` // Peak vector storage size.
	IndexStorageBytes    int64 `gorm:"not null;default:0"` // Peak index storage size.
	BackupStorageBytes   int64 `gorm:"not null;default:0"` // Peak backup storage size.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
