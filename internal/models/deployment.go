package models

import "time"

// Deployment maps a platform deployment identifier to its owning account.
//
// Rows are written by the provisioning flow when a project is deployed and
// consulted by usage attribution. A deployment with no row here produces
// unattributable usage.
type Deployment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	DeploymentID string `gorm:"type:text;not null;uniqueIndex"` // Platform deployment identifier.

	AccountID uint64  `gorm:"not null;index"`       // Owning account ID.
	Account   Account `gorm:"foreignKey:AccountID"` // Owning account record.

	ProjectName string `gorm:"type:text"` // Project display name, informational.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
