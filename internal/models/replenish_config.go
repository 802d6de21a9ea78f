package models

import "time"

// AutoReplenishConfig holds the automatic top-up policy for one account.
//
// An account is eligible for automatic replenishment only while Enabled is
// set, a payment method reference is present, ConsecutiveFailures is below
// the failure cap, TopUpsThisMonth is below MaxMonthlyTopUps and
// RequiresReview is clear.
type AutoReplenishConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64  `gorm:"not null;uniqueIndex"` // Related account ID.
	Account   Account `gorm:"foreignKey:AccountID"` // Related account record.

	Enabled bool `gorm:"not null;default:false"` // Whether automatic top-ups run.

	ThresholdCredits float64 `gorm:"type:decimal(20,10);not null;default:0"` // Balance below which a top-up triggers.
	TopUpCredits     float64 `gorm:"type:decimal(20,10);not null;default:0"` // Credits purchased per top-up.

	PaymentMethodRef string `gorm:"type:text"` // Opaque payment method reference held by the payment provider.

	MaxMonthlyTopUps int `gorm:"not null;default:0"` // Monthly top-up cap, zero means no automatic top-ups.
	TopUpsThisMonth  int `gorm:"not null;default:0"` // Successful top-ups in the current calendar month.

	MonthlyResetAt *time.Time // Start of the month TopUpsThisMonth counts against.

	ConsecutiveFailures int        `gorm:"not null;default:0"` // Charge failures since the last success.
	LastTopUpError      string     `gorm:"type:text"`          // Most recent failure message.
	LastTopUpAt         *time.Time // Time of the last successful top-up.
	LastTopUpAmount     float64    `gorm:"type:decimal(20,10);not null;default:0"` // Credits granted by the last successful top-up.

	RequiresReview bool `gorm:"not null;default:false"` // Charge succeeded but the grant failed; operator must reconcile before further cycles.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
