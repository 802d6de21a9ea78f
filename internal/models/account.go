package models

import "time"

// HolderType identifies the kind of platform entity an account belongs to.
type HolderType string

// HolderType constants define supported credit holders.
const (
	// HolderTypeUser bills an individual user.
	HolderTypeUser HolderType = "user"
	// HolderTypeWorkspace bills a shared workspace.
	HolderTypeWorkspace HolderType = "workspace"
)

// Valid reports whether the holder type is one of the supported kinds.
func (t HolderType) Valid() bool {
	return t == HolderTypeUser || t == HolderTypeWorkspace
}

// Account holds the credit balance and bucket counters for one credit holder.
//
// CreditBalance is the single source of truth for spendable credits.
// CarryOverCredits and BasePlanCredits track the sub-buckets consumed first
// during deduction; the bonus remainder is always derived as
// CreditBalance - CarryOverCredits - BasePlanCredits (clamped at zero) and is
// never stored.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	HolderType  HolderType `gorm:"type:text;not null;uniqueIndex:idx_accounts_holder"` // Credit holder kind.
	ExternalRef string     `gorm:"type:text;not null;uniqueIndex:idx_accounts_holder"` // Platform identifier of the holder.

	CreditBalance    float64 `gorm:"type:decimal(20,10);not null;default:0"` // Total spendable credits.
	CarryOverCredits float64 `gorm:"type:decimal(20,10);not null;default:0"` // Credits carried over from a previous plan period.
	BasePlanCredits  float64 `gorm:"type:decimal(20,10);not null;default:0"` // Credits granted by the current subscription tier.

	CarryOverExpiresAt *time.Time `gorm:"index"` // Carry-over expiry time, if any.

	LifetimeCreditsUsed float64 `gorm:"type:decimal(20,10);not null;default:0"` // Credits deducted over the account lifetime.
	MonthlyCreditsUsed  float64 `gorm:"type:decimal(20,10);not null;default:0"` // Credits deducted in the current allocation cycle.

	LastCreditReset *time.Time // Start of the current allocation cycle.

	HasActiveSubscription bool   `gorm:"not null;default:false"` // Whether the holder has an active paid subscription.
	PlanTier              string `gorm:"type:text"`              // Subscription tier label, informational.

	FirstDeployBonusGranted bool `gorm:"not null;default:false"` // Whether the one-time first deploy bonus was granted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// BonusCredits derives the bonus bucket remainder from the stored counters.
func (a *Account) BonusCredits() float64 {
	bonus := a.CreditBalance - a.CarryOverCredits - a.BasePlanCredits
	if bonus < 0 {
		return 0
	}
	return bonus
}
