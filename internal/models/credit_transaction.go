package models

import (
	"time"

	"gorm.io/datatypes"
)

// CreditTransactionType classifies why a balance changed.
type CreditTransactionType string

// CreditTransactionType constants define the audit trail entry kinds.
const (
	// TransactionTypeTopUp records a manual credit purchase.
	TransactionTypeTopUp CreditTransactionType = "top_up"
	// TransactionTypeMonthlyAllocation records a subscription cycle grant.
	TransactionTypeMonthlyAllocation CreditTransactionType = "monthly_allocation"
	// TransactionTypeUsageDeduction records credits spent on usage.
	TransactionTypeUsageDeduction CreditTransactionType = "usage_deduction"
	// TransactionTypePurchase records a paid one-off credit pack.
	TransactionTypePurchase CreditTransactionType = "purchase"
	// TransactionTypePromotional records promotional credits.
	TransactionTypePromotional CreditTransactionType = "promotional"
	// TransactionTypeSignupBonus records the one-time signup grant.
	TransactionTypeSignupBonus CreditTransactionType = "signup_bonus"
	// TransactionTypeFirstDeployBonus records the one-time first deploy grant.
	TransactionTypeFirstDeployBonus CreditTransactionType = "first_deploy_bonus"
	// TransactionTypeCarryOverExpiry records forfeiture of expired carry-over credits.
	TransactionTypeCarryOverExpiry CreditTransactionType = "carryover_expiry"
	// TransactionTypeAutoTopUp records an automatic replenishment grant.
	TransactionTypeAutoTopUp CreditTransactionType = "auto_top_up"
	// TransactionTypeManualReview marks a zero-amount entry that needs operator attention.
	TransactionTypeManualReview CreditTransactionType = "manual_review"
)

// CreditTransaction is one append-only audit trail entry for an account.
//
// Amount is signed: grants are positive, deductions negative. Rows are never
// updated or deleted; they are the only way to reconstruct why a balance
// changed. BalanceAfter snapshots CreditBalance at commit time.
type CreditTransaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64  `gorm:"not null;index"`       // Related account ID.
	Account   Account `gorm:"foreignKey:AccountID"` // Related account record.

	Type   CreditTransactionType `gorm:"column:type;type:text;not null;index"` // Why the balance changed.
	Amount float64               `gorm:"type:decimal(20,10);not null"`         // Signed credit delta.

	BalanceAfter float64 `gorm:"type:decimal(20,10);not null"` // Account balance after this entry.

	Description string         `gorm:"type:text"`  // Human readable summary.
	Metadata    datatypes.JSON `gorm:"type:jsonb"` // Versioned structured detail, see ledger metadata keys.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
