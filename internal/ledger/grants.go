package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
)

// GrantOptions control how Add applies credits.
type GrantOptions struct {
	Description string         // Human readable summary for the audit entry.
	Metadata    map[string]any // Extra audit metadata, merged under the schema keys.

	// AsCarryOver books the grant into the carry-over bucket instead of the
	// default bonus remainder. CarryOverExpiresAt, when set, replaces the
	// account's carry-over expiry.
	AsCarryOver        bool
	CarryOverExpiresAt *time.Time
}

// GrantResult reports the outcome of a successful grant.
type GrantResult struct {
	TransactionID uint64  // Audit trail entry ID, zero for a no-op.
	BalanceAfter  float64 // Account balance after the grant.
}

// Add credits the account unconditionally; grants have no ceiling. By
// default the credits land in the derived bonus bucket. A zero amount is a
// silent no-op, mirroring Deduct.
func (e *Engine) Add(ctx context.Context, accountID uint64, amount float64, txnType models.CreditTransactionType, opts GrantOptions) (*GrantResult, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if accountID == 0 {
		return nil, ErrAccountNotFound
	}
	if txnType == "" {
		txnType = models.TransactionTypeTopUp
	}
	if amount == 0 {
		account, errFind := e.fetchAccount(ctx, accountID)
		if errFind != nil {
			return nil, errFind
		}
		return &GrantResult{BalanceAfter: account.CreditBalance}, nil
	}

	var result *GrantResult
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}

		now := time.Now().UTC()
		balanceAfter := account.CreditBalance + amount
		updates := map[string]any{
			"credit_balance": gorm.Expr("credit_balance + ?", amount),
			"updated_at":     now,
		}
		if opts.AsCarryOver {
			updates["carry_over_credits"] = gorm.Expr("carry_over_credits + ?", amount)
			if opts.CarryOverExpiresAt != nil {
				expiresAt := opts.CarryOverExpiresAt.UTC()
				updates["carry_over_expires_at"] = expiresAt
			}
		}
		if errUpdate := tx.WithContext(ctx).
			Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(updates).Error; errUpdate != nil {
			return errUpdate
		}

		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         txnType,
			Amount:       amount,
			BalanceAfter: balanceAfter,
			Description:  opts.Description,
			Metadata:     marshalMetadata(nil, opts.Metadata),
			CreatedAt:    now,
		}
		if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return errCreate
		}

		result = &GrantResult{TransactionID: row.ID, BalanceAfter: balanceAfter}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return result, nil
}

// AllocationResult reports the outcome of a monthly allocation.
type AllocationResult struct {
	TransactionID uint64  // Audit trail entry ID.
	Allocated     float64 // Credits granted for the new cycle.
	Forfeited     float64 // Unused base-plan credits replaced by the grant.
	BalanceAfter  float64 // Account balance after the allocation.
}

// GrantMonthlyAllocation starts a new allocation cycle: any unused base-plan
// credits from the previous cycle are replaced (not stacked) by the tier
// grant, the monthly usage counter resets, and lapsed carry-over is swept
// first so it cannot leak into the new cycle. Calling it again in the same
// month with the same tier amount is harmless.
//
// The audit entry's amount is the net balance change; the gross grant and
// the forfeited remainder are recorded in its metadata.
func (e *Engine) GrantMonthlyAllocation(ctx context.Context, accountID uint64, tierCredits float64, planTier string) (*AllocationResult, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if tierCredits < 0 {
		return nil, ErrInvalidAmount
	}
	if accountID == 0 {
		return nil, ErrAccountNotFound
	}

	var result *AllocationResult
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}

		now := time.Now().UTC()
		if _, errSweep := sweepExpiredCarryOverLocked(ctx, tx, account, now); errSweep != nil {
			return errSweep
		}

		forfeited := account.BasePlanCredits
		delta := tierCredits - forfeited
		balanceAfter := account.CreditBalance + delta
		if balanceAfter < 0 {
			balanceAfter = 0
		}

		updates := map[string]any{
			"credit_balance":       balanceAfter,
			"base_plan_credits":    tierCredits,
			"monthly_credits_used": 0,
			"last_credit_reset":    now,
			"updated_at":           now,
		}
		if planTier != "" {
			updates["plan_tier"] = planTier
		}
		if errUpdate := tx.WithContext(ctx).
			Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(updates).Error; errUpdate != nil {
			return errUpdate
		}

		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         models.TransactionTypeMonthlyAllocation,
			Amount:       balanceAfter - account.CreditBalance,
			BalanceAfter: balanceAfter,
			Description:  "monthly plan allocation",
			Metadata:     allocationMetadata(tierCredits, forfeited, planTier),
			CreatedAt:    now,
		}
		if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return errCreate
		}

		result = &AllocationResult{
			TransactionID: row.ID,
			Allocated:     tierCredits,
			Forfeited:     forfeited,
			BalanceAfter:  balanceAfter,
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return result, nil
}

// FlagManualReview appends a zero-amount audit entry without touching any
// balance counter. Replenishment uses it to surface a charge that succeeded
// while the matching grant failed; the charge reference in the metadata is
// what the operator reconciles against.
func (e *Engine) FlagManualReview(ctx context.Context, accountID uint64, description string, extra map[string]any) (uint64, error) {
	if e == nil || e.db == nil {
		return 0, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if accountID == 0 {
		return 0, ErrAccountNotFound
	}

	var transactionID uint64
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}

		meta := map[string]any{MetaKeyRequiresManualIntervention: true}
		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         models.TransactionTypeManualReview,
			Amount:       0,
			BalanceAfter: account.CreditBalance,
			Description:  description,
			Metadata:     marshalMetadata(meta, extra),
			CreatedAt:    time.Now().UTC(),
		}
		if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return errCreate
		}
		transactionID = row.ID
		return nil
	})
	if errTx != nil {
		return 0, errTx
	}
	return transactionID, nil
}
