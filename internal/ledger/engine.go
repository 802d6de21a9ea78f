package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

// Engine performs all balance mutations for credit accounts.
//
// Every mutation runs in a single database transaction that locks the
// account row first, so concurrent operations on one account serialize and
// audit trail entries are appended in the same order the balance moved.
type Engine struct {
	db *gorm.DB
}

// NewEngine constructs a ledger engine on the given connection.
func NewEngine(db *gorm.DB) *Engine {
	if db == nil {
		return nil
	}
	return &Engine{db: db}
}

// DeductResult reports the outcome of a successful deduction.
type DeductResult struct {
	TransactionID    uint64          // Audit trail entry ID, zero for a no-op.
	Breakdown        BucketBreakdown // Per-bucket split of the deduction.
	ExpiredCarryOver float64         // Carry-over credits swept before deducting.
	BalanceAfter     float64         // Account balance after the deduction.
}

// Deduct removes amount credits from the account, consuming carry-over,
// base-plan and bonus buckets in that order.
//
// Expired carry-over credits are swept inside the same transaction before
// the affordability check, so a deduction can never spend credits that have
// already lapsed. The deduction is rejected when it would leave the balance
// below the reserve floor.
//
// A zero amount is a silent no-op: no audit entry is written because no
// balance moved.
func (e *Engine) Deduct(ctx context.Context, accountID uint64, amount float64, reason string, extra map[string]any) (*DeductResult, error) {
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
	if amount == 0 {
		account, errFind := e.fetchAccount(ctx, accountID)
		if errFind != nil {
			return nil, errFind
		}
		return &DeductResult{BalanceAfter: account.CreditBalance}, nil
	}

	var result *DeductResult
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}

		now := time.Now().UTC()
		expired, errSweep := sweepExpiredCarryOverLocked(ctx, tx, account, now)
		if errSweep != nil {
			return errSweep
		}

		reserve := settings.MinimumReserveCredits()
		if account.CreditBalance-amount+creditEpsilon < reserve {
			return &InsufficientCreditsError{
				Balance:   account.CreditBalance,
				Requested: amount,
				Reserve:   reserve,
			}
		}

		bonus := DeriveBonus(account.CreditBalance, account.CarryOverCredits, account.BasePlanCredits)
		split := SplitDeduction(account.CarryOverCredits, account.BasePlanCredits, bonus, amount)
		balanceAfter := account.CreditBalance - amount

		if errUpdate := tx.WithContext(ctx).
			Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{
				"credit_balance":        gorm.Expr("credit_balance - ?", amount),
				"carry_over_credits":    gorm.Expr("carry_over_credits - ?", split.CarryOver),
				"base_plan_credits":     gorm.Expr("base_plan_credits - ?", split.BasePlan),
				"lifetime_credits_used": gorm.Expr("lifetime_credits_used + ?", amount),
				"monthly_credits_used":  gorm.Expr("monthly_credits_used + ?", amount),
				"updated_at":            now,
			}).Error; errUpdate != nil {
			return errUpdate
		}

		row := models.CreditTransaction{
			AccountID:    account.ID,
			Type:         models.TransactionTypeUsageDeduction,
			Amount:       -amount,
			BalanceAfter: balanceAfter,
			Description:  reason,
			Metadata:     deductionMetadata(split, extra),
			CreatedAt:    now,
		}
		if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return errCreate
		}

		result = &DeductResult{
			TransactionID:    row.ID,
			Breakdown:        split,
			ExpiredCarryOver: expired,
			BalanceAfter:     balanceAfter,
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return result, nil
}

// Affordability is the advisory verdict returned by CanAfford.
type Affordability struct {
	Allowed   bool    `json:"allowed"`          // Whether a deduction of the requested size would pass right now.
	Reason    string  `json:"reason,omitempty"` // Rejection reason when not allowed.
	Balance   float64 `json:"balance"`          // Effective balance after pending carry-over expiry.
	Requested float64 `json:"requested"`        // Amount asked about.
	Reserve   float64 `json:"reserve"`          // Reserve floor applied to the check.
}

// Affordability rejection reasons.
const (
	ReasonInsufficientCredits = "insufficient_credits"
)

// CanAfford reports whether a deduction of the given size would currently
// succeed. The check is advisory: it takes no lock, and the balance can
// change before a later Deduct, which re-validates atomically. Carry-over
// that has expired but not yet been swept is excluded from the verdict.
func (e *Engine) CanAfford(ctx context.Context, accountID uint64, amount float64) (*Affordability, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	account, errFind := e.fetchAccount(ctx, accountID)
	if errFind != nil {
		return nil, errFind
	}

	now := time.Now().UTC()
	effectiveBalance := account.CreditBalance
	if carryOverExpired(account, now) {
		effectiveBalance -= account.CarryOverCredits
		if effectiveBalance < 0 {
			effectiveBalance = 0
		}
	}

	reserve := settings.MinimumReserveCredits()
	verdict := &Affordability{
		Allowed:   true,
		Balance:   effectiveBalance,
		Requested: amount,
		Reserve:   reserve,
	}
	if effectiveBalance-amount+creditEpsilon < reserve {
		verdict.Allowed = false
		verdict.Reason = ReasonInsufficientCredits
	}
	return verdict, nil
}

// SweepResult reports the outcome of an explicit expiry sweep.
type SweepResult struct {
	Expired      float64 // Carry-over credits removed, zero when nothing had lapsed.
	BalanceAfter float64 // Account balance after the sweep.
}

// SweepExpiredCarryOver removes lapsed carry-over credits from the account
// as its own transaction. Deduct performs the same sweep inline; this
// entry point exists for callers that want expiry applied without deducting.
func (e *Engine) SweepExpiredCarryOver(ctx context.Context, accountID uint64) (*SweepResult, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("ledger: engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if accountID == 0 {
		return nil, ErrAccountNotFound
	}

	var result *SweepResult
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, errLock := lockAccount(ctx, tx, accountID)
		if errLock != nil {
			return errLock
		}
		expired, errSweep := sweepExpiredCarryOverLocked(ctx, tx, account, time.Now().UTC())
		if errSweep != nil {
			return errSweep
		}
		result = &SweepResult{Expired: expired, BalanceAfter: account.CreditBalance}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return result, nil
}

// fetchAccount loads an account without locking it.
func (e *Engine) fetchAccount(ctx context.Context, accountID uint64) (*models.Account, error) {
	var account models.Account
	if errFind := e.db.WithContext(ctx).
		Where("id = ?", accountID).
		First(&account).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, errFind
	}
	return &account, nil
}

// lockAccount loads an account under SELECT FOR UPDATE inside tx.
func lockAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*models.Account, error) {
	var account models.Account
	if errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		First(&account).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, errFind
	}
	return &account, nil
}

// carryOverExpired reports whether the account has lapsed carry-over credits.
func carryOverExpired(account *models.Account, now time.Time) bool {
	return account.CarryOverExpiresAt != nil &&
		!account.CarryOverExpiresAt.After(now) &&
		account.CarryOverCredits > creditEpsilon
}

// sweepExpiredCarryOverLocked folds lapsed carry-over credits out of the
// account. The caller must hold the row lock. The account struct is updated
// in place to the post-sweep state and an expiry audit entry is appended, so
// the sweep and any following mutation commit or roll back together.
func sweepExpiredCarryOverLocked(ctx context.Context, tx *gorm.DB, account *models.Account, now time.Time) (float64, error) {
	if account == nil {
		return 0, ErrAccountNotFound
	}
	if !carryOverExpired(account, now) {
		return 0, nil
	}

	expired := account.CarryOverCredits
	balanceAfter := account.CreditBalance - expired
	if balanceAfter < 0 {
		balanceAfter = 0
	}

	if errUpdate := tx.WithContext(ctx).
		Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"credit_balance":        balanceAfter,
			"carry_over_credits":    0,
			"carry_over_expires_at": nil,
			"updated_at":            now,
		}).Error; errUpdate != nil {
		return 0, errUpdate
	}

	row := models.CreditTransaction{
		AccountID:    account.ID,
		Type:         models.TransactionTypeCarryOverExpiry,
		Amount:       -expired,
		BalanceAfter: balanceAfter,
		Description:  "carry-over credits expired",
		Metadata:     expiryMetadata(expired),
		CreatedAt:    now,
	}
	if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return 0, errCreate
	}

	account.CreditBalance = balanceAfter
	account.CarryOverCredits = 0
	account.CarryOverExpiresAt = nil
	return expired, nil
}
