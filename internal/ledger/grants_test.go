package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/makerstack/creditledger/internal/models"
)

func TestAddDefaultsToBonusBucket(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
		a.BasePlanCredits = 10
	})

	engine := NewEngine(db)
	result, errAdd := engine.Add(context.Background(), account.ID, 5, models.TransactionTypePromotional, GrantOptions{
		Description: "spring promo",
		Metadata:    map[string]any{"campaign": "spring"},
	})
	if errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}
	if result.TransactionID == 0 || !approxEqual(result.BalanceAfter, 15) {
		t.Fatalf("result = %+v", result)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 15) || !approxEqual(fresh.CarryOverCredits, 0) || !approxEqual(fresh.BasePlanCredits, 10) {
		t.Fatalf("counters = balance %v carry %v base %v", fresh.CreditBalance, fresh.CarryOverCredits, fresh.BasePlanCredits)
	}
	if !approxEqual(fresh.BonusCredits(), 5) {
		t.Fatalf("bonus = %v, want the grant in the derived bucket", fresh.BonusCredits())
	}

	var txn models.CreditTransaction
	if errFind := db.First(&txn, result.TransactionID).Error; errFind != nil {
		t.Fatalf("load txn: %v", errFind)
	}
	if txn.Type != models.TransactionTypePromotional || !approxEqual(txn.Amount, 5) || !approxEqual(txn.BalanceAfter, 15) {
		t.Fatalf("txn = type %s amount %v balanceAfter %v", txn.Type, txn.Amount, txn.BalanceAfter)
	}
	if txn.Description != "spring promo" {
		t.Fatalf("description = %q", txn.Description)
	}
	meta := decodeMetadata(t, &txn)
	if meta["campaign"] != "spring" || meta[MetaKeySchemaVersion] != float64(metadataSchemaVersion) {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestAddAsCarryOverSetsExpiry(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
		a.BasePlanCredits = 10
	})

	expires := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	engine := NewEngine(db)
	result, errAdd := engine.Add(context.Background(), account.ID, 3, models.TransactionTypeTopUp, GrantOptions{
		AsCarryOver:        true,
		CarryOverExpiresAt: &expires,
	})
	if errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}
	if !approxEqual(result.BalanceAfter, 13) {
		t.Fatalf("balanceAfter = %v, want 13", result.BalanceAfter)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CarryOverCredits, 3) || !approxEqual(fresh.BonusCredits(), 0) {
		t.Fatalf("carry = %v bonus = %v, want the grant in carry-over", fresh.CarryOverCredits, fresh.BonusCredits())
	}
	if fresh.CarryOverExpiresAt == nil || fresh.CarryOverExpiresAt.Unix() != expires.Unix() {
		t.Fatalf("expiry = %v, want %v", fresh.CarryOverExpiresAt, expires)
	}
}

func TestAddZeroAmountIsNoOp(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
	})

	engine := NewEngine(db)
	result, errAdd := engine.Add(context.Background(), account.ID, 0, models.TransactionTypeTopUp, GrantOptions{})
	if errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}
	if result.TransactionID != 0 || !approxEqual(result.BalanceAfter, 10) {
		t.Fatalf("result = %+v, want no-op", result)
	}
	if n := countTransactions(t, db, account.ID, ""); n != 0 {
		t.Fatalf("transactions = %d, want none", n)
	}
}

func TestAddValidation(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, nil)
	engine := NewEngine(db)

	if _, err := engine.Add(context.Background(), account.ID, -5, models.TransactionTypeTopUp, GrantOptions{}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want invalid amount", err)
	}
	if _, err := engine.Add(context.Background(), 987654, 5, models.TransactionTypeTopUp, GrantOptions{}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
	if _, err := engine.Add(context.Background(), 0, 5, models.TransactionTypeTopUp, GrantOptions{}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
}

func TestAddEmptyTypeDefaultsToTopUp(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, nil)

	engine := NewEngine(db)
	result, errAdd := engine.Add(context.Background(), account.ID, 4, "", GrantOptions{})
	if errAdd != nil {
		t.Fatalf("add: %v", errAdd)
	}

	var txn models.CreditTransaction
	if errFind := db.First(&txn, result.TransactionID).Error; errFind != nil {
		t.Fatalf("load txn: %v", errFind)
	}
	if txn.Type != models.TransactionTypeTopUp {
		t.Fatalf("type = %s, want top_up", txn.Type)
	}
}

func TestGrantMonthlyAllocationReplacesUnusedBasePlan(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 20
		a.CarryOverCredits = 5
		a.BasePlanCredits = 8
		a.MonthlyCreditsUsed = 12
	})

	engine := NewEngine(db)
	result, errGrant := engine.GrantMonthlyAllocation(context.Background(), account.ID, 10, "pro")
	if errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	if !approxEqual(result.Allocated, 10) || !approxEqual(result.Forfeited, 8) || !approxEqual(result.BalanceAfter, 22) {
		t.Fatalf("result = %+v, want allocated 10 forfeited 8 balance 22", result)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 22) || !approxEqual(fresh.BasePlanCredits, 10) || !approxEqual(fresh.CarryOverCredits, 5) {
		t.Fatalf("counters = balance %v base %v carry %v", fresh.CreditBalance, fresh.BasePlanCredits, fresh.CarryOverCredits)
	}
	if !approxEqual(fresh.BonusCredits(), 7) {
		t.Fatalf("bonus = %v, want 7 preserved across the reset", fresh.BonusCredits())
	}
	if !approxEqual(fresh.MonthlyCreditsUsed, 0) {
		t.Fatalf("monthlyCreditsUsed = %v, want reset", fresh.MonthlyCreditsUsed)
	}
	if fresh.LastCreditReset == nil {
		t.Fatal("lastCreditReset not stamped")
	}
	if fresh.PlanTier != "pro" {
		t.Fatalf("planTier = %q", fresh.PlanTier)
	}

	var txn models.CreditTransaction
	if errFind := db.First(&txn, result.TransactionID).Error; errFind != nil {
		t.Fatalf("load txn: %v", errFind)
	}
	if txn.Type != models.TransactionTypeMonthlyAllocation || !approxEqual(txn.Amount, 2) || !approxEqual(txn.BalanceAfter, 22) {
		t.Fatalf("txn = type %s amount %v balanceAfter %v, want net +2", txn.Type, txn.Amount, txn.BalanceAfter)
	}
	meta := decodeMetadata(t, &txn)
	if meta[MetaKeyAllocatedCredits] != float64(10) || meta[MetaKeyForfeitedCredits] != float64(8) || meta[MetaKeyPlanTier] != "pro" {
		t.Fatalf("metadata = %v", meta)
	}

	// A repeated grant in the same cycle forfeits the fresh allocation and
	// nets to zero.
	again, errGrant := engine.GrantMonthlyAllocation(context.Background(), account.ID, 10, "pro")
	if errGrant != nil {
		t.Fatalf("repeat grant: %v", errGrant)
	}
	if !approxEqual(again.Forfeited, 10) || !approxEqual(again.BalanceAfter, 22) {
		t.Fatalf("repeat = %+v, want forfeited 10 balance 22", again)
	}
}

func TestGrantMonthlyAllocationSweepsLapsedCarryOverFirst(t *testing.T) {
	db := setupLedgerDB(t)
	expired := time.Now().UTC().Add(-time.Hour)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
		a.CarryOverCredits = 6
		a.BasePlanCredits = 4
		a.CarryOverExpiresAt = &expired
	})

	engine := NewEngine(db)
	result, errGrant := engine.GrantMonthlyAllocation(context.Background(), account.ID, 10, "")
	if errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	if !approxEqual(result.Forfeited, 4) || !approxEqual(result.BalanceAfter, 10) {
		t.Fatalf("result = %+v, want forfeited 4 balance 10", result)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 10) || !approxEqual(fresh.BasePlanCredits, 10) || !approxEqual(fresh.CarryOverCredits, 0) {
		t.Fatalf("counters = balance %v base %v carry %v", fresh.CreditBalance, fresh.BasePlanCredits, fresh.CarryOverCredits)
	}
	if fresh.CarryOverExpiresAt != nil {
		t.Fatalf("expiry = %v, want cleared by the sweep", fresh.CarryOverExpiresAt)
	}
	if n := countTransactions(t, db, account.ID, models.TransactionTypeCarryOverExpiry); n != 1 {
		t.Fatalf("expiry transactions = %d, want 1", n)
	}
}

func TestGrantMonthlyAllocationValidation(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, nil)
	engine := NewEngine(db)

	if _, err := engine.GrantMonthlyAllocation(context.Background(), account.ID, -10, "pro"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want invalid amount", err)
	}
	if _, err := engine.GrantMonthlyAllocation(context.Background(), 987654, 10, "pro"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
}

func TestFlagManualReviewAppendsZeroAmountEntry(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 7
	})

	engine := NewEngine(db)
	txnID, errFlag := engine.FlagManualReview(context.Background(), account.ID, "charged but not granted", map[string]any{
		MetaKeyChargeRef: "ch_123",
	})
	if errFlag != nil {
		t.Fatalf("flag: %v", errFlag)
	}
	if txnID == 0 {
		t.Fatal("expected an audit entry")
	}

	var txn models.CreditTransaction
	if errFind := db.First(&txn, txnID).Error; errFind != nil {
		t.Fatalf("load txn: %v", errFind)
	}
	if txn.Type != models.TransactionTypeManualReview || !approxEqual(txn.Amount, 0) || !approxEqual(txn.BalanceAfter, 7) {
		t.Fatalf("txn = type %s amount %v balanceAfter %v", txn.Type, txn.Amount, txn.BalanceAfter)
	}
	if txn.Description != "charged but not granted" {
		t.Fatalf("description = %q", txn.Description)
	}
	meta := decodeMetadata(t, &txn)
	if meta[MetaKeyRequiresManualIntervention] != true || meta[MetaKeyChargeRef] != "ch_123" {
		t.Fatalf("metadata = %v", meta)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 7) {
		t.Fatalf("balance = %v, want untouched", fresh.CreditBalance)
	}

	if _, err := engine.FlagManualReview(context.Background(), 987654, "missing", nil); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
}
