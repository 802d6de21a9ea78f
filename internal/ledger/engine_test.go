package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Account{}, &models.CreditTransaction{}, &models.Deployment{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

func seedLedgerAccount(t *testing.T, db *gorm.DB, mutate func(*models.Account)) *models.Account {
	t.Helper()
	account := models.Account{
		HolderType:  models.HolderTypeUser,
		ExternalRef: fmt.Sprintf("user-ledger-%d", time.Now().UnixNano()),
	}
	if mutate != nil {
		mutate(&account)
	}
	if errCreate := db.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	return &account
}

func reloadAccount(t *testing.T, db *gorm.DB, id uint64) *models.Account {
	t.Helper()
	var account models.Account
	if errFind := db.First(&account, id).Error; errFind != nil {
		t.Fatalf("load account: %v", errFind)
	}
	return &account
}

func countTransactions(t *testing.T, db *gorm.DB, accountID uint64, txnType models.CreditTransactionType) int64 {
	t.Helper()
	var count int64
	q := db.Model(&models.CreditTransaction{}).Where("account_id = ?", accountID)
	if txnType != "" {
		q = q.Where("type = ?", txnType)
	}
	if errCount := q.Count(&count).Error; errCount != nil {
		t.Fatalf("count transactions: %v", errCount)
	}
	return count
}

func decodeMetadata(t *testing.T, txn *models.CreditTransaction) map[string]any {
	t.Helper()
	var meta map[string]any
	if errUnmarshal := json.Unmarshal(txn.Metadata, &meta); errUnmarshal != nil {
		t.Fatalf("unmarshal metadata: %v", errUnmarshal)
	}
	return meta
}

func TestDeductConsumesBucketsInOrder(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 100
		a.CarryOverCredits = 30
		a.BasePlanCredits = 50
	})

	engine := NewEngine(db)
	result, errDeduct := engine.Deduct(context.Background(), account.ID, 40, "api usage", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if result.TransactionID == 0 {
		t.Fatal("expected audit entry for a real deduction")
	}
	if !approxEqual(result.Breakdown.CarryOver, 30) || !approxEqual(result.Breakdown.BasePlan, 10) || !approxEqual(result.Breakdown.Bonus, 0) {
		t.Fatalf("breakdown = %+v, want 30/10/0", result.Breakdown)
	}
	if !approxEqual(result.BalanceAfter, 60) {
		t.Fatalf("balanceAfter = %v, want 60", result.BalanceAfter)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 60) || !approxEqual(fresh.CarryOverCredits, 0) || !approxEqual(fresh.BasePlanCredits, 40) {
		t.Fatalf("counters = balance %v carry %v base %v", fresh.CreditBalance, fresh.CarryOverCredits, fresh.BasePlanCredits)
	}
	if !approxEqual(fresh.BonusCredits(), 20) {
		t.Fatalf("bonus remainder = %v, want untouched 20", fresh.BonusCredits())
	}
	if !approxEqual(fresh.LifetimeCreditsUsed, 40) || !approxEqual(fresh.MonthlyCreditsUsed, 40) {
		t.Fatalf("usage counters = lifetime %v monthly %v", fresh.LifetimeCreditsUsed, fresh.MonthlyCreditsUsed)
	}

	var txn models.CreditTransaction
	if errFind := db.First(&txn, result.TransactionID).Error; errFind != nil {
		t.Fatalf("load txn: %v", errFind)
	}
	if txn.Type != models.TransactionTypeUsageDeduction || !approxEqual(txn.Amount, -40) || !approxEqual(txn.BalanceAfter, 60) {
		t.Fatalf("txn = type %s amount %v balanceAfter %v", txn.Type, txn.Amount, txn.BalanceAfter)
	}
	if txn.Description != "api usage" {
		t.Fatalf("description = %q", txn.Description)
	}
	meta := decodeMetadata(t, &txn)
	if meta[MetaKeyCarryOverDeducted] != float64(30) || meta[MetaKeyBasePlanDeducted] != float64(10) || meta[MetaKeyBonusDeducted] != float64(0) {
		t.Fatalf("split metadata = %v", meta)
	}
	if meta[MetaKeySchemaVersion] != float64(metadataSchemaVersion) {
		t.Fatalf("schema version = %v", meta[MetaKeySchemaVersion])
	}
}

func TestDeductRejectsBelowReserveFloor(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
	})

	engine := NewEngine(db)
	result, errDeduct := engine.Deduct(context.Background(), account.ID, 9.6, "too much", nil)
	if result != nil {
		t.Fatalf("expected nil result, got %+v", result)
	}
	if !errors.Is(errDeduct, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want insufficient credits", errDeduct)
	}
	var detail *InsufficientCreditsError
	if !errors.As(errDeduct, &detail) {
		t.Fatalf("err %v does not carry rejection detail", errDeduct)
	}
	if !approxEqual(detail.Balance, 10) || !approxEqual(detail.Requested, 9.6) || !approxEqual(detail.Reserve, settings.DefaultMinimumReserveCredits) {
		t.Fatalf("detail = %+v", detail)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 10) {
		t.Fatalf("balance = %v, want unchanged 10", fresh.CreditBalance)
	}
	if n := countTransactions(t, db, account.ID, ""); n != 0 {
		t.Fatalf("transactions = %d, want none for a rejected deduction", n)
	}
}

func TestDeductToExactReserveFloorSucceeds(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
	})

	engine := NewEngine(db)
	result, errDeduct := engine.Deduct(context.Background(), account.ID, 9.5, "to the floor", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if !approxEqual(result.BalanceAfter, settings.DefaultMinimumReserveCredits) {
		t.Fatalf("balanceAfter = %v, want exactly the reserve", result.BalanceAfter)
	}
}

func TestDeductSweepsExpiredCarryOverFirst(t *testing.T) {
	db := setupLedgerDB(t)
	expired := time.Now().UTC().Add(-time.Hour)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 25
		a.CarryOverCredits = 20
		a.BasePlanCredits = 5
		a.CarryOverExpiresAt = &expired
	})

	engine := NewEngine(db)
	result, errDeduct := engine.Deduct(context.Background(), account.ID, 3, "post expiry", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if !approxEqual(result.ExpiredCarryOver, 20) {
		t.Fatalf("expired = %v, want 20 swept before deducting", result.ExpiredCarryOver)
	}
	if !approxEqual(result.BalanceAfter, 2) {
		t.Fatalf("balanceAfter = %v, want 2", result.BalanceAfter)
	}
	if !approxEqual(result.Breakdown.BasePlan, 3) || !approxEqual(result.Breakdown.CarryOver, 0) {
		t.Fatalf("breakdown = %+v, want base-plan only", result.Breakdown)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 2) || !approxEqual(fresh.CarryOverCredits, 0) || !approxEqual(fresh.BasePlanCredits, 2) {
		t.Fatalf("counters = balance %v carry %v base %v", fresh.CreditBalance, fresh.CarryOverCredits, fresh.BasePlanCredits)
	}
	if fresh.CarryOverExpiresAt != nil {
		t.Fatalf("expiry = %v, want cleared", fresh.CarryOverExpiresAt)
	}

	var expiry models.CreditTransaction
	if errFind := db.Where("account_id = ? AND type = ?", account.ID, models.TransactionTypeCarryOverExpiry).First(&expiry).Error; errFind != nil {
		t.Fatalf("load expiry txn: %v", errFind)
	}
	if !approxEqual(expiry.Amount, -20) || !approxEqual(expiry.BalanceAfter, 5) {
		t.Fatalf("expiry txn amount=%v balanceAfter=%v", expiry.Amount, expiry.BalanceAfter)
	}

	// The post-sweep balance is what later deductions see.
	if _, errAgain := engine.Deduct(context.Background(), account.ID, 1.6, "breaks floor", nil); !errors.Is(errAgain, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want insufficient credits after sweep", errAgain)
	}
}

func TestDeductZeroAmountWritesNothing(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
	})

	engine := NewEngine(db)
	result, errDeduct := engine.Deduct(context.Background(), account.ID, 0, "noop", nil)
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if result.TransactionID != 0 {
		t.Fatalf("transactionID = %d, want 0 for a no-op", result.TransactionID)
	}
	if !approxEqual(result.BalanceAfter, 10) {
		t.Fatalf("balanceAfter = %v, want 10", result.BalanceAfter)
	}
	if n := countTransactions(t, db, account.ID, ""); n != 0 {
		t.Fatalf("transactions = %d, want none", n)
	}
}

func TestDeductInputValidation(t *testing.T) {
	db := setupLedgerDB(t)
	account := seedLedgerAccount(t, db, nil)
	engine := NewEngine(db)

	if _, err := engine.Deduct(context.Background(), account.ID, -1, "negative", nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want invalid amount", err)
	}
	if _, err := engine.Deduct(context.Background(), 987654, 1, "missing", nil); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
	if _, err := engine.Deduct(context.Background(), 0, 1, "zero id", nil); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
}

func TestCanAffordExcludesLapsedCarryOver(t *testing.T) {
	db := setupLedgerDB(t)
	expired := time.Now().UTC().Add(-time.Minute)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 25
		a.CarryOverCredits = 20
		a.BasePlanCredits = 5
		a.CarryOverExpiresAt = &expired
	})

	engine := NewEngine(db)
	denied, errCheck := engine.CanAfford(context.Background(), account.ID, 5)
	if errCheck != nil {
		t.Fatalf("can afford: %v", errCheck)
	}
	if denied.Allowed || denied.Reason != ReasonInsufficientCredits {
		t.Fatalf("verdict = %+v, want denied", denied)
	}
	if !approxEqual(denied.Balance, 5) {
		t.Fatalf("effective balance = %v, want 5 with lapsed carry-over excluded", denied.Balance)
	}
	if !approxEqual(denied.Reserve, settings.DefaultMinimumReserveCredits) {
		t.Fatalf("reserve = %v", denied.Reserve)
	}

	allowed, errCheck := engine.CanAfford(context.Background(), account.ID, 4)
	if errCheck != nil {
		t.Fatalf("can afford: %v", errCheck)
	}
	if !allowed.Allowed || allowed.Reason != "" {
		t.Fatalf("verdict = %+v, want allowed", allowed)
	}

	// The check is advisory and must not sweep or write anything.
	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 25) || !approxEqual(fresh.CarryOverCredits, 20) {
		t.Fatalf("counters changed: balance %v carry %v", fresh.CreditBalance, fresh.CarryOverCredits)
	}
	if n := countTransactions(t, db, account.ID, ""); n != 0 {
		t.Fatalf("transactions = %d, want none from an advisory check", n)
	}

	if _, err := engine.CanAfford(context.Background(), account.ID, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want invalid amount", err)
	}
	if _, err := engine.CanAfford(context.Background(), 987654, 1); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want account not found", err)
	}
}

func TestSweepExpiredCarryOverIdempotent(t *testing.T) {
	db := setupLedgerDB(t)
	expired := time.Now().UTC().Add(-time.Hour)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
		a.CarryOverCredits = 4
		a.CarryOverExpiresAt = &expired
	})

	engine := NewEngine(db)
	first, errSweep := engine.SweepExpiredCarryOver(context.Background(), account.ID)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if !approxEqual(first.Expired, 4) || !approxEqual(first.BalanceAfter, 6) {
		t.Fatalf("sweep = %+v, want 4 expired leaving 6", first)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 6) || !approxEqual(fresh.CarryOverCredits, 0) || fresh.CarryOverExpiresAt != nil {
		t.Fatalf("account after sweep: balance %v carry %v expiry %v", fresh.CreditBalance, fresh.CarryOverCredits, fresh.CarryOverExpiresAt)
	}

	var expiry models.CreditTransaction
	if errFind := db.Where("account_id = ? AND type = ?", account.ID, models.TransactionTypeCarryOverExpiry).First(&expiry).Error; errFind != nil {
		t.Fatalf("load expiry txn: %v", errFind)
	}
	meta := decodeMetadata(t, &expiry)
	if meta[MetaKeyExpiredCarryOver] != float64(4) {
		t.Fatalf("expiry metadata = %v", meta)
	}

	second, errSweep := engine.SweepExpiredCarryOver(context.Background(), account.ID)
	if errSweep != nil {
		t.Fatalf("second sweep: %v", errSweep)
	}
	if !approxEqual(second.Expired, 0) || !approxEqual(second.BalanceAfter, 6) {
		t.Fatalf("second sweep = %+v, want no-op", second)
	}
	if n := countTransactions(t, db, account.ID, models.TransactionTypeCarryOverExpiry); n != 1 {
		t.Fatalf("expiry transactions = %d, want exactly 1", n)
	}
}

func TestSweepLeavesUnexpiredCarryOverAlone(t *testing.T) {
	db := setupLedgerDB(t)
	future := time.Now().UTC().Add(24 * time.Hour)
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
		a.CarryOverCredits = 4
		a.CarryOverExpiresAt = &future
	})

	engine := NewEngine(db)
	result, errSweep := engine.SweepExpiredCarryOver(context.Background(), account.ID)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if !approxEqual(result.Expired, 0) || !approxEqual(result.BalanceAfter, 10) {
		t.Fatalf("sweep = %+v, want untouched", result)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CarryOverCredits, 4) || fresh.CarryOverExpiresAt == nil {
		t.Fatalf("carry-over changed: %v expiry %v", fresh.CarryOverCredits, fresh.CarryOverExpiresAt)
	}
}

func TestConcurrentDeductionsSingleWinner(t *testing.T) {
	// File-backed store with one pooled connection so the racing
	// transactions serialize the way row locks serialize them in production.
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db")
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errSQL := db.DB()
	if errSQL != nil {
		t.Fatalf("sql db: %v", errSQL)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.AutoMigrate(&models.Account{}, &models.CreditTransaction{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	account := seedLedgerAccount(t, db, func(a *models.Account) {
		a.CreditBalance = 10
	})

	engine := NewEngine(db)
	start := make(chan struct{})
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errDeduct := engine.Deduct(context.Background(), account.ID, 9, "race", nil)
			results <- errDeduct
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	successes, rejections := 0, 0
	for errDeduct := range results {
		switch {
		case errDeduct == nil:
			successes++
		case errors.Is(errDeduct, ErrInsufficientCredits):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", errDeduct)
		}
	}
	if successes != 1 || rejections != 1 {
		t.Fatalf("successes = %d rejections = %d, want exactly one of each", successes, rejections)
	}

	fresh := reloadAccount(t, db, account.ID)
	if !approxEqual(fresh.CreditBalance, 1) {
		t.Fatalf("balance = %v, want 1 after a single deduction", fresh.CreditBalance)
	}
	if n := countTransactions(t, db, account.ID, models.TransactionTypeUsageDeduction); n != 1 {
		t.Fatalf("deduction transactions = %d, want 1", n)
	}
}
