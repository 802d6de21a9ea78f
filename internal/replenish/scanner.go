package replenish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/ledger"
	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

// maxConsecutiveFailures is the charge failure count at which cycles stop
// until an operator re-enables the config.
const maxConsecutiveFailures = 3

const defaultScanInterval = time.Minute

// Granter is the slice of the ledger engine a replenish cycle needs.
type Granter interface {
	Add(ctx context.Context, accountID uint64, amount float64, txnType models.CreditTransactionType, opts ledger.GrantOptions) (*ledger.GrantResult, error)
	FlagManualReview(ctx context.Context, accountID uint64, description string, extra map[string]any) (uint64, error)
}

// Scanner periodically finds accounts whose balance fell below their top-up
// threshold and runs charge-then-grant cycles for them. A cycle charges the
// payment provider first and grants credits second; the two failure modes
// are deliberately asymmetric. A failed charge moves no money and is safe to
// retry up to the backoff cap. A failed grant after a successful charge
// means money moved without credits, so the config is parked for an operator
// instead of retried.
type Scanner struct {
	db       *gorm.DB
	granter  Granter
	provider ChargeProvider
	locker   Locker
	interval time.Duration
}

// NewScanner constructs a replenish scanner. A nil locker falls back to
// in-process locking.
func NewScanner(db *gorm.DB, granter Granter, provider ChargeProvider, locker Locker) *Scanner {
	if db == nil || granter == nil || provider == nil {
		return nil
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scanner{
		db:       db,
		granter:  granter,
		provider: provider,
		locker:   locker,
		interval: defaultScanInterval,
	}
}

// Start launches the scan loop in a background goroutine.
func (s *Scanner) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("replenish scanner started (interval=%s)", s.interval)
}

func (s *Scanner) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		s.scanOnce(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		interval := settings.ReplenishScanInterval()
		if interval <= 0 {
			interval = s.interval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// scanOnce fans replenish cycles out over the eligible configs, bounded by
// the configured concurrency.
func (s *Scanner) scanOnce(ctx context.Context) {
	if s == nil || s.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	maxConcurrency := settings.ReplenishMaxConcurrency()
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	var candidates []models.AutoReplenishConfig
	if errFind := s.db.WithContext(ctx).
		Where("enabled = ? AND requires_review = ? AND consecutive_failures < ? AND payment_method_ref <> ''",
			true, false, maxConsecutiveFailures).
		Find(&candidates).Error; errFind != nil {
		log.WithError(errFind).Warn("replenish scanner: load configs failed")
		return
	}
	if len(candidates) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	shouldStop := false

	for _, candidate := range candidates {
		if shouldStop {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			shouldStop = true
		}
		if shouldStop {
			break
		}

		wg.Add(1)
		accountID := candidate.AccountID
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.runCycle(ctx, accountID)
		}()
	}

	wg.Wait()
}

// runCycle executes one replenish attempt for an account. The locker keeps
// overlapping scans and multiple instances from double charging; all state
// is re-read after the lock is held.
func (s *Scanner) runCycle(ctx context.Context, accountID uint64) {
	release, acquired, errLock := s.locker.TryLock(ctx, accountID)
	if errLock != nil {
		log.WithError(errLock).Warnf("replenish scanner: lock failed (account=%d)", accountID)
		return
	}
	if !acquired {
		return
	}
	defer release()

	var config models.AutoReplenishConfig
	if errFind := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&config).Error; errFind != nil {
		log.WithError(errFind).Warnf("replenish scanner: load config failed (account=%d)", accountID)
		return
	}
	if !config.Enabled || config.RequiresReview ||
		config.ConsecutiveFailures >= maxConsecutiveFailures ||
		strings.TrimSpace(config.PaymentMethodRef) == "" {
		return
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if config.MonthlyResetAt == nil || config.MonthlyResetAt.Before(monthStart) {
		if errReset := s.db.WithContext(ctx).
			Model(&models.AutoReplenishConfig{}).
			Where("id = ?", config.ID).
			Updates(map[string]any{
				"top_ups_this_month": 0,
				"monthly_reset_at":   monthStart,
				"updated_at":         now,
			}).Error; errReset != nil {
			log.WithError(errReset).Warnf("replenish scanner: month reset failed (account=%d)", accountID)
			return
		}
		config.TopUpsThisMonth = 0
		config.MonthlyResetAt = &monthStart
	}
	if config.MaxMonthlyTopUps <= 0 || config.TopUpsThisMonth >= config.MaxMonthlyTopUps {
		return
	}
	if config.TopUpCredits <= 0 {
		return
	}

	var account models.Account
	if errFind := s.db.WithContext(ctx).
		Where("id = ?", accountID).
		First(&account).Error; errFind != nil {
		log.WithError(errFind).Warnf("replenish scanner: load account failed (account=%d)", accountID)
		return
	}
	// Strictly below: an account sitting exactly at its threshold is not
	// topped up yet.
	if account.CreditBalance >= config.ThresholdCredits {
		return
	}

	s.executeTopUp(ctx, &config, now)
}

func (s *Scanner) executeTopUp(ctx context.Context, config *models.AutoReplenishConfig, now time.Time) {
	idempotencyKey := uuid.NewString()
	result, errCharge := s.provider.Charge(ctx, ChargeRequest{
		AccountID:        config.AccountID,
		PaymentMethodRef: config.PaymentMethodRef,
		Credits:          config.TopUpCredits,
		IdempotencyKey:   idempotencyKey,
	})
	if errCharge != nil {
		s.recordChargeFailure(ctx, config, errCharge)
		return
	}

	chargeRef := ""
	if result != nil {
		chargeRef = result.ChargeRef
	}
	_, errGrant := s.granter.Add(ctx, config.AccountID, config.TopUpCredits, models.TransactionTypeAutoTopUp, ledger.GrantOptions{
		Description: "automatic balance top-up",
		Metadata: map[string]any{
			ledger.MetaKeyChargeRef:      chargeRef,
			ledger.MetaKeyIdempotencyKey: idempotencyKey,
		},
	})
	if errGrant != nil {
		s.recordChargeWithoutGrant(ctx, config, chargeRef, idempotencyKey, errGrant)
		return
	}

	s.recordSuccess(ctx, config, now)
}

// recordChargeFailure counts a failed charge toward the backoff cap. No
// money moved, so retrying on a later scan is safe.
func (s *Scanner) recordChargeFailure(ctx context.Context, config *models.AutoReplenishConfig, cause error) {
	failures := config.ConsecutiveFailures + 1
	log.WithError(cause).Warnf("replenish scanner: charge failed (account=%d failures=%d)", config.AccountID, failures)
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.AutoReplenishConfig{}).
		Where("id = ?", config.ID).
		Updates(map[string]any{
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
			"last_top_up_error":    cause.Error(),
			"updated_at":           time.Now().UTC(),
		}).Error; errUpdate != nil {
		log.WithError(errUpdate).Warnf("replenish scanner: record charge failure failed (account=%d)", config.AccountID)
		return
	}
	if failures >= maxConsecutiveFailures {
		log.Warnf("replenish scanner: account %d paused after %d consecutive charge failures", config.AccountID, failures)
	}
}

// recordChargeWithoutGrant handles the asymmetric failure: money moved but
// credits did not. The failure does not count toward charge backoff and the
// cycle must not retry, either would risk charging again. The config is
// parked and a zero-amount audit entry carries the charge reference for the
// operator.
func (s *Scanner) recordChargeWithoutGrant(ctx context.Context, config *models.AutoReplenishConfig, chargeRef, idempotencyKey string, cause error) {
	log.WithError(cause).Errorf("replenish scanner: charged but grant failed (account=%d charge_ref=%s)", config.AccountID, chargeRef)
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.AutoReplenishConfig{}).
		Where("id = ?", config.ID).
		Updates(map[string]any{
			"requires_review":   true,
			"last_top_up_error": cause.Error(),
			"updated_at":        time.Now().UTC(),
		}).Error; errUpdate != nil {
		log.WithError(errUpdate).Errorf("replenish scanner: park config failed (account=%d)", config.AccountID)
	}
	if _, errFlag := s.granter.FlagManualReview(ctx, config.AccountID, "auto top-up charged but not granted", map[string]any{
		ledger.MetaKeyChargeRef:      chargeRef,
		ledger.MetaKeyIdempotencyKey: idempotencyKey,
	}); errFlag != nil {
		log.WithError(errFlag).Errorf("replenish scanner: manual review flag failed (account=%d charge_ref=%s)", config.AccountID, chargeRef)
	}
}

func (s *Scanner) recordSuccess(ctx context.Context, config *models.AutoReplenishConfig, now time.Time) {
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.AutoReplenishConfig{}).
		Where("id = ?", config.ID).
		Updates(map[string]any{
			"top_ups_this_month":   gorm.Expr("top_ups_this_month + 1"),
			"consecutive_failures": 0,
			"last_top_up_error":    "",
			"last_top_up_at":       now,
			"last_top_up_amount":   config.TopUpCredits,
			"updated_at":           now,
		}).Error; errUpdate != nil {
		log.WithError(errUpdate).Warnf("replenish scanner: record success failed (account=%d)", config.AccountID)
		return
	}
	log.Infof("replenish scanner: topped up account %d with %.2f credits (%d/%d this month)",
		config.AccountID, config.TopUpCredits, config.TopUpsThisMonth+1, config.MaxMonthlyTopUps)
}

// ReEnable clears failure backoff and the manual review flag and turns
// cycles back on. Called after the operator reconciled whatever parked the
// config. Returns gorm.ErrRecordNotFound when the account has no config.
func ReEnable(ctx context.Context, db *gorm.DB, accountID uint64) error {
	if db == nil {
		return errors.New("replenish: db not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res := db.WithContext(ctx).
		Model(&models.AutoReplenishConfig{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"enabled":              true,
			"consecutive_failures": 0,
			"requires_review":      false,
			"last_top_up_error":    "",
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
