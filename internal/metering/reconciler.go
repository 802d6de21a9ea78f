package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
	"github.com/makerstack/creditledger/internal/settings"
)

const defaultSyncInterval = 5 * time.Minute

// roundEpsilon absorbs float accumulation drift so an exact integer total
// does not round up to the next credit.
const roundEpsilon = 1e-9

// RoundCumulative converts a fractional credit total to the integer reported
// to the sink. Fractions always round up: a holder who used any part of a
// credit is billed the whole credit.
func RoundCumulative(fractional float64) int64 {
	if fractional <= 0 {
		return 0
	}
	return int64(math.Ceil(fractional - roundEpsilon))
}

// Reconciler periodically rolls per-deployment usage up into per-account
// cumulative totals and hands them to the publisher. Each round reports the
// current total for every account and period whose value moved since the
// last delivery; a missed round only delays the next report, it never loses
// usage.
type Reconciler struct {
	db        *gorm.DB
	publisher *Publisher
	interval  time.Duration
}

// NewReconciler constructs a reconciler feeding the given publisher.
func NewReconciler(db *gorm.DB, publisher *Publisher) *Reconciler {
	if db == nil || publisher == nil {
		return nil
	}
	return &Reconciler{
		db:        db,
		publisher: publisher,
		interval:  defaultSyncInterval,
	}
}

// Start launches the sync loop in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
	log.Infof("metering reconciler started (interval=%s)", r.interval)
}

func (r *Reconciler) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		if _, errSync := r.SyncOnce(ctx); errSync != nil {
			log.WithError(errSync).Warn("metering reconciler: sync failed")
		}
		if ctx != nil && ctx.Err() != nil {
			return
		}
		interval := settings.MeteringSyncInterval()
		if interval <= 0 {
			interval = r.interval
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

type accountPeriodTotal struct {
	AccountID   uint64
	PeriodStart time.Time
	Fractional  float64
}

// SyncOnce performs one reconciliation round and returns how many reports it
// enqueued.
func (r *Reconciler) SyncOnce(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("metering reconciler: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var totals []accountPeriodTotal
	if errQuery := r.db.WithContext(ctx).
		Model(&models.DeploymentUsage{}).
		Select("account_id, period_start, SUM(credits_used_this_period) AS fractional").
		Group("account_id, period_start").
		Scan(&totals).Error; errQuery != nil {
		return 0, errQuery
	}
	if len(totals) == 0 {
		return 0, nil
	}

	accountIDs := make([]uint64, 0, len(totals))
	seen := make(map[uint64]struct{}, len(totals))
	for _, total := range totals {
		if _, ok := seen[total.AccountID]; ok {
			continue
		}
		seen[total.AccountID] = struct{}{}
		accountIDs = append(accountIDs, total.AccountID)
	}

	var accounts []models.Account
	if errFind := r.db.WithContext(ctx).
		Select("id", "holder_type", "external_ref").
		Where("id IN ?", accountIDs).
		Find(&accounts).Error; errFind != nil {
		return 0, errFind
	}
	accountByID := make(map[uint64]models.Account, len(accounts))
	for _, account := range accounts {
		accountByID[account.ID] = account
	}

	var lastReports []models.MeterReport
	if errFind := r.db.WithContext(ctx).
		Where("account_id IN ?", accountIDs).
		Find(&lastReports).Error; errFind != nil {
		return 0, errFind
	}
	lastByKey := make(map[string]int64, len(lastReports))
	for _, last := range lastReports {
		lastByKey[reportKey(last.AccountID, last.PeriodStart)] = last.ReportedCredits
	}

	enqueued := 0
	for _, total := range totals {
		account, ok := accountByID[total.AccountID]
		if !ok {
			log.Warnf("metering reconciler: no account for usage rollup (account=%d)", total.AccountID)
			continue
		}
		credits := RoundCumulative(total.Fractional)
		if last, reported := lastByKey[reportKey(total.AccountID, total.PeriodStart)]; reported && last == credits {
			continue
		}
		report := Report{
			AccountID:   total.AccountID,
			HolderType:  string(account.HolderType),
			ExternalRef: account.ExternalRef,
			PeriodStart: total.PeriodStart.UTC(),
			Credits:     credits,
		}
		if errEnqueue := r.publisher.Enqueue(report); errEnqueue != nil {
			// Queue pressure or shutdown; the next round retries with the
			// then-current totals.
			log.WithError(errEnqueue).Warn("metering reconciler: enqueue failed")
			break
		}
		enqueued++
	}
	return enqueued, nil
}

func reportKey(accountID uint64, periodStart time.Time) string {
	return fmt.Sprintf("%d@%s", accountID, periodStart.UTC().Format("2006-01-02"))
}
