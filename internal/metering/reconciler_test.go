package metering

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/models"
)

func setupMeteringDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:metering_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Account{}, &models.DeploymentUsage{}, &models.MeterReport{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

type captureSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *captureSink) ReportCumulative(_ context.Context, report Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

func (s *captureSink) snapshot() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

func currentPeriod() (time.Time, time.Time) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func TestRoundCumulative(t *testing.T) {
	cases := []struct {
		fractional float64
		want       int64
	}{
		{0, 0},
		{-2.5, 0},
		{0.0001, 1},
		{1.6, 2},
		{2.0, 2},
		{2.0000000000000004, 2},
		{3.0000001, 4},
	}
	for _, tc := range cases {
		if got := RoundCumulative(tc.fractional); got != tc.want {
			t.Fatalf("round %v = %d, want %d", tc.fractional, got, tc.want)
		}
	}
}

func TestSyncOnceRoundsUpAndSkipsUnchanged(t *testing.T) {
	db := setupMeteringDB(t)
	account := models.Account{HolderType: models.HolderTypeUser, ExternalRef: "user-sync", HasActiveSubscription: true}
	if errCreate := db.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}

	// 1000 events at 0.0016 credits each, split across two deployments.
	periodStart, periodEnd := currentPeriod()
	for i, fractional := range []float64{0.8, 0.8} {
		row := models.DeploymentUsage{
			DeploymentID:          fmt.Sprintf("dep-sync-%d", i),
			AccountID:             account.ID,
			PeriodStart:           periodStart,
			PeriodEnd:             periodEnd,
			FunctionCalls:         500,
			CreditsUsedThisPeriod: fractional,
		}
		if errCreate := db.Create(&row).Error; errCreate != nil {
			t.Fatalf("seed usage row %d: %v", i, errCreate)
		}
	}

	sink := &captureSink{}
	publisher := NewPublisher(db, sink, 16)
	publisher.Start(context.Background())

	enqueued, errSync := NewReconciler(db, publisher).SyncOnce(context.Background())
	if errSync != nil {
		t.Fatalf("sync: %v", errSync)
	}
	if enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", enqueued)
	}
	publisher.Close()

	reports := sink.snapshot()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if reports[0].Credits != 2 {
		t.Fatalf("credits = %d, want 2 (1.6 rounded up)", reports[0].Credits)
	}
	if reports[0].HolderType != string(models.HolderTypeUser) || reports[0].ExternalRef != "user-sync" {
		t.Fatalf("report holder = %s/%s", reports[0].HolderType, reports[0].ExternalRef)
	}

	var recorded models.MeterReport
	if errFind := db.Where("account_id = ?", account.ID).First(&recorded).Error; errFind != nil {
		t.Fatalf("load meter report: %v", errFind)
	}
	if recorded.ReportedCredits != 2 {
		t.Fatalf("recorded credits = %d, want 2", recorded.ReportedCredits)
	}

	// A second round over unchanged usage reports nothing new.
	second := NewPublisher(db, sink, 16)
	second.Start(context.Background())
	enqueued, errSync = NewReconciler(db, second).SyncOnce(context.Background())
	if errSync != nil {
		t.Fatalf("second sync: %v", errSync)
	}
	second.Close()
	if enqueued != 0 {
		t.Fatalf("second round enqueued = %d, want 0", enqueued)
	}
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("sink saw %d reports, want 1", got)
	}
}

func TestSyncOnceReportsGrowth(t *testing.T) {
	db := setupMeteringDB(t)
	account := models.Account{HolderType: models.HolderTypeWorkspace, ExternalRef: "ws-growth", HasActiveSubscription: true}
	if errCreate := db.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	periodStart, periodEnd := currentPeriod()
	row := models.DeploymentUsage{
		DeploymentID:          "dep-growth",
		AccountID:             account.ID,
		PeriodStart:           periodStart,
		PeriodEnd:             periodEnd,
		CreditsUsedThisPeriod: 0.4,
	}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed usage row: %v", errCreate)
	}

	sink := &captureSink{}
	publisher := NewPublisher(db, sink, 16)
	publisher.Start(context.Background())
	if _, errSync := NewReconciler(db, publisher).SyncOnce(context.Background()); errSync != nil {
		t.Fatalf("first sync: %v", errSync)
	}
	publisher.Close()

	if errUpdate := db.Model(&models.DeploymentUsage{}).
		Where("id = ?", row.ID).
		Update("credits_used_this_period", 1.2).Error; errUpdate != nil {
		t.Fatalf("grow usage: %v", errUpdate)
	}

	second := NewPublisher(db, sink, 16)
	second.Start(context.Background())
	enqueued, errSync := NewReconciler(db, second).SyncOnce(context.Background())
	if errSync != nil {
		t.Fatalf("second sync: %v", errSync)
	}
	second.Close()
	if enqueued != 1 {
		t.Fatalf("second round enqueued = %d, want 1", enqueued)
	}

	reports := sink.snapshot()
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].Credits != 1 || reports[1].Credits != 2 {
		t.Fatalf("credits = %d then %d, want 1 then 2", reports[0].Credits, reports[1].Credits)
	}
}

func TestSyncOnceSkipsRollupWithoutAccount(t *testing.T) {
	db := setupMeteringDB(t)
	periodStart, periodEnd := currentPeriod()
	row := models.DeploymentUsage{
		DeploymentID:          "dep-ghost-owner",
		AccountID:             424242,
		PeriodStart:           periodStart,
		PeriodEnd:             periodEnd,
		CreditsUsedThisPeriod: 3.3,
	}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed usage row: %v", errCreate)
	}

	sink := &captureSink{}
	publisher := NewPublisher(db, sink, 16)
	publisher.Start(context.Background())
	enqueued, errSync := NewReconciler(db, publisher).SyncOnce(context.Background())
	if errSync != nil {
		t.Fatalf("sync: %v", errSync)
	}
	publisher.Close()
	if enqueued != 0 {
		t.Fatalf("enqueued = %d, want 0 for orphaned rollup", enqueued)
	}
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("sink saw %d reports, want 0", got)
	}
}
