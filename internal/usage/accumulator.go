package usage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makerstack/creditledger/internal/models"
)

// Ingestor applies metered usage events to per-deployment accumulator rows.
//
// Credit cost is accumulated with full fractional precision; nothing here
// rounds. Counter updates for one deployment run under a row lock inside a
// single transaction with the event-log insert, so concurrent delivery of
// events for the same deployment never loses an update and a redelivered
// event is either fully applied once or not at all.
type Ingestor struct {
	db *gorm.DB
}

// NewIngestor constructs an Ingestor on the given connection.
func NewIngestor(db *gorm.DB) *Ingestor {
	if db == nil {
		return nil
	}
	return &Ingestor{db: db}
}

// RecordFunctionExecution applies one function execution event.
func (i *Ingestor) RecordFunctionExecution(ctx context.Context, ev Event) (*ApplyResult, error) {
	ev.Kind = EventKindFunctionExecution
	return i.applySingle(ctx, ev)
}

// RecordStorageSnapshot applies one storage snapshot event. Snapshot sizes
// overwrite the last-known values and lift the per-period peaks; they are
// measurements, not deltas, so re-reporting unchanged data costs nothing.
func (i *Ingestor) RecordStorageSnapshot(ctx context.Context, ev Event) (*ApplyResult, error) {
	ev.Kind = EventKindStorageSnapshot
	return i.applySingle(ctx, ev)
}

func (i *Ingestor) applySingle(ctx context.Context, ev Event) (*ApplyResult, error) {
	if i == nil || i.db == nil {
		return nil, errors.New("usage: ingestor not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return i.apply(ctx, ev, make(map[string]ownerResolution))
}

// ProcessBatch applies a batch of events, resolving each deployment's owner
// once per batch. Unattributable or unrecognized events are logged and
// tallied per skip reason; storage failures count as failed and surface as
// the returned error so at-least-once sources can redeliver.
func (i *Ingestor) ProcessBatch(ctx context.Context, events []Event) (*BatchSummary, error) {
	if i == nil || i.db == nil {
		return nil, errors.New("usage: ingestor not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	summary := &BatchSummary{Received: len(events)}
	owners := make(map[string]ownerResolution)
	var firstErr error
	for _, ev := range events {
		result, errApply := i.apply(ctx, ev, owners)
		if errApply != nil {
			summary.Failed++
			if firstErr == nil {
				firstErr = errApply
			}
			log.WithError(errApply).Warnf("usage ingest: apply failed (event=%s deployment=%s)", ev.EventID, ev.DeploymentID)
			continue
		}
		if result.Applied {
			summary.Processed++
		} else {
			summary.skip(result.Skip)
		}
	}
	if skipped := summary.SkippedTotal(); skipped > 0 {
		log.Infof("usage ingest: skipped %d of %d events %v", skipped, summary.Received, summary.Skipped)
	}
	return summary, firstErr
}

func (i *Ingestor) apply(ctx context.Context, ev Event, owners map[string]ownerResolution) (*ApplyResult, error) {
	now := time.Now().UTC()
	occurredAt := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		occurredAt = now
	}
	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		// Producer omitted the ID. Assign one so the row can be logged; such
		// events cannot be deduplicated on redelivery.
		eventID = uuid.NewString()
	}
	deploymentID := strings.TrimSpace(ev.DeploymentID)

	kindKnown := ev.Kind == EventKindFunctionExecution || ev.Kind == EventKindStorageSnapshot

	var owner ownerResolution
	if deploymentID != "" {
		var errOwner error
		owner, errOwner = i.resolveOwner(ctx, deploymentID, owners)
		if errOwner != nil {
			return nil, errOwner
		}
	}

	var skip SkipReason
	switch {
	case !kindKnown:
		skip = SkipUnrecognizedEventType
	case deploymentID == "" || !owner.mapped:
		skip = SkipNoDeploymentMapping
	case !owner.ownerFound:
		skip = SkipNoOwner
	case !owner.active:
		skip = SkipNoActiveSubscription
	}

	var cost float64
	if skip == "" && ev.Kind == EventKindFunctionExecution {
		cost = CurrentPriceTable().Cost(ev)
	}
	if skip == "" {
		if errEnsure := i.ensureUsageRow(ctx, deploymentID, owner.accountID, now); errEnsure != nil {
			return nil, errEnsure
		}
	}

	result := &ApplyResult{}
	errTx := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logged, errLog := logEvent(ctx, tx, eventID, ev, owner, occurredAt, now)
		if errLog != nil {
			return errLog
		}
		if !logged {
			result.Skip = SkipDuplicateEvent
			return nil
		}
		if skip != "" {
			result.Skip = skip
			return nil
		}

		switch ev.Kind {
		case EventKindFunctionExecution:
			if errApply := applyFunctionExecution(ctx, tx, deploymentID, ev, cost, now); errApply != nil {
				return errApply
			}
		case EventKindStorageSnapshot:
			if errApply := applyStorageSnapshot(ctx, tx, deploymentID, owner.accountID, ev, now); errApply != nil {
				return errApply
			}
		}
		result.Applied = true
		result.CreditsCharged = cost
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return result, nil
}

// ownerResolution caches one deployment-to-account lookup for a batch.
type ownerResolution struct {
	mapped     bool // Deployment row exists.
	ownerFound bool // Owning account row exists.
	active     bool // Owner has an active paid subscription.
	accountID  uint64
}

// resolveOwner maps a deployment to its owning account. Resolutions are
// cached per batch since one deployment typically emits many consecutive
// events.
func (i *Ingestor) resolveOwner(ctx context.Context, deploymentID string, cache map[string]ownerResolution) (ownerResolution, error) {
	if cached, ok := cache[deploymentID]; ok {
		return cached, nil
	}

	var resolution ownerResolution
	var deployment models.Deployment
	errFind := i.db.WithContext(ctx).
		Select("id", "account_id").
		Where("deployment_id = ?", deploymentID).
		First(&deployment).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			cache[deploymentID] = resolution
			return resolution, nil
		}
		return resolution, errFind
	}
	resolution.mapped = true

	var account models.Account
	errAccount := i.db.WithContext(ctx).
		Select("id", "has_active_subscription").
		Where("id = ?", deployment.AccountID).
		First(&account).Error
	if errAccount != nil {
		if errors.Is(errAccount, gorm.ErrRecordNotFound) {
			cache[deploymentID] = resolution
			return resolution, nil
		}
		return resolution, errAccount
	}
	resolution.ownerFound = true
	resolution.active = account.HasActiveSubscription
	resolution.accountID = account.ID

	cache[deploymentID] = resolution
	return resolution, nil
}

// ensureUsageRow creates the accumulator row for a deployment when missing.
// Runs outside the event transaction so a create race with a concurrent
// event cannot abort it; the loser re-reads the winner's row.
func (i *Ingestor) ensureUsageRow(ctx context.Context, deploymentID string, accountID uint64, now time.Time) error {
	var row models.DeploymentUsage
	errFind := i.db.WithContext(ctx).
		Select("id").
		Where("deployment_id = ?", deploymentID).
		First(&row).Error
	if errFind == nil {
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return errFind
	}

	start, end := periodWindow(now)
	create := models.DeploymentUsage{
		DeploymentID: deploymentID,
		AccountID:    accountID,
		PeriodStart:  start,
		PeriodEnd:    end,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if errCreate := i.db.WithContext(ctx).Create(&create).Error; errCreate != nil {
		var existing models.DeploymentUsage
		if errRetry := i.db.WithContext(ctx).
			Select("id").
			Where("deployment_id = ?", deploymentID).
			First(&existing).Error; errRetry == nil {
			return nil
		}
		return errCreate
	}
	return nil
}

// logEvent inserts the event-log row. The unique index on event_id absorbs
// at-least-once redelivery: a conflicting insert reports the event as
// already ingested and nothing further is applied.
func logEvent(ctx context.Context, tx *gorm.DB, eventID string, ev Event, owner ownerResolution, occurredAt, now time.Time) (bool, error) {
	payload, errMarshal := json.Marshal(ev)
	if errMarshal != nil {
		payload = nil
	}
	row := models.UsageEvent{
		EventID:      eventID,
		Kind:         string(ev.Kind),
		DeploymentID: strings.TrimSpace(ev.DeploymentID),
		Payload:      datatypes.JSON(payload),
		OccurredAt:   occurredAt,
		CreatedAt:    now,
	}
	if owner.ownerFound {
		accountID := owner.accountID
		row.AccountID = &accountID
	}

	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// applyFunctionExecution folds one execution event into the locked
// accumulator row. Cached queries stay out of the call counter; compute time
// only counts for actions.
func applyFunctionExecution(ctx context.Context, tx *gorm.DB, deploymentID string, ev Event, cost float64, now time.Time) error {
	row, errLock := lockUsageRow(ctx, tx, deploymentID)
	if errLock != nil {
		return errLock
	}

	callIncrement := int64(1)
	if ev.IsCachedQuery {
		callIncrement = 0
	}
	computeIncrement := int64(0)
	if ev.IsAction && ev.ComputeMs > 0 {
		computeIncrement = ev.ComputeMs
	}
	databaseBytes := ev.DatabaseReadBytes + ev.DatabaseWriteBytes
	fileBytes := ev.FileReadBytes + ev.FileWriteBytes
	vectorBytes := ev.VectorReadBytes + ev.VectorWriteBytes

	start, end := periodWindow(now)
	if !row.PeriodStart.Equal(start) {
		// New calendar month: cumulative counters restart from this event.
		// Snapshot sizes stay, they are still the last known state.
		return tx.WithContext(ctx).
			Model(&models.DeploymentUsage{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"period_start":             start,
				"period_end":               end,
				"function_calls":           callIncrement,
				"action_compute_ms":        computeIncrement,
				"database_bandwidth_bytes": databaseBytes,
				"file_bandwidth_bytes":     fileBytes,
				"vector_bandwidth_bytes":   vectorBytes,
				"credits_used_this_period": cost,
				"last_usage_at":            now,
				"updated_at":               now,
			}).Error
	}

	return tx.WithContext(ctx).
		Model(&models.DeploymentUsage{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"function_calls":           gorm.Expr("function_calls + ?", callIncrement),
			"action_compute_ms":        gorm.Expr("action_compute_ms + ?", computeIncrement),
			"database_bandwidth_bytes": gorm.Expr("database_bandwidth_bytes + ?", databaseBytes),
			"file_bandwidth_bytes":     gorm.Expr("file_bandwidth_bytes + ?", fileBytes),
			"vector_bandwidth_bytes":   gorm.Expr("vector_bandwidth_bytes + ?", vectorBytes),
			"credits_used_this_period": gorm.Expr("credits_used_this_period + ?", cost),
			"last_usage_at":            now,
			"updated_at":               now,
		}).Error
}

// applyStorageSnapshot overwrites the last-known storage sizes and lifts the
// per-period peaks.
func applyStorageSnapshot(ctx context.Context, tx *gorm.DB, deploymentID string, accountID uint64, ev Event, now time.Time) error {
	row, errLock := lockUsageRow(ctx, tx, deploymentID)
	if errLock != nil {
		return errLock
	}

	start, end := periodWindow(now)
	updates := map[string]any{
		"document_storage_bytes": ev.DocumentStorageBytes,
		"file_storage_bytes":     ev.FileStorageBytes,
		"vector_storage_bytes":   ev.VectorStorageBytes,
		"index_storage_bytes":    ev.IndexStorageBytes,
		"backup_storage_bytes":   ev.BackupStorageBytes,
		"last_usage_at":          now,
		"updated_at":             now,
	}
	if !row.PeriodStart.Equal(start) {
		updates["period_start"] = start
		updates["period_end"] = end
		updates["function_calls"] = 0
		updates["action_compute_ms"] = 0
		updates["database_bandwidth_bytes"] = 0
		updates["file_bandwidth_bytes"] = 0
		updates["vector_bandwidth_bytes"] = 0
		updates["credits_used_this_period"] = 0
	}
	if errUpdate := tx.WithContext(ctx).
		Model(&models.DeploymentUsage{}).
		Where("id = ?", row.ID).
		Updates(updates).Error; errUpdate != nil {
		return errUpdate
	}

	return raiseStoragePeaks(ctx, tx, deploymentID, accountID, start, ev, now)
}

// raiseStoragePeaks lifts the per-period storage maxima to at least the
// snapshot's values. Peaks never move down within a period, so a late or
// repeated snapshot of shrinking data does not reduce what gets billed.
func raiseStoragePeaks(ctx context.Context, tx *gorm.DB, deploymentID string, accountID uint64, periodStart time.Time, ev Event, now time.Time) error {
	var peak models.StoragePeak
	errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("deployment_id = ? AND period_start = ?", deploymentID, periodStart).
		First(&peak).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		peak = models.StoragePeak{
			DeploymentID:         deploymentID,
			PeriodStart:          periodStart,
			AccountID:            accountID,
			DocumentStorageBytes: ev.DocumentStorageBytes,
			FileStorageBytes:     ev.FileStorageBytes,
			VectorStorageBytes:   ev.VectorStorageBytes,
			IndexStorageBytes:    ev.IndexStorageBytes,
			BackupStorageBytes:   ev.BackupStorageBytes,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return tx.WithContext(ctx).Create(&peak).Error
	}
	if errFind != nil {
		return errFind
	}

	updates := map[string]any{}
	if ev.DocumentStorageBytes > peak.DocumentStorageBytes {
		updates["document_storage_bytes"] = ev.DocumentStorageBytes
	}
	if ev.FileStorageBytes > peak.FileStorageBytes {
		updates["file_storage_bytes"] = ev.FileStorageBytes
	}
	if ev.VectorStorageBytes > peak.VectorStorageBytes {
		updates["vector_storage_bytes"] = ev.VectorStorageBytes
	}
	if ev.IndexStorageBytes > peak.IndexStorageBytes {
		updates["index_storage_bytes"] = ev.IndexStorageBytes
	}
	if ev.BackupStorageBytes > peak.BackupStorageBytes {
		updates["backup_storage_bytes"] = ev.BackupStorageBytes
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = now
	return tx.WithContext(ctx).
		Model(&models.StoragePeak{}).
		Where("id = ?", peak.ID).
		Updates(updates).Error
}

// lockUsageRow loads a deployment's accumulator row under SELECT FOR UPDATE.
func lockUsageRow(ctx context.Context, tx *gorm.DB, deploymentID string) (*models.DeploymentUsage, error) {
	var row models.DeploymentUsage
	if errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("deployment_id = ?", deploymentID).
		First(&row).Error; errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// periodWindow returns the calendar-month usage period containing t, in UTC.
func periodWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
