package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/makerstack/creditledger/internal/settings"
)

const (
	defaultEventRetentionInterval = 6 * time.Hour
	defaultEventDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun        = 2000
)

// EventRetentionCleaner periodically deletes old rows from the usage_events
// table. The event log exists for redelivery dedup and short-term audit;
// rows past the retention window serve neither.
type EventRetentionCleaner struct {
	db        *gorm.DB
	interval  time.Duration
	batchSize int
}

func NewEventRetentionCleaner(db *gorm.DB) *EventRetentionCleaner {
	if db == nil {
		return nil
	}
	return &EventRetentionCleaner{
		db:        db,
		interval:  defaultEventRetentionInterval,
		batchSize: defaultEventDeleteBatchSize,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *EventRetentionCleaner) Start(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("usage event retention cleaner started (interval=%s)", c.interval)
}

func (c *EventRetentionCleaner) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(c.interval)
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

func (c *EventRetentionCleaner) cleanupOnce(ctx context.Context) {
	if c == nil || c.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	retentionDays := settings.UsageEventRetentionDays()
	if retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usage event retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usage event retention cleaner: deleted %d rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
}

func (c *EventRetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	if c == nil || c.db == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultEventDeleteBatchSize
	}

	// Use a limited subquery to avoid long-running transactions and table locks.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM usage_events
		WHERE id IN (
			SELECT id FROM usage_events
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
