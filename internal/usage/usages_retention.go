package usage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval = 6 * time.Hour
	defaultDeleteBatchSize   = 5000
	maxDeleteBatchesPerRun   = 2000
)

// RetentionCleaner periodically deletes old rows from the usage log. A
// retention of zero days disables deletion entirely.
type RetentionCleaner struct {
	db            *gorm.DB
	interval      time.Duration
	batchSize     int
	retentionDays int
}

// NewRetentionCleaner constructs a cleaner for the given retention horizon.
func NewRetentionCleaner(conn *gorm.DB, retentionDays int) *RetentionCleaner {
	if conn == nil {
		return nil
	}
	return &RetentionCleaner{
		db:            conn,
		interval:      defaultRetentionInterval,
		batchSize:     defaultDeleteBatchSize,
		retentionDays: retentionDays,
	}
}

// Start launches the cleanup loop in a background goroutine.
func (c *RetentionCleaner) Start(ctx context.Context) {
	if c == nil || c.retentionDays <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go c.run(ctx)
	log.Infof("usage retention cleaner started (interval=%s retention_days=%d)", c.interval, c.retentionDays)
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)
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

func (c *RetentionCleaner) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usage retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		log.Infof("usage retention cleaner: deleted %d rows (cutoff=%s)", deletedTotal, cutoff.Format(time.RFC3339))
	}
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	// Limited subquery keeps transactions short and avoids table locks.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM usage_logs
		WHERE id IN (
			SELECT id FROM usage_logs
			WHERE timestamp < ?
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`, cutoff, c.batchSize)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
