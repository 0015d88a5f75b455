package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apimeter/apimeter/internal/models"
)

const schedulerRunTimeout = 5 * time.Minute

// Scheduler periodically generates previous-month invoices for every
// organization. Rerunning a period is safe: generation is idempotent.
type Scheduler struct {
	db         *gorm.DB
	aggregator *Aggregator
	cron       *cron.Cron
	spec       string
}

// NewScheduler constructs a Scheduler with the given cron spec.
func NewScheduler(conn *gorm.DB, aggregator *Aggregator, spec string) *Scheduler {
	return &Scheduler{
		db:         conn,
		aggregator: aggregator,
		cron:       cron.New(),
		spec:       spec,
	}
}

// Start registers the cron entry and begins scheduling.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("billing: scheduler spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	log.Infof("billing scheduler started (spec=%q)", s.spec)
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerRunTimeout)
	defer cancel()

	startDate, endDate := previousMonth(time.Now().UTC())

	var orgIDs []uuid.UUID
	if errFind := s.db.WithContext(ctx).
		Model(&models.Organization{}).
		Pluck("id", &orgIDs).Error; errFind != nil {
		log.WithError(errFind).Warn("billing scheduler: list organizations failed")
		return
	}

	for _, org := range orgIDs {
		if _, errGenerate := s.aggregator.GenerateInvoice(ctx, org, startDate, endDate); errGenerate != nil {
			log.Warnf("billing scheduler: invoice for org %s failed: %v", org, errGenerate)
		}
	}
	log.Infof("billing scheduler: generated invoices for %d orgs (%s..%s)",
		len(orgIDs), startDate.Format(time.DateOnly), endDate.Format(time.DateOnly))
}

// previousMonth returns the first and last calendar day of the month before t.
func previousMonth(t time.Time) (time.Time, time.Time) {
	firstOfCurrent := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	endDate := firstOfCurrent.AddDate(0, 0, -1)
	startDate := time.Date(endDate.Year(), endDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	return startDate, endDate
}
