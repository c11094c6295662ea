package metricstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/timewin"
)

// Scheduler drives the periodic rollups and the retention purge.
// Hourly rollups cover the previous hour's minutes, daily rollups the
// previous day's hours, monthly rollups the previous month's days. Each
// job is idempotent, so a missed run is repaired by the next one over a
// wider catch-up range.
type Scheduler struct {
	store     *Store
	clock     timewin.Clock
	logger    *logrus.Logger
	retention time.Duration
	cron      *cron.Cron
}

// NewScheduler creates the rollup scheduler. retention <= 0 applies the
// one-year default.
func NewScheduler(store *Store, clock timewin.Clock, logger *logrus.Logger, retention time.Duration) *Scheduler {
	if clock == nil {
		clock = timewin.SystemClock{}
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Scheduler{
		store:     store,
		clock:     clock,
		logger:    logger,
		retention: retention,
		cron:      cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers and launches the cron jobs
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"5 * * * *", "hourly rollup", s.rollupHour},
		{"10 0 * * *", "daily rollup", s.rollupDay},
		{"20 0 1 * *", "monthly rollup", s.rollupMonth},
		{"30 1 * * *", "retention purge", s.purge},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := job.run(ctx); err != nil && s.logger != nil {
				s.logger.WithFields(logrus.Fields{
					"job":   job.name,
					"error": err,
				}).Error("Scheduled metrics job failed")
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	if s.logger != nil {
		s.logger.WithField("retention", s.retention).Info("Metrics rollup scheduler started")
	}
	return nil
}

// Stop halts the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) rollupHour(ctx context.Context) error {
	now := s.clock.Now()
	end := timewin.Normalize(now, timewin.Hour)
	start := end.Add(-2 * time.Hour) // one hour of catch-up
	_, err := s.store.Rollup(ctx, timewin.Minute, timewin.Hour, start, end)
	return err
}

func (s *Scheduler) rollupDay(ctx context.Context) error {
	now := s.clock.Now()
	end := timewin.Normalize(now, timewin.Day)
	start := end.AddDate(0, 0, -2)
	_, err := s.store.Rollup(ctx, timewin.Hour, timewin.Day, start, end)
	return err
}

func (s *Scheduler) rollupMonth(ctx context.Context) error {
	now := s.clock.Now()
	end := timewin.Normalize(now, timewin.Month)
	start := end.AddDate(0, -1, 0)
	_, err := s.store.Rollup(ctx, timewin.Day, timewin.Month, start, end)
	return err
}

func (s *Scheduler) purge(ctx context.Context) error {
	horizon := s.clock.Now().Add(-s.retention)
	removed, err := s.store.Purge(ctx, horizon)
	if err != nil {
		return err
	}
	if removed > 0 && s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"removed": removed,
			"horizon": horizon,
		}).Info("Purged aggregates past retention")
	}
	return nil
}
