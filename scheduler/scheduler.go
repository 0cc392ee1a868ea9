package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/telegram-tracker/models"
	"github.com/brettboylen/telegram-tracker/stats"
)

// Job is the work run on every tick
type Job func(ctx context.Context) (models.ScrapeStats, error)

// Daily runs a job once a day at a fixed hour and minute, in local time
type Daily struct {
	hour   int
	minute int
	cron   *cron.Cron
	log    *logrus.Logger
}

// NewDaily creates a scheduler firing at hour:minute every day
func NewDaily(hour, minute int, log *logrus.Logger) (*Daily, error) {
	if _, err := dailySchedule(hour, minute); err != nil {
		return nil, err
	}

	return &Daily{
		hour:   hour,
		minute: minute,
		cron:   cron.New(),
		log:    log,
	}, nil
}

// NextRun returns the first hour:minute strictly after now, in now's location
func NextRun(now time.Time, hour, minute int) (time.Time, error) {
	schedule, err := dailySchedule(hour, minute)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now), nil
}

func dailySchedule(hour, minute int) (cron.Schedule, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("hour must be between 0 and 23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("minute must be between 0 and 59, got %d", minute)
	}

	schedule, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schedule: %w", err)
	}
	return schedule, nil
}

// Start schedules job and starts the cron loop. Ticks that land while a run is still going are
// skipped by the job's own run guard.
func (d *Daily) Start(ctx context.Context, job Job) error {
	schedule, err := dailySchedule(d.hour, d.minute)
	if err != nil {
		return err
	}

	d.cron.Schedule(schedule, cron.FuncJob(func() {
		d.runJob(ctx, job)
	}))
	d.cron.Start()

	next, _ := NextRun(time.Now(), d.hour, d.minute)
	d.log.WithFields(logrus.Fields{
		"hour":     d.hour,
		"minute":   d.minute,
		"next_run": next.Format(time.RFC3339),
	}).Info("Daily scrape scheduled")

	return nil
}

// RunNow runs job once outside of the schedule
func (d *Daily) RunNow(ctx context.Context, job Job) {
	d.runJob(ctx, job)
}

func (d *Daily) runJob(ctx context.Context, job Job) {
	d.log.Info("Daily scrape job started")

	result, err := job(ctx)
	switch {
	case errors.Is(err, stats.ErrRunInProgress):
		d.log.Warn("Scrape already running, skipping scheduled run")
	case err != nil:
		d.log.WithError(err).Error("Daily scrape job failed")
	default:
		d.log.WithFields(logrus.Fields{
			"channels_ok":     result.ChannelsOK,
			"channels_failed": result.ChannelsFailed,
			"posts_processed": result.PostsProcessed,
		}).Info("Daily scrape job finished")
	}
}

// Stop stops the cron loop and waits for a running job to return
func (d *Daily) Stop() {
	<-d.cron.Stop().Done()
	d.log.Info("Scheduler stopped")
}
