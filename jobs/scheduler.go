package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"shelfshare/arbitration"
	"shelfshare/outbox"
)

const overdueSweepBatch = 100

// Scheduler drives the background loops: outbox dispatch and the overdue
// loan sweep. Both jobs are safe to run concurrently with themselves on
// other instances; row claiming uses SKIP LOCKED.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *outbox.Dispatcher
	arbiter    *arbitration.Service
	log        *slog.Logger
}

// Config holds the cron specs for each job.
type Config struct {
	OutboxDispatch string
	OverdueSweep   string
}

// NewScheduler registers the jobs with their cron specs.
func NewScheduler(cfg Config, dispatcher *outbox.Dispatcher, arbiter *arbitration.Service, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		dispatcher: dispatcher,
		arbiter:    arbiter,
		log:        log,
	}

	if _, err := s.cron.AddFunc(cfg.OutboxDispatch, s.dispatchOutbox); err != nil {
		return nil, fmt.Errorf("jobs: register outbox dispatch: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.OverdueSweep, s.sweepOverdue); err != nil {
		return nil, fmt.Errorf("jobs: register overdue sweep: %w", err)
	}
	return s, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) dispatchOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.dispatcher.RunOnce(ctx)
	if err != nil {
		s.log.Error("outbox dispatch failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.log.Info("outbox dispatched", slog.Int("messages", n))
	}
}

func (s *Scheduler) sweepOverdue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.arbiter.SweepOverdue(ctx, overdueSweepBatch)
	if err != nil {
		s.log.Error("overdue sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.log.Info("overdue loans flagged", slog.Int("loans", n))
	}
}
