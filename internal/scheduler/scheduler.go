package scheduler

import (
	"context"

	"github.com/nostrfit/settlement/logger"
	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cron   *cron.Cron
	logger *logger.Logger
}

func NewScheduler(
	settlementScheduler *SettlementScheduler,
	sweepSpec, reconcileSpec string,
	log *logger.Logger,
) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(sweepSpec, func() {
		settlementScheduler.RunSweep(context.Background())
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(reconcileSpec, func() {
		settlementScheduler.RunReconcile(context.Background())
	}); err != nil {
		return nil, err
	}

	return &Scheduler{
		cron:   c,
		logger: log,
	}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting settlement scheduler")
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("settlement scheduler stopped")
}
