package scheduler

import (
	"context"

	"github.com/nostrfit/settlement/internal/service"
	"github.com/nostrfit/settlement/logger"
)

// SettlementScheduler runs the periodic settlement jobs: the sweep that
// settles competitions whose window has closed, and the reconciliation pass
// over stuck distributions.
type SettlementScheduler struct {
	settlementService service.SettlementService
	logger            *logger.Logger
}

func NewSettlementScheduler(settlementService service.SettlementService, logger *logger.Logger) *SettlementScheduler {
	return &SettlementScheduler{
		settlementService: settlementService,
		logger:            logger,
	}
}

func (s *SettlementScheduler) RunSweep(ctx context.Context) {
	s.logger.Debug("running settlement sweep")

	if err := s.settlementService.SettleDue(ctx); err != nil {
		s.logger.Error("settlement sweep failed", "error", err)
	}
}

func (s *SettlementScheduler) RunReconcile(ctx context.Context) {
	s.logger.Debug("running payment reconciliation sweep")

	if err := s.settlementService.Reconcile(ctx); err != nil {
		s.logger.Error("payment reconciliation sweep failed", "error", err)
	}
}
