package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nostrfit/settlement/database"
	apperrors "github.com/nostrfit/settlement/errors"
	settlementerrors "github.com/nostrfit/settlement/internal/errors"
	"github.com/nostrfit/settlement/internal/lightning"
	"github.com/nostrfit/settlement/internal/repository"
	"github.com/nostrfit/settlement/internal/rewards"
	"github.com/nostrfit/settlement/internal/scoring"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
)

// SettlementNotifier is the notification side-channel boundary. Every method
// is fire-and-forget: implementations log their own failures.
type SettlementNotifier interface {
	PublishRewardPaid(ctx context.Context, competitionID, distributionID, recipientPubkey string, amountSats int64, transactionRef string)
	PublishCompetitionSettled(ctx context.Context, competitionID, distributionID string, status models.DistributionStatus)
}

type SettlementService interface {
	// Settle computes the final leaderboard for a closed competition,
	// resolves winners and pays them out as one distribution. The second
	// call for the same competition is rejected by the settlement fence.
	Settle(ctx context.Context, competitionID, actorPubkey string) (*models.Distribution, *apperrors.AppError)

	// RetryFailed re-dispatches only the failed recipients of an existing
	// distribution. Recipients already sent are never paid again.
	RetryFailed(ctx context.Context, competitionID, actorPubkey string) (*models.Distribution, *apperrors.AppError)

	// SettleDue settles every competition whose window closed before now,
	// acting as each competition's captain. Used by the sweep scheduler.
	SettleDue(ctx context.Context) error

	// Reconcile re-checks failed payments that produced a transaction ref
	// against the gateway and flips late confirmations to sent.
	Reconcile(ctx context.Context) error
}

type settlementService struct {
	competitionRepo  repository.CompetitionRepository
	distributionRepo repository.DistributionRepository
	transactionRepo  database.TransactionRepository
	leaderboard      LeaderboardService
	gateway          lightning.Gateway
	notifier         SettlementNotifier
	logger           *logger.Logger
	dispatchTimeout  time.Duration
}

func NewSettlementService(
	competitionRepo repository.CompetitionRepository,
	distributionRepo repository.DistributionRepository,
	transactionRepo database.TransactionRepository,
	leaderboard LeaderboardService,
	gateway lightning.Gateway,
	notifier SettlementNotifier,
	logger *logger.Logger,
	dispatchTimeout time.Duration,
) SettlementService {
	return &settlementService{
		competitionRepo:  competitionRepo,
		distributionRepo: distributionRepo,
		transactionRepo:  transactionRepo,
		leaderboard:      leaderboard,
		gateway:          gateway,
		notifier:         notifier,
		logger:           logger,
		dispatchTimeout:  dispatchTimeout,
	}
}

func (s *settlementService) Settle(
	ctx context.Context,
	competitionID, actorPubkey string,
) (*models.Distribution, *apperrors.AppError) {
	competition, err := s.competitionRepo.GetById(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	// Authorization and window checks run before the fence is touched and
	// before any side effect.
	if err := s.authorize(competition, actorPubkey); err != nil {
		return nil, err
	}
	if competition.WindowEnd.After(time.Now().UTC()) {
		return nil, settlementerrors.CompetitionNotFinishedError(competition.WindowEnd)
	}
	if competition.SettlementStatus != models.Unsettled {
		return nil, settlementerrors.AlreadyDistributedError(competitionID)
	}

	acquired, err := s.competitionRepo.MarkSettling(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, settlementerrors.AlreadyDistributedError(competitionID)
	}

	snapshot, err := s.leaderboard.ComputeStandings(ctx, competition)
	if err != nil {
		// Nothing has been paid; release the fence so a later attempt can
		// run the pipeline again.
		if rollbackErr := s.competitionRepo.MarkUnsettled(ctx, competitionID); rollbackErr != nil {
			s.logger.Error("failed to roll back settlement fence",
				"competitionId", competitionID, "error", rollbackErr)
		}
		return nil, err
	}

	policy, _ := scoring.Parse(competition.ScoringPolicy)
	awards := rewards.ResolveWinners(
		competitionID,
		snapshot.Standings,
		competition.PrizePoolSats,
		competition.PayoutSplit,
		policy,
	)

	if len(awards) == 0 {
		s.logger.Info("no eligible winners, settling competition without distribution",
			"competitionId", competitionID)
		if err := s.competitionRepo.MarkSettled(ctx, competitionID, ""); err != nil {
			return nil, err
		}
		s.notifier.PublishCompetitionSettled(ctx, competitionID, "", models.DistributionCompleted)
		return nil, nil
	}

	distribution, recipients := buildDistribution(competitionID, awards)
	if err := s.distributionRepo.Create(ctx, distribution, recipients); err != nil {
		if rollbackErr := s.competitionRepo.MarkUnsettled(ctx, competitionID); rollbackErr != nil {
			s.logger.Error("failed to roll back settlement fence",
				"competitionId", competitionID, "error", rollbackErr)
		}
		return nil, err
	}

	if err := s.distributionRepo.UpdateStatus(ctx, competitionID, models.DistributionProcessing, nil); err != nil {
		return nil, err
	}
	distribution.Status = models.DistributionProcessing

	s.logger.Info("dispatching reward distribution",
		"competitionId", competitionID,
		"distributionId", distribution.DistributionId,
		"recipients", len(recipients),
		"totalSats", distribution.TotalSats,
		"partialLeaderboard", snapshot.Partial)

	s.dispatchAll(ctx, competition, distribution, recipients)

	return s.finalize(ctx, competition, distribution)
}

func (s *settlementService) RetryFailed(
	ctx context.Context,
	competitionID, actorPubkey string,
) (*models.Distribution, *apperrors.AppError) {
	competition, err := s.competitionRepo.GetById(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(competition, actorPubkey); err != nil {
		return nil, err
	}

	distribution, err := s.distributionRepo.GetByCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if distribution == nil {
		return nil, settlementerrors.NoDistributionError(competitionID)
	}
	if distribution.Status == models.DistributionCompleted {
		return nil, settlementerrors.AlreadyDistributedError(competitionID)
	}

	recipients, err := s.distributionRepo.GetRecipients(ctx, distribution.DistributionId)
	if err != nil {
		return nil, err
	}

	failed := make([]*models.RecipientPayment, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient.Status == models.RecipientFailed {
			failed = append(failed, recipient)
		}
	}
	if len(failed) == 0 {
		return s.finalize(ctx, competition, distribution)
	}

	if err := s.distributionRepo.UpdateStatus(ctx, competitionID, models.DistributionProcessing, nil); err != nil {
		return nil, err
	}
	distribution.Status = models.DistributionProcessing

	s.logger.Info("retrying failed recipients",
		"competitionId", competitionID,
		"distributionId", distribution.DistributionId,
		"failed", len(failed))

	s.dispatchAll(ctx, competition, distribution, failed)

	return s.finalize(ctx, competition, distribution)
}

func (s *settlementService) SettleDue(ctx context.Context) error {
	due, err := s.competitionRepo.ListByStatus(ctx, models.Unsettled, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, competition := range due {
		if _, settleErr := s.Settle(ctx, competition.CompetitionId, competition.CaptainPubkey); settleErr != nil {
			if settleErr.Code == apperrors.CodeAlreadyDistributed {
				continue
			}
			s.logger.Error("scheduled settlement failed",
				"competitionId", competition.CompetitionId, "error", settleErr)
		}
	}

	return nil
}

func (s *settlementService) Reconcile(ctx context.Context) error {
	settling, err := s.competitionRepo.ListByStatus(ctx, models.Settling, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, competition := range settling {
		if reconcileErr := s.reconcileCompetition(ctx, competition); reconcileErr != nil {
			s.logger.Error("reconciliation failed",
				"competitionId", competition.CompetitionId, "error", reconcileErr)
		}
	}

	return nil
}

func (s *settlementService) reconcileCompetition(ctx context.Context, competition *models.Competition) *apperrors.AppError {
	distribution, err := s.distributionRepo.GetByCompetition(ctx, competition.CompetitionId)
	if err != nil {
		return err
	}
	if distribution == nil || distribution.Status == models.DistributionCompleted {
		return nil
	}

	recipients, err := s.distributionRepo.GetRecipients(ctx, distribution.DistributionId)
	if err != nil {
		return err
	}

	flipped := false
	for _, recipient := range recipients {
		if recipient.Status != models.RecipientFailed || recipient.TransactionRef == "" {
			continue
		}

		paid, checkErr := s.gateway.CheckPayment(ctx, recipient.TransactionRef)
		if checkErr != nil {
			s.logger.Warn("payment status check failed",
				"distributionId", distribution.DistributionId,
				"recipient", recipient.RecipientPubkey, "error", checkErr)
			continue
		}
		if !paid {
			continue
		}

		s.logger.Info("late payment confirmation found during reconciliation",
			"distributionId", distribution.DistributionId,
			"recipient", recipient.RecipientPubkey,
			"transactionRef", recipient.TransactionRef)

		if markErr := s.distributionRepo.MarkRecipientSent(ctx, distribution.DistributionId, recipient.RecipientPubkey, recipient.TransactionRef); markErr != nil {
			return markErr
		}
		s.notifier.PublishRewardPaid(ctx, competition.CompetitionId, distribution.DistributionId,
			recipient.RecipientPubkey, recipient.AmountSats, recipient.TransactionRef)
		flipped = true
	}

	if !flipped {
		return nil
	}

	_, err = s.finalize(ctx, competition, distribution)
	return err
}

func (s *settlementService) authorize(competition *models.Competition, actorPubkey string) *apperrors.AppError {
	if actorPubkey == "" || actorPubkey != competition.CaptainPubkey {
		return settlementerrors.UnauthorizedActorError(actorPubkey)
	}
	return nil
}

type dispatchOutcome struct {
	recipientPubkey string
	sent            bool
	transactionRef  string
	reason          string
}

// dispatchAll sends one payment per recipient concurrently and waits for
// every outcome before returning. A failed payment never cancels or rolls
// back its siblings; the batch is not transactional.
func (s *settlementService) dispatchAll(
	ctx context.Context,
	competition *models.Competition,
	distribution *models.Distribution,
	recipients []*models.RecipientPayment,
) {
	results := make(chan dispatchOutcome, len(recipients))

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.dispatchOne(ctx, competition, recipient)
		}()
	}
	wg.Wait()
	close(results)

	for outcome := range results {
		if outcome.sent {
			if err := s.distributionRepo.MarkRecipientSent(ctx, distribution.DistributionId, outcome.recipientPubkey, outcome.transactionRef); err != nil {
				s.logger.Error("payment sent but status write failed",
					"distributionId", distribution.DistributionId,
					"recipient", outcome.recipientPubkey,
					"transactionRef", outcome.transactionRef,
					"error", err)
			}
			s.notifier.PublishRewardPaid(ctx, competition.CompetitionId, distribution.DistributionId,
				outcome.recipientPubkey, recipientAmount(recipients, outcome.recipientPubkey), outcome.transactionRef)
			continue
		}

		if err := s.distributionRepo.MarkRecipientFailed(ctx, distribution.DistributionId, outcome.recipientPubkey, outcome.reason); err != nil {
			s.logger.Error("failed to record payment failure",
				"distributionId", distribution.DistributionId,
				"recipient", outcome.recipientPubkey,
				"error", err)
		}
	}
}

func (s *settlementService) dispatchOne(
	ctx context.Context,
	competition *models.Competition,
	recipient *models.RecipientPayment,
) dispatchOutcome {
	// Each dispatch carries its own timeout; the orchestrator itself never
	// cancels an in-flight payment.
	payCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dispatchTimeout)
	defer cancel()

	memo := fmt.Sprintf("%s reward, rank %d", competition.Name, recipient.Rank)
	result, err := s.gateway.SendPayment(payCtx, recipient.RecipientPubkey, recipient.AmountSats, memo)
	if err != nil {
		return dispatchOutcome{
			recipientPubkey: recipient.RecipientPubkey,
			reason:          fmt.Sprintf("payment dispatch error: %v", err),
		}
	}

	if !result.Sent {
		return dispatchOutcome{
			recipientPubkey: recipient.RecipientPubkey,
			transactionRef:  result.TransactionRef,
			reason:          result.FailureReason,
		}
	}

	return dispatchOutcome{
		recipientPubkey: recipient.RecipientPubkey,
		sent:            true,
		transactionRef:  result.TransactionRef,
	}
}

// finalize recomputes the batch status from the stored recipients and, when
// every recipient is sent, marks the competition settled in the same write
// transaction as the distribution's terminal status.
func (s *settlementService) finalize(
	ctx context.Context,
	competition *models.Competition,
	distribution *models.Distribution,
) (*models.Distribution, *apperrors.AppError) {
	recipients, err := s.distributionRepo.GetRecipients(ctx, distribution.DistributionId)
	if err != nil {
		return nil, err
	}

	status := batchStatus(recipients)
	now := time.Now().UTC()

	if status == models.DistributionCompleted {
		builder := database.NewTransactionBuilder()
		if addErr := builder.AddUpdate(s.distributionRepo.GetTransactionForTerminalStatus(competition.CompetitionId, status, now)); addErr != nil {
			return nil, apperrors.Wrap(addErr, apperrors.CodeTransactionError, "failed to build settlement transaction")
		}
		if addErr := builder.AddUpdate(s.competitionRepo.GetTransactionForMarkingSettled(competition.CompetitionId, distribution.DistributionId)); addErr != nil {
			return nil, apperrors.Wrap(addErr, apperrors.CodeTransactionError, "failed to build settlement transaction")
		}
		if execErr := s.transactionRepo.Execute(ctx, builder); execErr != nil {
			return nil, apperrors.Wrap(execErr, apperrors.CodeTransactionError, "failed to finalize settlement")
		}
	} else {
		if err := s.distributionRepo.UpdateStatus(ctx, competition.CompetitionId, status, &now); err != nil {
			return nil, err
		}
	}

	distribution.Status = status
	distribution.CompletedAt = &now

	s.logger.Info("distribution resolved",
		"competitionId", competition.CompetitionId,
		"distributionId", distribution.DistributionId,
		"status", string(status))
	s.notifier.PublishCompetitionSettled(ctx, competition.CompetitionId, distribution.DistributionId, status)

	return distribution, nil
}

// batchStatus derives the aggregate state from per-recipient outcomes:
// completed when all sent, failed when all failed, partial otherwise.
func batchStatus(recipients []*models.RecipientPayment) models.DistributionStatus {
	sent, failed := 0, 0
	for _, recipient := range recipients {
		switch recipient.Status {
		case models.RecipientSent:
			sent++
		case models.RecipientFailed:
			failed++
		}
	}

	switch {
	case sent == len(recipients):
		return models.DistributionCompleted
	case failed == len(recipients):
		return models.DistributionFailed
	default:
		return models.DistributionPartial
	}
}

func buildDistribution(competitionID string, awards []models.WinnerAward) (*models.Distribution, []*models.RecipientPayment) {
	distributionID := uuid.New().String()

	var total int64
	recipients := make([]*models.RecipientPayment, 0, len(awards))
	for _, award := range awards {
		total += award.AmountSats
		recipients = append(recipients, &models.RecipientPayment{
			DistributionId:  distributionID,
			RecipientPubkey: award.ParticipantPubkey,
			Rank:            award.Rank,
			AmountSats:      award.AmountSats,
			Status:          models.RecipientPending,
		})
	}

	distribution := &models.Distribution{
		DistributionId: distributionID,
		CompetitionId:  competitionID,
		Status:         models.DistributionPending,
		RecipientCount: len(recipients),
		TotalSats:      total,
		CreatedAt:      time.Now().UTC(),
	}

	return distribution, recipients
}

func recipientAmount(recipients []*models.RecipientPayment, recipientPubkey string) int64 {
	for _, recipient := range recipients {
		if recipient.RecipientPubkey == recipientPubkey {
			return recipient.AmountSats
		}
	}
	return 0
}
