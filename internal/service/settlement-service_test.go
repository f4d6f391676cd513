package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nostrfit/settlement/database"
	apperrors "github.com/nostrfit/settlement/errors"
	"github.com/nostrfit/settlement/internal/cache"
	"github.com/nostrfit/settlement/internal/lightning"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
	"github.com/stretchr/testify/require"
)

type fakeCompetitionRepo struct {
	mu           sync.Mutex
	competitions map[string]*models.Competition

	// loseSettlingRace makes the next MarkSettling behave as if another
	// process won the conditional write first.
	loseSettlingRace bool
}

func newFakeCompetitionRepo(competitions ...*models.Competition) *fakeCompetitionRepo {
	repo := &fakeCompetitionRepo{competitions: make(map[string]*models.Competition)}
	for _, c := range competitions {
		repo.competitions[c.CompetitionId] = c
	}
	return repo
}

func (r *fakeCompetitionRepo) GetById(_ context.Context, competitionID string) (*models.Competition, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.competitions[competitionID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "competition not found")
	}
	clone := *c
	return &clone, nil
}

func (r *fakeCompetitionRepo) ListByStatus(_ context.Context, status models.SettlementStatus, endedBefore time.Time) ([]*models.Competition, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Competition
	for _, c := range r.competitions {
		if c.SettlementStatus == status && !c.WindowEnd.After(endedBefore) {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeCompetitionRepo) MarkSettling(_ context.Context, competitionID string) (bool, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loseSettlingRace {
		r.loseSettlingRace = false
		return false, nil
	}
	c, ok := r.competitions[competitionID]
	if !ok || c.SettlementStatus != models.Unsettled {
		return false, nil
	}
	c.SettlementStatus = models.Settling
	return true, nil
}

func (r *fakeCompetitionRepo) MarkUnsettled(_ context.Context, competitionID string) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.competitions[competitionID]; ok {
		c.SettlementStatus = models.Unsettled
	}
	return nil
}

func (r *fakeCompetitionRepo) MarkSettled(_ context.Context, competitionID, distributionID string) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.competitions[competitionID]; ok {
		c.SettlementStatus = models.Settled
		c.DistributionId = distributionID
	}
	return nil
}

func (r *fakeCompetitionRepo) GetTransactionForMarkingSettled(competitionID, distributionID string) types.Update {
	return types.Update{}
}

func (r *fakeCompetitionRepo) status(competitionID string) models.SettlementStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.competitions[competitionID].SettlementStatus
}

type fakeDistributionRepo struct {
	mu           sync.Mutex
	distribution *models.Distribution
	recipients   []*models.RecipientPayment
}

func (r *fakeDistributionRepo) Create(_ context.Context, distribution *models.Distribution, recipients []*models.RecipientPayment) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.distribution != nil {
		return apperrors.New(apperrors.CodeAlreadyExists, "distribution already exists")
	}
	clone := *distribution
	r.distribution = &clone
	for _, recipient := range recipients {
		rc := *recipient
		r.recipients = append(r.recipients, &rc)
	}
	return nil
}

func (r *fakeDistributionRepo) GetByCompetition(_ context.Context, competitionID string) (*models.Distribution, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.distribution == nil || r.distribution.CompetitionId != competitionID {
		return nil, nil
	}
	clone := *r.distribution
	return &clone, nil
}

func (r *fakeDistributionRepo) GetRecipients(_ context.Context, distributionID string) ([]*models.RecipientPayment, *apperrors.AppError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RecipientPayment
	for _, recipient := range r.recipients {
		if recipient.DistributionId == distributionID {
			clone := *recipient
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeDistributionRepo) UpdateStatus(_ context.Context, competitionID string, status models.DistributionStatus, completedAt *time.Time) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.distribution != nil && r.distribution.CompetitionId == competitionID {
		r.distribution.Status = status
		r.distribution.CompletedAt = completedAt
	}
	return nil
}

func (r *fakeDistributionRepo) MarkRecipientSent(_ context.Context, distributionID, recipientPubkey, transactionRef string) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, recipient := range r.recipients {
		if recipient.DistributionId != distributionID || recipient.RecipientPubkey != recipientPubkey {
			continue
		}
		if recipient.Status == models.RecipientSent {
			return nil
		}
		recipient.Status = models.RecipientSent
		recipient.TransactionRef = transactionRef
		recipient.FailureReason = ""
	}
	return nil
}

func (r *fakeDistributionRepo) MarkRecipientFailed(_ context.Context, distributionID, recipientPubkey, reason string) *apperrors.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, recipient := range r.recipients {
		if recipient.DistributionId != distributionID || recipient.RecipientPubkey != recipientPubkey {
			continue
		}
		if recipient.Status == models.RecipientSent {
			return nil
		}
		recipient.Status = models.RecipientFailed
		recipient.FailureReason = reason
	}
	return nil
}

func (r *fakeDistributionRepo) GetTransactionForTerminalStatus(competitionID string, status models.DistributionStatus, completedAt time.Time) types.Update {
	return types.Update{}
}

func (r *fakeDistributionRepo) recipientStatus(recipientPubkey string) models.RecipientPayment {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, recipient := range r.recipients {
		if recipient.RecipientPubkey == recipientPubkey {
			return *recipient
		}
	}
	return models.RecipientPayment{}
}

// fakeTransactionRepo mimics the settle-on-completion write: the service
// only executes it when every recipient was sent, so the fake applies both
// sides of that transaction to the stores.
type fakeTransactionRepo struct {
	mu           sync.Mutex
	executions   int
	competitions *fakeCompetitionRepo
	distribution *fakeDistributionRepo
}

func (r *fakeTransactionRepo) Execute(_ context.Context, _ *database.TransactionBuilder) error {
	r.mu.Lock()
	r.executions++
	r.mu.Unlock()

	r.distribution.mu.Lock()
	dist := r.distribution.distribution
	if dist != nil {
		dist.Status = models.DistributionCompleted
	}
	r.distribution.mu.Unlock()

	if dist != nil {
		if err := r.competitions.MarkSettled(context.Background(), dist.CompetitionId, dist.DistributionId); err != nil {
			return err
		}
	}
	return nil
}

type fakeLeaderboard struct {
	snapshot *cache.Snapshot
	err      *apperrors.AppError
	calls    int
}

func (l *fakeLeaderboard) GetStandings(ctx context.Context, competition *models.Competition) (*cache.Snapshot, *apperrors.AppError) {
	return l.ComputeStandings(ctx, competition)
}

func (l *fakeLeaderboard) ComputeStandings(_ context.Context, _ *models.Competition) (*cache.Snapshot, *apperrors.AppError) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.snapshot, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	sends    []string
	failFor  map[string]string
	paidRefs map[string]bool
}

func (g *fakeGateway) SendPayment(_ context.Context, address string, _ int64, _ string) (*lightning.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, address)
	if reason, ok := g.failFor[address]; ok {
		return &lightning.PaymentResult{FailureReason: reason}, nil
	}
	return &lightning.PaymentResult{
		Sent:           true,
		TransactionRef: "hash-" + address,
	}, nil
}

func (g *fakeGateway) CheckPayment(_ context.Context, transactionRef string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paidRefs[transactionRef], nil
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

type fakeNotifier struct {
	mu      sync.Mutex
	paid    []string
	settled []models.DistributionStatus
}

func (n *fakeNotifier) PublishRewardPaid(_ context.Context, _, _, recipientPubkey string, _ int64, _ string) {
	n.mu.Lock()
	n.paid = append(n.paid, recipientPubkey)
	n.mu.Unlock()
}

func (n *fakeNotifier) PublishCompetitionSettled(_ context.Context, _, _ string, status models.DistributionStatus) {
	n.mu.Lock()
	n.settled = append(n.settled, status)
	n.mu.Unlock()
}

func closedCompetition() *models.Competition {
	return &models.Competition{
		CompetitionId:      "comp1",
		Name:               "March 5K Challenge",
		CaptainPubkey:      "captain",
		ParticipantPubkeys: []string{"alice", "bob", "carol"},
		ScoringPolicy:      "sum-distance",
		WindowStart:        time.Now().UTC().Add(-8 * 24 * time.Hour),
		WindowEnd:          time.Now().UTC().Add(-time.Hour),
		PrizePoolSats:      10000,
		PayoutSplit:        []float64{0.5, 0.3, 0.2},
		SettlementStatus:   models.Unsettled,
	}
}

func rankedSnapshot() *cache.Snapshot {
	return &cache.Snapshot{
		Standings: []models.ParticipantStanding{
			{ParticipantPubkey: "alice", Score: 42, Rank: 1},
			{ParticipantPubkey: "bob", Score: 30, Rank: 2},
			{ParticipantPubkey: "carol", Score: 12, Rank: 3},
		},
		ComputedAt: time.Now().UTC(),
	}
}

type harness struct {
	service      SettlementService
	competitions *fakeCompetitionRepo
	distribution *fakeDistributionRepo
	transactions *fakeTransactionRepo
	leaderboard  *fakeLeaderboard
	gateway      *fakeGateway
	notifier     *fakeNotifier
}

func newHarness(competition *models.Competition) *harness {
	competitions := newFakeCompetitionRepo(competition)
	distribution := &fakeDistributionRepo{}
	transactions := &fakeTransactionRepo{competitions: competitions, distribution: distribution}
	leaderboard := &fakeLeaderboard{snapshot: rankedSnapshot()}
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}

	return &harness{
		service: NewSettlementService(
			competitions, distribution, transactions,
			leaderboard, gateway, notifier,
			logger.Nop(), time.Second,
		),
		competitions: competitions,
		distribution: distribution,
		transactions: transactions,
		leaderboard:  leaderboard,
		gateway:      gateway,
		notifier:     notifier,
	}
}

func TestSettle(t *testing.T) {
	t.Run("pays every winner and settles the competition", func(t *testing.T) {
		h := newHarness(closedCompetition())

		dist, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.Nil(t, err)
		require.NotNil(t, dist)
		require.Equal(t, models.DistributionCompleted, dist.Status)
		require.Equal(t, int64(10000), dist.TotalSats)
		require.Equal(t, 3, dist.RecipientCount)

		require.Equal(t, 3, h.gateway.sendCount())
		require.Equal(t, models.RecipientSent, h.distribution.recipientStatus("alice").Status)
		require.Equal(t, int64(5000), h.distribution.recipientStatus("alice").AmountSats)
		require.Equal(t, int64(3000), h.distribution.recipientStatus("bob").AmountSats)
		require.Equal(t, int64(2000), h.distribution.recipientStatus("carol").AmountSats)

		require.Equal(t, models.Settled, h.competitions.status("comp1"))
		require.Equal(t, 1, h.transactions.executions)
		require.ElementsMatch(t, []string{"alice", "bob", "carol"}, h.notifier.paid)
		require.Equal(t, []models.DistributionStatus{models.DistributionCompleted}, h.notifier.settled)
	})

	t.Run("rejects a non-captain actor before any side effect", func(t *testing.T) {
		h := newHarness(closedCompetition())

		_, err := h.service.Settle(context.Background(), "comp1", "mallory")

		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeUnauthorized, err.Code)
		require.Equal(t, models.Unsettled, h.competitions.status("comp1"))
		require.Equal(t, 0, h.gateway.sendCount())
		require.Equal(t, 0, h.leaderboard.calls)
	})

	t.Run("rejects settlement before the window closes", func(t *testing.T) {
		competition := closedCompetition()
		competition.WindowEnd = time.Now().UTC().Add(time.Hour)
		h := newHarness(competition)

		_, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeForbidden, err.Code)
		require.Equal(t, 0, h.gateway.sendCount())
	})

	t.Run("second settlement is fenced off", func(t *testing.T) {
		h := newHarness(closedCompetition())

		_, err := h.service.Settle(context.Background(), "comp1", "captain")
		require.Nil(t, err)
		sends := h.gateway.sendCount()

		_, err = h.service.Settle(context.Background(), "comp1", "captain")
		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeAlreadyDistributed, err.Code)
		require.Equal(t, sends, h.gateway.sendCount())
	})

	t.Run("losing the fence race pays nothing", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.competitions.loseSettlingRace = true

		_, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeAlreadyDistributed, err.Code)
		require.Equal(t, 0, h.gateway.sendCount())
		require.Equal(t, 0, h.leaderboard.calls)
	})

	t.Run("leaderboard failure rolls the fence back", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.leaderboard.err = apperrors.New(apperrors.CodeInternalServer, "aggregation failed")

		_, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.NotNil(t, err)
		require.Equal(t, models.Unsettled, h.competitions.status("comp1"))
		require.Nil(t, h.distribution.distribution)
		require.Equal(t, 0, h.gateway.sendCount())
	})

	t.Run("no eligible winners settles without a distribution", func(t *testing.T) {
		competition := closedCompetition()
		competition.ScoringPolicy = "min-duration"
		h := newHarness(competition)
		h.leaderboard.snapshot = &cache.Snapshot{
			Standings: []models.ParticipantStanding{
				{ParticipantPubkey: "alice", Score: 0, Rank: 1},
				{ParticipantPubkey: "bob", Score: 0, Rank: 2},
			},
		}

		dist, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.Nil(t, err)
		require.Nil(t, dist)
		require.Equal(t, models.Settled, h.competitions.status("comp1"))
		require.Nil(t, h.distribution.distribution)
		require.Equal(t, 0, h.gateway.sendCount())
		require.Equal(t, []models.DistributionStatus{models.DistributionCompleted}, h.notifier.settled)
	})

	t.Run("one failed payment isolates to partial", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.gateway.failFor = map[string]string{"bob": "no route to destination"}

		dist, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.Nil(t, err)
		require.Equal(t, models.DistributionPartial, dist.Status)

		require.Equal(t, models.RecipientSent, h.distribution.recipientStatus("alice").Status)
		require.Equal(t, models.RecipientSent, h.distribution.recipientStatus("carol").Status)
		bob := h.distribution.recipientStatus("bob")
		require.Equal(t, models.RecipientFailed, bob.Status)
		require.Equal(t, "no route to destination", bob.FailureReason)

		// Partial keeps the settling fence so retry and reconcile can finish.
		require.Equal(t, models.Settling, h.competitions.status("comp1"))
		require.Equal(t, 0, h.transactions.executions)
		require.ElementsMatch(t, []string{"alice", "carol"}, h.notifier.paid)
	})

	t.Run("all payments failing resolves to failed", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.gateway.failFor = map[string]string{
			"alice": "insufficient balance",
			"bob":   "insufficient balance",
			"carol": "insufficient balance",
		}

		dist, err := h.service.Settle(context.Background(), "comp1", "captain")

		require.Nil(t, err)
		require.Equal(t, models.DistributionFailed, dist.Status)
		require.Empty(t, h.notifier.paid)
	})
}

func TestRetryFailed(t *testing.T) {
	t.Run("re-dispatches only the failed recipients", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.gateway.failFor = map[string]string{"bob": "no route to destination"}

		_, err := h.service.Settle(context.Background(), "comp1", "captain")
		require.Nil(t, err)
		require.Equal(t, 3, h.gateway.sendCount())

		h.gateway.failFor = nil
		dist, err := h.service.RetryFailed(context.Background(), "comp1", "captain")

		require.Nil(t, err)
		require.Equal(t, models.DistributionCompleted, dist.Status)
		// One extra send for bob, none for the recipients already paid.
		require.Equal(t, 4, h.gateway.sendCount())
		require.Equal(t, models.RecipientSent, h.distribution.recipientStatus("bob").Status)
		require.Equal(t, models.Settled, h.competitions.status("comp1"))
	})

	t.Run("completed distributions cannot be retried", func(t *testing.T) {
		h := newHarness(closedCompetition())

		_, err := h.service.Settle(context.Background(), "comp1", "captain")
		require.Nil(t, err)

		_, err = h.service.RetryFailed(context.Background(), "comp1", "captain")
		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeAlreadyDistributed, err.Code)
		require.Equal(t, 3, h.gateway.sendCount())
	})

	t.Run("retry requires a distribution", func(t *testing.T) {
		h := newHarness(closedCompetition())

		_, err := h.service.RetryFailed(context.Background(), "comp1", "captain")

		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeNotFound, err.Code)
	})

	t.Run("retry is captain-only", func(t *testing.T) {
		h := newHarness(closedCompetition())

		_, err := h.service.RetryFailed(context.Background(), "comp1", "mallory")

		require.NotNil(t, err)
		require.Equal(t, apperrors.CodeUnauthorized, err.Code)
	})
}

func TestSettleDue(t *testing.T) {
	t.Run("settles closed competitions as their captains", func(t *testing.T) {
		h := newHarness(closedCompetition())

		require.NoError(t, h.service.SettleDue(context.Background()))

		require.Equal(t, models.Settled, h.competitions.status("comp1"))
		require.Equal(t, 3, h.gateway.sendCount())
	})

	t.Run("skips competitions whose window is still open", func(t *testing.T) {
		competition := closedCompetition()
		competition.WindowEnd = time.Now().UTC().Add(time.Hour)
		h := newHarness(competition)

		require.NoError(t, h.service.SettleDue(context.Background()))

		require.Equal(t, models.Unsettled, h.competitions.status("comp1"))
		require.Equal(t, 0, h.gateway.sendCount())
	})
}

func TestReconcile(t *testing.T) {
	t.Run("flips late-confirmed payments to sent", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.gateway.failFor = map[string]string{"bob": "request timed out"}

		_, err := h.service.Settle(context.Background(), "comp1", "captain")
		require.Nil(t, err)

		// The failed attempt left a payment hash behind and the payment
		// actually confirmed after the timeout.
		h.distribution.mu.Lock()
		for _, recipient := range h.distribution.recipients {
			if recipient.RecipientPubkey == "bob" {
				recipient.TransactionRef = "hash-bob-late"
			}
		}
		h.distribution.mu.Unlock()
		h.gateway.paidRefs = map[string]bool{"hash-bob-late": true}

		require.NoError(t, h.service.Reconcile(context.Background()))

		require.Equal(t, models.RecipientSent, h.distribution.recipientStatus("bob").Status)
		require.Equal(t, models.DistributionCompleted, h.distribution.distribution.Status)
		require.Equal(t, models.Settled, h.competitions.status("comp1"))
		require.Contains(t, h.notifier.paid, "bob")
	})

	t.Run("unconfirmed failures stay failed", func(t *testing.T) {
		h := newHarness(closedCompetition())
		h.gateway.failFor = map[string]string{"bob": "request timed out"}

		_, err := h.service.Settle(context.Background(), "comp1", "captain")
		require.Nil(t, err)

		h.distribution.mu.Lock()
		for _, recipient := range h.distribution.recipients {
			if recipient.RecipientPubkey == "bob" {
				recipient.TransactionRef = "hash-bob-late"
			}
		}
		h.distribution.mu.Unlock()

		require.NoError(t, h.service.Reconcile(context.Background()))

		require.Equal(t, models.RecipientFailed, h.distribution.recipientStatus("bob").Status)
		require.Equal(t, models.Settling, h.competitions.status("comp1"))
	})
}

func TestBatchStatus(t *testing.T) {
	recipient := func(status models.RecipientStatus) *models.RecipientPayment {
		return &models.RecipientPayment{Status: status}
	}

	tests := []struct {
		name       string
		recipients []*models.RecipientPayment
		want       models.DistributionStatus
	}{
		{"all sent", []*models.RecipientPayment{recipient(models.RecipientSent), recipient(models.RecipientSent)}, models.DistributionCompleted},
		{"all failed", []*models.RecipientPayment{recipient(models.RecipientFailed), recipient(models.RecipientFailed)}, models.DistributionFailed},
		{"mixed", []*models.RecipientPayment{recipient(models.RecipientSent), recipient(models.RecipientFailed)}, models.DistributionPartial},
		{"pending counts as unresolved", []*models.RecipientPayment{recipient(models.RecipientSent), recipient(models.RecipientPending)}, models.DistributionPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, batchStatus(tt.recipients))
		})
	}
}
