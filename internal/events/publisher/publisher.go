package publisher

import (
	"context"
	"time"

	commonevents "github.com/nostrfit/settlement/events"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
	"github.com/nostrfit/settlement/natsjetstream"
)

// EventPublisher informs the notification side-channel about settlement
// outcomes. Publish failures are logged and swallowed: notifications must
// never affect a distribution's status.
type EventPublisher struct {
	publisher *natsjetstream.Publisher
	logger    *logger.Logger
}

func NewEventPublisher(client *natsjetstream.Client, logger *logger.Logger) *EventPublisher {
	return &EventPublisher{
		publisher: natsjetstream.NewPublisher(client),
		logger:    logger,
	}
}

type rewardPaidEvent struct {
	CompetitionId   string `json:"competition_id"`
	DistributionId  string `json:"distribution_id"`
	RecipientPubkey string `json:"recipient_pubkey"`
	AmountSats      int64  `json:"amount_sats"`
	TransactionRef  string `json:"transaction_ref"`
	Timestamp       int64  `json:"timestamp"`
}

func (p *EventPublisher) PublishRewardPaid(
	ctx context.Context,
	competitionID, distributionID, recipientPubkey string,
	amountSats int64,
	transactionRef string,
) {
	event := rewardPaidEvent{
		CompetitionId:   competitionID,
		DistributionId:  distributionID,
		RecipientPubkey: recipientPubkey,
		AmountSats:      amountSats,
		TransactionRef:  transactionRef,
		Timestamp:       time.Now().Unix(),
	}

	if err := p.publisher.PublishJSON(ctx, commonevents.RewardPaid, event); err != nil {
		p.logger.Warn("failed to publish reward paid event",
			"competitionId", competitionID, "recipient", recipientPubkey, "error", err)
		return
	}

	p.logger.Info("published reward paid event",
		"competitionId", competitionID, "recipient", recipientPubkey, "amountSats", amountSats)
}

type competitionSettledEvent struct {
	CompetitionId  string `json:"competition_id"`
	DistributionId string `json:"distribution_id,omitempty"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
}

func (p *EventPublisher) PublishCompetitionSettled(
	ctx context.Context,
	competitionID, distributionID string,
	status models.DistributionStatus,
) {
	event := competitionSettledEvent{
		CompetitionId:  competitionID,
		DistributionId: distributionID,
		Status:         string(status),
		Timestamp:      time.Now().Unix(),
	}

	subject := commonevents.CompetitionSettled
	if status == models.DistributionPartial || status == models.DistributionFailed {
		subject = commonevents.DistributionPartial
	}

	if err := p.publisher.PublishJSON(ctx, subject, event); err != nil {
		p.logger.Warn("failed to publish competition settled event",
			"competitionId", competitionID, "error", err)
		return
	}

	p.logger.Info("published competition settled event",
		"competitionId", competitionID, "status", string(status))
}
