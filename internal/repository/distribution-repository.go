package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nostrfit/settlement/database"
	apperrors "github.com/nostrfit/settlement/errors"
	"github.com/nostrfit/settlement/models"
)

type DistributionRepository interface {
	// Create persists the distribution header and all recipient intents in
	// one transaction, guarded so a second header for the same competition
	// cannot be written.
	Create(ctx context.Context, distribution *models.Distribution, recipients []*models.RecipientPayment) *apperrors.AppError
	GetByCompetition(ctx context.Context, competitionID string) (*models.Distribution, *apperrors.AppError)
	GetRecipients(ctx context.Context, distributionID string) ([]*models.RecipientPayment, *apperrors.AppError)

	UpdateStatus(ctx context.Context, competitionID string, status models.DistributionStatus, completedAt *time.Time) *apperrors.AppError
	MarkRecipientSent(ctx context.Context, distributionID, recipientPubkey, transactionRef string) *apperrors.AppError
	MarkRecipientFailed(ctx context.Context, distributionID, recipientPubkey, reason string) *apperrors.AppError

	// Transactions
	GetTransactionForTerminalStatus(competitionID string, status models.DistributionStatus, completedAt time.Time) types.Update
}

type distributionRepo struct {
	db *database.DynamoDBClient
}

func NewDistributionRepository(db *database.DynamoDBClient) DistributionRepository {
	return &distributionRepo{db: db}
}

func (r *distributionRepo) Create(
	ctx context.Context,
	distribution *models.Distribution,
	recipients []*models.RecipientPayment,
) *apperrors.AppError {
	distribution.PK = models.CompetitionPK(distribution.CompetitionId)
	distribution.SK = models.DistributionSK()

	header, err := attributevalue.MarshalMap(distribution)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeObjectMarshalError, "failed to marshal distribution")
	}

	builder := database.NewTransactionBuilder()
	if err := builder.AddPut(types.Put{
		TableName:           aws.String(r.db.Table()),
		Item:                header,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}); err != nil {
		return apperrors.Wrap(err, apperrors.CodeTransactionError, "failed to build distribution transaction")
	}

	for _, recipient := range recipients {
		recipient.PK = models.DistributionPK(distribution.DistributionId)
		recipient.SK = models.RecipientSK(recipient.RecipientPubkey)

		item, err := attributevalue.MarshalMap(recipient)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeObjectMarshalError, "failed to marshal recipient payment")
		}

		if err := builder.AddPut(types.Put{
			TableName: aws.String(r.db.Table()),
			Item:      item,
		}); err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransactionError, "failed to build distribution transaction")
		}
	}

	if err := builder.Execute(ctx, r.db.Client); err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return apperrors.Wrap(err, apperrors.CodeAlreadyExists, "distribution already exists for competition")
		}
		return apperrors.Wrap(err, apperrors.CodeTransactionError, "failed to create distribution")
	}

	return nil
}

func (r *distributionRepo) GetByCompetition(ctx context.Context, competitionID string) (*models.Distribution, *apperrors.AppError) {
	result, err := r.db.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.db.Table()),
		Key:       distributionKey(competitionID),
	})

	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to get distribution")
	}

	if result.Item == nil {
		return nil, nil
	}

	var distribution models.Distribution
	if err := attributevalue.UnmarshalMap(result.Item, &distribution); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectUnmarshalError, "failed to unmarshal distribution")
	}

	return &distribution, nil
}

func (r *distributionRepo) GetRecipients(ctx context.Context, distributionID string) ([]*models.RecipientPayment, *apperrors.AppError) {
	result, err := r.db.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.db.Table()),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: models.DistributionPK(distributionID)},
			":prefix": &types.AttributeValueMemberS{Value: "RECIPIENT#"},
		},
	})

	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to query distribution recipients")
	}

	recipients := make([]*models.RecipientPayment, 0, len(result.Items))
	for _, item := range result.Items {
		var recipient models.RecipientPayment
		if err := attributevalue.UnmarshalMap(item, &recipient); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeObjectUnmarshalError, "failed to unmarshal recipient payment")
		}
		recipients = append(recipients, &recipient)
	}

	return recipients, nil
}

func (r *distributionRepo) UpdateStatus(
	ctx context.Context,
	competitionID string,
	status models.DistributionStatus,
	completedAt *time.Time,
) *apperrors.AppError {
	update := "SET #status = :status"
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
	}
	if completedAt != nil {
		update += ", completed_at = :completed"
		values[":completed"] = &types.AttributeValueMemberS{Value: completedAt.UTC().Format(time.RFC3339Nano)}
	}

	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.db.Table()),
		Key:                       distributionKey(competitionID),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(PK)"),
	})

	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to update distribution status")
	}

	return nil
}

func (r *distributionRepo) MarkRecipientSent(ctx context.Context, distributionID, recipientPubkey, transactionRef string) *apperrors.AppError {
	now := time.Now().UTC()
	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.db.Table()),
		Key:              recipientKey(distributionID, recipientPubkey),
		UpdateExpression: aws.String("SET #status = :sent, transaction_ref = :ref, dispatched_at = :now REMOVE failure_reason"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent": &types.AttributeValueMemberS{Value: string(models.RecipientSent)},
			":ref":  &types.AttributeValueMemberS{Value: transactionRef},
			":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		// A recipient already marked sent is never overwritten.
		ConditionExpression: aws.String("attribute_exists(PK) AND #status <> :sent"),
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to mark recipient payment as sent")
	}

	return nil
}

func (r *distributionRepo) MarkRecipientFailed(ctx context.Context, distributionID, recipientPubkey, reason string) *apperrors.AppError {
	now := time.Now().UTC()
	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.db.Table()),
		Key:              recipientKey(distributionID, recipientPubkey),
		UpdateExpression: aws.String("SET #status = :failed, failure_reason = :reason, dispatched_at = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: string(models.RecipientFailed)},
			":reason": &types.AttributeValueMemberS{Value: reason},
			":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":sent":   &types.AttributeValueMemberS{Value: string(models.RecipientSent)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND #status <> :sent"),
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to mark recipient payment as failed")
	}

	return nil
}

func (r *distributionRepo) GetTransactionForTerminalStatus(
	competitionID string,
	status models.DistributionStatus,
	completedAt time.Time,
) types.Update {
	return types.Update{
		TableName:        aws.String(r.db.Table()),
		Key:              distributionKey(competitionID),
		UpdateExpression: aws.String("SET #status = :status, completed_at = :completed"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":    &types.AttributeValueMemberS{Value: string(status)},
			":completed": &types.AttributeValueMemberS{Value: completedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	}
}

func distributionKey(competitionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: models.CompetitionPK(competitionID)},
		"SK": &types.AttributeValueMemberS{Value: models.DistributionSK()},
	}
}

func recipientKey(distributionID, recipientPubkey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: models.DistributionPK(distributionID)},
		"SK": &types.AttributeValueMemberS{Value: models.RecipientSK(recipientPubkey)},
	}
}
