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

type CompetitionRepository interface {
	GetById(ctx context.Context, competitionID string) (*models.Competition, *apperrors.AppError)
	ListByStatus(ctx context.Context, status models.SettlementStatus, endedBefore time.Time) ([]*models.Competition, *apperrors.AppError)

	// MarkSettling is the settlement fence. It atomically moves the
	// competition from UNSETTLED to SETTLING and reports false, not an
	// error, when another settlement attempt won the race.
	MarkSettling(ctx context.Context, competitionID string) (bool, *apperrors.AppError)
	MarkUnsettled(ctx context.Context, competitionID string) *apperrors.AppError
	MarkSettled(ctx context.Context, competitionID, distributionID string) *apperrors.AppError

	// Transactions
	GetTransactionForMarkingSettled(competitionID, distributionID string) types.Update
}

type competitionRepo struct {
	db *database.DynamoDBClient
}

func NewCompetitionRepository(db *database.DynamoDBClient) CompetitionRepository {
	return &competitionRepo{db: db}
}

func (r *competitionRepo) GetById(ctx context.Context, competitionID string) (*models.Competition, *apperrors.AppError) {
	result, err := r.db.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.db.Table()),
		Key:       competitionKey(competitionID),
	})

	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to get competition")
	}

	if result.Item == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "competition not found")
	}

	var competition models.Competition
	if err := attributevalue.UnmarshalMap(result.Item, &competition); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeObjectUnmarshalError, "failed to unmarshal competition")
	}

	return &competition, nil
}

func (r *competitionRepo) ListByStatus(
	ctx context.Context,
	status models.SettlementStatus,
	endedBefore time.Time,
) ([]*models.Competition, *apperrors.AppError) {
	result, err := r.db.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.db.Table()),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND GSI1SK <= :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: models.SettlementStatusGSI1PK(status)},
			":sk": &types.AttributeValueMemberS{Value: models.WindowEndGSI1SK(endedBefore)},
		},
	})

	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to query competitions by status")
	}

	competitions := make([]*models.Competition, 0, len(result.Items))
	for _, item := range result.Items {
		var competition models.Competition
		if err := attributevalue.UnmarshalMap(item, &competition); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeObjectUnmarshalError, "failed to unmarshal competition")
		}
		competitions = append(competitions, &competition)
	}

	return competitions, nil
}

func (r *competitionRepo) MarkSettling(ctx context.Context, competitionID string) (bool, *apperrors.AppError) {
	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.db.Table()),
		Key:              competitionKey(competitionID),
		UpdateExpression: aws.String("SET settlement_status = :settling, GSI1PK = :gsipk, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":settling":  &types.AttributeValueMemberS{Value: string(models.Settling)},
			":unsettled": &types.AttributeValueMemberS{Value: string(models.Unsettled)},
			":gsipk":     &types.AttributeValueMemberS{Value: models.SettlementStatusGSI1PK(models.Settling)},
			":now":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND settlement_status = :unsettled"),
	})

	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to mark competition as settling")
	}

	return true, nil
}

func (r *competitionRepo) MarkUnsettled(ctx context.Context, competitionID string) *apperrors.AppError {
	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.db.Table()),
		Key:              competitionKey(competitionID),
		UpdateExpression: aws.String("SET settlement_status = :unsettled, GSI1PK = :gsipk, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":unsettled": &types.AttributeValueMemberS{Value: string(models.Unsettled)},
			":settling":  &types.AttributeValueMemberS{Value: string(models.Settling)},
			":gsipk":     &types.AttributeValueMemberS{Value: models.SettlementStatusGSI1PK(models.Unsettled)},
			":now":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND settlement_status = :settling"),
	})

	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to roll back settlement fence")
	}

	return nil
}

func (r *competitionRepo) MarkSettled(ctx context.Context, competitionID, distributionID string) *apperrors.AppError {
	_, err := r.db.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.db.Table()),
		Key:              competitionKey(competitionID),
		UpdateExpression: aws.String("SET settlement_status = :settled, GSI1PK = :gsipk, distribution_id = :did, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":settled":  &types.AttributeValueMemberS{Value: string(models.Settled)},
			":settling": &types.AttributeValueMemberS{Value: string(models.Settling)},
			":gsipk":    &types.AttributeValueMemberS{Value: models.SettlementStatusGSI1PK(models.Settled)},
			":did":      &types.AttributeValueMemberS{Value: distributionID},
			":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND settlement_status = :settling"),
	})

	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to mark competition as settled")
	}

	return nil
}

func (r *competitionRepo) GetTransactionForMarkingSettled(competitionID, distributionID string) types.Update {
	return types.Update{
		TableName:        aws.String(r.db.Table()),
		Key:              competitionKey(competitionID),
		UpdateExpression: aws.String("SET settlement_status = :settled, GSI1PK = :gsipk, distribution_id = :did, updated_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":settled":  &types.AttributeValueMemberS{Value: string(models.Settled)},
			":settling": &types.AttributeValueMemberS{Value: string(models.Settling)},
			":gsipk":    &types.AttributeValueMemberS{Value: models.SettlementStatusGSI1PK(models.Settled)},
			":did":      &types.AttributeValueMemberS{Value: distributionID},
			":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(PK) AND settlement_status = :settling"),
	}
}

func competitionKey(competitionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: models.CompetitionPK(competitionID)},
		"SK": &types.AttributeValueMemberS{Value: models.MetaSK()},
	}
}
