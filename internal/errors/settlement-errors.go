package errors

import (
	"fmt"
	"time"

	apperrors "github.com/nostrfit/settlement/errors"
)

func CompetitionNotFoundError(competitionID string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeNotFound,
		fmt.Sprintf("competition not found: %s", competitionID))
}

func CompetitionNotFinishedError(windowEnd time.Time) *apperrors.AppError {
	return apperrors.New(apperrors.CodeForbidden,
		fmt.Sprintf("competition window is not closed yet, ends at %s", windowEnd.Format(time.RFC3339)))
}

func UnauthorizedActorError(actorPubkey string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeUnauthorized,
		fmt.Sprintf("actor %s is not the captain of this competition's team", actorPubkey))
}

func AlreadyDistributedError(competitionID string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeAlreadyDistributed,
		fmt.Sprintf("rewards for competition %s are already distributed or being distributed", competitionID))
}

func NoDistributionError(competitionID string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeNotFound,
		fmt.Sprintf("no distribution exists for competition %s", competitionID))
}

func InvalidScoringPolicyError(name string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeInvalidInput,
		fmt.Sprintf("unknown scoring policy: %s", name))
}
