package service

import (
	"context"
	"time"

	apperrors "github.com/nostrfit/settlement/errors"
	"github.com/nostrfit/settlement/internal/cache"
	settlementerrors "github.com/nostrfit/settlement/internal/errors"
	"github.com/nostrfit/settlement/internal/parser"
	"github.com/nostrfit/settlement/internal/ranking"
	"github.com/nostrfit/settlement/internal/scoring"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
)

// ActivityFetcher is the relay boundary the leaderboard pipeline depends on.
type ActivityFetcher interface {
	FetchActivities(
		ctx context.Context,
		participantPubkeys []string,
		activityTypeFilter string,
		windowStart, windowEnd time.Time,
	) ([]models.RawEvent, bool, error)
}

type LeaderboardService interface {
	// GetStandings serves the leaderboard through the cache.
	GetStandings(ctx context.Context, competition *models.Competition) (*cache.Snapshot, *apperrors.AppError)

	// ComputeStandings always runs the full pipeline. Settlement uses this
	// path so payouts never depend on a cached snapshot.
	ComputeStandings(ctx context.Context, competition *models.Competition) (*cache.Snapshot, *apperrors.AppError)
}

type leaderboardService struct {
	fetcher ActivityFetcher
	cache   cache.LeaderboardCache
	logger  *logger.Logger
}

func NewLeaderboardService(
	fetcher ActivityFetcher,
	leaderboardCache cache.LeaderboardCache,
	logger *logger.Logger,
) LeaderboardService {
	return &leaderboardService{
		fetcher: fetcher,
		cache:   leaderboardCache,
		logger:  logger,
	}
}

func (s *leaderboardService) GetStandings(
	ctx context.Context,
	competition *models.Competition,
) (*cache.Snapshot, *apperrors.AppError) {
	if _, ok := scoring.Parse(competition.ScoringPolicy); !ok {
		return nil, settlementerrors.InvalidScoringPolicyError(competition.ScoringPolicy)
	}

	key := cache.Key{
		CompetitionID: competition.CompetitionId,
		Policy:        competition.ScoringPolicy,
		WindowStart:   competition.WindowStart,
		WindowEnd:     competition.WindowEnd,
	}

	snapshot, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*cache.Snapshot, error) {
		fresh, computeErr := s.ComputeStandings(ctx, competition)
		if computeErr != nil {
			return nil, computeErr
		}
		return fresh, nil
	})
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			return nil, appErr
		}
		return nil, apperrors.Wrap(err, apperrors.CodeInternalServer, "failed to compute leaderboard")
	}

	return snapshot, nil
}

func (s *leaderboardService) ComputeStandings(
	ctx context.Context,
	competition *models.Competition,
) (*cache.Snapshot, *apperrors.AppError) {
	policy, ok := scoring.Parse(competition.ScoringPolicy)
	if !ok {
		return nil, settlementerrors.InvalidScoringPolicyError(competition.ScoringPolicy)
	}

	raws, partial, err := s.fetcher.FetchActivities(
		ctx,
		competition.ParticipantPubkeys,
		competition.ActivityTypeFilter,
		competition.WindowStart,
		competition.WindowEnd,
	)
	if err != nil {
		// Fetch errors degrade to an empty leaderboard, they never fail the
		// pipeline.
		s.logger.Warn("activity fetch failed, computing empty leaderboard",
			"competitionId", competition.CompetitionId, "error", err)
		raws = nil
		partial = true
	}

	if partial {
		s.logger.Warn("leaderboard computed from partial activity data",
			"competitionId", competition.CompetitionId, "events", len(raws))
	}

	records := parser.ParseAll(raws, competition.ActivityTypeFilter)
	aggregates := scoring.Reduce(records, policy)
	standings := ranking.Rank(aggregates, competition.ParticipantPubkeys, policy)

	return &cache.Snapshot{
		Standings:  standings,
		Partial:    partial,
		ComputedAt: time.Now().UTC(),
	}, nil
}
