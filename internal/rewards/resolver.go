package rewards

import (
	"math"

	"github.com/nostrfit/settlement/internal/scoring"
	"github.com/nostrfit/settlement/models"
)

// ResolveWinners maps a ranked leaderboard and a payout policy to the list
// of awards to pay out.
//
// The top len(payoutSplit) standings receive floor(prizePool * split) sats
// each. Rounding remainders are not redistributed, so the total paid may
// fall short of the pool by a few sats. Competitions with at most one split
// fraction are head-to-head: the sole winner takes the full pool. Policies
// that require a positive contribution (fastest time, best pace) exclude
// zero-score standings before the split is applied.
func ResolveWinners(
	competitionID string,
	standings []models.ParticipantStanding,
	prizePoolSats int64,
	payoutSplit []float64,
	policy scoring.Policy,
) []models.WinnerAward {
	if prizePoolSats <= 0 {
		return nil
	}

	eligible := standings
	if policy.RequiresActivity() {
		eligible = make([]models.ParticipantStanding, 0, len(standings))
		for _, s := range standings {
			if s.Score > 0 {
				eligible = append(eligible, s)
			}
		}
	}

	if len(eligible) == 0 {
		return nil
	}

	if len(payoutSplit) <= 1 {
		winner := eligible[0]
		return []models.WinnerAward{{
			CompetitionId:     competitionID,
			ParticipantPubkey: winner.ParticipantPubkey,
			Rank:              winner.Rank,
			Score:             winner.Score,
			AmountSats:        prizePoolSats,
		}}
	}

	count := len(payoutSplit)
	if len(eligible) < count {
		count = len(eligible)
	}

	awards := make([]models.WinnerAward, 0, count)
	for i := 0; i < count; i++ {
		amount := int64(math.Floor(float64(prizePoolSats) * payoutSplit[i]))
		if amount <= 0 {
			continue
		}
		standing := eligible[i]
		awards = append(awards, models.WinnerAward{
			CompetitionId:     competitionID,
			ParticipantPubkey: standing.ParticipantPubkey,
			Rank:              standing.Rank,
			Score:             standing.Score,
			AmountSats:        amount,
		})
	}

	return awards
}
