package ranking

import (
	"sort"

	"github.com/nostrfit/settlement/internal/scoring"
	"github.com/nostrfit/settlement/models"
)

// Rank turns per-participant aggregates into an ordered leaderboard.
//
// Every pubkey in allParticipants appears exactly once in the output:
// participants with no aggregate are zero-filled rather than dropped.
// Ordering is by score in the policy's direction, with two fixed rules on
// top: participants without a valid contribution always sort after those
// with one (so a zero-fill never beats a real time under ascending
// policies), and equal positions are broken by participant pubkey ascending
// to keep the ordering deterministic across reruns.
func Rank(aggregates map[string]scoring.Aggregate, allParticipants []string, policy scoring.Policy) []models.ParticipantStanding {
	type row struct {
		standing models.ParticipantStanding
		scored   bool
	}

	rows := make([]row, 0, len(allParticipants))
	seen := make(map[string]bool, len(allParticipants))

	for _, pubkey := range allParticipants {
		if pubkey == "" || seen[pubkey] {
			continue
		}
		seen[pubkey] = true

		agg, ok := aggregates[pubkey]
		if !ok || !agg.Scored {
			rows = append(rows, row{
				standing: models.ParticipantStanding{
					ParticipantPubkey: pubkey,
					Score:             0,
					ActivityCount:     agg.ActivityCount,
				},
			})
			continue
		}

		rows = append(rows, row{
			standing: models.ParticipantStanding{
				ParticipantPubkey: pubkey,
				Score:             agg.Score,
				ActivityCount:     agg.ActivityCount,
			},
			scored: true,
		})
	}

	ascending := policy.Direction() == scoring.Ascending

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]

		if a.scored != b.scored {
			return a.scored
		}
		if a.standing.Score != b.standing.Score {
			if ascending {
				return a.standing.Score < b.standing.Score
			}
			return a.standing.Score > b.standing.Score
		}
		return a.standing.ParticipantPubkey < b.standing.ParticipantPubkey
	})

	standings := make([]models.ParticipantStanding, len(rows))
	for i, r := range rows {
		r.standing.Rank = i + 1
		standings[i] = r.standing
	}

	return standings
}
