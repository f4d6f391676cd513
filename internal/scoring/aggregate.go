package scoring

import (
	"github.com/nostrfit/settlement/models"
)

// Aggregate is one participant's reduced score. Scored is false when none of
// the participant's records produced a valid contribution (for example only
// zero-distance records under min-pace); such participants must not be
// confused with a real score of zero.
type Aggregate struct {
	Score         float64
	ActivityCount int
	Scored        bool
}

// Reduce folds all records into per-participant aggregates. The reduction is
// order-independent: sums and minimums are commutative, so reruns over the
// same event set produce identical scores regardless of arrival order.
func Reduce(records []models.ActivityRecord, policy Policy) map[string]Aggregate {
	strat, ok := strategies[policy]
	if !ok {
		return map[string]Aggregate{}
	}

	out := make(map[string]Aggregate)
	for _, rec := range records {
		agg := out[rec.ParticipantPubkey]
		agg.Score, agg.Scored = strat.fold(agg.Score, agg.Scored, rec)
		agg.ActivityCount++
		out[rec.ParticipantPubkey] = agg
	}

	return out
}
