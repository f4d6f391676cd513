package scoring

import (
	"github.com/nostrfit/settlement/models"
)

// Policy names one scoring rule. Each policy carries its aggregation
// function, its sort direction and its eligibility rule together so the
// three cannot drift apart.
type Policy string

const (
	SumDistance Policy = "sum-distance"
	Count       Policy = "count"
	SumDuration Policy = "sum-duration"
	SumCalories Policy = "sum-calories"
	MinDuration Policy = "min-duration"
	MinPace     Policy = "min-pace"
)

type Direction int

const (
	// Descending puts the highest score first (totals, counts).
	Descending Direction = iota
	// Ascending puts the lowest score first (fastest time, best pace).
	Ascending
)

type strategy struct {
	direction Direction

	// requiresActivity marks policies where a zero score means "no valid
	// contribution" rather than a real result. Winner resolution excludes
	// such standings.
	requiresActivity bool

	// fold merges one record into the running score. seen is false until a
	// record has actually contributed, which is how running minimums avoid
	// treating the zero value as a result. fold returns the updated seen
	// state.
	fold func(score float64, seen bool, rec models.ActivityRecord) (float64, bool)
}

var strategies = map[Policy]strategy{
	SumDistance: {
		direction: Descending,
		fold: func(score float64, _ bool, rec models.ActivityRecord) (float64, bool) {
			return score + rec.DistanceKm, true
		},
	},
	Count: {
		direction: Descending,
		fold: func(score float64, _ bool, rec models.ActivityRecord) (float64, bool) {
			return score + 1, true
		},
	},
	SumDuration: {
		direction: Descending,
		fold: func(score float64, _ bool, rec models.ActivityRecord) (float64, bool) {
			return score + float64(rec.DurationSeconds), true
		},
	},
	SumCalories: {
		direction: Descending,
		fold: func(score float64, _ bool, rec models.ActivityRecord) (float64, bool) {
			return score + float64(rec.Calories), true
		},
	},
	MinDuration: {
		direction:        Ascending,
		requiresActivity: true,
		fold: func(score float64, seen bool, rec models.ActivityRecord) (float64, bool) {
			if rec.DurationSeconds <= 0 {
				return score, seen
			}
			d := float64(rec.DurationSeconds)
			if !seen || d < score {
				return d, true
			}
			return score, true
		},
	},
	MinPace: {
		direction:        Ascending,
		requiresActivity: true,
		fold: func(score float64, seen bool, rec models.ActivityRecord) (float64, bool) {
			if rec.DistanceKm <= 0 || rec.DurationSeconds <= 0 {
				return score, seen
			}
			pace := (float64(rec.DurationSeconds) / 60.0) / rec.DistanceKm
			if !seen || pace < score {
				return pace, true
			}
			return score, true
		},
	},
}

// Parse maps a stored policy name to a Policy.
func Parse(name string) (Policy, bool) {
	p := Policy(name)
	_, ok := strategies[p]
	return p, ok
}

func (p Policy) Direction() Direction {
	return strategies[p].direction
}

func (p Policy) RequiresActivity() bool {
	return strategies[p].requiresActivity
}

func (p Policy) String() string {
	return string(p)
}
