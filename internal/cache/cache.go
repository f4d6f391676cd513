package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nostrfit/settlement/models"
)

// Key identifies one memoized leaderboard computation.
type Key struct {
	CompetitionID string
	Policy        string
	WindowStart   time.Time
	WindowEnd     time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("leaderboard:%s:%s:%d:%d",
		k.CompetitionID, k.Policy, k.WindowStart.Unix(), k.WindowEnd.Unix())
}

// Snapshot is an immutable leaderboard result. FromCache and Age are
// annotations set on the way out of a cache, never stored.
type Snapshot struct {
	Standings  []models.ParticipantStanding `json:"standings"`
	Partial    bool                         `json:"partial"`
	ComputedAt time.Time                    `json:"computed_at"`

	FromCache bool          `json:"-"`
	Age       time.Duration `json:"-"`
}

// ComputeFunc runs the full aggregation pipeline for one key.
type ComputeFunc func(ctx context.Context) (*Snapshot, error)

// LeaderboardCache memoizes leaderboard computations per key for a short
// TTL. Implementations return stale values past a staleness threshold while
// refreshing in the background, with at most one refresh in flight per key.
type LeaderboardCache interface {
	GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) (*Snapshot, error)
	Invalidate(ctx context.Context, key Key)
}
