package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{
		CompetitionID: "comp1",
		Policy:        "sum-distance",
		WindowStart:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:     time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func snapshotFor(pubkey string) *Snapshot {
	return &Snapshot{
		Standings: []models.ParticipantStanding{
			{ParticipantPubkey: pubkey, Score: 10, Rank: 1},
		},
		ComputedAt: time.Date(2026, 3, 8, 1, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCacheGetOrCompute(t *testing.T) {
	t.Run("computes on miss and serves from cache within ttl", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clock, logger.Nop())

		var calls atomic.Int32
		compute := func(ctx context.Context) (*Snapshot, error) {
			calls.Add(1)
			return snapshotFor("alice"), nil
		}

		first, err := c.GetOrCompute(context.Background(), testKey(), compute)
		require.NoError(t, err)
		require.False(t, first.FromCache)
		require.Equal(t, int32(1), calls.Load())

		clock.Advance(30 * time.Second)

		second, err := c.GetOrCompute(context.Background(), testKey(), compute)
		require.NoError(t, err)
		require.True(t, second.FromCache)
		require.Equal(t, 30*time.Second, second.Age)
		require.Equal(t, first.Standings, second.Standings)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("recomputes after ttl expiry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clock, logger.Nop())

		var calls atomic.Int32
		compute := func(ctx context.Context) (*Snapshot, error) {
			calls.Add(1)
			return snapshotFor("alice"), nil
		}

		_, err := c.GetOrCompute(context.Background(), testKey(), compute)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)

		fresh, err := c.GetOrCompute(context.Background(), testKey(), compute)
		require.NoError(t, err)
		require.False(t, fresh.FromCache)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("stale value is served while a single refresh runs", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clock, logger.Nop())

		_, err := c.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*Snapshot, error) {
			return snapshotFor("alice"), nil
		})
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		var refreshes atomic.Int32
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		slowRefresh := func(ctx context.Context) (*Snapshot, error) {
			refreshes.Add(1)
			started <- struct{}{}
			<-release
			return snapshotFor("bob"), nil
		}

		// All reads during the stale window return the old value and only
		// the first one kicks off a refresh.
		for i := 0; i < 5; i++ {
			got, err := c.GetOrCompute(context.Background(), testKey(), slowRefresh)
			require.NoError(t, err)
			require.True(t, got.FromCache)
			require.Equal(t, "alice", got.Standings[0].ParticipantPubkey)
		}

		<-started
		close(release)
		require.Eventually(t, func() bool {
			got, err := c.GetOrCompute(context.Background(), testKey(), slowRefresh)
			return err == nil && got.Standings[0].ParticipantPubkey == "bob"
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, int32(1), refreshes.Load())
	})

	t.Run("failed refresh keeps the stale value and allows a retry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clock, logger.Nop())

		_, err := c.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*Snapshot, error) {
			return snapshotFor("alice"), nil
		})
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		failed := make(chan struct{}, 1)
		failing := func(ctx context.Context) (*Snapshot, error) {
			failed <- struct{}{}
			return nil, errors.New("relay unavailable")
		}

		got, err := c.GetOrCompute(context.Background(), testKey(), failing)
		require.NoError(t, err)
		require.Equal(t, "alice", got.Standings[0].ParticipantPubkey)
		<-failed

		// The refreshing flag resets, so a later read can try again.
		require.Eventually(t, func() bool {
			_, err := c.GetOrCompute(context.Background(), testKey(), failing)
			if err != nil {
				return false
			}
			select {
			case <-failed:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("compute errors propagate on a miss", func(t *testing.T) {
		c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clockwork.NewFakeClock(), logger.Nop())

		_, err := c.GetOrCompute(context.Background(), testKey(), func(ctx context.Context) (*Snapshot, error) {
			return nil, errors.New("relay unavailable")
		})
		require.Error(t, err)
	})
}

func TestMemoryCacheInvalidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemoryCacheWithClock(5*time.Minute, time.Minute, clock, logger.Nop())

	var calls atomic.Int32
	compute := func(ctx context.Context) (*Snapshot, error) {
		calls.Add(1)
		return snapshotFor("alice"), nil
	}

	_, err := c.GetOrCompute(context.Background(), testKey(), compute)
	require.NoError(t, err)

	c.Invalidate(context.Background(), testKey())

	got, err := c.GetOrCompute(context.Background(), testKey(), compute)
	require.NoError(t, err)
	require.False(t, got.FromCache)
	require.Equal(t, int32(2), calls.Load())
}

func TestKeyString(t *testing.T) {
	key := testKey()
	require.Equal(t, key.String(), testKey().String())

	other := testKey()
	other.Policy = "count"
	require.NotEqual(t, key.String(), other.String())
}
