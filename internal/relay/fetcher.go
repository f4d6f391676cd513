package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nostrfit/settlement/internal/parser"
	"github.com/nostrfit/settlement/logger"
	"github.com/nostrfit/settlement/models"
	"golang.org/x/sync/errgroup"
)

// KindWorkoutRecord is the event kind used for published workout records.
const KindWorkoutRecord = 1301

// Querier fetches events matching a filter from one relay. The production
// implementation speaks the relay websocket protocol; tests substitute fakes.
type Querier interface {
	Query(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Fetcher reads activity events for a set of participants from a pool of
// relays. Fetches are read-only and best-effort: relay errors and timeouts
// degrade to partial results, never to a failed settlement.
type Fetcher struct {
	urls    []string
	timeout time.Duration
	limit   int
	querier Querier
	logger  *logger.Logger
}

func NewFetcher(urls []string, timeout time.Duration, limit int, log *logger.Logger) *Fetcher {
	return &Fetcher{
		urls:    urls,
		timeout: timeout,
		limit:   limit,
		querier: &websocketQuerier{},
		logger:  log,
	}
}

// NewFetcherWithQuerier is used by tests to substitute the relay transport.
func NewFetcherWithQuerier(urls []string, timeout time.Duration, limit int, querier Querier, log *logger.Logger) *Fetcher {
	f := NewFetcher(urls, timeout, limit, log)
	f.querier = querier
	return f
}

// FetchActivities queries all configured relays for workout records authored
// by the given participants inside the window, merges and dedupes the
// results, and flattens them into raw events. partial is true when the
// shared timeout cut the fetch short; callers treat that as a degraded but
// usable result.
func (f *Fetcher) FetchActivities(
	ctx context.Context,
	participantPubkeys []string,
	activityTypeFilter string,
	windowStart, windowEnd time.Time,
) ([]models.RawEvent, bool, error) {
	if len(participantPubkeys) == 0 {
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	since := nostr.Timestamp(windowStart.Unix())
	until := nostr.Timestamp(windowEnd.Unix())
	filter := nostr.Filter{
		Kinds:   []int{KindWorkoutRecord},
		Authors: participantPubkeys,
		Since:   &since,
		Until:   &until,
		Limit:   f.limit,
	}

	var (
		mu     sync.Mutex
		events = make(map[string]*nostr.Event)
	)

	var g errgroup.Group
	for _, url := range f.urls {
		g.Go(func() error {
			found, err := f.querier.Query(ctx, url, filter)
			if err != nil {
				f.logger.Warn("relay query failed", "relay", url, "error", err)
				return nil
			}
			mu.Lock()
			for _, ev := range found {
				events[ev.ID] = ev
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	partial := ctx.Err() != nil

	raws := make([]models.RawEvent, 0, len(events))
	for _, ev := range events {
		raw := flatten(ev)
		if !parser.MatchesType(raw.Tags[parser.TagExercise], activityTypeFilter) {
			continue
		}
		raws = append(raws, raw)
	}

	// Map iteration order is random; fix it so downstream consumers see the
	// same slice for the same event set.
	sort.Slice(raws, func(i, j int) bool { return raws[i].ID < raws[j].ID })

	return raws, partial, nil
}

// flatten builds a RawEvent from a relay event, keeping the first value seen
// for each tag key and never panicking on short tags.
func flatten(ev *nostr.Event) models.RawEvent {
	tags := make(map[string]string, len(ev.Tags))
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		key := tag[0]
		if _, exists := tags[key]; exists {
			continue
		}
		value := tag[1]
		if len(tag) > 2 && key == parser.TagDistance {
			// Preserve the unit field for the parser.
			value = value + " " + tag[2]
		}
		tags[key] = value
	}

	return models.RawEvent{
		ID:        ev.ID,
		Author:    ev.PubKey,
		CreatedAt: ev.CreatedAt.Time(),
		Tags:      tags,
	}
}
