package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// websocketQuerier is the production Querier. It opens a fresh connection
// per query and harvests stored events until EOSE or context expiry;
// whatever arrived before the deadline is returned, not discarded.
type websocketQuerier struct{}

func (q *websocketQuerier) Query(ctx context.Context, url string, filter nostr.Filter) ([]*nostr.Event, error) {
	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	sub, err := conn.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	defer sub.Unsub()

	var events []*nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events, nil
			}
			events = append(events, ev)
		case <-sub.EndOfStoredEvents:
			return events, nil
		case <-ctx.Done():
			return events, nil
		}
	}
}
