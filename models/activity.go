package models

import "time"

// RawEvent is the flattened form of one relay event. Tags keeps the first
// value seen for each tag key; missing keys are simply absent.
type RawEvent struct {
	ID        string
	Author    string
	CreatedAt time.Time
	Tags      map[string]string
}

// ActivityRecord is one parsed workout. Records are ephemeral: they are
// rebuilt from relay events on every aggregation and never persisted.
type ActivityRecord struct {
	ParticipantPubkey string
	ActivityType      string
	DistanceKm        float64
	DurationSeconds   int
	Calories          int
	OccurredAt        time.Time
}
