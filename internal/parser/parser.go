package parser

import (
	"strconv"
	"strings"

	"github.com/nostrfit/settlement/models"
)

// Tag keys consumed from workout records.
const (
	TagExercise = "exercise"
	TagDistance = "distance"
	TagDuration = "duration"
	TagCalories = "calories"
)

// TypeFilterAny matches every activity type.
const TypeFilterAny = "any"

// Parse converts one raw relay event into a typed activity record. A record
// is discarded (ok=false) when a required field is absent or malformed;
// malformed values are never defaulted, since a defaulted zero duration
// would corrupt fastest-time rankings.
func Parse(raw models.RawEvent, typeFilter string) (models.ActivityRecord, bool) {
	if raw.Author == "" || raw.CreatedAt.IsZero() {
		return models.ActivityRecord{}, false
	}

	activityType := strings.ToLower(strings.TrimSpace(raw.Tags[TagExercise]))
	if !MatchesType(activityType, typeFilter) {
		return models.ActivityRecord{}, false
	}

	record := models.ActivityRecord{
		ParticipantPubkey: raw.Author,
		ActivityType:      activityType,
		OccurredAt:        raw.CreatedAt,
	}

	if v, present := raw.Tags[TagDistance]; present {
		// Distance tags may carry a unit as a second field ("5.00 km").
		fields := strings.Fields(v)
		if len(fields) == 0 {
			return models.ActivityRecord{}, false
		}
		distance, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || distance < 0 {
			return models.ActivityRecord{}, false
		}
		record.DistanceKm = distance
	}

	if v, present := raw.Tags[TagDuration]; present {
		seconds, ok := ParseDuration(v)
		if !ok {
			return models.ActivityRecord{}, false
		}
		record.DurationSeconds = seconds
	}

	// A workout with neither a distance nor a duration carries nothing any
	// scoring policy can use.
	if record.DistanceKm <= 0 && record.DurationSeconds <= 0 {
		return models.ActivityRecord{}, false
	}

	if v, present := raw.Tags[TagCalories]; present {
		if calories, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && calories > 0 {
			record.Calories = calories
		}
	}

	return record, true
}

// ParseAll parses a batch of raw events, dropping the ones that fail.
func ParseAll(raws []models.RawEvent, typeFilter string) []models.ActivityRecord {
	records := make([]models.ActivityRecord, 0, len(raws))
	for _, raw := range raws {
		if record, ok := Parse(raw, typeFilter); ok {
			records = append(records, record)
		}
	}
	return records
}

// MatchesType matches an activity type against a filter, case-insensitively.
// An empty filter or "any" matches everything.
func MatchesType(activityType, typeFilter string) bool {
	typeFilter = strings.ToLower(strings.TrimSpace(typeFilter))
	if typeFilter == "" || typeFilter == TypeFilterAny {
		return true
	}
	return strings.ToLower(strings.TrimSpace(activityType)) == typeFilter
}

// ParseDuration normalizes an HH:MM:SS value to seconds.
func ParseDuration(value string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, false
	}

	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}

	return total, true
}
