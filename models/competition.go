package models

import (
	"fmt"
	"time"
)

// Competition is created by a team captain elsewhere; the settlement engine
// reads it and only ever mutates its settlement fence fields.
type Competition struct {
	CompetitionId      string           `dynamodbav:"competition_id"`
	TeamId             string           `dynamodbav:"team_id"`
	Name               string           `dynamodbav:"name"`
	CaptainPubkey      string           `dynamodbav:"captain_pubkey"`
	ParticipantPubkeys []string         `dynamodbav:"participant_pubkeys"`
	ScoringPolicy      string           `dynamodbav:"scoring_policy"`
	ActivityTypeFilter string           `dynamodbav:"activity_type_filter"`
	WindowStart        time.Time        `dynamodbav:"window_start"`
	WindowEnd          time.Time        `dynamodbav:"window_end"`
	PrizePoolSats      int64            `dynamodbav:"prize_pool_sats"`
	PayoutSplit        []float64        `dynamodbav:"payout_split"`
	SettlementStatus   SettlementStatus `dynamodbav:"settlement_status"`
	DistributionId     string           `dynamodbav:"distribution_id"`
	CreatedAt          time.Time        `dynamodbav:"created_at"`
	UpdatedAt          time.Time        `dynamodbav:"updated_at"`

	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`

	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
}

// SettlementStatus is the per-competition settlement fence. Transitions are
// Unsettled -> Settling -> Settled, enforced with conditional writes.
type SettlementStatus string

const (
	Unsettled SettlementStatus = "UNSETTLED"
	Settling  SettlementStatus = "SETTLING"
	Settled   SettlementStatus = "SETTLED"
)

// Key handlers

func CompetitionPK(competitionID string) string {
	return fmt.Sprintf("COMPETITION#%s", competitionID)
}

func MetaSK() string {
	return "META"
}

func SettlementStatusGSI1PK(status SettlementStatus) string {
	return fmt.Sprintf("SETTLEMENT#%s", status)
}

func WindowEndGSI1SK(windowEnd time.Time) string {
	return fmt.Sprintf("END#%s", windowEnd.UTC().Format(time.RFC3339))
}

func ExtractCompetitionID(pk string) (string, error) {
	if len(pk) < 13 || pk[:12] != "COMPETITION#" {
		return "", fmt.Errorf("invalid competition PK format: %s", pk)
	}
	return pk[12:], nil
}
