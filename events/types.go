package events

const (
	// Streams
	SettlementEventsStream = "SETTLEMENT_EVENTS"

	// Events
	RewardPaid          = "events.settlement.rewardPaid"
	CompetitionSettled  = "events.settlement.competitionSettled"
	DistributionPartial = "events.settlement.distributionPartial"

	// Event Wildcards
	SettlementEventsWildcard = "events.settlement.*"
)
