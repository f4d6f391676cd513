package models

// ParticipantStanding is one row of a computed leaderboard. Rank is assigned
// only after all standings for a competition are aggregated; every registered
// participant gets exactly one standing, zero-activity participants included.
type ParticipantStanding struct {
	ParticipantPubkey string  `json:"participant_pubkey"`
	Score             float64 `json:"score"`
	ActivityCount     int     `json:"activity_count"`
	Rank              int     `json:"rank"`
}

// WinnerAward is a derived (recipient, amount) pair. It is never persisted on
// its own; it is the input to a Distribution.
type WinnerAward struct {
	CompetitionId     string
	ParticipantPubkey string
	Rank              int
	Score             float64
	AmountSats        int64
}
