package models

import (
	"fmt"
	"time"
)

// Distribution is a batch of independent payment intents created to settle
// one competition. At most one Distribution exists per competition.
type Distribution struct {
	DistributionId string             `dynamodbav:"distribution_id"`
	CompetitionId  string             `dynamodbav:"competition_id"`
	Status         DistributionStatus `dynamodbav:"status"`
	RecipientCount int                `dynamodbav:"recipient_count"`
	TotalSats      int64              `dynamodbav:"total_sats"`
	CreatedAt      time.Time          `dynamodbav:"created_at"`
	CompletedAt    *time.Time         `dynamodbav:"completed_at,omitempty"`

	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
}

type DistributionStatus string

const (
	DistributionPending    DistributionStatus = "PENDING"
	DistributionProcessing DistributionStatus = "PROCESSING"
	DistributionCompleted  DistributionStatus = "COMPLETED"
	DistributionPartial    DistributionStatus = "PARTIAL"
	DistributionFailed     DistributionStatus = "FAILED"
)

// IsTerminal reports whether the batch has resolved. Terminal distributions
// are never re-processed automatically.
func (s DistributionStatus) IsTerminal() bool {
	return s == DistributionCompleted || s == DistributionPartial || s == DistributionFailed
}

// RecipientPayment is one payment intent within a Distribution. It is mutated
// only by the distribution orchestrator and is terminal once sent or failed.
type RecipientPayment struct {
	DistributionId  string          `dynamodbav:"distribution_id"`
	RecipientPubkey string          `dynamodbav:"recipient_pubkey"`
	Rank            int             `dynamodbav:"rank"`
	AmountSats      int64           `dynamodbav:"amount_sats"`
	Status          RecipientStatus `dynamodbav:"status"`
	TransactionRef  string          `dynamodbav:"transaction_ref,omitempty"`
	FailureReason   string          `dynamodbav:"failure_reason,omitempty"`
	DispatchedAt    *time.Time      `dynamodbav:"dispatched_at,omitempty"`

	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

// Key handlers

func DistributionPK(distributionID string) string {
	return fmt.Sprintf("DISTRIBUTION#%s", distributionID)
}

func DistributionSK() string {
	return "DISTRIBUTION"
}

func RecipientSK(recipientPubkey string) string {
	return fmt.Sprintf("RECIPIENT#%s", recipientPubkey)
}
