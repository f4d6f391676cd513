package lightning

import (
	"context"
)

// PaymentResult is the outcome of one payment attempt. TransactionRef may be
// set even on failure when the gateway issued a payment hash before the
// attempt timed out; the reconciliation sweep uses it to detect payments
// that confirmed late.
type PaymentResult struct {
	Sent           bool
	TransactionRef string
	FeePaidSats    int64
	FailureReason  string
}

// Gateway sends Lightning payments. Implementations own their own timeout
// and retry behavior per request; callers never cancel an in-flight payment.
type Gateway interface {
	SendPayment(ctx context.Context, address string, amountSats int64, memo string) (*PaymentResult, error)
	CheckPayment(ctx context.Context, transactionRef string) (bool, error)
}
