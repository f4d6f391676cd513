package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nostrfit/settlement/config"
	"github.com/nostrfit/settlement/logger"
)

// Client talks to an LNBits-compatible wallet service over HTTP. It is the
// production Gateway implementation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logger.Logger
}

func NewClient(cfg config.LightningConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		logger: log,
	}
}

type sendPaymentRequest struct {
	Recipient  string `json:"recipient"`
	AmountSats int64  `json:"amount_sats"`
	Memo       string `json:"memo,omitempty"`
}

type sendPaymentResponse struct {
	PaymentHash string `json:"payment_hash"`
	FeeSats     int64  `json:"fee_sats"`
	Status      string `json:"status"`
	Detail      string `json:"detail"`
}

func (c *Client) SendPayment(ctx context.Context, address string, amountSats int64, memo string) (*PaymentResult, error) {
	body, err := json.Marshal(sendPaymentRequest{
		Recipient:  address,
		AmountSats: amountSats,
		Memo:       memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("payment request failed", "recipient", address, "error", err)
		return &PaymentResult{
			FailureReason: fmt.Sprintf("payment request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	var payment sendPaymentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payment); err != nil {
		return &PaymentResult{
			FailureReason: fmt.Sprintf("unparseable gateway response (http %d)", resp.StatusCode),
		}, nil
	}

	if resp.StatusCode != http.StatusOK || payment.Status != "paid" {
		reason := payment.Detail
		if reason == "" {
			reason = fmt.Sprintf("gateway rejected payment (http %d, status %q)", resp.StatusCode, payment.Status)
		}
		return &PaymentResult{
			TransactionRef: payment.PaymentHash,
			FailureReason:  reason,
		}, nil
	}

	return &PaymentResult{
		Sent:           true,
		TransactionRef: payment.PaymentHash,
		FeePaidSats:    payment.FeeSats,
	}, nil
}

type paymentStatusResponse struct {
	Paid bool `json:"paid"`
}

func (c *Client) CheckPayment(ctx context.Context, transactionRef string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+transactionRef, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("payment status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status response: http %d", resp.StatusCode)
	}

	var status paymentStatusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return false, fmt.Errorf("unparseable status response: %w", err)
	}

	return status.Paid, nil
}
