package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// PaymentRequest carries everything a provider needs to move funds.
type PaymentRequest struct {
	PayoutID          uuid.UUID
	WorkerAddress     string
	FeeWallet         string
	NetCents          int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
}

// Provider executes a payment and returns a provider-side reference.
type Provider interface {
	Name() string
	Pay(ctx context.Context, req PaymentRequest) (string, error)
}

// Confirmer is implemented by providers that can verify settlement after the
// fact; the payout.confirm consumer polls it.
type Confirmer interface {
	Confirm(ctx context.Context, providerRef string) error
}

// MockProvider settles instantly; used in development and tests.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Pay(ctx context.Context, req PaymentRequest) (string, error) {
	return "mock-" + req.PayoutID.String(), nil
}

func (MockProvider) Confirm(ctx context.Context, providerRef string) error { return nil }

// HTTPProvider posts payment orders to an external disbursement API.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider wires the remote disbursement client.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return "http" }

type httpOrder struct {
	Reference         string `json:"reference"`
	WorkerAddress     string `json:"workerAddress"`
	FeeWallet         string `json:"feeWallet,omitempty"`
	NetCents          int64  `json:"netCents"`
	PlatformFeeCents  int64  `json:"platformFeeCents"`
	ProofworkFeeCents int64  `json:"proofworkFeeCents"`
}

type httpOrderReply struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Pay submits the order; the payout id doubles as the remote idempotency
// reference so retried events never double-pay.
func (p *HTTPProvider) Pay(ctx context.Context, req PaymentRequest) (string, error) {
	body, err := json.Marshal(httpOrder{
		Reference:         req.PayoutID.String(),
		WorkerAddress:     req.WorkerAddress,
		FeeWallet:         req.FeeWallet,
		NetCents:          req.NetCents,
		PlatformFeeCents:  req.PlatformFeeCents,
		ProofworkFeeCents: req.ProofworkFeeCents,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.PayoutID.String())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("payment provider: status %d", resp.StatusCode)
	}
	var reply httpOrderReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("payment provider: decode: %w", err)
	}
	if reply.Reference == "" {
		return "", fmt.Errorf("payment provider: empty reference")
	}
	return reply.Reference, nil
}
