package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

const creditRequestTimeout = 5 * time.Second

// CreditClient checks an owner's balance before a job is submitted.
type CreditClient struct {
	client     *resty.Client
	normalizer *Normalizer
	costs      map[string]int64
}

// NewCreditClient creates a client for the credit service at cfg.BaseURL.
func NewCreditClient(cfg *config.CreditConfig) *CreditClient {
	return &CreditClient{
		client:     newClient(cfg.BaseURL, cfg.APIKey),
		normalizer: NewNormalizer(nil),
		costs:      cfg.Costs,
	}
}

// Balance returns the owner's remaining credit.
func (c *CreditClient) Balance(ctx context.Context, ownerID string) (int64, error) {
	req := c.client.R().SetQueryParam("ownerId", ownerID)
	data, code, err := doJSON(ctx, req, http.MethodGet, "/balance", creditRequestTimeout)
	if err != nil {
		return 0, transportError("credit balance", err)
	}
	if code < 200 || code >= 300 {
		return 0, failureFrom(c.normalizer, code, data)
	}
	balance, ok := c.normalizer.Balance(data)
	if !ok {
		return 0, &domain.ProviderFailure{StatusCode: code, Message: "credit response carried no balance"}
	}
	return balance, nil
}

// Check returns *domain.InsufficientResourceError when the owner cannot pay for kind.
// Kinds without a configured cost are free.
func (c *CreditClient) Check(ctx context.Context, ownerID string, kind domain.JobKind) error {
	cost := c.costs[string(kind)]
	if cost <= 0 {
		return nil
	}
	balance, err := c.Balance(ctx, ownerID)
	if err != nil {
		return err
	}
	if balance < cost {
		logger.CtxInfo(ctx, "Credit check rejected: kind=%s, required=%d, available=%d", kind, cost, balance)
		return &domain.InsufficientResourceError{Required: cost, Available: balance}
	}
	return nil
}
