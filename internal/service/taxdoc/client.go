// internal/service/taxdoc/client.go
package taxdoc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"zapfy-billing/internal/config"
	xerrors "zapfy-billing/internal/pkg/errors"
)

// IssueRequest asks the compliance provider to issue a tax document for one
// paid invoice.
type IssueRequest struct {
	InvoiceRef string    `json:"invoice_ref"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	PaidAt     time.Time `json:"paid_at"`
}

type IssueResult struct {
	DocumentRef string `json:"document_ref"`
}

// DocumentClient is what the issuer calls; the HTTP client below is the
// production implementation.
type DocumentClient interface {
	Issue(ctx context.Context, req IssueRequest) (*IssueResult, error)
}

// Client talks to the tax-document provider. A single call, strictly
// classified: the issuer owns the retry schedule.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(cfg config.TaxIssuerConfig) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.CallTimeout},
	}
}

func (c *Client) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode issue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/documents", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	// The provider deduplicates on the invoice reference, so a retried issue
	// call can never produce two documents for one invoice.
	httpReq.Header.Set("Idempotency-Key", req.InvoiceRef)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xerrors.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result IssueResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode issue response: %w", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", xerrors.ErrTransientProvider, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: provider returned %d: %s", xerrors.ErrPermanentProvider, resp.StatusCode, msg)
	}
}
