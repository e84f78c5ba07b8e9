// internal/gateway/client.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"zapfy-billing/internal/config"
	xerrors "zapfy-billing/internal/pkg/errors"
)

// railClient is the shared HTTP plumbing under every adapter: per-call
// timeout, small bounded retry on transient failures, and strict error
// classification. A context deadline on a create call surfaces as
// ErrOutcomeUnknown so the caller waits for the rail's webhook instead of
// issuing a conflicting duplicate charge.
type railClient struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

func newRailClient(cfg config.RailConfig) *railClient {
	return &railClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		timeout:  cfg.CallTimeout,
		http:     &http.Client{Timeout: cfg.CallTimeout},
	}
}

const maxCallAttempts = 3

// postJSON posts body to path, retrying transient failures with backoff up to
// maxCallAttempts. Responses decode into out when out is non-nil.
func (c *railClient) postJSON(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode rail request: %w", err)
	}

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Timeouts and connection errors are retried, but only inside
			// this call boundary.
			return fmt.Errorf("%w: %v", xerrors.ErrTransientProvider, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode rail response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: rail returned %d", xerrors.ErrTransientProvider, resp.StatusCode)
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%w: rail returned %d: %s", xerrors.ErrPermanentProvider, resp.StatusCode, msg))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxCallAttempts-1),
		ctx,
	)

	err = backoff.Retry(op, policy)
	if err == nil {
		return nil
	}

	// The request may have reached the rail even though we never saw an
	// answer. Unknown outcome, not failure.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", xerrors.ErrOutcomeUnknown, err)
	}
	if errors.Is(err, xerrors.ErrTransientProvider) && idempotencyKey != "" {
		return fmt.Errorf("%w: retries exhausted: %v", xerrors.ErrOutcomeUnknown, err)
	}
	return err
}
