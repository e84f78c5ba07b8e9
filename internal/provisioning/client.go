// internal/provisioning/client.go
package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "zapfy-billing/internal/pkg/errors"
)

// Client reads a tenant's messaging-instance usage from the Instance
// Provisioning collaborator. The orchestration core only ever reads from it,
// for plan-limit checks on plan changes.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type usageResponse struct {
	TenantID      int64 `json:"tenant_id"`
	InstancesUsed int   `json:"instances_used"`
}

// InstancesUsed returns how many messaging instances the tenant currently
// runs. A downgrade below this count is rejected by the state machine.
func (c *Client) InstancesUsed(ctx context.Context, tenantID int64) (int, error) {
	url := fmt.Sprintf("%s/internal/tenants/%d/usage", c.endpoint, tenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: provisioning usage lookup: %v", xerrors.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: tenant %d", xerrors.ErrNotFound, tenantID)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: provisioning returned %d", xerrors.ErrTransientProvider, resp.StatusCode)
	}

	var u usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return 0, fmt.Errorf("failed to decode provisioning response: %w", err)
	}
	return u.InstancesUsed, nil
}
