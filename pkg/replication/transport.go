package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/parleyhq/parley/pkg/wire"
)

// HTTPTransport ships replication messages over the cluster's HTTP
// listeners (POST /v1/replication)
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with its own connection pool.
// Per-call deadlines come from the caller's context.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Send posts one replication message to a peer and decodes the reply
func (t *HTTPTransport) Send(ctx context.Context, addr string, msg *wire.ReplicationMessage) (*wire.ReplicationMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode replication message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+"/v1/replication", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", addr, resp.StatusCode)
	}

	var out wire.ReplicationMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", addr, err)
	}
	return &out, nil
}
