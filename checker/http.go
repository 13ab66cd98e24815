package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/storyscan-io/storyscan/errors"
	"github.com/storyscan-io/storyscan/internal/httpclient"
	"github.com/storyscan-io/storyscan/proxypool"
	"github.com/storyscan-io/storyscan/retry"
)

// HTTPChecker calls the story endpoint over HTTP through a per-proxy client.
// Clients are cached per proxy so connection pools are reused across checks.
type HTTPChecker struct {
	endpointURL string // %s receives the profile id
	timeout     time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPChecker creates a checker against the given endpoint template.
func NewHTTPChecker(endpointURL string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		endpointURL: endpointURL,
		timeout:     timeout,
		clients:     make(map[string]*http.Client),
	}
}

// Check performs one remote story check through the assigned proxy.
func (c *HTTPChecker) Check(ctx context.Context, profileID string, creds proxypool.Credentials) (Result, error) {
	client, err := c.clientFor(creds)
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf(c.endpointURL, profileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to build check request")
	}

	resp, err := client.Do(req)
	if err != nil {
		// Transport-level failure: classified retryable by the retry policy
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, &retry.HTTPError{StatusCode: resp.StatusCode}
	}

	var body struct {
		HasStory bool `json:"has_story"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, errors.Wrap(err, "failed to decode check response")
	}
	return Result{HasStory: body.HasStory}, nil
}

// clientFor returns the cached client for a proxy, building it on first use.
func (c *HTTPChecker) clientFor(creds proxypool.Credentials) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[creds.ProxyID]; ok {
		return client, nil
	}

	client, err := httpclient.NewWithProxy(creds.Host, creds.Port, creds.Username, creds.Password, c.timeout)
	if err != nil {
		return nil, err
	}
	c.clients[creds.ProxyID] = client
	return client, nil
}
