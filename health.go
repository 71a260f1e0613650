package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultProbeTimeout bounds every bootstrap probe round-trip.
const DefaultProbeTimeout = 5 * time.Second

// DHTStatus describes the bootstrap node's DHT state.
type DHTStatus struct {
	Mode             string `json:"mode"`
	Ready            bool   `json:"ready"`
	RoutingTableSize int    `json:"routingTableSize"`
}

// BootstrapHealth is the response body of the bootstrap /health endpoint.
type BootstrapHealth struct {
	Status           string    `json:"status"`
	PeerID           string    `json:"peerId"`
	Uptime           float64   `json:"uptime"`
	ConnectedPeers   int       `json:"connectedPeers"`
	SubscribedTopics []string  `json:"subscribedTopics"`
	DHT              DHTStatus `json:"dht"`
}

// BootstrapClient probes a bootstrap node's HTTP endpoints with a bounded
// client-side timeout. Every failure mode comes back as a *ProbeError; the
// client never panics and never blocks past the deadline.
type BootstrapClient struct {
	baseURL string
	client  *http.Client
	logger  Logger
}

// NewBootstrapClient creates a probe client for the given base URL.
func NewBootstrapClient(logger Logger, baseURL string) *BootstrapClient {
	return &BootstrapClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultProbeTimeout},
		logger:  logger,
	}
}

// Health fetches {base}/health.
func (c *BootstrapClient) Health(ctx context.Context) (*BootstrapHealth, error) {
	var out BootstrapHealth
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Peers fetches {base}/peers, the bootstrap node's connected peer ids.
func (c *BootstrapClient) Peers(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/peers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Topics fetches {base}/topics, the bootstrap node's subscribed topics.
func (c *BootstrapClient) Topics(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/topics", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BootstrapClient) getJSON(ctx context.Context, path string, out interface{}) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &ProbeError{Kind: ProbeNetworkError, URL: url, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &ProbeError{Kind: classifyProbeErr(err), URL: url, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debugf("[BootstrapClient] error closing body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProbeError{
			Kind: ProbeHTTPError,
			URL:  url,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProbeError{Kind: classifyProbeErr(err), URL: url, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProbeError{Kind: ProbeNetworkError, URL: url, Err: fmt.Errorf("malformed response: %w", err)}
	}

	return nil
}

func classifyProbeErr(err error) ProbeErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ProbeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProbeTimeout
	}
	return ProbeNetworkError
}
