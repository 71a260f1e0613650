package p2p

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "ok",
			"peerId": "12D3KooWBootstrap",
			"uptime": 3600.5,
			"connectedPeers": 12,
			"subscribedTopics": ["musig2/presence/1.0.0"],
			"dht": {"mode": "server", "ready": true, "routingTableSize": 42}
		}`))
	}))
	defer srv.Close()

	c := NewBootstrapClient(createTestLogger(t), srv.URL)
	health, err := c.Health(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "12D3KooWBootstrap", health.PeerID)
	assert.Equal(t, 12, health.ConnectedPeers)
	assert.Equal(t, []string{"musig2/presence/1.0.0"}, health.SubscribedTopics)
	assert.True(t, health.DHT.Ready)
	assert.Equal(t, "server", health.DHT.Mode)
	assert.Equal(t, 42, health.DHT.RoutingTableSize)
}

func TestBootstrapClientPeersAndTopics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/peers":
			_, _ = w.Write([]byte(`["12D3KooWPeerA", "12D3KooWPeerB"]`))
		case "/topics":
			_, _ = w.Write([]byte(`["musig2/presence/1.0.0", "musig2/announce/1.0.0"]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewBootstrapClient(createTestLogger(t), srv.URL)

	peers, err := c.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"12D3KooWPeerA", "12D3KooWPeerB"}, peers)

	topics, err := c.Topics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"musig2/presence/1.0.0", "musig2/announce/1.0.0"}, topics)
}

func TestBootstrapClientClassifiesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewBootstrapClient(createTestLogger(t), srv.URL)
	_, err := c.Health(context.Background())
	require.Error(t, err)

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeHTTPError, pe.Kind)
	assert.Contains(t, pe.URL, "/health")
}

func TestBootstrapClientClassifiesTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewBootstrapClient(createTestLogger(t), slow.URL)
	_, err := c.Health(ctx)
	require.Error(t, err)

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeTimeout, pe.Kind)
}

func TestBootstrapClientClassifiesNetworkError(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewBootstrapClient(createTestLogger(t), url)
	_, err := c.Health(context.Background())
	require.Error(t, err)

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}

func TestBootstrapClientRejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewBootstrapClient(createTestLogger(t), srv.URL)
	_, err := c.Health(context.Background())

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}
