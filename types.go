package p2p

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultAdvertiseTTL bounds how long a presence advertisement stays valid.
	DefaultAdvertiseTTL = 10 * time.Minute
	// DefaultCacheCapacity is the maximum number of discovery cache entries.
	DefaultCacheCapacity = 100
	// DefaultMonitorInterval is the session connection poll period.
	DefaultMonitorInterval = 5 * time.Second
	// DefaultSessionTTL bounds how long a signing session may stay live.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultSaveDebounce coalesces discovery cache writes to the store.
	DefaultSaveDebounce = 500 * time.Millisecond

	// PresenceTopicName is the gossip topic carrying presence advertisements.
	PresenceTopicName = "musig2/presence/1.0.0"
	// AnnounceTopicName is the gossip topic carrying session announcements.
	AnnounceTopicName = "musig2/announce/1.0.0"
	// SessionTopicPrefix prefixes the per-session round-message topics.
	SessionTopicPrefix = "musig2/session/"
)

// Config defines the configuration parameters shared by the connectivity
// manager and the session orchestrator.
type Config struct {
	ProcessName         string        // Identifier for this node in logs
	WalletAddress       string        // Wallet address advertised with presence
	Nickname            string        // Human-readable name advertised with presence
	Avatar              string        // Optional avatar reference advertised with presence
	RelayAddresses      []string      // Relay multiaddrs advertised for inbound dials
	DefaultRelayAddress string        // Fallback relay dialed when a peer advertises none
	BootstrapURL        string        // Base URL of the bootstrap node's HTTP endpoint
	AdvertiseTTL        time.Duration // Presence advertisement validity window (default: 10m)
	CacheCapacity       int           // Discovery cache entry limit (default: 100)
	MonitorInterval     time.Duration // Session connection poll period (default: 5s)
	SessionTTL          time.Duration // Signing session validity window (default: 30m)
	SaveDebounce        time.Duration // Cache persistence debounce (default: 500ms)
}

// withDefaults fills zero-valued fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.AdvertiseTTL <= 0 {
		c.AdvertiseTTL = DefaultAdvertiseTTL
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = DefaultSaveDebounce
	}
	return c
}

// Logger defines the interface for logging within the connectivity and
// session layers. *logrus.Logger satisfies it directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// HexBytes is a byte slice that serializes to a hex string in JSON. Binary
// fields cross the persistence and wire boundaries in this form.
type HexBytes []byte

// MarshalJSON encodes the bytes as a lowercase hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

// UnmarshalJSON decodes a hex string back into bytes.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex field: %w", err)
	}
	*h = b
	return nil
}

// String returns the hex encoding.
func (h HexBytes) String() string { return hex.EncodeToString(h) }

// PresenceAdvertisement is the TTL-bounded record a peer publishes to let
// others discover it and learn how to reach it.
type PresenceAdvertisement struct {
	PeerID        string    `json:"peerId"`
	Multiaddrs    []string  `json:"multiaddrs"`
	RelayAddrs    []string  `json:"relayAddrs"`
	WalletAddress string    `json:"walletAddress"`
	PublicKey     HexBytes  `json:"publicKey,omitempty"`
	Nickname      string    `json:"nickname,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the advertisement's validity window has passed.
func (a *PresenceAdvertisement) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// Validate checks the structural invariants of a received advertisement.
func (a *PresenceAdvertisement) Validate() error {
	if a.PeerID == "" {
		return fmt.Errorf("advertisement missing peer id")
	}
	if !a.ExpiresAt.After(a.CreatedAt) {
		return fmt.Errorf("advertisement for %s expires before it was created", a.PeerID)
	}
	return nil
}

// ConnectionType describes how a connection to a peer was established.
type ConnectionType string

const (
	// ConnectionDirect means the peer was already reachable or dialed directly.
	ConnectionDirect ConnectionType = "direct"
	// ConnectionRelay means the connection runs through a relay multiaddr.
	ConnectionRelay ConnectionType = "relay"
	// ConnectionWebRTC means the connection was upgraded to a WebRTC transport.
	ConnectionWebRTC ConnectionType = "webrtc"
)

// ConnectionAttemptResult is the structured, non-throwing outcome of a
// connection attempt. Err (when set) is a *ConnectivityError naming the peer
// and the attempt count so callers can surface an actionable message.
type ConnectionAttemptResult struct {
	Connected      bool
	ConnectionType ConnectionType
	Attempts       int
	Err            error
}

// RetryConfig tunes ConnectWithRetry's exponential backoff.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the backoff used when callers pass a zero config.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// AdvertiseStatus is the outcome of an advertising call.
type AdvertiseStatus string

const (
	// AdvertisePublished means the advertisement went out immediately.
	AdvertisePublished AdvertiseStatus = "published"
	// AdvertisePending means the advertisement is queued until the DHT
	// routing table is populated.
	AdvertisePending AdvertiseStatus = "pending"
)
