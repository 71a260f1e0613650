package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/singleflight"
)

// Resource types used for DHT content announcements.
const (
	resourcePresence = "presence"
	resourceSigner   = "signer"
)

// advertiseState is the explicit DHT-readiness gating state: no pending
// advertisement, one queued, or one queued with the one-shot ready callback
// armed. At most one advertisement is ever pending; a newer call overwrites
// the queued one.
type advertiseState int

const (
	advertiseIdle advertiseState = iota
	advertiseQueued
	advertiseCallbackArmed
)

// PendingAdvertisement holds an advertisement waiting for the DHT routing
// table to populate.
type PendingAdvertisement struct {
	Ad           PresenceAdvertisement
	ResourceType string
}

// PeerConnectivityManager owns presence advertising and discovery, connection
// establishment with retry, DHT-readiness gating and bootstrap health
// probing. It publishes advertisements over both a DHT content announce and
// the presence broadcast topic, and ingests peers' advertisements from that
// topic into the discovery cache.
type PeerConnectivityManager struct {
	cfg    Config
	net    Network
	cache  *DiscoveryCache
	events *EventBridge
	logger Logger
	clk    clock.Clock
	probe  *BootstrapClient

	mu           sync.Mutex
	started      bool
	current      *PendingAdvertisement // last successfully published advertisement
	adState      advertiseState
	pending      *PendingAdvertisement
	disarm       func() // deregisters the armed ready callback
	online       bool
	unsubTopic   func()
	unsubConnEvt func()
	stopRefresh  chan struct{}

	flight singleflight.Group
}

// NewPeerConnectivityManager wires the manager to its collaborators. The
// caller owns the cache's lifecycle; Stop does not close it.
func NewPeerConnectivityManager(logger Logger, cfg Config, net Network, cache *DiscoveryCache, events *EventBridge, clk clock.Clock) *PeerConnectivityManager {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}

	m := &PeerConnectivityManager{
		cfg:    cfg,
		net:    net,
		cache:  cache,
		events: events,
		logger: logger,
		clk:    clk,
	}
	if cfg.BootstrapURL != "" {
		m.probe = NewBootstrapClient(logger, cfg.BootstrapURL)
	}
	return m
}

// Start subscribes to the presence topic, begins ingesting advertisements and
// registers the reconnect republisher.
func (m *PeerConnectivityManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.online = true
	m.stopRefresh = make(chan struct{})
	m.mu.Unlock()

	unsub, err := m.net.Subscribe(ctx, PresenceTopicName, m.ingestPresence)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("[Connectivity] error subscribing to presence topic: %w", err)
	}

	m.mu.Lock()
	m.unsubTopic = unsub
	m.unsubConnEvt = m.net.OnConnectivityChanged(m.onConnectivityChanged)
	m.mu.Unlock()

	go m.refreshLoop(ctx)

	m.logger.Infof("[Connectivity] started, peer id %s", m.net.LocalPeerID())

	return nil
}

// Stop cancels the refresh ticker and all subscriptions. A previously armed
// ready callback is disarmed so it can never fire against torn-down state.
func (m *PeerConnectivityManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopRefresh)
	unsubTopic, unsubConn, disarm := m.unsubTopic, m.unsubConnEvt, m.disarm
	m.unsubTopic, m.unsubConnEvt, m.disarm = nil, nil, nil
	m.adState = advertiseIdle
	m.pending = nil
	m.current = nil
	m.mu.Unlock()

	for _, f := range []func(){unsubTopic, unsubConn, disarm} {
		if f != nil {
			f()
		}
	}

	m.logger.Infof("[Connectivity] stopped")
}

// StartPresenceAdvertising builds this node's presence advertisement from the
// configuration and publishes it via DHT announce and the presence topic.
// While the DHT routing table is still empty the advertisement is queued and
// AdvertisePending is returned; it auto-publishes the moment the DHT becomes
// ready.
func (m *PeerConnectivityManager) StartPresenceAdvertising(ctx context.Context) (AdvertiseStatus, error) {
	return m.advertise(ctx, m.buildAdvertisement(nil), resourcePresence)
}

// StartSignerAdvertising publishes a presence advertisement carrying the
// signer's public key, announced under the signer resource so co-signers can
// resolve a peer id from a public key. Subject to the same DHT gating as
// StartPresenceAdvertising.
func (m *PeerConnectivityManager) StartSignerAdvertising(ctx context.Context, pub *secp256k1.PublicKey) (AdvertiseStatus, error) {
	return m.advertise(ctx, m.buildAdvertisement(pub), resourceSigner)
}

func (m *PeerConnectivityManager) buildAdvertisement(pub *secp256k1.PublicKey) PresenceAdvertisement {
	now := m.clk.Now()
	ad := PresenceAdvertisement{
		PeerID:        m.net.LocalPeerID(),
		Multiaddrs:    m.net.LocalAddrs(),
		RelayAddrs:    m.cfg.RelayAddresses,
		WalletAddress: m.cfg.WalletAddress,
		Nickname:      m.cfg.Nickname,
		Avatar:        m.cfg.Avatar,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.AdvertiseTTL),
	}
	if pub != nil {
		ad.PublicKey = pub.SerializeCompressed()
	}
	return ad
}

func (m *PeerConnectivityManager) advertise(ctx context.Context, ad PresenceAdvertisement, resourceType string) (AdvertiseStatus, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return "", ErrNotStarted
	}

	if !m.net.DHTReady() {
		// Queue the advertisement; a newer call overwrites an older queued
		// one, so only the most recent is ever published.
		m.pending = &PendingAdvertisement{Ad: ad, ResourceType: resourceType}
		if m.adState == advertiseIdle {
			m.adState = advertiseQueued
			m.armReadyCallback()
		}
		m.mu.Unlock()

		m.logger.Infof("[Connectivity] DHT not ready, advertisement queued")

		return AdvertisePending, nil
	}
	m.mu.Unlock()

	if err := m.publishAdvertisement(ctx, ad, resourceType); err != nil {
		return "", err
	}
	return AdvertisePublished, nil
}

// armReadyCallback registers the one-shot listener that publishes the queued
// advertisement once the DHT becomes ready. Called with m.mu held; at most
// one callback is armed at a time.
func (m *PeerConnectivityManager) armReadyCallback() {
	m.adState = advertiseCallbackArmed
	m.disarm = m.net.OnConnectivityChanged(func(online bool) {
		if !online || !m.net.DHTReady() {
			return
		}

		m.mu.Lock()
		pending := m.pending
		disarm := m.disarm
		m.pending = nil
		m.disarm = nil
		m.adState = advertiseIdle
		m.mu.Unlock()

		// Self-deregister before publishing so a second ready event can
		// never double-publish.
		if disarm != nil {
			disarm()
		}
		if pending == nil {
			return
		}
		if err := m.publishAdvertisement(context.Background(), pending.Ad, pending.ResourceType); err != nil {
			m.logger.Errorf("[Connectivity] error publishing queued advertisement: %v", err)
		}
	})
}

func (m *PeerConnectivityManager) publishAdvertisement(ctx context.Context, ad PresenceAdvertisement, resourceType string) error {
	payload, err := json.Marshal(&ad)
	if err != nil {
		return fmt.Errorf("[Connectivity] error serializing advertisement: %w", err)
	}

	if err := m.net.Publish(ctx, PresenceTopicName, payload); err != nil {
		return fmt.Errorf("[Connectivity] error publishing presence: %w", err)
	}
	if err := m.net.Announce(ctx, resourceType, ad.PeerID, payload, m.cfg.AdvertiseTTL); err != nil {
		return fmt.Errorf("[Connectivity] error announcing presence: %w", err)
	}

	m.mu.Lock()
	m.current = &PendingAdvertisement{Ad: ad, ResourceType: resourceType}
	m.mu.Unlock()

	m.logger.Debugf("[Connectivity] advertisement published (%s)", resourceType)

	return nil
}

// StopPresenceAdvertising withdraws the active advertisement. Remote caches
// drop it on expiry; no explicit revocation is broadcast.
func (m *PeerConnectivityManager) StopPresenceAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.pending = nil
	if m.disarm != nil {
		m.disarm()
		m.disarm = nil
	}
	m.adState = advertiseIdle
}

// refreshLoop republishes the active advertisement at half its TTL so it
// never lapses while the node stays up.
func (m *PeerConnectivityManager) refreshLoop(ctx context.Context) {
	ticker := m.clk.Ticker(m.cfg.AdvertiseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			current := m.current
			m.mu.Unlock()
			if current == nil {
				continue
			}
			refreshed := current.Ad
			refreshed.CreatedAt = m.clk.Now()
			refreshed.ExpiresAt = refreshed.CreatedAt.Add(m.cfg.AdvertiseTTL)
			if err := m.publishAdvertisement(ctx, refreshed, current.ResourceType); err != nil {
				m.logger.Warnf("[Connectivity] error refreshing advertisement: %v", err)
			}
			m.cache.CleanupExpired()
		case <-m.stopRefresh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// onConnectivityChanged republishes the active advertisement after the node
// regains connectivity, so peers that saw it lapse pick it up again.
func (m *PeerConnectivityManager) onConnectivityChanged(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	current := m.current
	m.mu.Unlock()

	if online && !wasOnline && current != nil {
		refreshed := current.Ad
		refreshed.CreatedAt = m.clk.Now()
		refreshed.ExpiresAt = refreshed.CreatedAt.Add(m.cfg.AdvertiseTTL)
		if err := m.publishAdvertisement(context.Background(), refreshed, current.ResourceType); err != nil {
			m.logger.Warnf("[Connectivity] error republishing after reconnect: %v", err)
		} else {
			m.logger.Infof("[Connectivity] advertisement republished after reconnect")
		}
	}
}

// ingestPresence validates and caches an advertisement received on the
// presence topic.
func (m *PeerConnectivityManager) ingestPresence(_ context.Context, payload []byte, from string) {
	var ad PresenceAdvertisement
	if err := json.Unmarshal(payload, &ad); err != nil {
		m.logger.Debugf("[Connectivity] discarding malformed advertisement from %s: %v", shortID(from), err)
		return
	}
	if err := ad.Validate(); err != nil {
		m.logger.Debugf("[Connectivity] discarding invalid advertisement: %v", err)
		return
	}
	if ad.PeerID == m.net.LocalPeerID() {
		return
	}
	if ad.Expired(m.clk.Now()) {
		return
	}

	m.cache.Upsert(ad)
	m.events.Emit(Event{Type: EventPeerDiscovered, PeerID: ad.PeerID, Advertisement: &ad})
}

// DiscoverPeers returns the locally known, non-expired advertisements. This
// is a pure read of cache state and performs no network query.
func (m *PeerConnectivityManager) DiscoverPeers() []PresenceAdvertisement {
	entries := m.cache.Entries()
	out := make([]PresenceAdvertisement, 0, len(entries))
	self := m.net.LocalPeerID()
	for _, e := range entries {
		if e.Advertisement.PeerID == self {
			continue
		}
		out = append(out, e.Advertisement)
	}
	return out
}

// ConnectToDiscoveredPeer attempts a single connection to the advertised
// peer: an already open connection short-circuits, then each known relay
// address is tried in order, then the default bootstrap relay. The result is
// structured and never a thrown failure.
func (m *PeerConnectivityManager) ConnectToDiscoveredPeer(ctx context.Context, ad *PresenceAdvertisement) ConnectionAttemptResult {
	if m.net.IsConnected(ad.PeerID) {
		return ConnectionAttemptResult{Connected: true, ConnectionType: ConnectionDirect, Attempts: 0}
	}

	relays := ad.RelayAddrs
	if len(relays) == 0 && m.cfg.DefaultRelayAddress != "" {
		relays = []string{m.cfg.DefaultRelayAddress}
	}

	var lastErr error
	for _, relay := range relays {
		addr := circuitAddr(relay, ad.PeerID)
		if err := m.net.Connect(ctx, addr); err != nil {
			m.logger.Debugf("[Connectivity] dial %s via %s failed: %v", shortID(ad.PeerID), relay, err)
			lastErr = err
			continue
		}
		return ConnectionAttemptResult{Connected: true, ConnectionType: ConnectionRelay, Attempts: 1}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no relay addresses known for peer")
	}
	return ConnectionAttemptResult{
		Connected: false,
		Attempts:  1,
		Err:       &ConnectivityError{PeerID: ad.PeerID, Attempts: 1, Err: lastErr},
	}
}

// circuitAddr builds a relayed dial address unless the relay address already
// targets the destination peer.
func circuitAddr(relay, peerID string) string {
	if strings.Contains(relay, peerID) {
		return relay
	}
	return strings.TrimSuffix(relay, "/") + "/p2p-circuit/p2p/" + peerID
}

// ConnectWithRetry repeats ConnectToDiscoveredPeer with exponential backoff:
// the delay doubles after each failed attempt, capped at MaxDelay, with no
// wait after the final attempt. Concurrent calls for the same peer are
// collapsed into a single flight; later callers receive the first flight's
// result.
func (m *PeerConnectivityManager) ConnectWithRetry(ctx context.Context, ad *PresenceAdvertisement, rc RetryConfig) ConnectionAttemptResult {
	if rc.MaxRetries <= 0 {
		rc = DefaultRetryConfig()
	}

	v, _, _ := m.flight.Do(ad.PeerID, func() (interface{}, error) {
		return m.connectWithRetry(ctx, ad, rc), nil
	})
	return v.(ConnectionAttemptResult)
}

func (m *PeerConnectivityManager) connectWithRetry(ctx context.Context, ad *PresenceAdvertisement, rc RetryConfig) ConnectionAttemptResult {
	delay := rc.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= rc.MaxRetries; attempt++ {
		res := m.ConnectToDiscoveredPeer(ctx, ad)
		if res.Connected {
			res.Attempts = attempt
			return res
		}
		lastErr = res.Err

		if attempt == rc.MaxRetries {
			break
		}

		timer := m.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ConnectionAttemptResult{
				Connected: false,
				Attempts:  attempt,
				Err:       &ConnectivityError{PeerID: ad.PeerID, Attempts: attempt, Err: ctx.Err()},
			}
		}

		delay *= 2
		if rc.MaxDelay > 0 && delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
	}

	return ConnectionAttemptResult{
		Connected: false,
		Attempts:  rc.MaxRetries,
		Err:       &ConnectivityError{PeerID: ad.PeerID, Attempts: rc.MaxRetries, Err: lastErr},
	}
}

// ProbeBootstrap checks the configured bootstrap node's health endpoint.
func (m *PeerConnectivityManager) ProbeBootstrap(ctx context.Context) (*BootstrapHealth, error) {
	if m.probe == nil {
		return nil, fmt.Errorf("[Connectivity] no bootstrap URL configured")
	}
	return m.probe.Health(ctx)
}

// Cache exposes the discovery cache for collaborators (session preflight
// resolves participants through it).
func (m *PeerConnectivityManager) Cache() *DiscoveryCache {
	return m.cache
}
