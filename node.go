package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	dRouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
)

// NodeConfig defines the parameters of the libp2p-backed network primitive.
type NodeConfig struct {
	ProcessName        string   // Identifier for this node in logs
	PrivateKey         string   // Hex-encoded Ed25519 identity key; generated when empty
	ListenAddresses    []string // IPs to listen on
	Port               int      // TCP port for P2P communication
	BootstrapAddresses []string // Multiaddrs of bootstrap/relay nodes
	DHTProtocolID      string   // Optional protocol prefix for a private DHT
}

// Node is the concrete Network implementation over libp2p: a host with
// kad-DHT content routing and gossipsub topics. It is the single adapter
// between the string-typed connectivity layer and the SDK's peer/multiaddr
// types.
type Node struct {
	cfg    NodeConfig
	logger Logger
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic

	handlersMu   sync.Mutex
	nextHandler  int
	connHandlers map[int]func(online bool)
	online       bool
}

// NewNode creates the libp2p host and wires connection notifications. Start
// must be called before the node can route or publish.
func NewNode(_ context.Context, logger Logger, cfg NodeConfig) (*Node, error) {
	logger.Infof("[Node] creating node")

	pk, err := identityKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	listen := make([]string, 0, len(cfg.ListenAddresses))
	for _, addr := range cfg.ListenAddresses {
		listen = append(listen, fmt.Sprintf("/ip4/%s/tcp/%d", addr, cfg.Port))
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen...),
		libp2p.Identity(pk),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("[Node] error creating libp2p host: %w", err)
	}

	n := &Node{
		cfg:          cfg,
		logger:       logger,
		host:         h,
		topics:       make(map[string]*pubsub.Topic),
		connHandlers: make(map[int]func(bool)),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			n.logger.Debugf("[Node] peer connected: %s", conn.RemotePeer())
			n.recomputeOnline()
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			n.logger.Debugf("[Node] peer disconnected: %s", conn.RemotePeer())
			n.recomputeOnline()
		},
	})

	n.logger.Infof("[Node] peer id: %s", h.ID())
	for _, addr := range h.Addrs() {
		n.logger.Infof("[Node]   %s/p2p/%s", addr, h.ID())
	}

	return n, nil
}

func identityKey(hexKey string) (crypto.PrivKey, error) {
	if hexKey == "" {
		pk, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("[Node] error generating private key: %w", err)
		}
		return pk, nil
	}

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("[Node] error decoding private key: %w", err)
	}
	pk, err := crypto.UnmarshalEd25519PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("[Node] error unmarshaling private key: %w", err)
	}
	return pk, nil
}

// Start bootstraps the DHT against the configured bootstrap addresses and
// initializes gossipsub.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Infof("[%s] starting", n.cfg.ProcessName)

	if err := n.initDHT(ctx); err != nil {
		return err
	}

	ps, err := pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		return fmt.Errorf("[Node] error creating gossipsub: %w", err)
	}
	n.pubsub = ps

	return nil
}

func (n *Node) initDHT(ctx context.Context) error {
	options := []dht.Option{dht.Mode(dht.ModeAuto)}
	if n.cfg.DHTProtocolID != "" {
		options = append(options, dht.ProtocolPrefix(protocol.ID(n.cfg.DHTProtocolID)))
	}

	kademliaDHT, err := dht.New(ctx, n.host, options...)
	if err != nil {
		return fmt.Errorf("[Node] error creating DHT: %w", err)
	}
	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		return fmt.Errorf("[Node] error bootstrapping DHT: %w", err)
	}
	n.dht = kademliaDHT

	connected := false
	for _, ba := range n.cfg.BootstrapAddresses {
		maddr, err := multiaddr.NewMultiaddr(ba)
		if err != nil {
			n.logger.Warnf("[Node] invalid bootstrap address %s: %v", ba, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warnf("[Node] error resolving bootstrap address %s: %v", ba, err)
			continue
		}
		if err := n.host.Connect(ctx, *info); err != nil {
			n.logger.Warnf("[Node] error connecting to bootstrap %s: %v", ba, err)
			continue
		}
		connected = true
		n.logger.Infof("[Node] connected to bootstrap %s", ba)
	}

	if !connected && len(n.cfg.BootstrapAddresses) > 0 {
		return errors.New("[Node] failed to connect to any bootstrap address")
	}

	return nil
}

// Stop closes the host and all of its connections.
func (n *Node) Stop(_ context.Context) error {
	n.logger.Infof("[Node] stopping")
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			n.logger.Errorf("[Node] error closing DHT: %v", err)
		}
	}
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("[Node] error closing host: %w", err)
	}
	return nil
}

// LocalPeerID implements Network.
func (n *Node) LocalPeerID() string {
	return n.host.ID().String()
}

// LocalAddrs implements Network. Addresses include the /p2p component so
// they can be dialed as-is.
func (n *Node) LocalAddrs() []string {
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// Connect implements Network.
func (n *Node) Connect(ctx context.Context, maddrStr string) error {
	maddr, err := multiaddr.NewMultiaddr(maddrStr)
	if err != nil {
		return fmt.Errorf("[Node] invalid multiaddr %s: %w", maddrStr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("[Node] multiaddr %s has no peer component: %w", maddrStr, err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("[Node] error connecting to %s: %w", info.ID, err)
	}
	return nil
}

// Disconnect implements Network.
func (n *Node) Disconnect(_ context.Context, peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("[Node] invalid peer id %s: %w", peerID, err)
	}
	for _, conn := range n.host.Network().ConnsToPeer(pid) {
		if err := conn.Close(); err != nil {
			n.logger.Debugf("[Node] error closing connection to %s: %v", peerID, err)
		}
	}
	return n.host.Network().ClosePeer(pid)
}

// IsConnected implements Network.
func (n *Node) IsConnected(peerID string) bool {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return false
	}
	return n.host.Network().Connectedness(pid) == network.Connected
}

// ConnectedPeers implements Network.
func (n *Node) ConnectedPeers() []string {
	peers := n.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

// Publish implements Network.
func (n *Node) Publish(ctx context.Context, topicName string, payload []byte) error {
	if n.pubsub == nil {
		return ErrNotStarted
	}
	topic, err := n.joinTopic(topicName)
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("[Node] publish error on %s: %w", topicName, err)
	}
	return nil
}

// Subscribe implements Network. The handler runs on a dedicated goroutine
// until the returned disposer is called or ctx is canceled.
func (n *Node) Subscribe(ctx context.Context, topicName string, handler MessageHandler) (func(), error) {
	if n.pubsub == nil {
		return nil, ErrNotStarted
	}
	topic, err := n.joinTopic(topicName)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("[Node] error subscribing to %s: %w", topicName, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			m, err := sub.Next(subCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					n.logger.Debugf("[Node] subscription on %s closed: %v", topicName, err)
				}
				return
			}
			if m.ReceivedFrom == n.host.ID() {
				continue
			}
			handler(subCtx, m.Data, m.ReceivedFrom.String())
		}
	}()

	return func() {
		cancel()
		sub.Cancel()
	}, nil
}

func (n *Node) joinTopic(topicName string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()

	if topic, ok := n.topics[topicName]; ok {
		return topic, nil
	}
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("[Node] error joining topic %s: %w", topicName, err)
	}
	n.topics[topicName] = topic
	n.logger.Debugf("[Node] joined topic %s", topicName)
	return topic, nil
}

// Announce implements Network by advertising a namespace derived from the
// resource type and id through DHT content routing. The payload itself
// travels over the broadcast topic; the DHT record only makes the announcer
// findable.
func (n *Node) Announce(ctx context.Context, resourceType, id string, _ []byte, ttl time.Duration) error {
	if n.dht == nil {
		return ErrNotStarted
	}
	rd := dRouting.NewRoutingDiscovery(n.dht)
	ns := resourceType + "/" + id
	if _, err := rd.Advertise(ctx, ns, discovery.TTL(ttl)); err != nil {
		return fmt.Errorf("[Node] error announcing %s: %w", ns, err)
	}
	return nil
}

// DHTReady implements Network: the routing table must hold at least one peer
// before announcements can propagate.
func (n *Node) DHTReady() bool {
	return n.dht != nil && n.dht.RoutingTable().Size() > 0
}

// OnConnectivityChanged implements Network.
func (n *Node) OnConnectivityChanged(handler func(online bool)) func() {
	n.handlersMu.Lock()
	id := n.nextHandler
	n.nextHandler++
	n.connHandlers[id] = handler
	n.handlersMu.Unlock()

	return func() {
		n.handlersMu.Lock()
		delete(n.connHandlers, id)
		n.handlersMu.Unlock()
	}
}

// recomputeOnline fires connectivity handlers when the node flips between
// having and lacking open connections.
func (n *Node) recomputeOnline() {
	online := len(n.host.Network().Peers()) > 0

	n.handlersMu.Lock()
	changed := online != n.online
	n.online = online
	handlers := make([]func(bool), 0, len(n.connHandlers))
	for _, h := range n.connHandlers {
		handlers = append(handlers, h)
	}
	n.handlersMu.Unlock()

	if !changed {
		return
	}
	for _, h := range handlers {
		go h(online)
	}
}
