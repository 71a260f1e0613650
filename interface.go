package p2p

import (
	"context"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Network abstracts the external P2P primitive (libp2p in production, fakes
// in tests). Peer ids and multiaddrs cross this boundary as plain strings;
// the single concrete adapter (see Node) owns the conversion to SDK types so
// the rest of the layer never depends on the SDK's representations.
type Network interface {
	// LocalPeerID returns this node's peer id.
	LocalPeerID() string

	// LocalAddrs returns the multiaddrs this node is reachable on.
	LocalAddrs() []string

	// Connect dials the given multiaddr. The address must carry a /p2p
	// component identifying the remote peer.
	Connect(ctx context.Context, multiaddr string) error

	// Disconnect closes all connections to the given peer.
	Disconnect(ctx context.Context, peerID string) error

	// IsConnected reports whether an open connection to the peer exists.
	IsConnected(peerID string) bool

	// ConnectedPeers lists the peer ids with open connections.
	ConnectedPeers() []string

	// Publish sends a payload to every subscriber of a broadcast topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a broadcast topic and returns a
	// disposer that cancels the subscription.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (func(), error)

	// Announce publishes a resource record into the DHT so peers can find it
	// by content routing. Requires DHTReady.
	Announce(ctx context.Context, resourceType, id string, payload []byte, ttl time.Duration) error

	// DHTReady reports whether the DHT routing table is populated enough to
	// serve announcements and lookups.
	DHTReady() bool

	// OnConnectivityChanged registers a handler invoked whenever the node's
	// overall connectivity state flips (online/offline). The returned
	// disposer deregisters the handler.
	OnConnectivityChanged(handler func(online bool)) func()
}

// MessageHandler processes a message received on a broadcast topic.
type MessageHandler func(ctx context.Context, payload []byte, from string)

// SignerEngine abstracts the external MuSig2 primitive. The orchestrator
// supplies keys, messages and round contributions and receives opaque nonce,
// partial-signature and aggregate-signature bytes; all curve arithmetic is
// owned by the engine.
type SignerEngine interface {
	// CreateSession registers a signing session over the canonically ordered
	// public keys. ownIndex is this signer's position in that order.
	CreateSession(ctx context.Context, sessionID string, publicKeys []*secp256k1.PublicKey, ownIndex int, privateKey []byte, message []byte) error

	// GenerateNonce produces this signer's public nonce for the session.
	GenerateNonce(ctx context.Context, sessionID string) ([]byte, error)

	// ReceiveNonce records another signer's public nonce.
	ReceiveNonce(ctx context.Context, sessionID string, signerIndex int, nonce []byte) error

	// PartialSign produces this signer's partial signature. Valid only after
	// every signer's nonce has been received.
	PartialSign(ctx context.Context, sessionID string) ([]byte, error)

	// ReceivePartialSignature records another signer's partial signature.
	ReceivePartialSignature(ctx context.Context, sessionID string, signerIndex int, sig []byte) error

	// Aggregate combines all partial signatures into the final signature.
	Aggregate(ctx context.Context, sessionID string) ([]byte, error)

	// Discard releases all state held for the session.
	Discard(sessionID string)
}

// Store is the persistent key-value store backing the discovery cache.
// Implementations return ErrEntryNotFound for missing keys.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
