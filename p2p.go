// Package p2p provides the peer connectivity and MuSig2 signing-session
// orchestration layer for the Lotus wallet: TTL-bounded presence advertisement
// and discovery over DHT and gossipsub channels, connection establishment with
// exponential-backoff retry, and multi-round signing session lifecycle
// management (create, announce, join, preflight, nonce and partial-signature
// exchange, finalize, abort) on top of an external libp2p network and MuSig2
// cryptographic engine.
package p2p
