// Package mocks provides mock implementations of the connectivity layer's
// external interfaces for use in downstream tests.
package mocks

import (
	"context"
	"time"

	p2p "github.com/LotusiaStewardship/go-musig2-p2p"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/mock"
)

// MockNetwork is a testify mock of the Network interface.
type MockNetwork struct {
	mock.Mock
}

// LocalPeerID mocks the LocalPeerID method
func (m *MockNetwork) LocalPeerID() string {
	args := m.Called()
	return args.String(0)
}

// LocalAddrs mocks the LocalAddrs method
func (m *MockNetwork) LocalAddrs() []string {
	args := m.Called()
	if addrs := args.Get(0); addrs != nil {
		return addrs.([]string)
	}
	return nil
}

// Connect mocks the Connect method
func (m *MockNetwork) Connect(ctx context.Context, multiaddr string) error {
	args := m.Called(ctx, multiaddr)
	return args.Error(0)
}

// Disconnect mocks the Disconnect method
func (m *MockNetwork) Disconnect(ctx context.Context, peerID string) error {
	args := m.Called(ctx, peerID)
	return args.Error(0)
}

// IsConnected mocks the IsConnected method
func (m *MockNetwork) IsConnected(peerID string) bool {
	args := m.Called(peerID)
	return args.Bool(0)
}

// ConnectedPeers mocks the ConnectedPeers method
func (m *MockNetwork) ConnectedPeers() []string {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]string)
	}
	return nil
}

// Publish mocks the Publish method
func (m *MockNetwork) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

// Subscribe mocks the Subscribe method
func (m *MockNetwork) Subscribe(ctx context.Context, topic string, handler p2p.MessageHandler) (func(), error) {
	args := m.Called(ctx, topic, handler)
	if f := args.Get(0); f != nil {
		return f.(func()), args.Error(1)
	}
	return func() {}, args.Error(1)
}

// Announce mocks the Announce method
func (m *MockNetwork) Announce(ctx context.Context, resourceType, id string, payload []byte, ttl time.Duration) error {
	args := m.Called(ctx, resourceType, id, payload, ttl)
	return args.Error(0)
}

// DHTReady mocks the DHTReady method
func (m *MockNetwork) DHTReady() bool {
	args := m.Called()
	return args.Bool(0)
}

// OnConnectivityChanged mocks the OnConnectivityChanged method
func (m *MockNetwork) OnConnectivityChanged(handler func(online bool)) func() {
	args := m.Called(handler)
	if f := args.Get(0); f != nil {
		return f.(func())
	}
	return func() {}
}

// MockSignerEngine is a testify mock of the SignerEngine interface.
type MockSignerEngine struct {
	mock.Mock
}

// CreateSession mocks the CreateSession method
func (m *MockSignerEngine) CreateSession(ctx context.Context, sessionID string, publicKeys []*secp256k1.PublicKey, ownIndex int, privateKey []byte, message []byte) error {
	args := m.Called(ctx, sessionID, publicKeys, ownIndex, privateKey, message)
	return args.Error(0)
}

// GenerateNonce mocks the GenerateNonce method
func (m *MockSignerEngine) GenerateNonce(ctx context.Context, sessionID string) ([]byte, error) {
	args := m.Called(ctx, sessionID)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// ReceiveNonce mocks the ReceiveNonce method
func (m *MockSignerEngine) ReceiveNonce(ctx context.Context, sessionID string, signerIndex int, nonce []byte) error {
	args := m.Called(ctx, sessionID, signerIndex, nonce)
	return args.Error(0)
}

// PartialSign mocks the PartialSign method
func (m *MockSignerEngine) PartialSign(ctx context.Context, sessionID string) ([]byte, error) {
	args := m.Called(ctx, sessionID)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// ReceivePartialSignature mocks the ReceivePartialSignature method
func (m *MockSignerEngine) ReceivePartialSignature(ctx context.Context, sessionID string, signerIndex int, sig []byte) error {
	args := m.Called(ctx, sessionID, signerIndex, sig)
	return args.Error(0)
}

// Aggregate mocks the Aggregate method
func (m *MockSignerEngine) Aggregate(ctx context.Context, sessionID string) ([]byte, error) {
	args := m.Called(ctx, sessionID)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

// Discard mocks the Discard method
func (m *MockSignerEngine) Discard(sessionID string) {
	m.Called(sessionID)
}
