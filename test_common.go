package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t *testing.T
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

// createTestLogger creates a mock logger for testing
func createTestLogger(t *testing.T) *MockLogger {
	return &MockLogger{t: t}
}

type publishedMessage struct {
	topic   string
	payload []byte
}

type announcedRecord struct {
	resourceType string
	id           string
	payload      []byte
	ttl          time.Duration
}

// fakeNetwork is a scriptable in-memory Network for behavioral tests. Dials
// succeed unless dialErr says otherwise; published messages are recorded and
// remote messages are injected with deliver.
type fakeNetwork struct {
	mu           sync.Mutex
	peerID       string
	addrs        []string
	dhtReady     bool
	connected    map[string]bool
	dialErr      func(addr string) error
	dials        []string
	published    []publishedMessage
	announced    []announcedRecord
	subs         map[string][]MessageHandler
	connHandlers map[int]func(bool)
	nextHandler  int
}

func newFakeNetwork(peerID string) *fakeNetwork {
	return &fakeNetwork{
		peerID:       peerID,
		addrs:        []string{"/ip4/127.0.0.1/tcp/9735/p2p/" + peerID},
		dhtReady:     true,
		connected:    make(map[string]bool),
		subs:         make(map[string][]MessageHandler),
		connHandlers: make(map[int]func(bool)),
	}
}

func (f *fakeNetwork) LocalPeerID() string { return f.peerID }

func (f *fakeNetwork) LocalAddrs() []string { return f.addrs }

func (f *fakeNetwork) Connect(_ context.Context, addr string) error {
	f.mu.Lock()
	f.dials = append(f.dials, addr)
	dialErr := f.dialErr
	f.mu.Unlock()

	if dialErr != nil {
		if err := dialErr(addr); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.connected[peerFromAddr(addr)] = true
	f.mu.Unlock()
	return nil
}

// peerFromAddr extracts the trailing /p2p/<id> component of a dial address.
func peerFromAddr(addr string) string {
	i := strings.LastIndex(addr, "/p2p/")
	if i < 0 {
		return addr
	}
	return addr[i+len("/p2p/"):]
}

func (f *fakeNetwork) Disconnect(_ context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, peerID)
	return nil
}

func (f *fakeNetwork) IsConnected(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[peerID]
}

func (f *fakeNetwork) ConnectedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.connected))
	for id, ok := range f.connected {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeNetwork) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, payload: payload})
	return nil
}

func (f *fakeNetwork) Subscribe(_ context.Context, topic string, handler MessageHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], handler)
	return func() {}, nil
}

func (f *fakeNetwork) Announce(_ context.Context, resourceType, id string, payload []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, announcedRecord{resourceType: resourceType, id: id, payload: payload, ttl: ttl})
	return nil
}

func (f *fakeNetwork) DHTReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dhtReady
}

func (f *fakeNetwork) OnConnectivityChanged(handler func(online bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextHandler
	f.nextHandler++
	f.connHandlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.connHandlers, id)
	}
}

// setDHTReady flips the readiness flag without firing events.
func (f *fakeNetwork) setDHTReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dhtReady = ready
}

// setDialErr swaps the dial failure hook while the network is in use.
func (f *fakeNetwork) setDialErr(fn func(addr string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = fn
}

// setConnected scripts connectedness for a peer.
func (f *fakeNetwork) setConnected(peerID string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[peerID] = connected
}

// fireConnectivity invokes every registered connectivity handler.
func (f *fakeNetwork) fireConnectivity(online bool) {
	f.mu.Lock()
	handlers := make([]func(bool), 0, len(f.connHandlers))
	for _, h := range f.connHandlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(online)
	}
}

// deliver injects a remote message on a topic.
func (f *fakeNetwork) deliver(ctx context.Context, topic string, payload []byte, from string) {
	f.mu.Lock()
	handlers := append([]MessageHandler(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx, payload, from)
	}
}

// publishedOn returns the messages recorded for one topic.
func (f *fakeNetwork) publishedOn(topic string) []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMessage
	for _, m := range f.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// memStore is an in-memory Store, optionally failing writes.
type memStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	failSet  bool
	setCalls int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return v, nil
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.failSet {
		return fmt.Errorf("disk full")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

func (s *memStore) failWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = fail
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// fakeEngine is a deterministic SignerEngine recording round contributions.
type fakeEngine struct {
	mu        sync.Mutex
	sessions  map[string]bool
	nonces    map[string]map[int][]byte
	partials  map[string]map[int][]byte
	discarded []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]bool),
		nonces:   make(map[string]map[int][]byte),
		partials: make(map[string]map[int][]byte),
	}
}

func (e *fakeEngine) CreateSession(_ context.Context, sessionID string, _ []*secp256k1.PublicKey, _ int, _ []byte, _ []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = true
	e.nonces[sessionID] = make(map[int][]byte)
	e.partials[sessionID] = make(map[int][]byte)
	return nil
}

func (e *fakeEngine) GenerateNonce(_ context.Context, sessionID string) ([]byte, error) {
	return []byte("nonce-" + sessionID), nil
}

func (e *fakeEngine) ReceiveNonce(_ context.Context, sessionID string, signerIndex int, nonce []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sessions[sessionID] {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	e.nonces[sessionID][signerIndex] = nonce
	return nil
}

func (e *fakeEngine) PartialSign(_ context.Context, sessionID string) ([]byte, error) {
	return []byte("psig-" + sessionID), nil
}

func (e *fakeEngine) ReceivePartialSignature(_ context.Context, sessionID string, signerIndex int, sig []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sessions[sessionID] {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	e.partials[sessionID][signerIndex] = sig
	return nil
}

func (e *fakeEngine) Aggregate(_ context.Context, sessionID string) ([]byte, error) {
	return []byte("aggregate-signature"), nil
}

func (e *fakeEngine) Discard(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
	e.discarded = append(e.discarded, sessionID)
}

func (e *fakeEngine) nonceCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.nonces[sessionID])
}
