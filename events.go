package p2p

import "sync"

// EventType identifies a class of notification raised by the connectivity
// manager or the session orchestrator.
type EventType string

const (
	// EventPeerDiscovered fires when a new or refreshed presence
	// advertisement is ingested into the discovery cache.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventSessionAnnounced fires when a session announcement from another
	// peer arrives; callers may join via JoinSession.
	EventSessionAnnounced EventType = "session_announced"
	// EventSessionPhaseChanged fires on every signing session phase
	// transition, including entry into COMPLETE.
	EventSessionPhaseChanged EventType = "session_phase_changed"
	// EventSessionAborted fires when a session transitions to ABORTED,
	// locally or by a remote abort message. Reason carries the cause.
	EventSessionAborted EventType = "session_aborted"
	// EventParticipantDisconnected fires when the session monitor detects a
	// participant without an open connection.
	EventParticipantDisconnected EventType = "participant_disconnected"
	// EventParticipantReconnected fires when the monitor re-establishes a
	// connection to a previously disconnected participant.
	EventParticipantReconnected EventType = "participant_reconnected"
	// EventSignatureReady fires when finalization produced the aggregate
	// signature; Payload holds the signature bytes.
	EventSignatureReady EventType = "signature_ready"
)

// Event is the typed notification delivered to subscribed handlers. Only the
// fields relevant to the event type are populated.
type Event struct {
	Type          EventType
	PeerID        string
	SessionID     string
	Phase         SessionPhase
	Reason        string
	Advertisement *PresenceAdvertisement
	Announcement  *SessionAnnouncement
	Payload       []byte
}

// EventHandler consumes a single event.
type EventHandler func(Event)

// EventBridge maps low-level component activity to typed callbacks. Subscribe
// returns a disposer so subscription lifetime is owned by the subscriber
// rather than collected into shared teardown lists.
type EventBridge struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]EventHandler
	logger   Logger
}

// NewEventBridge creates an event bridge.
func NewEventBridge(logger Logger) *EventBridge {
	return &EventBridge{
		handlers: make(map[EventType]map[int]EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type and returns a disposer
// that removes it. Disposing twice is harmless.
func (b *EventBridge) Subscribe(t EventType, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]EventHandler)
	}

	id := b.nextID
	b.nextID++
	b.handlers[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// Emit delivers the event to every handler subscribed to its type. Handlers
// run synchronously in the caller's goroutine; emitters must not hold locks
// a handler could re-enter.
func (b *EventBridge) Emit(ev Event) {
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.handlers[ev.Type]))
	for _, h := range b.handlers[ev.Type] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
