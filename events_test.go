package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBridgeDeliversToMatchingSubscribers(t *testing.T) {
	b := NewEventBridge(createTestLogger(t))

	var discovered, aborted []Event
	b.Subscribe(EventPeerDiscovered, func(ev Event) { discovered = append(discovered, ev) })
	b.Subscribe(EventSessionAborted, func(ev Event) { aborted = append(aborted, ev) })

	b.Emit(Event{Type: EventPeerDiscovered, PeerID: "peer1"})
	b.Emit(Event{Type: EventSessionAborted, SessionID: "sess-1", Reason: "expired"})
	b.Emit(Event{Type: EventSignatureReady, SessionID: "sess-1"})

	assert.Len(t, discovered, 1)
	assert.Equal(t, "peer1", discovered[0].PeerID)
	assert.Len(t, aborted, 1)
	assert.Equal(t, "expired", aborted[0].Reason)
}

func TestEventBridgeFanOut(t *testing.T) {
	b := NewEventBridge(createTestLogger(t))

	var first, second int
	b.Subscribe(EventSessionPhaseChanged, func(Event) { first++ })
	b.Subscribe(EventSessionPhaseChanged, func(Event) { second++ })

	b.Emit(Event{Type: EventSessionPhaseChanged, Phase: PhaseNonceExchange})

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestEventBridgeDisposerStopsDelivery(t *testing.T) {
	b := NewEventBridge(createTestLogger(t))

	var calls int
	unsub := b.Subscribe(EventPeerDiscovered, func(Event) { calls++ })

	b.Emit(Event{Type: EventPeerDiscovered})
	unsub()
	b.Emit(Event{Type: EventPeerDiscovered})

	assert.Equal(t, 1, calls, "no delivery after the disposer runs")

	// Disposing twice is harmless.
	unsub()
	b.Emit(Event{Type: EventPeerDiscovered})
	assert.Equal(t, 1, calls)
}

func TestEventBridgeDisposerIsScopedToOneSubscription(t *testing.T) {
	b := NewEventBridge(createTestLogger(t))

	var kept int
	unsub := b.Subscribe(EventPeerDiscovered, func(Event) {})
	b.Subscribe(EventPeerDiscovered, func(Event) { kept++ })
	unsub()

	b.Emit(Event{Type: EventPeerDiscovered})
	assert.Equal(t, 1, kept, "disposing one subscription must not touch the other")
}
