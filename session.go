package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SessionPhase is a signing session's position in the MuSig2 protocol.
// Transitions only move forward; the single exception is that any
// non-terminal phase may jump to ABORTED.
type SessionPhase string

const (
	// PhaseInit is the registered-but-not-started phase.
	PhaseInit SessionPhase = "INIT"
	// PhaseNonceExchange is the first protocol round.
	PhaseNonceExchange SessionPhase = "NONCE_EXCHANGE"
	// PhasePartialSigExchange is the second protocol round, entered once
	// every participant's nonce has been received.
	PhasePartialSigExchange SessionPhase = "PARTIAL_SIG_EXCHANGE"
	// PhaseComplete is the terminal success phase.
	PhaseComplete SessionPhase = "COMPLETE"
	// PhaseAborted is the terminal failure phase.
	PhaseAborted SessionPhase = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (p SessionPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Participant is one signer in a session, ordered by signer index within the
// canonical sort of all public keys.
type Participant struct {
	PeerID        string
	PublicKey     *secp256k1.PublicKey
	SignerIndex   int
	HasNonce      bool
	HasPartialSig bool
}

// SigningSession is the orchestrator's view of one MuSig2 session. The
// cryptographic state lives in the SignerEngine; this record tracks phase,
// participants and round progress.
type SigningSession struct {
	ID                string
	Participants      []*Participant
	Phase             SessionPhase
	IsInitiator       bool
	CoordinatorPeerID string
	OwnIndex          int
	Message           []byte
	Metadata          map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// SessionAnnouncement is the lightweight record published so co-signers can
// discover and join a session. It deliberately carries no round state.
type SessionAnnouncement struct {
	SessionID         string            `json:"sessionId"`
	CoordinatorPeerID string            `json:"coordinatorPeerId"`
	PublicKeys        []HexBytes        `json:"publicKeys"`
	Message           HexBytes          `json:"message"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
}

// PreflightResult reports session reachability. Unreachable lists friendly
// identifiers (nickname, else abbreviated id) so the UI can name exactly who
// is missing.
type PreflightResult struct {
	Ready       bool
	Unreachable []string
}

// Round message kinds exchanged on the per-session topic.
const (
	roundMsgNonce      = "nonce"
	roundMsgPartialSig = "partial_sig"
	roundMsgAbort      = "abort"
)

type roundMessage struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId"`
	SignerIndex int      `json:"signerIndex"`
	Payload     HexBytes `json:"payload,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// SessionOrchestrator drives the MuSig2 session lifecycle: create, announce,
// join, preflight connectivity, the two protocol rounds, finalize or abort,
// and mid-session reconnection monitoring. All session mutation happens under
// one lock; events are emitted after the lock is released.
type SessionOrchestrator struct {
	cfg    Config
	logger Logger
	conn   *PeerConnectivityManager
	net    Network
	engine SignerEngine
	events *EventBridge
	clk    clock.Clock

	mu            sync.Mutex
	started       bool
	sessions      map[string]*SigningSession
	topicSubs     map[string]func()
	monitors      map[string]chan struct{}
	unsubAnnounce func()
}

// NewSessionOrchestrator wires the orchestrator to the connectivity manager,
// the network primitive and the MuSig2 engine.
func NewSessionOrchestrator(logger Logger, cfg Config, conn *PeerConnectivityManager, net Network, engine SignerEngine, events *EventBridge, clk clock.Clock) *SessionOrchestrator {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &SessionOrchestrator{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		net:       net,
		engine:    engine,
		events:    events,
		clk:       clk,
		sessions:  make(map[string]*SigningSession),
		topicSubs: make(map[string]func()),
		monitors:  make(map[string]chan struct{}),
	}
}

// Start subscribes to the announcement topic so received announcements
// surface as EventSessionAnnounced.
func (o *SessionOrchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	unsub, err := o.net.Subscribe(ctx, AnnounceTopicName, o.handleAnnouncement)
	if err != nil {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
		return fmt.Errorf("[Session] error subscribing to announcements: %w", err)
	}

	o.mu.Lock()
	o.unsubAnnounce = unsub
	o.mu.Unlock()

	return nil
}

// Stop tears down subscriptions and monitors. Live sessions are dropped
// without aborting the protocol for remote peers; their entries simply
// expire.
func (o *SessionOrchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false

	disposers := make([]func(), 0, len(o.topicSubs)+1)
	if o.unsubAnnounce != nil {
		disposers = append(disposers, o.unsubAnnounce)
		o.unsubAnnounce = nil
	}
	for id, unsub := range o.topicSubs {
		disposers = append(disposers, unsub)
		delete(o.topicSubs, id)
	}
	for id, stop := range o.monitors {
		close(stop)
		delete(o.monitors, id)
	}
	o.mu.Unlock()

	for _, d := range disposers {
		d()
	}
}

// CreateSigningSession registers a new session in INIT as initiator. The
// signer index is this peer's position in the canonical sort of all public
// keys; every participant computes the same order, so indices and the
// aggregate key agree without coordination.
func (o *SessionOrchestrator) CreateSigningSession(ctx context.Context, publicKeys []*secp256k1.PublicKey, ownPrivateKey []byte, message []byte, metadata map[string]string) (*SigningSession, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	if len(publicKeys) < 2 {
		return nil, fmt.Errorf("[Session] need at least 2 signers, got %d", len(publicKeys))
	}

	ordered := CanonicalKeyOrder(publicKeys)
	ownPub := secp256k1.PrivKeyFromBytes(ownPrivateKey).PubKey()
	ownIndex := SignerIndexOf(ordered, ownPub)
	if ownIndex < 0 {
		return nil, fmt.Errorf("[Session] own public key is not among the participants")
	}

	id := uuid.NewString()
	if err := o.engine.CreateSession(ctx, id, ordered, ownIndex, ownPrivateKey, message); err != nil {
		return nil, fmt.Errorf("[Session] engine rejected session: %w", err)
	}

	session := o.buildSession(id, ordered, ownIndex, message, metadata, true, o.net.LocalPeerID())
	if err := o.registerSession(ctx, session); err != nil {
		o.engine.Discard(id)
		return nil, err
	}

	o.logger.Infof("[Session] created session %s with %d signers, own index %d", id, len(ordered), ownIndex)
	o.events.Emit(Event{Type: EventSessionPhaseChanged, SessionID: id, Phase: PhaseInit})

	return session, nil
}

// AnnounceSession publishes the session announcement so co-signers can join.
// Only the initiator may announce, and only from INIT.
func (o *SessionOrchestrator) AnnounceSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if !session.IsInitiator || session.Phase != PhaseInit {
		phase := session.Phase
		o.mu.Unlock()
		return &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "announce"}
	}

	ann := SessionAnnouncement{
		SessionID:         session.ID,
		CoordinatorPeerID: session.CoordinatorPeerID,
		Message:           session.Message,
		Metadata:          session.Metadata,
		CreatedAt:         session.CreatedAt,
		ExpiresAt:         session.ExpiresAt,
	}
	for _, p := range session.Participants {
		ann.PublicKeys = append(ann.PublicKeys, p.PublicKey.SerializeCompressed())
	}
	o.mu.Unlock()

	payload, err := json.Marshal(&ann)
	if err != nil {
		return fmt.Errorf("[Session] error serializing announcement: %w", err)
	}
	if err := o.net.Publish(ctx, AnnounceTopicName, payload); err != nil {
		return fmt.Errorf("[Session] error publishing announcement: %w", err)
	}

	o.logger.Infof("[Session] announced session %s", sessionID)

	return nil
}

// JoinSession validates a received announcement and registers the session in
// INIT as a non-initiator.
func (o *SessionOrchestrator) JoinSession(ctx context.Context, ann *SessionAnnouncement, ownPrivateKey []byte) (*SigningSession, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	if err := validateAnnouncement(ann, o.clk.Now()); err != nil {
		return nil, err
	}

	keys := make([]*secp256k1.PublicKey, 0, len(ann.PublicKeys))
	for _, raw := range ann.PublicKeys {
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("[Session] invalid participant key in announcement: %w", err)
		}
		keys = append(keys, pub)
	}

	ordered := CanonicalKeyOrder(keys)
	ownPub := secp256k1.PrivKeyFromBytes(ownPrivateKey).PubKey()
	ownIndex := SignerIndexOf(ordered, ownPub)
	if ownIndex < 0 {
		return nil, fmt.Errorf("[Session] this signer is not a participant of session %s", ann.SessionID)
	}

	if err := o.engine.CreateSession(ctx, ann.SessionID, ordered, ownIndex, ownPrivateKey, ann.Message); err != nil {
		return nil, fmt.Errorf("[Session] engine rejected session: %w", err)
	}

	session := o.buildSession(ann.SessionID, ordered, ownIndex, ann.Message, ann.Metadata, false, ann.CoordinatorPeerID)
	session.CreatedAt = ann.CreatedAt
	session.ExpiresAt = ann.ExpiresAt
	if err := o.registerSession(ctx, session); err != nil {
		o.engine.Discard(ann.SessionID)
		return nil, err
	}

	o.logger.Infof("[Session] joined session %s, own index %d", ann.SessionID, ownIndex)
	o.events.Emit(Event{Type: EventSessionPhaseChanged, SessionID: session.ID, Phase: PhaseInit})

	return session, nil
}

func validateAnnouncement(ann *SessionAnnouncement, now time.Time) error {
	if ann == nil || ann.SessionID == "" {
		return fmt.Errorf("[Session] announcement missing session id")
	}
	if len(ann.PublicKeys) < 2 {
		return fmt.Errorf("[Session] announcement lists %d signers, need at least 2", len(ann.PublicKeys))
	}
	if !ann.ExpiresAt.After(now) {
		return fmt.Errorf("[Session] announcement for %s is expired", ann.SessionID)
	}
	return nil
}

func (o *SessionOrchestrator) buildSession(id string, ordered []*secp256k1.PublicKey, ownIndex int, message []byte, metadata map[string]string, initiator bool, coordinator string) *SigningSession {
	now := o.clk.Now()
	session := &SigningSession{
		ID:                id,
		Phase:             PhaseInit,
		IsInitiator:       initiator,
		CoordinatorPeerID: coordinator,
		OwnIndex:          ownIndex,
		Message:           message,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(o.cfg.SessionTTL),
	}
	for i, pub := range ordered {
		p := &Participant{PublicKey: pub, SignerIndex: i}
		if i == ownIndex {
			p.PeerID = o.net.LocalPeerID()
		} else {
			p.PeerID = o.resolvePeerID(pub)
		}
		session.Participants = append(session.Participants, p)
	}
	return session
}

// registerSession stores the session and subscribes to its round topic.
func (o *SessionOrchestrator) registerSession(ctx context.Context, session *SigningSession) error {
	unsub, err := o.net.Subscribe(ctx, SessionTopicPrefix+session.ID, o.handleRoundMessage)
	if err != nil {
		return fmt.Errorf("[Session] error subscribing to session topic: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.sessions[session.ID]; exists {
		unsub()
		return fmt.Errorf("[Session] session %s already registered", session.ID)
	}
	o.sessions[session.ID] = session
	o.topicSubs[session.ID] = unsub
	return nil
}

// resolvePeerID maps a participant public key to a peer id through the
// discovery cache. Returns "" when the signer has not been discovered yet.
func (o *SessionOrchestrator) resolvePeerID(pub *secp256k1.PublicKey) string {
	entry, ok := o.conn.Cache().FindByPublicKey(hex.EncodeToString(pub.SerializeCompressed()))
	if !ok {
		return ""
	}
	return entry.Advertisement.PeerID
}

// Session returns the live session record for id.
func (o *SessionOrchestrator) Session(sessionID string) (*SigningSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// PreflightSigningSession verifies every co-signer is reachable before the
// protocol starts, dialing any that are not currently connected. The result
// names unreachable participants by friendly identifier; callers must not
// announce after a failed preflight unless they explicitly opt out.
func (o *SessionOrchestrator) PreflightSigningSession(ctx context.Context, sessionID string, rc RetryConfig) (*PreflightResult, error) {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if session.Phase.Terminal() {
		phase := session.Phase
		o.mu.Unlock()
		return nil, &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "preflight"}
	}

	type target struct {
		participant *Participant
		entry       *CacheEntry
	}
	targets := make([]target, 0, len(session.Participants))
	var unreachable []string
	var unreachableMu sync.Mutex

	for _, p := range session.Participants {
		if p.SignerIndex == session.OwnIndex {
			continue
		}
		if p.PeerID == "" {
			p.PeerID = o.resolvePeerID(p.PublicKey)
		}
		if p.PeerID == "" {
			unreachable = append(unreachable, o.friendlyName(p))
			continue
		}
		entry, _ := o.conn.Cache().Get(p.PeerID)
		targets = append(targets, target{participant: p, entry: entry})
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if o.net.IsConnected(t.participant.PeerID) {
				return nil
			}
			ad := PresenceAdvertisement{PeerID: t.participant.PeerID}
			if t.entry != nil {
				ad = t.entry.Advertisement
			}
			res := o.conn.ConnectWithRetry(gctx, &ad, rc)
			if !res.Connected {
				o.logger.Warnf("[Session] preflight: %v", res.Err)
				unreachableMu.Lock()
				unreachable = append(unreachable, o.friendlyName(t.participant))
				unreachableMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // workers report through unreachable, never an error

	return &PreflightResult{Ready: len(unreachable) == 0, Unreachable: unreachable}, nil
}

// friendlyName picks the most human identifier available for a participant:
// cached nickname, abbreviated peer id, else abbreviated public key.
func (o *SessionOrchestrator) friendlyName(p *Participant) string {
	if p.PeerID != "" {
		if entry, ok := o.conn.Cache().Get(p.PeerID); ok && entry.Advertisement.Nickname != "" {
			return entry.Advertisement.Nickname
		}
		return shortID(p.PeerID)
	}
	return shortID(hex.EncodeToString(p.PublicKey.SerializeCompressed()))
}

// ShareNonces generates and broadcasts this signer's public nonce, entering
// NONCE_EXCHANGE. Calling it again after the nonce round has closed is a
// protocol violation; the phase never reverts.
func (o *SessionOrchestrator) ShareNonces(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.Phase != PhaseInit && session.Phase != PhaseNonceExchange {
		phase := session.Phase
		o.mu.Unlock()
		return &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "share_nonces"}
	}
	ownIndex := session.OwnIndex
	o.mu.Unlock()

	nonce, err := o.engine.GenerateNonce(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("[Session] error generating nonce: %w", err)
	}
	if err := o.publishRound(ctx, sessionID, roundMessage{
		Type:        roundMsgNonce,
		SessionID:   sessionID,
		SignerIndex: ownIndex,
		Payload:     nonce,
	}); err != nil {
		return err
	}

	var events []Event
	o.mu.Lock()
	if session, ok = o.sessions[sessionID]; ok && !session.Phase.Terminal() {
		session.Participants[session.OwnIndex].HasNonce = true
		if session.Phase == PhaseInit {
			events = append(events, o.setPhaseLocked(session, PhaseNonceExchange))
		}
		if allNonces(session) {
			events = append(events, o.setPhaseLocked(session, PhasePartialSigExchange))
		}
	}
	o.mu.Unlock()

	for _, ev := range events {
		o.events.Emit(ev)
	}
	return nil
}

// SharePartialSignature produces and broadcasts this signer's partial
// signature. Valid only in PARTIAL_SIG_EXCHANGE.
func (o *SessionOrchestrator) SharePartialSignature(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.Phase != PhasePartialSigExchange {
		phase := session.Phase
		o.mu.Unlock()
		return &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "share_partial_signature"}
	}
	ownIndex := session.OwnIndex
	o.mu.Unlock()

	sig, err := o.engine.PartialSign(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("[Session] error producing partial signature: %w", err)
	}
	if err := o.publishRound(ctx, sessionID, roundMessage{
		Type:        roundMsgPartialSig,
		SessionID:   sessionID,
		SignerIndex: ownIndex,
		Payload:     sig,
	}); err != nil {
		return err
	}

	o.mu.Lock()
	if session, ok = o.sessions[sessionID]; ok && session.Phase == PhasePartialSigExchange {
		session.Participants[session.OwnIndex].HasPartialSig = true
		session.UpdatedAt = o.clk.Now()
	}
	o.mu.Unlock()

	return nil
}

func (o *SessionOrchestrator) publishRound(ctx context.Context, sessionID string, msg roundMessage) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("[Session] error serializing round message: %w", err)
	}
	if err := o.net.Publish(ctx, SessionTopicPrefix+sessionID, payload); err != nil {
		return fmt.Errorf("[Session] error publishing round message: %w", err)
	}
	return nil
}

// handleRoundMessage records co-signers' round contributions. Contributions
// for unknown, aborted or completed sessions are discarded; abort messages
// propagate the remote reason locally.
func (o *SessionOrchestrator) handleRoundMessage(ctx context.Context, payload []byte, from string) {
	var msg roundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		o.logger.Debugf("[Session] discarding malformed round message from %s: %v", shortID(from), err)
		return
	}

	o.mu.Lock()
	session, ok := o.sessions[msg.SessionID]
	if !ok || session.Phase.Terminal() {
		o.mu.Unlock()
		o.logger.Debugf("[Session] discarding %s for inactive session %s", msg.Type, msg.SessionID)
		return
	}
	if msg.Type != roundMsgAbort {
		if msg.SignerIndex < 0 || msg.SignerIndex >= len(session.Participants) {
			o.mu.Unlock()
			o.logger.Debugf("[Session] discarding %s with out-of-range signer index %d", msg.Type, msg.SignerIndex)
			return
		}
		if msg.SignerIndex == session.OwnIndex {
			o.mu.Unlock()
			return
		}
	}

	var events []Event

	switch msg.Type {
	case roundMsgNonce:
		// A nonce arriving after the nonce round closed is stale, not an
		// error; the phase never moves backwards.
		if session.Phase == PhasePartialSigExchange {
			o.mu.Unlock()
			o.logger.Debugf("[Session] discarding stale nonce for session %s", msg.SessionID)
			return
		}
		if err := o.engine.ReceiveNonce(ctx, msg.SessionID, msg.SignerIndex, msg.Payload); err != nil {
			o.mu.Unlock()
			o.logger.Warnf("[Session] engine rejected nonce from signer %d: %v", msg.SignerIndex, err)
			return
		}
		session.Participants[msg.SignerIndex].HasNonce = true
		if session.Phase == PhaseInit {
			events = append(events, o.setPhaseLocked(session, PhaseNonceExchange))
		}
		if allNonces(session) {
			events = append(events, o.setPhaseLocked(session, PhasePartialSigExchange))
		}
	case roundMsgPartialSig:
		if session.Phase != PhasePartialSigExchange {
			o.mu.Unlock()
			o.logger.Debugf("[Session] discarding early partial signature for session %s", msg.SessionID)
			return
		}
		if err := o.engine.ReceivePartialSignature(ctx, msg.SessionID, msg.SignerIndex, msg.Payload); err != nil {
			o.mu.Unlock()
			o.logger.Warnf("[Session] engine rejected partial signature from signer %d: %v", msg.SignerIndex, err)
			return
		}
		session.Participants[msg.SignerIndex].HasPartialSig = true
		session.UpdatedAt = o.clk.Now()
	case roundMsgAbort:
		reason := msg.Reason
		if reason == "" {
			reason = "aborted by " + shortID(from)
		}
		events = append(events, o.abortLocked(session, reason))
	default:
		o.logger.Debugf("[Session] discarding unknown round message type %q", msg.Type)
	}
	o.mu.Unlock()

	for _, ev := range events {
		o.events.Emit(ev)
	}
}

func allNonces(s *SigningSession) bool {
	for _, p := range s.Participants {
		if !p.HasNonce {
			return false
		}
	}
	return true
}

// setPhaseLocked advances the phase and returns the event to emit once the
// lock is released. Called with o.mu held.
func (o *SessionOrchestrator) setPhaseLocked(s *SigningSession, phase SessionPhase) Event {
	s.Phase = phase
	s.UpdatedAt = o.clk.Now()
	o.logger.Debugf("[Session] session %s entered %s", s.ID, phase)
	return Event{Type: EventSessionPhaseChanged, SessionID: s.ID, Phase: phase}
}

// CanFinalizeSession reports whether every participant's partial signature
// has been recorded. There is no implicit timeout; a session missing a
// contribution stays unfinalizable until aborted.
func (o *SessionOrchestrator) CanFinalizeSession(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[sessionID]
	if !ok || session.Phase != PhasePartialSigExchange {
		return false
	}
	for _, p := range session.Participants {
		if !p.HasPartialSig {
			return false
		}
	}
	return true
}

// FinalizeSession aggregates the partial signatures into the final signature
// and completes the session. Finalizing before every partial signature is in
// is a protocol violation.
func (o *SessionOrchestrator) FinalizeSession(ctx context.Context, sessionID string) ([]byte, error) {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	canFinalize := session.Phase == PhasePartialSigExchange
	if canFinalize {
		for _, p := range session.Participants {
			if !p.HasPartialSig {
				canFinalize = false
				break
			}
		}
	}
	if !canFinalize {
		phase := session.Phase
		o.mu.Unlock()
		return nil, &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "finalize"}
	}
	o.mu.Unlock()

	sig, err := o.engine.Aggregate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("[Session] error aggregating signature: %w", err)
	}

	var events []Event
	o.mu.Lock()
	if session, ok = o.sessions[sessionID]; ok {
		events = append(events, o.setPhaseLocked(session, PhaseComplete))
		o.removeSessionLocked(sessionID)
	}
	o.mu.Unlock()

	events = append(events, Event{Type: EventSignatureReady, SessionID: sessionID, Payload: sig})
	for _, ev := range events {
		o.events.Emit(ev)
	}

	o.logger.Infof("[Session] session %s complete", sessionID)

	return sig, nil
}

// AbortSession transitions a non-terminal session to ABORTED, broadcasts the
// abort to co-signers and surfaces the reason to local listeners.
func (o *SessionOrchestrator) AbortSession(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	session, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if session.Phase.Terminal() {
		phase := session.Phase
		o.mu.Unlock()
		return &ProtocolViolationError{SessionID: sessionID, Phase: phase, Op: "abort"}
	}
	ownIndex := session.OwnIndex
	ev := o.abortLocked(session, reason)
	o.mu.Unlock()

	// Best effort: co-signers also drop the session on expiry.
	if err := o.publishRound(ctx, sessionID, roundMessage{
		Type:        roundMsgAbort,
		SessionID:   sessionID,
		SignerIndex: ownIndex,
		Reason:      reason,
	}); err != nil {
		o.logger.Warnf("[Session] error broadcasting abort for %s: %v", sessionID, err)
	}

	o.events.Emit(ev)

	return nil
}

// abortLocked marks the session aborted and removes it from the live table.
// Called with o.mu held; returns the abort event for emission after unlock.
func (o *SessionOrchestrator) abortLocked(session *SigningSession, reason string) Event {
	session.Phase = PhaseAborted
	session.UpdatedAt = o.clk.Now()
	o.removeSessionLocked(session.ID)
	o.logger.Infof("[Session] session %s aborted: %s", session.ID, reason)
	return Event{Type: EventSessionAborted, SessionID: session.ID, Phase: PhaseAborted, Reason: reason}
}

// removeSessionLocked drops the session from the live table and releases its
// topic subscription, monitor and engine state. Called with o.mu held.
func (o *SessionOrchestrator) removeSessionLocked(sessionID string) {
	delete(o.sessions, sessionID)
	if unsub, ok := o.topicSubs[sessionID]; ok {
		delete(o.topicSubs, sessionID)
		go unsub()
	}
	if stop, ok := o.monitors[sessionID]; ok {
		delete(o.monitors, sessionID)
		close(stop)
	}
	o.engine.Discard(sessionID)
}

// handleAnnouncement surfaces received session announcements as events so
// the caller can decide whether to join.
func (o *SessionOrchestrator) handleAnnouncement(_ context.Context, payload []byte, from string) {
	var ann SessionAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		o.logger.Debugf("[Session] discarding malformed announcement from %s: %v", shortID(from), err)
		return
	}
	if err := validateAnnouncement(&ann, o.clk.Now()); err != nil {
		o.logger.Debugf("[Session] %v", err)
		return
	}
	if ann.CoordinatorPeerID == o.net.LocalPeerID() {
		return
	}

	o.logger.Infof("[Session] received announcement for session %s from %s", ann.SessionID, shortID(from))
	o.events.Emit(Event{Type: EventSessionAnnounced, SessionID: ann.SessionID, PeerID: ann.CoordinatorPeerID, Announcement: &ann})
}

// MonitorSessionConnections polls participant connectivity (default every
// 5s) until the session leaves the live table. A participant found without an
// open connection raises EventParticipantDisconnected and triggers a bounded
// reconnect; success raises EventParticipantReconnected. An expired session
// is aborted. The returned disposer stops the monitor early.
func (o *SessionOrchestrator) MonitorSessionConnections(ctx context.Context, sessionID string) (func(), error) {
	o.mu.Lock()
	if _, ok := o.sessions[sessionID]; !ok {
		o.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if _, exists := o.monitors[sessionID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("[Session] session %s is already monitored", sessionID)
	}
	stop := make(chan struct{})
	o.monitors[sessionID] = stop
	o.mu.Unlock()

	go o.monitorLoop(ctx, sessionID, stop)

	return func() {
		o.mu.Lock()
		if s, ok := o.monitors[sessionID]; ok && s == stop {
			delete(o.monitors, sessionID)
			close(stop)
		}
		o.mu.Unlock()
	}, nil
}

func (o *SessionOrchestrator) monitorLoop(ctx context.Context, sessionID string, stop chan struct{}) {
	ticker := o.clk.Ticker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	down := make(map[string]bool)

	for {
		select {
		case <-ticker.C:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}

		o.mu.Lock()
		session, ok := o.sessions[sessionID]
		if !ok {
			o.mu.Unlock()
			return
		}
		expired := !session.ExpiresAt.After(o.clk.Now())
		type peerRef struct {
			peerID string
			p      *Participant
		}
		peers := make([]peerRef, 0, len(session.Participants))
		for _, p := range session.Participants {
			if p.SignerIndex != session.OwnIndex && p.PeerID != "" {
				peers = append(peers, peerRef{peerID: p.PeerID, p: p})
			}
		}
		o.mu.Unlock()

		if expired {
			if err := o.AbortSession(ctx, sessionID, "session expired"); err != nil {
				o.logger.Debugf("[Session] error aborting expired session %s: %v", sessionID, err)
			}
			return
		}

		for _, ref := range peers {
			if o.net.IsConnected(ref.peerID) {
				if down[ref.peerID] {
					down[ref.peerID] = false
					o.events.Emit(Event{Type: EventParticipantReconnected, SessionID: sessionID, PeerID: ref.peerID})
				}
				continue
			}

			if !down[ref.peerID] {
				down[ref.peerID] = true
				o.logger.Warnf("[Session] participant %s disconnected from session %s", shortID(ref.peerID), sessionID)
				o.events.Emit(Event{Type: EventParticipantDisconnected, SessionID: sessionID, PeerID: ref.peerID})
			}

			ad := PresenceAdvertisement{PeerID: ref.peerID}
			if entry, ok := o.conn.Cache().Get(ref.peerID); ok {
				ad = entry.Advertisement
			}
			res := o.conn.ConnectWithRetry(ctx, &ad, RetryConfig{
				MaxRetries:   2,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			})
			if res.Connected {
				down[ref.peerID] = false
				o.logger.Infof("[Session] participant %s reconnected to session %s", shortID(ref.peerID), sessionID)
				o.events.Emit(Event{Type: EventParticipantReconnected, SessionID: sessionID, PeerID: ref.peerID})
			}
		}
	}
}
