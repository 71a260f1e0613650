package p2p

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle and lookup failures.
var (
	// ErrNotStarted is returned when an operation is invoked before the
	// owning component has been started. This is a programmer error.
	ErrNotStarted = errors.New("component not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("component already started")

	// ErrSessionNotFound is returned when a session id does not resolve to a
	// live signing session.
	ErrSessionNotFound = errors.New("signing session not found")

	// ErrUnknownPeer is returned when a participant's peer id cannot be
	// resolved from the discovery cache.
	ErrUnknownPeer = errors.New("peer not known to discovery cache")

	// ErrProtocolViolation is the sentinel wrapped by every
	// ProtocolViolationError, for use with errors.Is.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEntryNotFound is returned by Store implementations when a key has
	// no value.
	ErrEntryNotFound = errors.New("entry not found")
)

// ProtocolViolationError reports a session operation invoked out of order
// relative to the session's current phase, e.g. finalizing before every
// participant has contributed a partial signature.
type ProtocolViolationError struct {
	SessionID string
	Phase     SessionPhase
	Op        string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s not allowed in phase %s (session %s)", e.Op, e.Phase, e.SessionID)
}

// Unwrap allows errors.Is(err, ErrProtocolViolation).
func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// ConnectivityError reports that a specific peer stayed unreachable after the
// configured number of connection attempts. It is carried inside
// ConnectionAttemptResult on best-effort paths rather than aborting the
// caller's flow.
type ConnectivityError struct {
	PeerID   string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("peer %s unreachable after %d attempts: %v", e.PeerID, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProbeErrorKind classifies bootstrap probe failures.
type ProbeErrorKind string

const (
	// ProbeTimeout indicates the probe exceeded its client-side deadline.
	ProbeTimeout ProbeErrorKind = "timeout"
	// ProbeHTTPError indicates the endpoint answered with a non-2xx status.
	ProbeHTTPError ProbeErrorKind = "http_error"
	// ProbeNetworkError indicates the request failed below HTTP.
	ProbeNetworkError ProbeErrorKind = "network_error"
)

// ProbeError is the structured failure returned by BootstrapClient. Probes
// never panic; every failure mode maps to one of the three kinds.
type ProbeError struct {
	Kind ProbeErrorKind
	URL  string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("bootstrap probe %s failed (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }
