// ABOUTME: Socket and Dialer abstractions over the WhatsApp-like protocol bridge
// ABOUTME: Typed connection events and the close-reason policy driving reconnects

package whatsapp

import (
	"context"
	"errors"
)

// Socket is one live protocol connection for one session. Implementations
// surface protocol callbacks as a bounded stream of typed events; the
// manager owns the read loop.
type Socket interface {
	// Events yields connection lifecycle and message events. The channel is
	// closed when the socket dies; the final CloseEvent arrives first.
	Events() <-chan Event

	// SendText sends a text message to a JID. Returns ErrNotConnected when
	// the socket is not in the open state.
	SendText(ctx context.Context, toJID, text string) error

	// OwnJID returns the authenticated account's JID, empty before open.
	OwnJID() string

	// PhoneForLID asks the protocol layer to resolve an opaque link id to a
	// phone JID. Returns "" when no mapping is known.
	PhoneForLID(lid string) string

	// Logout tears the session down server-side, invalidating credentials.
	Logout(ctx context.Context) error

	// Close shuts the connection without invalidating credentials.
	Close() error
}

// Dialer opens sockets. The credential directory persists auth state between
// connections; wiping it forces a fresh QR pairing.
type Dialer interface {
	Dial(ctx context.Context, authDir string) (Socket, error)
}

// ErrNotConnected is returned by Socket.SendText when no connection is open.
var ErrNotConnected = errors.New("whatsapp: socket not connected")

// Event is a marker for the typed events a Socket emits.
type Event interface{ isEvent() }

// QREvent carries a pairing code to surface to the operator.
type QREvent struct {
	Code string
}

// OpenEvent signals a fully authenticated connection.
type OpenEvent struct {
	OwnJID string
}

// CloseEvent signals the connection ended, carrying the protocol's reason.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// MessageEvent is an incoming (or self-sent, when FromMe) text message.
type MessageEvent struct {
	ID       string
	ChatJID  string
	AltJID   string // secondary addressing for the same chat, may be empty
	PushName string
	Text     string
	FromMe   bool
}

func (QREvent) isEvent()      {}
func (OpenEvent) isEvent()    {}
func (CloseEvent) isEvent()   {}
func (MessageEvent) isEvent() {}

// CloseReason is the protocol-level cause of a disconnect.
type CloseReason string

const (
	ReasonRestartRequired     CloseReason = "restartRequired"
	ReasonLoggedOut           CloseReason = "loggedOut"
	ReasonConnectionReplaced  CloseReason = "connectionReplaced"
	ReasonForbidden           CloseReason = "forbidden"
	ReasonMultideviceMismatch CloseReason = "multideviceMismatch"
	ReasonBadSession          CloseReason = "badSession"
	ReasonConnectionClosed    CloseReason = "connectionClosed"
	ReasonConnectionLost      CloseReason = "connectionLost"
	ReasonTimedOut            CloseReason = "timedOut"
	ReasonUnavailable         CloseReason = "unavailable"
	ReasonUnknown             CloseReason = "unknown"
)

// ClosePolicy is what the manager does about a disconnect.
type ClosePolicy int

const (
	// PolicyRestart reconnects immediately without touching the backoff
	// counter; the server asked for a restart as part of normal operation.
	PolicyRestart ClosePolicy = iota

	// PolicyTerminal ends the session for good. Reconnecting would loop
	// (logged out, replaced by another device, forbidden), so the session
	// is cleared and a human has to re-pair.
	PolicyTerminal

	// PolicyWipeCredentials is terminal and additionally deletes stored
	// credentials; they are corrupt and poison any future connection.
	PolicyWipeCredentials

	// PolicyReconnect schedules a reconnect with exponential backoff.
	PolicyReconnect
)

// PolicyFor maps a close reason to the manager's response. Unrecognized
// reasons get the reconnect policy: a transient network blip we fail to
// classify should retry, not strand the session.
func PolicyFor(reason CloseReason) ClosePolicy {
	switch reason {
	case ReasonRestartRequired:
		return PolicyRestart
	case ReasonLoggedOut, ReasonConnectionReplaced, ReasonForbidden, ReasonMultideviceMismatch:
		return PolicyTerminal
	case ReasonBadSession:
		return PolicyWipeCredentials
	default:
		return PolicyReconnect
	}
}
