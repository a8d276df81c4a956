package engine

import (
	"slices"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
)

// StateKind names a state of the subscribe loop
type StateKind int

const (
	Unsubscribed StateKind = iota
	Handshaking
	HandshakeReconnecting
	HandshakeFailed
	HandshakeStopped
	Receiving
	ReceiveReconnecting
	ReceiveFailed
	ReceiveStopped
)

func (k StateKind) String() string {
	switch k {
	case Unsubscribed:
		return "Unsubscribed"
	case Handshaking:
		return "Handshaking"
	case HandshakeReconnecting:
		return "HandshakeReconnecting"
	case HandshakeFailed:
		return "HandshakeFailed"
	case HandshakeStopped:
		return "HandshakeStopped"
	case Receiving:
		return "Receiving"
	case ReceiveReconnecting:
		return "ReceiveReconnecting"
	case ReceiveFailed:
		return "ReceiveFailed"
	case ReceiveStopped:
		return "ReceiveStopped"
	default:
		return "Unknown"
	}
}

// AllStates lists every state kind, in declaration order.
func AllStates() []StateKind {
	return []StateKind{
		Unsubscribed, Handshaking, HandshakeReconnecting, HandshakeFailed, HandshakeStopped,
		Receiving, ReceiveReconnecting, ReceiveFailed, ReceiveStopped,
	}
}

// IsConnected reports whether the kind has an established subscription.
func (k StateKind) IsConnected() bool {
	return k == Receiving || k == ReceiveReconnecting
}

// Context is the payload carried between transitions. It is replaced, never
// mutated, on every transition.
type Context struct {
	Channels []string
	Groups   []string
	Cursor   envelope.Cursor

	// Attempts counts consecutive failures in a reconnecting state
	Attempts int

	// Reason is the last failure, kept in failed states
	Reason error

	// Restored marks a receive loop resumed from a saved cursor that has not
	// had a response yet; Connected is emitted on its first success.
	Restored bool
}

// State is the current state of the subscribe loop
type State struct {
	Kind    StateKind
	Context Context
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s State) Clone() State {
	s.Context.Channels = slices.Clone(s.Context.Channels)
	s.Context.Groups = slices.Clone(s.Context.Groups)
	return s
}

func (c Context) empty() bool {
	return len(c.Channels) == 0 && len(c.Groups) == 0
}
