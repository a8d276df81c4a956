package engine

import (
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
)

// Effect is an instruction produced by a transition. The set of effects is
// closed; the engine executes them in order.
type Effect interface {
	effectName() string
}

// Handshake starts a handshake for the entities.
type Handshake struct {
	Channels []string
	Groups   []string
}

// CancelHandshake aborts a running handshake.
type CancelHandshake struct{}

// HandshakeReconnect retries a handshake after a backoff delay.
type HandshakeReconnect struct {
	Channels []string
	Groups   []string
	Attempts int
	Reason   error
}

// CancelHandshakeReconnect aborts a pending handshake retry.
type CancelHandshakeReconnect struct{}

// Receive starts a long-poll from Cursor.
type Receive struct {
	Channels []string
	Groups   []string
	Cursor   envelope.Cursor
}

// CancelReceive aborts a running long-poll.
type CancelReceive struct{}

// ReceiveReconnect retries a long-poll after a backoff delay.
type ReceiveReconnect struct {
	Channels []string
	Groups   []string
	Cursor   envelope.Cursor
	Attempts int
	Reason   error
}

// CancelReceiveReconnect aborts a pending long-poll retry.
type CancelReceiveReconnect struct{}

// EmitMessages hands a response to the dispatcher.
type EmitMessages struct {
	Envelope *envelope.Envelope
}

// EmitStatus notifies listeners.
type EmitStatus struct {
	Status listener.Status
}

// PruneEntities removes entities the server refused from the registry.
type PruneEntities struct {
	Channels []string
	Groups   []string
}

func (Handshake) effectName() string                { return "Handshake" }
func (CancelHandshake) effectName() string          { return "CancelHandshake" }
func (HandshakeReconnect) effectName() string       { return "HandshakeReconnect" }
func (CancelHandshakeReconnect) effectName() string { return "CancelHandshakeReconnect" }
func (Receive) effectName() string                  { return "Receive" }
func (CancelReceive) effectName() string            { return "CancelReceive" }
func (ReceiveReconnect) effectName() string         { return "ReceiveReconnect" }
func (CancelReceiveReconnect) effectName() string   { return "CancelReceiveReconnect" }
func (EmitMessages) effectName() string             { return "EmitMessages" }
func (EmitStatus) effectName() string               { return "EmitStatus" }
func (PruneEntities) effectName() string            { return "PruneEntities" }

// EffectName returns a stable name for logging.
func EffectName(e Effect) string {
	if e == nil {
		return "nil"
	}
	return e.effectName()
}
