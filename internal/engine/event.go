package engine

import "github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"

// Event is an input to the state machine. The set of events is closed.
type Event interface {
	eventName() string
}

// SubscriptionChanged carries the new effective entity list.
type SubscriptionChanged struct {
	Channels []string
	Groups   []string
}

// SubscriptionRestored carries a new entity list and the cursor to resume from.
type SubscriptionRestored struct {
	Channels []string
	Groups   []string
	Cursor   envelope.Cursor
}

// HandshakeSuccess carries the cursor assigned by the server.
type HandshakeSuccess struct {
	Cursor envelope.Cursor
}

// HandshakeFailure carries the handshake error.
type HandshakeFailure struct {
	Err error
}

// ReceiveSuccess carries a decoded long-poll response.
type ReceiveSuccess struct {
	Envelope *envelope.Envelope
}

// ReceiveFailure carries the long-poll error.
type ReceiveFailure struct {
	Err error
}

// Disconnect stops the loop while keeping the subscription.
type Disconnect struct{}

// Reconnect resumes a stopped or failed loop. A non-zero Cursor replaces the
// carried one.
type Reconnect struct {
	Cursor envelope.Cursor
}

// UnsubscribeAll drops every entity and resets the cursor.
type UnsubscribeAll struct{}

func (SubscriptionChanged) eventName() string  { return "SubscriptionChanged" }
func (SubscriptionRestored) eventName() string { return "SubscriptionRestored" }
func (HandshakeSuccess) eventName() string     { return "HandshakeSuccess" }
func (HandshakeFailure) eventName() string     { return "HandshakeFailure" }
func (ReceiveSuccess) eventName() string       { return "ReceiveSuccess" }
func (ReceiveFailure) eventName() string       { return "ReceiveFailure" }
func (Disconnect) eventName() string           { return "Disconnect" }
func (Reconnect) eventName() string            { return "Reconnect" }
func (UnsubscribeAll) eventName() string       { return "UnsubscribeAll" }

// EventName returns a stable name for logging and metrics.
func EventName(e Event) string {
	if e == nil {
		return "nil"
	}
	return e.eventName()
}
