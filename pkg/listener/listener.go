package listener

import (
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
)

// Listener receives messages, presence events and statuses from a client.
type Listener interface {
	// OnMessage is called for each message delivered on a non-presence channel.
	// Encrypted payloads have already been decrypted.
	OnMessage(msg envelope.Message)

	// OnPresence is called for each event delivered on a presence shadow channel.
	OnPresence(event PresenceEvent)

	// OnStatus is called on connection lifecycle changes and errors.
	OnStatus(status Status)
}

// Funcs adapts plain functions to the Listener interface. Nil fields are
// ignored. Use a pointer so the same adapter can later be removed.
type Funcs struct {
	Message  func(envelope.Message)
	Presence func(PresenceEvent)
	Status   func(Status)
}

// OnMessage implements Listener.
func (f *Funcs) OnMessage(msg envelope.Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

// OnPresence implements Listener.
func (f *Funcs) OnPresence(event PresenceEvent) {
	if f.Presence != nil {
		f.Presence(event)
	}
}

// OnStatus implements Listener.
func (f *Funcs) OnStatus(status Status) {
	if f.Status != nil {
		f.Status(status)
	}
}
