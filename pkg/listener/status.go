package listener

import (
	"fmt"
	"strings"
)

// Category classifies a Status.
type Category int

const (
	// Connected is emitted when the first long-poll of a subscription is established
	Connected Category = iota
	// Reconnected is emitted when a long-poll succeeds after a failure
	Reconnected
	// Disconnected is emitted on an intentional stop (Disconnect or unsubscribe-all)
	Disconnected
	// UnexpectedDisconnect is emitted when a long-poll fails and reconnection starts
	UnexpectedDisconnect
	// ConnectionError is emitted when handshake or receive retries are exhausted
	ConnectionError
	// AccessDenied is emitted to the listeners of channels the server refused
	AccessDenied
	// DecryptionError is emitted when a payload could not be decrypted
	DecryptionError
	// MalformedResponse is emitted when the server reply could not be decoded
	MalformedResponse
	// HeartbeatFailed is emitted when a presence heartbeat or leave fails
	HeartbeatFailed
	// SubscriptionChanged is emitted when a running long-poll is restarted for a new entity list
	SubscriptionChanged
)

func (c Category) String() string {
	switch c {
	case Connected:
		return "Connected"
	case Reconnected:
		return "Reconnected"
	case Disconnected:
		return "Disconnected"
	case UnexpectedDisconnect:
		return "UnexpectedDisconnect"
	case ConnectionError:
		return "ConnectionError"
	case AccessDenied:
		return "AccessDenied"
	case DecryptionError:
		return "DecryptionError"
	case MalformedResponse:
		return "MalformedResponse"
	case HeartbeatFailed:
		return "HeartbeatFailed"
	case SubscriptionChanged:
		return "SubscriptionChanged"
	default:
		return "Unknown"
	}
}

// IsError reports whether the category describes a failure.
func (c Category) IsError() bool {
	switch c {
	case UnexpectedDisconnect, ConnectionError, AccessDenied, DecryptionError, MalformedResponse, HeartbeatFailed:
		return true
	default:
		return false
	}
}

// Status describes a connection lifecycle change or an error.
type Status struct {
	// Category classifies the status
	Category Category

	// Operation names the request that produced the status ("subscribe", "heartbeat", ...)
	Operation string

	// Channels and Groups scope the status. When both are empty the status
	// concerns the whole client and is delivered to every listener.
	Channels []string
	Groups   []string

	// Err carries the underlying error, if any
	Err error
}

// Scoped reports whether the status concerns specific entities only.
func (s Status) Scoped() bool {
	return len(s.Channels) > 0 || len(s.Groups) > 0
}

func (s Status) String() string {
	var b strings.Builder
	b.WriteString(s.Category.String())
	if len(s.Channels) > 0 {
		fmt.Fprintf(&b, " channels=%s", strings.Join(s.Channels, ","))
	}
	if len(s.Groups) > 0 {
		fmt.Fprintf(&b, " groups=%s", strings.Join(s.Groups, ","))
	}
	if s.Err != nil {
		fmt.Fprintf(&b, ": %v", s.Err)
	}
	return b.String()
}
