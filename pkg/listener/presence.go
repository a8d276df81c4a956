package listener

import "encoding/json"

// Presence actions reported on presence shadow channels.
const (
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionTimeout     = "timeout"
	ActionStateChange = "state-change"
	ActionInterval    = "interval"
)

// PresenceEvent is a decoded message from a presence shadow channel.
type PresenceEvent struct {
	// Action is one of the Action* constants
	Action string `json:"action"`

	// Channel is the base channel (without the presence suffix)
	Channel string `json:"-"`

	// Subscription is the matching channel group, if any
	Subscription string `json:"-"`

	UUID      string          `json:"uuid"`
	Timestamp int64           `json:"timestamp"`
	Occupancy int             `json:"occupancy"`
	State     json.RawMessage `json:"data,omitempty"`

	// Timetoken is the publish timetoken of the presence event
	Timetoken uint64 `json:"-"`

	// Joined, Left and TimedOut list UUIDs for interval events
	Joined   []string `json:"join,omitempty"`
	Left     []string `json:"leave,omitempty"`
	TimedOut []string `json:"timeout,omitempty"`
}
