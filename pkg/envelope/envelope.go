package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PresenceSuffix marks the presence shadow channel of a channel or group.
const PresenceSuffix = "-pnpres"

// Message types carried in the "e" field of a v2 response.
const (
	TypeMessage       = 0
	TypeSignal        = 1
	TypeObjects       = 2
	TypeMessageAction = 3
	TypeFile          = 4
)

// ErrMalformed is returned when a response body has neither recognised shape.
var ErrMalformed = errors.New("malformed subscribe response")

// Message is a single payload delivered by a long-poll.
type Message struct {
	// Channel is the concrete channel the message was published to
	Channel string

	// Subscription is the entity that matched the message on the server
	// (a channel group or wildcard); empty when it equals Channel
	Subscription string

	// Payload is the raw JSON payload, possibly an encrypted JSON string
	Payload json.RawMessage

	// MessageType is one of the Type* constants
	MessageType int

	// Publisher is the UUID of the publishing client, when known
	Publisher string

	// Timetoken is the publish timetoken of this message
	Timetoken uint64

	// Region is the publish region of this message
	Region uint32

	// UserMeta is the optional metadata attached at publish time
	UserMeta json.RawMessage
}

// Envelope is a decoded long-poll response.
type Envelope struct {
	Messages []Message
	Cursor   Cursor
}

// IsPresenceChannel reports whether name is a presence shadow channel.
func IsPresenceChannel(name string) bool {
	return strings.HasSuffix(name, PresenceSuffix)
}

// PresenceChannel returns the presence shadow channel for name.
func PresenceChannel(name string) string {
	if IsPresenceChannel(name) {
		return name
	}
	return name + PresenceSuffix
}

// BaseChannel strips the presence suffix from name, if present.
func BaseChannel(name string) string {
	return strings.TrimSuffix(name, PresenceSuffix)
}

type wireTimetoken struct {
	T string  `json:"t"`
	R *uint32 `json:"r"`
}

type wireMessage struct {
	Channel      string          `json:"c"`
	Subscription string          `json:"b"`
	Payload      json.RawMessage `json:"d"`
	Type         int             `json:"e"`
	Publisher    string          `json:"i"`
	Published    *wireTimetoken  `json:"p"`
	UserMeta     json.RawMessage `json:"u"`
}

type wireEnvelope struct {
	T *wireTimetoken `json:"t"`
	M []wireMessage  `json:"m"`
}

// Decode parses a long-poll response body in either the v2 object shape or
// the legacy array shape.
func Decode(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	switch trimmed[0] {
	case '{':
		return decodeObject(trimmed)
	case '[':
		return decodeLegacy(trimmed)
	default:
		return nil, fmt.Errorf("%w: unexpected leading byte %q", ErrMalformed, trimmed[0])
	}
}

func decodeObject(body []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.T == nil {
		return nil, fmt.Errorf("%w: missing timetoken", ErrMalformed)
	}

	cursor, err := wire.T.cursor()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Messages: make([]Message, 0, len(wire.M)),
		Cursor:   cursor,
	}
	for _, wm := range wire.M {
		msg := Message{
			Channel:      wm.Channel,
			Subscription: wm.Subscription,
			Payload:      wm.Payload,
			MessageType:  wm.Type,
			Publisher:    wm.Publisher,
			UserMeta:     wm.UserMeta,
		}
		if msg.Subscription == msg.Channel {
			msg.Subscription = ""
		}
		if wm.Published != nil {
			published, err := wm.Published.cursor()
			if err != nil {
				return nil, err
			}
			msg.Timetoken = published.Timetoken
			msg.Region = published.Region
		}
		env.Messages = append(env.Messages, msg)
	}

	return env, nil
}

func (w *wireTimetoken) cursor() (Cursor, error) {
	tt, err := ParseTimetoken(w.T)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	c := NewCursor(tt)
	if w.R != nil {
		c = c.WithRegion(*w.R)
	}
	return c, nil
}

// decodeLegacy handles [[payloads...], "timetoken", "ch1,ch2", "sub1,sub2"].
// The channel list is correlated with the payloads by position; when it is
// absent the messages carry no channel and are routed by the caller.
func decodeLegacy(body []byte) (*Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: legacy reply has %d elements", ErrMalformed, len(parts))
	}

	var payloads []json.RawMessage
	if err := json.Unmarshal(parts[0], &payloads); err != nil {
		return nil, fmt.Errorf("%w: legacy payload list: %v", ErrMalformed, err)
	}

	var ttString string
	if err := json.Unmarshal(parts[1], &ttString); err != nil {
		return nil, fmt.Errorf("%w: legacy timetoken: %v", ErrMalformed, err)
	}
	tt, err := ParseTimetoken(ttString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	channels, err := legacyList(parts, 2)
	if err != nil {
		return nil, err
	}
	subscriptions, err := legacyList(parts, 3)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Messages: make([]Message, 0, len(payloads)),
		Cursor:   NewCursor(tt),
	}
	for i, payload := range payloads {
		msg := Message{Payload: payload}
		if i < len(channels) {
			msg.Channel = channels[i]
		}
		if i < len(subscriptions) && subscriptions[i] != msg.Channel {
			msg.Subscription = subscriptions[i]
		}
		env.Messages = append(env.Messages, msg)
	}

	return env, nil
}

func legacyList(parts []json.RawMessage, idx int) ([]string, error) {
	if len(parts) <= idx {
		return nil, nil
	}
	var joined string
	if err := json.Unmarshal(parts[idx], &joined); err != nil {
		return nil, fmt.Errorf("%w: legacy element %d: %v", ErrMalformed, idx, err)
	}
	if joined == "" {
		return nil, nil
	}
	return strings.Split(joined, ","), nil
}
