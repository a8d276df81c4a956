// Package dispatch delivers decoded long-poll batches and statuses to the
// listeners bound in the subscription registry.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/registry"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/cryptor"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// Dispatcher fans messages, presence events and statuses out to listeners.
// Listener callbacks run on the caller's goroutine, one message at a time.
type Dispatcher struct {
	registry *registry.Registry
	cryptor  cryptor.Cryptor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a Dispatcher. c and m may be nil.
func New(reg *registry.Registry, c cryptor.Cryptor, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		cryptor:  c,
		metrics:  m,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch delivers every message of env in order. A message that cannot be
// decrypted or decoded is reported and skipped; the rest of the batch is
// still delivered.
func (d *Dispatcher) Dispatch(env *envelope.Envelope) {
	if env == nil {
		return
	}
	for _, msg := range env.Messages {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg envelope.Message) {
	if msg.Channel == "" && msg.Subscription == "" {
		sole, ok := d.registry.Sole()
		if !ok {
			d.logger.Warn().Uint64("timetoken", msg.Timetoken).Msg("dropping message without channel")
			return
		}
		if sole.IsGroup {
			msg.Subscription = sole.Name
		} else {
			msg.Channel = sole.Name
		}
	}

	if envelope.IsPresenceChannel(msg.Channel) {
		d.deliverPresence(msg)
		return
	}

	if d.cryptor != nil && msg.MessageType == envelope.TypeMessage {
		payload, err := d.decrypt(msg.Payload)
		if err != nil {
			d.metrics.RecordDecryptionFailure()
			d.logger.Warn().Err(err).Str("channel", msg.Channel).Uint64("timetoken", msg.Timetoken).Msg("failed to decrypt message")
			d.Status(d.scopedStatus(listener.DecryptionError, msg, err))
			return
		}
		msg.Payload = payload
	}

	listeners, ok := d.registry.Route(msg.Channel, msg.Subscription)
	if !ok {
		d.logger.Debug().Str("channel", msg.Channel).Str("subscription", msg.Subscription).Msg("no subscribed entity for message")
		return
	}
	for _, l := range listeners {
		l.OnMessage(msg)
	}
	d.metrics.RecordDelivered(Kind(msg.MessageType))
}

func (d *Dispatcher) deliverPresence(msg envelope.Message) {
	var event listener.PresenceEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		err = fmt.Errorf("%w: presence event: %v", envelope.ErrMalformed, err)
		d.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to decode presence event")
		d.Status(d.scopedStatus(listener.MalformedResponse, msg, err))
		return
	}
	event.Channel = envelope.BaseChannel(msg.Channel)
	event.Subscription = envelope.BaseChannel(msg.Subscription)
	event.Timetoken = msg.Timetoken

	listeners, ok := d.registry.Route(msg.Channel, msg.Subscription)
	if !ok {
		return
	}
	for _, l := range listeners {
		l.OnPresence(event)
	}
	d.metrics.RecordDelivered("presence")
}

// decrypt decrypts a payload published as an encrypted JSON string. Payloads
// of any other shape pass through unchanged. A decrypted payload that is not
// JSON is delivered as a JSON string.
func (d *Dispatcher) decrypt(payload json.RawMessage) (json.RawMessage, error) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return payload, nil
	}

	plain, err := d.cryptor.Decrypt([]byte(text))
	if err != nil {
		return nil, err
	}
	if json.Valid(plain) {
		return plain, nil
	}
	quoted, err := json.Marshal(string(plain))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptor.ErrDecryption, err)
	}
	return quoted, nil
}

func (d *Dispatcher) scopedStatus(category listener.Category, msg envelope.Message, err error) listener.Status {
	status := listener.Status{
		Category:  category,
		Operation: string(transport.OpSubscribe),
		Err:       err,
	}
	if group := envelope.BaseChannel(msg.Subscription); group != "" && d.registry.IsSubscribed(group, true) {
		status.Groups = []string{group}
	} else {
		status.Channels = []string{envelope.BaseChannel(msg.Channel)}
	}
	return status
}

// Status delivers a status. Scoped statuses reach the listeners bound to the
// named entities plus the global listeners; unscoped statuses reach everyone.
func (d *Dispatcher) Status(status listener.Status) {
	d.metrics.RecordStatus(status.Category.String())

	var listeners []listener.Listener
	if status.Scoped() {
		listeners = d.registry.ListenersFor(status.Channels, status.Groups, true)
	} else {
		listeners = d.registry.AllListeners()
	}

	event := d.logger.Debug()
	if status.Category.IsError() {
		event = d.logger.Warn().Err(status.Err)
	}
	event.Str("category", status.Category.String()).
		Strs("channels", status.Channels).
		Strs("groups", status.Groups).
		Int("listeners", len(listeners)).
		Msg("status")

	for _, l := range listeners {
		l.OnStatus(status)
	}
}

// Kind labels a message type for metrics.
func Kind(messageType int) string {
	switch messageType {
	case envelope.TypeMessage:
		return "message"
	case envelope.TypeSignal:
		return "signal"
	case envelope.TypeObjects:
		return "objects"
	case envelope.TypeMessageAction:
		return "message_action"
	case envelope.TypeFile:
		return "file"
	default:
		return "unknown"
	}
}
