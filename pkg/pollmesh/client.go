package pollmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/aescbc"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/dispatch"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/httptransport"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/longpoll"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/presence"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/registry"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/cryptor"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// Version is the client library version
const Version = "0.1.0"

// SDK is sent as the pnsdk parameter
const SDK = "PollMesh-Go/" + Version

var (
	// ErrMissingChannel is returned when a subscribe names no channel and no group
	ErrMissingChannel = errors.New("at least one channel or channel group is required")
	// ErrEmptyName is returned when a channel or group name is empty
	ErrEmptyName = registry.ErrEmptyName
	// ErrNotSubscribed is returned when setting state on an entity that is not subscribed
	ErrNotSubscribed = registry.ErrNotSubscribed
	// ErrStateConflict is returned when a channel and a group of the same name would both carry state
	ErrStateConflict = registry.ErrStateConflict
	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")
)

// State is the state of the subscribe loop.
type State = engine.StateKind

// Subscribe loop states.
const (
	StateUnsubscribed          = engine.Unsubscribed
	StateHandshaking           = engine.Handshaking
	StateHandshakeReconnecting = engine.HandshakeReconnecting
	StateHandshakeFailed       = engine.HandshakeFailed
	StateHandshakeStopped      = engine.HandshakeStopped
	StateReceiving             = engine.Receiving
	StateReceiveReconnecting   = engine.ReceiveReconnecting
	StateReceiveFailed         = engine.ReceiveFailed
	StateReceiveStopped        = engine.ReceiveStopped
)

// SubscribeInput names the entities to subscribe to.
type SubscribeInput struct {
	Channels []string
	Groups   []string

	// WithPresence also subscribes to the presence shadow of every entity
	WithPresence bool

	// Timetoken resumes delivery from a known position instead of "now"
	Timetoken uint64

	// Listener is bound to the entities and only receives their traffic.
	// It may be nil when global listeners are used.
	Listener listener.Listener
}

// UnsubscribeInput names the entities to unsubscribe from. A presence
// channel name ("room1-pnpres") only stops presence for its entity.
type UnsubscribeInput struct {
	Channels []string
	Groups   []string
}

// Client maintains one subscribe loop and one heartbeat loop.
type Client struct {
	config     Config
	logger     zerolog.Logger
	transport  transport.Transport
	cryptor    cryptor.Cryptor
	metrics    *metrics.Metrics
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	announcer  *presence.Announcer
	heartbeat  *presence.Loop
	engine     *engine.Engine

	// subMu orders registry mutations with the events they post
	subMu sync.Mutex
	// emitMu serializes listener callbacks
	emitMu sync.Mutex

	mu     sync.Mutex
	closed bool
	leaves sync.WaitGroup
}

// NewClient creates a Client. The subscribe loop starts idle and connects
// on the first Subscribe.
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		config:   config,
		logger:   config.Logger.With().Str("component", "client").Str("uuid", config.UUID).Logger(),
		registry: registry.New(),
	}

	m, err := metrics.New(config.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	c.metrics = m

	t := config.Transport
	if t == nil {
		ht, err := httptransport.New(httptransport.Config{
			Origin:    config.Origin,
			UserAgent: SDK,
			Logger:    config.Logger,
		})
		if err != nil {
			return nil, err
		}
		t = ht
	}
	c.transport = m.Instrument(t)

	c.cryptor = config.Cryptor
	if c.cryptor == nil && config.CipherKey != "" {
		aes, err := aescbc.New(config.CipherKey, config.UseRandomIV)
		if err != nil {
			return nil, err
		}
		c.cryptor = aes
	}

	c.dispatcher = dispatch.New(c.registry, c.cryptor, m, config.Logger)

	announced := config.PresenceTimeout
	if config.DisableHeartbeat {
		announced = 0
	}
	poller := longpoll.NewPoller(longpoll.Config{
		SubscribeKey:     config.SubscribeKey,
		UUID:             config.UUID,
		AuthKey:          config.AuthKey,
		SDK:              SDK,
		FilterExpression: config.FilterExpression,
		PresenceTimeout:  announced,
		Timeout:          config.SubscribeTimeout,
	}, c.transport, c.registry.States, config.Logger)

	c.announcer = presence.NewAnnouncer(presence.Config{
		SubscribeKey:    config.SubscribeKey,
		UUID:            config.UUID,
		AuthKey:         config.AuthKey,
		SDK:             SDK,
		PresenceTimeout: config.PresenceTimeout,
		Timeout:         config.NonSubscribeTimeout,
	}, c.transport, config.Logger)

	if !config.DisableHeartbeat {
		c.heartbeat = presence.NewLoop(c.announcer, config.heartbeatInterval(), c.heartbeatEntities, c.heartbeatFailed, config.Logger)
	}

	backoff := engine.NewBackoff(config.ReconnectPolicy, config.ReconnectInterval, config.MaxReconnectDelay)
	eng, err := engine.New(engine.Config{
		Policy: engine.Policy{
			MaxHandshakeRetry: config.MaxHandshakeRetry,
			MaxReceiveRetry:   config.MaxReceiveRetry,
		},
		Poller:  poller,
		Emitter: (*emitter)(c),
		Source:  c.registry,
		Backoff: backoff,
		OnTransition: func(from, to engine.State, event engine.Event) {
			m.RecordTransition(from.Kind.String(), to.Kind.String(), engine.EventName(event))
		},
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.engine = eng

	if c.heartbeat != nil {
		c.heartbeat.Start()
	}

	c.logger.Info().
		Str("origin", config.Origin).
		Int("presence_timeout", config.PresenceTimeout).
		Bool("heartbeat", !config.DisableHeartbeat).
		Bool("encrypted", c.cryptor != nil).
		Msg("client created")

	return c, nil
}

// UUID returns the client identifier.
func (c *Client) UUID() string {
	return c.config.UUID
}

// Subscribe adds channels and groups to the subscription. Subscribing to an
// already subscribed entity only binds the listener.
func (c *Client) Subscribe(input SubscribeInput) error {
	if len(input.Channels) == 0 && len(input.Groups) == 0 {
		return ErrMissingChannel
	}
	if err := checkNames(input.Channels, input.Groups); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClientClosed
	}

	var listeners []listener.Listener
	if input.Listener != nil {
		listeners = []listener.Listener{input.Listener}
	}

	c.subMu.Lock()
	changed := false
	for _, name := range input.Channels {
		added, err := c.registry.Add(name, false, input.WithPresence, listeners)
		if err != nil {
			c.subMu.Unlock()
			return err
		}
		changed = changed || added
	}
	for _, name := range input.Groups {
		added, err := c.registry.Add(name, true, input.WithPresence, listeners)
		if err != nil {
			c.subMu.Unlock()
			return err
		}
		changed = changed || added
	}

	var err error
	if changed || input.Timetoken != 0 {
		channels, groups := c.registry.EffectiveEntities(true)
		if input.Timetoken != 0 {
			err = c.engine.Post(engine.SubscriptionRestored{
				Channels: channels,
				Groups:   groups,
				Cursor:   envelope.NewCursor(input.Timetoken),
			})
		} else {
			err = c.engine.Post(engine.SubscriptionChanged{Channels: channels, Groups: groups})
		}
	}
	c.subMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if changed {
		c.logger.Debug().Strs("channels", input.Channels).Strs("groups", input.Groups).Msg("subscribed")
		if c.heartbeat != nil {
			c.heartbeat.Start()
		}
		c.resetHeartbeat()
	}
	return nil
}

// Unsubscribe removes channels and groups. Unless leave events are
// suppressed, a leave is announced before the entries are dropped.
func (c *Client) Unsubscribe(input UnsubscribeInput) error {
	if len(input.Channels) == 0 && len(input.Groups) == 0 {
		return ErrMissingChannel
	}
	if err := checkNames(input.Channels, input.Groups); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClientClosed
	}

	c.subMu.Lock()
	var left []registry.Key
	changed := false
	mark := func(name string, isGroup bool) {
		if envelope.IsPresenceChannel(name) {
			changed = c.registry.DisablePresence(name, isGroup) || changed
			return
		}
		if c.registry.MarkUnsubscribed(name, isGroup) {
			left = append(left, registry.Key{Name: name, IsGroup: isGroup})
			changed = true
		}
	}
	for _, name := range input.Channels {
		mark(name, false)
	}
	for _, name := range input.Groups {
		mark(name, true)
	}

	var err error
	if changed {
		channels, groups := c.registry.EffectiveEntities(true)
		err = c.engine.Post(engine.SubscriptionChanged{Channels: channels, Groups: groups})
	}
	c.subMu.Unlock()

	c.leave(left)
	if changed {
		c.resetHeartbeat()
	}
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// UnsubscribeAll drops every entity and resets the cursor, so the next
// Subscribe starts from "now".
func (c *Client) UnsubscribeAll() error {
	if c.isClosed() {
		return ErrClientClosed
	}

	c.subMu.Lock()
	left := c.markAllUnsubscribed()
	err := c.engine.Post(engine.UnsubscribeAll{})
	c.subMu.Unlock()

	c.leave(left)
	c.resetHeartbeat()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

func (c *Client) markAllUnsubscribed() []registry.Key {
	channels, groups := c.registry.EffectiveEntities(false)
	var left []registry.Key
	for _, name := range channels {
		if c.registry.MarkUnsubscribed(name, false) {
			left = append(left, registry.Key{Name: name})
		}
	}
	for _, name := range groups {
		if c.registry.MarkUnsubscribed(name, true) {
			left = append(left, registry.Key{Name: name, IsGroup: true})
		}
	}
	return left
}

// leave announces a leave for the keys in the background and then drops
// their entries. Entries are dropped only after the engine has handled the
// unsubscribe, so the listeners bound to them still get its lifecycle status.
func (c *Client) leave(keys []registry.Key) {
	if len(keys) == 0 {
		return
	}

	c.leaves.Add(1)
	go func() {
		defer c.leaves.Done()
		if !c.config.SuppressLeaveEvents {
			c.announceLeave(keys)
		}
		if err := c.engine.Sync(context.Background()); err != nil && !errors.Is(err, engine.ErrStopped) {
			c.logger.Debug().Err(err).Msg("engine sync before removing entries")
		}
		c.removeLeft(keys)
	}()
}

func (c *Client) announceLeave(keys []registry.Key) {
	var channels, groups []string
	for _, key := range keys {
		if key.IsGroup {
			groups = append(groups, key.Name)
		} else {
			channels = append(channels, key.Name)
		}
	}
	if err := c.announcer.Leave(context.Background(), channels, groups); err != nil {
		c.logger.Warn().Err(err).Strs("channels", channels).Strs("groups", groups).Msg("leave failed")
	}
}

func (c *Client) removeLeft(keys []registry.Key) {
	for _, key := range keys {
		c.registry.RemoveIfUnsubscribed(key.Name, key.IsGroup)
	}
}

// SetState sets the presence state announced for a subscribed channel and
// sends a heartbeat right away. A nil state clears it.
func (c *Client) SetState(channel string, state map[string]any) error {
	return c.setState(channel, false, state)
}

// SetGroupState sets the presence state announced for a subscribed group.
func (c *Client) SetGroupState(group string, state map[string]any) error {
	return c.setState(group, true, state)
}

func (c *Client) setState(name string, isGroup bool, state map[string]any) error {
	if name == "" {
		return ErrEmptyName
	}
	if c.isClosed() {
		return ErrClientClosed
	}
	if err := c.registry.SetState(name, isGroup, state); err != nil {
		return fmt.Errorf("failed to set state on %q: %w", name, err)
	}
	if c.heartbeat != nil {
		c.heartbeat.Kick()
	}
	return nil
}

// AddListener registers a listener that receives every message, presence
// event and status.
func (c *Client) AddListener(l listener.Listener) {
	c.registry.AddListener(l)
}

// RemoveListener unregisters a listener everywhere it is bound.
func (c *Client) RemoveListener(l listener.Listener) {
	c.registry.RemoveListener(l)
}

// Disconnect stops the subscribe loop and the heartbeat while keeping the
// subscription and cursor.
func (c *Client) Disconnect() error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	return c.engine.Post(engine.Disconnect{})
}

// Reconnect resumes a stopped or failed subscribe loop.
func (c *Client) Reconnect() error {
	return c.ReconnectFrom(0)
}

// ReconnectFrom resumes a stopped or failed subscribe loop from timetoken.
// Zero keeps the carried cursor.
func (c *Client) ReconnectFrom(timetoken uint64) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if err := c.engine.Post(engine.Reconnect{Cursor: envelope.NewCursor(timetoken)}); err != nil {
		return err
	}
	if c.heartbeat != nil {
		c.heartbeat.Start()
		c.heartbeat.Kick()
	}
	return nil
}

// State returns the current state of the subscribe loop.
func (c *Client) State() State {
	return c.engine.State().Kind
}

// Cursor returns the position the next long-poll resumes from.
func (c *Client) Cursor() envelope.Cursor {
	return c.engine.State().Context.Cursor
}

// SubscribedChannels returns the subscribed channels in subscription order.
func (c *Client) SubscribedChannels() []string {
	channels, _ := c.registry.EffectiveEntities(false)
	return channels
}

// SubscribedChannelGroups returns the subscribed channel groups.
func (c *Client) SubscribedChannelGroups() []string {
	_, groups := c.registry.EffectiveEntities(false)
	return groups
}

// Close stops both loops, announces a leave for everything still
// subscribed and waits for pending leaves. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.engine.Stop()

	c.subMu.Lock()
	left := c.markAllUnsubscribed()
	c.subMu.Unlock()
	c.leave(left)
	c.leaves.Wait()

	c.logger.Info().Msg("client closed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) resetHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Reset()
	}
}

func (c *Client) heartbeatEntities() ([]string, []string, map[string]map[string]any) {
	channels, groups := c.registry.EffectiveEntities(false)
	return channels, groups, c.registry.States()
}

func (c *Client) heartbeatFailed(err error) {
	c.metrics.RecordHeartbeatFailure()
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.dispatcher.Status(listener.Status{
		Category:  listener.HeartbeatFailed,
		Operation: string(transport.OpHeartbeat),
		Err:       err,
	})
}

func checkNames(channels, groups []string) error {
	for _, name := range channels {
		if name == "" {
			return ErrEmptyName
		}
	}
	for _, name := range groups {
		if name == "" {
			return ErrEmptyName
		}
	}
	return nil
}

// emitter receives the engine's non-network effects.
type emitter Client

func (e *emitter) EmitMessages(env *envelope.Envelope) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.dispatcher.Dispatch(env)
}

func (e *emitter) EmitStatus(status listener.Status) {
	switch status.Category {
	case listener.Connected, listener.Reconnected:
		e.registry.MarkConnected()
	case listener.Disconnected, listener.UnexpectedDisconnect:
		e.registry.MarkDisconnected()
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.dispatcher.Status(status)
}

func (e *emitter) PruneEntities(channels, groups []string) {
	removed := e.registry.Deny(channels, groups)
	e.logger.Warn().
		Strs("channels", channels).
		Strs("groups", groups).
		Int("removed", len(removed)).
		Msg("pruned entities denied by the server")
}
