package engine

import (
	"slices"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/pnerrors"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// Policy holds the retry budgets consulted by Transition.
type Policy struct {
	// MaxHandshakeRetry is the number of handshake retries after the first
	// failure; the next failure is terminal.
	MaxHandshakeRetry int

	// MaxReceiveRetry bounds consecutive long-poll retries; 0 is unbounded.
	MaxReceiveRetry int
}

// Transition computes the next state and the effects to run. It is pure:
// the same inputs always give the same outputs. Events a state does not
// handle leave it unchanged with no effects.
func Transition(p Policy, s State, ev Event) (State, []Effect) {
	if _, ok := ev.(UnsubscribeAll); ok {
		return unsubscribe(s)
	}

	switch s.Kind {
	case Unsubscribed:
		return fromUnsubscribed(s, ev)
	case Handshaking, HandshakeReconnecting:
		return fromHandshaking(p, s, ev)
	case HandshakeFailed, HandshakeStopped:
		return fromHandshakeInactive(s, ev)
	case Receiving:
		return fromReceiving(p, s, ev)
	case ReceiveReconnecting:
		return fromReceiveReconnecting(p, s, ev)
	case ReceiveFailed, ReceiveStopped:
		return fromReceiveInactive(s, ev)
	}
	return s, nil
}

func fromUnsubscribed(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case SubscriptionChanged:
		next := Context{Channels: e.Channels, Groups: e.Groups}
		if next.empty() {
			return s, nil
		}
		return State{Kind: Handshaking, Context: next}, []Effect{handshake(next)}

	case SubscriptionRestored:
		next := Context{Channels: e.Channels, Groups: e.Groups, Cursor: e.Cursor, Restored: true}
		if next.empty() {
			return s, nil
		}
		return State{Kind: Receiving, Context: next}, []Effect{receive(next)}
	}
	return s, nil
}

func fromHandshaking(p Policy, s State, ev Event) (State, []Effect) {
	cancel := cancelFor(s.Kind)

	switch e := ev.(type) {
	case SubscriptionChanged:
		return restartHandshake(s, e.Channels, e.Groups, s.Context.Cursor, cancel)

	case SubscriptionRestored:
		return restartHandshake(s, e.Channels, e.Groups, e.Cursor, cancel)

	case HandshakeSuccess:
		next := Context{
			Channels: s.Context.Channels,
			Groups:   s.Context.Groups,
			Cursor:   s.Context.Cursor.Merge(e.Cursor),
		}
		return State{Kind: Receiving, Context: next}, []Effect{
			status(listener.Connected, nil),
			receive(next),
		}

	case HandshakeFailure:
		return handshakeFailure(p, s, e.Err)

	case Disconnect:
		return State{Kind: HandshakeStopped, Context: withAttempts(s.Context, 0)}, []Effect{cancel}
	}
	return s, nil
}

func fromHandshakeInactive(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Reconnect:
		next := withAttempts(s.Context, 0)
		if !e.Cursor.IsZero() {
			next.Cursor = e.Cursor
		}
		return State{Kind: Handshaking, Context: next}, []Effect{handshake(next)}

	case SubscriptionChanged:
		return restartHandshake(s, e.Channels, e.Groups, s.Context.Cursor, nil)

	case SubscriptionRestored:
		return restartHandshake(s, e.Channels, e.Groups, e.Cursor, nil)
	}
	return s, nil
}

func restartHandshake(s State, channels, groups []string, cursor envelope.Cursor, cancel Effect) (State, []Effect) {
	next := Context{Channels: channels, Groups: groups, Cursor: cursor}
	effects := appendEffect(nil, cancel)
	if next.empty() {
		return State{Kind: Unsubscribed}, effects
	}
	return State{Kind: Handshaking, Context: next}, append(effects, handshake(next))
}

func handshakeFailure(p Policy, s State, err error) (State, []Effect) {
	if denied, ok := pnerrors.AsAccessDenied(err); ok {
		if next, pruned := prune(s.Context, denied); pruned && !next.empty() {
			next.Attempts = 0
			return State{Kind: Handshaking, Context: next}, []Effect{
				deniedStatus(denied, err),
				PruneEntities{Channels: denied.Channels, Groups: denied.Groups},
				handshake(next),
			}
		}
		return failed(HandshakeFailed, s.Context, err, listener.AccessDenied)
	}

	if !pnerrors.IsRetryable(err) {
		return failed(HandshakeFailed, s.Context, err, listener.ConnectionError)
	}

	attempts := s.Context.Attempts + 1
	if attempts > p.MaxHandshakeRetry {
		return failed(HandshakeFailed, s.Context, err, listener.ConnectionError)
	}

	next := withAttempts(s.Context, attempts)
	next.Reason = err
	return State{Kind: HandshakeReconnecting, Context: next}, []Effect{
		HandshakeReconnect{Channels: next.Channels, Groups: next.Groups, Attempts: attempts, Reason: err},
	}
}

func fromReceiving(p Policy, s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case ReceiveSuccess:
		next := Context{Channels: s.Context.Channels, Groups: s.Context.Groups, Cursor: advance(s.Context.Cursor, e.Envelope)}
		var effects []Effect
		if s.Context.Restored {
			effects = append(effects, status(listener.Connected, nil))
		}
		effects = append(effects, messages(e.Envelope)...)
		return State{Kind: Receiving, Context: next}, append(effects, receive(next))

	case ReceiveFailure:
		return receiveFailure(p, s, e.Err)

	case Disconnect:
		effects := []Effect{CancelReceive{}}
		if !s.Context.Restored {
			effects = append(effects, status(listener.Disconnected, nil))
		}
		return State{Kind: ReceiveStopped, Context: s.Context}, effects

	case SubscriptionChanged:
		return resubscribe(s, e.Channels, e.Groups, s.Context.Cursor)

	case SubscriptionRestored:
		return resubscribe(s, e.Channels, e.Groups, e.Cursor)
	}
	return s, nil
}

// resubscribe restarts a running long-poll for a new entity list, keeping
// the cursor.
func resubscribe(s State, channels, groups []string, cursor envelope.Cursor) (State, []Effect) {
	cancel := cancelFor(s.Kind)
	next := Context{Channels: channels, Groups: groups, Cursor: cursor, Restored: s.Context.Restored}
	if next.empty() {
		if next.Restored {
			return State{Kind: Unsubscribed}, []Effect{cancel}
		}
		return State{Kind: Unsubscribed}, []Effect{cancel, status(listener.Disconnected, nil)}
	}

	if s.Kind == ReceiveReconnecting {
		next.Attempts = s.Context.Attempts
		next.Reason = s.Context.Reason
		return State{Kind: ReceiveReconnecting, Context: next}, []Effect{
			cancel,
			ReceiveReconnect{Channels: channels, Groups: groups, Cursor: cursor, Attempts: next.Attempts, Reason: next.Reason},
		}
	}

	if next.Restored {
		return State{Kind: Receiving, Context: next}, []Effect{cancel, receive(next)}
	}
	return State{Kind: Receiving, Context: next}, []Effect{
		cancel,
		status(listener.SubscriptionChanged, nil),
		receive(next),
	}
}

func fromReceiveReconnecting(p Policy, s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case ReceiveSuccess:
		next := Context{Channels: s.Context.Channels, Groups: s.Context.Groups, Cursor: advance(s.Context.Cursor, e.Envelope)}
		category := listener.Reconnected
		if s.Context.Restored {
			category = listener.Connected
		}
		effects := []Effect{status(category, nil)}
		effects = append(effects, messages(e.Envelope)...)
		return State{Kind: Receiving, Context: next}, append(effects, receive(next))

	case ReceiveFailure:
		return receiveFailure(p, s, e.Err)

	case Disconnect:
		effects := []Effect{CancelReceiveReconnect{}}
		if !s.Context.Restored {
			effects = append(effects, status(listener.Disconnected, nil))
		}
		return State{Kind: ReceiveStopped, Context: withAttempts(s.Context, 0)}, effects

	case Reconnect:
		next := withAttempts(s.Context, 0)
		if !e.Cursor.IsZero() {
			next.Cursor = e.Cursor
		}
		if next.Restored {
			return State{Kind: Receiving, Context: next}, []Effect{CancelReceiveReconnect{}, receive(next)}
		}
		return State{Kind: Receiving, Context: next}, []Effect{
			CancelReceiveReconnect{},
			status(listener.Reconnected, nil),
			receive(next),
		}

	case SubscriptionChanged:
		return resubscribe(s, e.Channels, e.Groups, s.Context.Cursor)

	case SubscriptionRestored:
		return resubscribe(s, e.Channels, e.Groups, e.Cursor)
	}
	return s, nil
}

func fromReceiveInactive(s State, ev Event) (State, []Effect) {
	var next Context
	switch e := ev.(type) {
	case Reconnect:
		next = withAttempts(s.Context, 0)
		if !e.Cursor.IsZero() {
			next.Cursor = e.Cursor
		}
	case SubscriptionChanged:
		next = Context{Channels: e.Channels, Groups: e.Groups, Cursor: s.Context.Cursor, Restored: s.Context.Restored}
	case SubscriptionRestored:
		next = Context{Channels: e.Channels, Groups: e.Groups, Cursor: e.Cursor, Restored: true}
	default:
		return s, nil
	}

	if next.empty() {
		return State{Kind: Unsubscribed}, nil
	}
	if next.Restored {
		return State{Kind: Receiving, Context: next}, []Effect{receive(next)}
	}
	return State{Kind: Receiving, Context: next}, []Effect{
		status(listener.Connected, nil),
		receive(next),
	}
}

func receiveFailure(p Policy, s State, err error) (State, []Effect) {
	if denied, ok := pnerrors.AsAccessDenied(err); ok {
		if next, pruned := prune(s.Context, denied); pruned && !next.empty() {
			return State{Kind: Receiving, Context: next}, []Effect{
				deniedStatus(denied, err),
				PruneEntities{Channels: denied.Channels, Groups: denied.Groups},
				receive(next),
			}
		}
		return failed(ReceiveFailed, s.Context, err, listener.AccessDenied)
	}

	if !pnerrors.IsRetryable(err) {
		return failed(ReceiveFailed, s.Context, err, listener.ConnectionError)
	}

	attempts := s.Context.Attempts + 1
	if p.MaxReceiveRetry > 0 && attempts > p.MaxReceiveRetry {
		return failed(ReceiveFailed, s.Context, err, listener.ConnectionError)
	}

	next := withAttempts(s.Context, attempts)
	next.Reason = err

	var effects []Effect
	if s.Kind == Receiving && !s.Context.Restored {
		category := listener.UnexpectedDisconnect
		if pnerrors.IsMalformed(err) {
			category = listener.MalformedResponse
		}
		effects = append(effects, status(category, err))
	}
	effects = append(effects, ReceiveReconnect{
		Channels: next.Channels,
		Groups:   next.Groups,
		Cursor:   next.Cursor,
		Attempts: attempts,
		Reason:   err,
	})
	return State{Kind: ReceiveReconnecting, Context: next}, effects
}

func unsubscribe(s State) (State, []Effect) {
	effects := appendEffect(nil, cancelFor(s.Kind))
	if s.Kind.IsConnected() && !s.Context.Restored {
		effects = append(effects, status(listener.Disconnected, nil))
	}
	return State{Kind: Unsubscribed}, effects
}

func failed(kind StateKind, c Context, err error, category listener.Category) (State, []Effect) {
	next := withAttempts(c, 0)
	next.Reason = err
	return State{Kind: kind, Context: next}, []Effect{status(category, err)}
}

// prune removes denied entities from the context. Denying an entity also
// drops its presence shadow; denying a shadow drops only the shadow. It
// reports whether anything was removed.
func prune(c Context, denied *pnerrors.AccessDeniedError) (Context, bool) {
	channels := without(c.Channels, denied.Channels)
	groups := without(c.Groups, denied.Groups)
	pruned := len(channels) != len(c.Channels) || len(groups) != len(c.Groups)
	return Context{Channels: channels, Groups: groups, Cursor: c.Cursor, Restored: c.Restored}, pruned
}

func without(names, denied []string) []string {
	if len(denied) == 0 {
		return slices.Clone(names)
	}
	var out []string
	for _, name := range names {
		if slices.Contains(denied, name) {
			continue
		}
		if envelope.IsPresenceChannel(name) && slices.Contains(denied, envelope.BaseChannel(name)) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// advance moves the cursor to the one returned by a long-poll. A response
// without a timetoken never rewinds the cursor.
func advance(current envelope.Cursor, env *envelope.Envelope) envelope.Cursor {
	if env == nil || env.Cursor.IsZero() {
		return current
	}
	next := env.Cursor
	if !next.HasRegion && current.HasRegion {
		next = next.WithRegion(current.Region)
	}
	return next
}

func withAttempts(c Context, attempts int) Context {
	c.Attempts = attempts
	c.Reason = nil
	return c
}

func cancelFor(kind StateKind) Effect {
	switch kind {
	case Handshaking:
		return CancelHandshake{}
	case HandshakeReconnecting:
		return CancelHandshakeReconnect{}
	case Receiving:
		return CancelReceive{}
	case ReceiveReconnecting:
		return CancelReceiveReconnect{}
	}
	return nil
}

func appendEffect(effects []Effect, e Effect) []Effect {
	if e == nil {
		return effects
	}
	return append(effects, e)
}

func handshake(c Context) Effect {
	return Handshake{Channels: c.Channels, Groups: c.Groups}
}

func receive(c Context) Effect {
	return Receive{Channels: c.Channels, Groups: c.Groups, Cursor: c.Cursor}
}

func messages(env *envelope.Envelope) []Effect {
	if env == nil || len(env.Messages) == 0 {
		return nil
	}
	return []Effect{EmitMessages{Envelope: env}}
}

func status(category listener.Category, err error) Effect {
	return EmitStatus{Status: listener.Status{Category: category, Operation: string(transport.OpSubscribe), Err: err}}
}

func deniedStatus(denied *pnerrors.AccessDeniedError, err error) Effect {
	return EmitStatus{Status: listener.Status{
		Category:  listener.AccessDenied,
		Operation: string(transport.OpSubscribe),
		Channels:  slices.Clone(denied.Channels),
		Groups:    slices.Clone(denied.Groups),
		Err:       err,
	}}
}
