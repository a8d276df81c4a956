// Package engine implements the subscribe event engine: a pure state
// machine (Transition) driven by a single loop goroutine that executes the
// resulting effects.
//
// Long-running effects (handshakes, long-polls and their retries) run in one
// managed goroutine at a time. Their results come back as events tagged with
// a generation; results from a cancelled invocation are discarded, so a
// response that lost a race with a subscription change can never advance the
// cursor.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
)

var (
	// ErrStopped is returned when posting to a stopped engine
	ErrStopped = errors.New("engine is stopped")
	// ErrNilPoller is returned when no Poller is configured
	ErrNilPoller = errors.New("poller cannot be nil")
	// ErrNilEmitter is returned when no Emitter is configured
	ErrNilEmitter = errors.New("emitter cannot be nil")
)

// Poller performs the network calls of the subscribe loop.
type Poller interface {
	Handshake(ctx context.Context, channels, groups []string) (envelope.Cursor, error)
	Receive(ctx context.Context, channels, groups []string, cursor envelope.Cursor) (*envelope.Envelope, error)
}

// Emitter receives the non-network effects. Calls happen on the loop
// goroutine, in order.
type Emitter interface {
	EmitMessages(env *envelope.Envelope)
	EmitStatus(status listener.Status)
	PruneEntities(channels, groups []string)
}

// EntitySource provides the live effective entity list. When configured the
// engine reads it at the moment a request is built.
type EntitySource interface {
	EffectiveEntities(includePresence bool) (channels, groups []string)
}

// TransitionFunc observes every transition.
type TransitionFunc func(from, to State, event Event)

// Config configures an Engine
type Config struct {
	Policy  Policy
	Poller  Poller
	Emitter Emitter

	// Source is optional; without it requests use the entity list carried
	// by the effect
	Source EntitySource

	// Backoff computes retry delays; nil uses a 2s exponential backoff capped at 150s
	Backoff *Backoff

	// OnTransition is optional
	OnTransition TransitionFunc

	Logger zerolog.Logger
}

type queued struct {
	event Event
	gen   uint64
	// managed results are dropped when their generation is stale
	managed bool
	// reached is closed when the loop gets to a Sync barrier
	reached chan struct{}
}

// Engine runs the subscribe loop.
type Engine struct {
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	queue  []queued
	signal chan struct{}
	closed bool

	runner runner
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates and starts an Engine in the Unsubscribed state.
func New(config Config) (*Engine, error) {
	if config.Poller == nil {
		return nil, ErrNilPoller
	}
	if config.Emitter == nil {
		return nil, ErrNilEmitter
	}
	if config.Backoff == nil {
		config.Backoff = NewBackoff(PolicyExponential, 2*time.Second, 150*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config: config,
		logger: config.Logger.With().Str("component", "engine").Logger(),
		state:  State{Kind: Unsubscribed},
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go e.loop()
	return e, nil
}

// Post enqueues an event. It never blocks.
func (e *Engine) Post(event Event) error {
	return e.enqueue(queued{event: event})
}

// Sync blocks until every event posted before the call has been handled and
// its effects executed. It must not be called from a listener callback.
func (e *Engine) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if err := e.enqueue(queued{reached: reached}); err != nil {
		return err
	}

	select {
	case <-reached:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) postResult(event Event, gen uint64) {
	_ = e.enqueue(queued{event: event, gen: gen, managed: true})
}

func (e *Engine) enqueue(item queued) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrStopped
	}
	e.queue = append(e.queue, item)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return nil
}

// State returns a snapshot of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Stop cancels any in-flight request and stops the loop. It must not be
// called from a listener callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	<-e.done
	e.runner.stop()
}

func (e *Engine) loop() {
	defer close(e.done)

	for {
		item, ok := e.next()
		if !ok {
			return
		}
		if item.reached != nil {
			close(item.reached)
			continue
		}
		if item.managed && !e.runner.current(item.gen) {
			e.logger.Debug().Str("event", EventName(item.event)).Uint64("gen", item.gen).Msg("dropping stale result")
			continue
		}
		e.handle(item.event)
	}
}

func (e *Engine) next() (queued, bool) {
	for {
		if e.ctx.Err() != nil {
			return queued{}, false
		}

		e.mu.Lock()
		if len(e.queue) > 0 {
			item := e.queue[0]
			e.queue[0] = queued{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return item, true
		}
		e.mu.Unlock()

		select {
		case <-e.signal:
		case <-e.ctx.Done():
			return queued{}, false
		}
	}
}

func (e *Engine) handle(event Event) {
	e.mu.Lock()
	from := e.state
	e.mu.Unlock()

	to, effects := Transition(e.config.Policy, from, event)

	e.mu.Lock()
	e.state = to
	e.mu.Unlock()

	if from.Kind != to.Kind {
		e.logger.Debug().
			Str("event", EventName(event)).
			Str("from", from.Kind.String()).
			Str("to", to.Kind.String()).
			Msg("state transition")
	}
	if e.config.OnTransition != nil {
		e.config.OnTransition(from.Clone(), to.Clone(), event)
	}

	for _, effect := range effects {
		e.execute(effect)
	}
}

func (e *Engine) execute(effect Effect) {
	switch eff := effect.(type) {
	case Handshake:
		e.startHandshake(eff.Channels, eff.Groups, 0)
	case HandshakeReconnect:
		e.startHandshake(eff.Channels, eff.Groups, eff.Attempts)
	case Receive:
		e.startReceive(eff.Channels, eff.Groups, eff.Cursor, 0)
	case ReceiveReconnect:
		e.startReceive(eff.Channels, eff.Groups, eff.Cursor, eff.Attempts)
	case CancelHandshake, CancelHandshakeReconnect, CancelReceive, CancelReceiveReconnect:
		e.runner.stop()
	case EmitMessages:
		e.config.Emitter.EmitMessages(eff.Envelope)
	case EmitStatus:
		e.config.Emitter.EmitStatus(eff.Status)
	case PruneEntities:
		e.config.Emitter.PruneEntities(eff.Channels, eff.Groups)
	default:
		e.logger.Warn().Str("effect", EffectName(effect)).Msg("unhandled effect")
	}
}

// entities resolves the entity list for a request.
func (e *Engine) entities(channels, groups []string) ([]string, []string) {
	if e.config.Source == nil {
		return channels, groups
	}
	return e.config.Source.EffectiveEntities(true)
}

func (e *Engine) startHandshake(channels, groups []string, attempt int) {
	e.runner.start(e.ctx, func(ctx context.Context, gen uint64) {
		if !e.wait(ctx, attempt) {
			return
		}
		chs, grs := e.entities(channels, groups)
		if len(chs) == 0 && len(grs) == 0 {
			return
		}

		cursor, err := e.config.Poller.Handshake(ctx, chs, grs)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Int("attempt", attempt).Msg("handshake failed")
			e.postResult(HandshakeFailure{Err: err}, gen)
			return
		}
		e.postResult(HandshakeSuccess{Cursor: cursor}, gen)
	})
}

func (e *Engine) startReceive(channels, groups []string, cursor envelope.Cursor, attempt int) {
	e.runner.start(e.ctx, func(ctx context.Context, gen uint64) {
		if !e.wait(ctx, attempt) {
			return
		}
		chs, grs := e.entities(channels, groups)
		if len(chs) == 0 && len(grs) == 0 {
			return
		}

		env, err := e.config.Poller.Receive(ctx, chs, grs, cursor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Int("attempt", attempt).Str("cursor", cursor.String()).Msg("receive failed")
			e.postResult(ReceiveFailure{Err: err}, gen)
			return
		}
		e.postResult(ReceiveSuccess{Envelope: env}, gen)
	})
}

// wait sleeps the backoff delay for a retry attempt. It reports false when
// the invocation was cancelled meanwhile.
func (e *Engine) wait(ctx context.Context, attempt int) bool {
	if attempt == 0 {
		return true
	}

	timer := time.NewTimer(e.config.Backoff.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
