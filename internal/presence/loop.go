package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EntityFunc returns the entities and state to announce on a heartbeat.
type EntityFunc func() (channels, groups []string, state map[string]map[string]any)

// Loop sends heartbeats on its own timer. A failed heartbeat is reported
// through the error callback and the loop carries on.
type Loop struct {
	announcer *Announcer
	interval  time.Duration
	timeout   time.Duration
	entities  EntityFunc
	onError   func(error)
	logger    zerolog.Logger

	reset chan struct{}
	kick  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a heartbeat loop. onError may be nil.
func NewLoop(announcer *Announcer, interval time.Duration, entities EntityFunc, onError func(error), logger zerolog.Logger) *Loop {
	return &Loop{
		announcer: announcer,
		interval:  interval,
		timeout:   announcer.config.Timeout,
		entities:  entities,
		onError:   onError,
		logger:    logger.With().Str("component", "heartbeat").Logger(),
		reset:     make(chan struct{}, 1),
		kick:      make(chan struct{}, 1),
	}
}

// Start launches the loop. Calling Start on a running loop does nothing.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop halts the loop and waits for an in-flight heartbeat to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Reset restarts the timer, typically after a subscribe announced presence.
func (l *Loop) Reset() {
	signal(l.reset)
}

// Kick sends a heartbeat immediately, typically after a state change.
func (l *Loop) Kick() {
	signal(l.kick)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	restart := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.interval)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.reset:
			restart()
		case <-l.kick:
			l.beat(ctx)
			restart()
		case <-timer.C:
			l.beat(ctx)
			timer.Reset(l.interval)
		}
	}
}

func (l *Loop) beat(ctx context.Context) {
	channels, groups, state := l.entities()
	if len(channels) == 0 && len(groups) == 0 {
		return
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.announcer.Heartbeat(ctx, channels, groups, state); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		l.logger.Warn().Err(err).Strs("channels", channels).Strs("groups", groups).Msg("heartbeat failed")
		if l.onError != nil {
			l.onError(err)
		}
		return
	}
	l.logger.Debug().Strs("channels", channels).Strs("groups", groups).Msg("heartbeat sent")
}
