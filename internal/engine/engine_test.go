package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
)

type pollCall struct {
	Channels []string
	Groups   []string
	Cursor   envelope.Cursor
	ctx      context.Context
}

type fakePoller struct {
	mu          sync.Mutex
	handshakes  []pollCall
	receives    []pollCall
	onHandshake func(ctx context.Context, n int) (envelope.Cursor, error)
	onReceive   func(ctx context.Context, n int, cursor envelope.Cursor) (*envelope.Envelope, error)
}

func (p *fakePoller) Handshake(ctx context.Context, channels, groups []string) (envelope.Cursor, error) {
	p.mu.Lock()
	p.handshakes = append(p.handshakes, pollCall{Channels: channels, Groups: groups, ctx: ctx})
	n := len(p.handshakes)
	p.mu.Unlock()
	return p.onHandshake(ctx, n)
}

func (p *fakePoller) Receive(ctx context.Context, channels, groups []string, cursor envelope.Cursor) (*envelope.Envelope, error) {
	p.mu.Lock()
	p.receives = append(p.receives, pollCall{Channels: channels, Groups: groups, Cursor: cursor, ctx: ctx})
	n := len(p.receives)
	p.mu.Unlock()
	return p.onReceive(ctx, n, cursor)
}

func (p *fakePoller) receiveCalls() []pollCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.receives)
}

func (p *fakePoller) handshakeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handshakes)
}

func blockUntilCancelled(ctx context.Context, _ int, _ envelope.Cursor) (*envelope.Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingEmitter struct {
	mu       sync.Mutex
	statuses []listener.Status
	messages []envelope.Message
	pruned   []string
}

func (r *recordingEmitter) EmitMessages(env *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, env.Messages...)
}

func (r *recordingEmitter) EmitStatus(status listener.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingEmitter) PruneEntities(channels, groups []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, channels...)
	r.pruned = append(r.pruned, groups...)
}

func (r *recordingEmitter) categories() []listener.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []listener.Category
	for _, s := range r.statuses {
		out = append(out, s.Category)
	}
	return out
}

func fastBackoff() *Backoff {
	return &Backoff{Policy: PolicyLinear, Interval: time.Millisecond}
}

func newTestEngine(t *testing.T, poller Poller, emitter Emitter, policy Policy) *Engine {
	t.Helper()
	e, err := New(Config{
		Policy:  policy,
		Poller:  poller,
		Emitter: emitter,
		Backoff: fastBackoff(),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func waitForState(t *testing.T, e *Engine, kind StateKind) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State().Kind == kind },
		2*time.Second, 5*time.Millisecond, "state never reached %s (now %s)", kind, e.State().Kind)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Emitter: &recordingEmitter{}})
	assert.ErrorIs(t, err, ErrNilPoller)

	_, err = New(Config{Poller: &fakePoller{}})
	assert.ErrorIs(t, err, ErrNilEmitter)
}

func TestEngine_CursorProtocol(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(100).WithRegion(1), nil
		},
		onReceive: func(ctx context.Context, n int, cursor envelope.Cursor) (*envelope.Envelope, error) {
			if n == 1 {
				return &envelope.Envelope{
					Cursor:   envelope.NewCursor(150).WithRegion(1),
					Messages: []envelope.Message{{Channel: "room1", Payload: []byte(`"hi"`)}},
				}, nil
			}
			return blockUntilCancelled(ctx, n, cursor)
		},
	}
	emitter := &recordingEmitter{}
	e := newTestEngine(t, poller, emitter, Policy{MaxHandshakeRetry: 3})

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))

	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	calls := poller.receiveCalls()
	assert.Equal(t, envelope.NewCursor(100).WithRegion(1), calls[0].Cursor)
	assert.Equal(t, envelope.NewCursor(150).WithRegion(1), calls[1].Cursor)
	assert.Equal(t, uint64(150), e.State().Context.Cursor.Timetoken)

	assert.Equal(t, []listener.Category{listener.Connected}, emitter.categories())
	emitter.mu.Lock()
	assert.Len(t, emitter.messages, 1)
	emitter.mu.Unlock()
}

func TestEngine_SubscriptionChangeCancelsInFlight(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(100).WithRegion(1), nil
		},
		onReceive: blockUntilCancelled,
	}
	e := newTestEngine(t, poller, &recordingEmitter{}, Policy{MaxHandshakeRetry: 3})

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	first := poller.receiveCalls()[0]

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1", "room2"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, first.ctx.Err(), "first long-poll must be cancelled")
	second := poller.receiveCalls()[1]
	assert.Equal(t, []string{"room1", "room2"}, second.Channels)
	assert.Equal(t, first.Cursor, second.Cursor)
	assert.Equal(t, 1, poller.handshakeCount())
}

func TestEngine_HandshakeRetryExhaustion(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.Cursor{}, transient()
		},
		onReceive: blockUntilCancelled,
	}
	emitter := &recordingEmitter{}
	e := newTestEngine(t, poller, emitter, Policy{MaxHandshakeRetry: 2})

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
	waitForState(t, e, HandshakeFailed)
	assert.Equal(t, 3, poller.handshakeCount())

	// Nothing else is attempted while failed
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, poller.handshakeCount())
	assert.Equal(t, []listener.Category{listener.ConnectionError}, emitter.categories())

	require.NoError(t, e.Post(Reconnect{}))
	require.Eventually(t, func() bool { return poller.handshakeCount() > 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_ReceiveFailureReconnects(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(10), nil
		},
		onReceive: func(ctx context.Context, n int, cursor envelope.Cursor) (*envelope.Envelope, error) {
			switch n {
			case 1, 2:
				return nil, transient()
			case 3:
				return &envelope.Envelope{Cursor: envelope.NewCursor(20)}, nil
			}
			return blockUntilCancelled(ctx, n, cursor)
		},
	}
	emitter := &recordingEmitter{}
	e := newTestEngine(t, poller, emitter, Policy{MaxHandshakeRetry: 1})

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 4 }, 2*time.Second, 5*time.Millisecond)
	waitForState(t, e, Receiving)

	calls := poller.receiveCalls()
	for _, c := range calls[:3] {
		assert.Equal(t, uint64(10), c.Cursor.Timetoken, "retries resume from the same cursor")
	}
	assert.Equal(t, uint64(20), calls[3].Cursor.Timetoken)
	assert.Equal(t, []listener.Category{
		listener.Connected,
		listener.UnexpectedDisconnect,
		listener.Reconnected,
	}, emitter.categories())
}

func TestEngine_DisconnectAndUnsubscribe(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(10), nil
		},
		onReceive: blockUntilCancelled,
	}
	emitter := &recordingEmitter{}
	e := newTestEngine(t, poller, emitter, Policy{})

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Post(Disconnect{}))
	waitForState(t, e, ReceiveStopped)
	assert.Error(t, poller.receiveCalls()[0].ctx.Err())

	require.NoError(t, e.Post(Reconnect{}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(10), poller.receiveCalls()[1].Cursor.Timetoken)

	require.NoError(t, e.Post(UnsubscribeAll{}))
	waitForState(t, e, Unsubscribed)
	assert.True(t, e.State().Context.Cursor.IsZero())
	assert.Equal(t, []listener.Category{
		listener.Connected,
		listener.Disconnected,
		listener.Connected,
		listener.Disconnected,
	}, emitter.categories())
}

type staticSource struct {
	mu       sync.Mutex
	channels []string
}

func (s *staticSource) EffectiveEntities(bool) ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels), nil
}

func TestEngine_ReadsLiveEntities(t *testing.T) {
	source := &staticSource{channels: []string{"live"}}
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(10), nil
		},
		onReceive: blockUntilCancelled,
	}
	e, err := New(Config{
		Poller:  poller,
		Emitter: &recordingEmitter{},
		Source:  source,
		Backoff: fastBackoff(),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	defer e.Stop()

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"stale"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"live"}, poller.receiveCalls()[0].Channels)
}

func TestEngine_Stop(t *testing.T) {
	poller := &fakePoller{
		onHandshake: func(context.Context, int) (envelope.Cursor, error) {
			return envelope.NewCursor(10), nil
		},
		onReceive: blockUntilCancelled,
	}
	var transitions []string
	var mu sync.Mutex
	e, err := New(Config{
		Poller:  poller,
		Emitter: &recordingEmitter{},
		Logger:  zerolog.Nop(),
		OnTransition: func(from, to State, event Event) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.Kind.String()+"->"+to.Kind.String())
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
	require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Stop()
	assert.ErrorIs(t, e.Post(Reconnect{}), ErrStopped)
	assert.Error(t, poller.receiveCalls()[0].ctx.Err())

	mu.Lock()
	assert.Equal(t, []string{"Unsubscribed->Handshaking", "Handshaking->Receiving"}, transitions)
	mu.Unlock()
}

func TestEngine_Sync(t *testing.T) {
	t.Run("waits_for_slow_cancel", func(t *testing.T) {
		poller := &fakePoller{
			onHandshake: func(context.Context, int) (envelope.Cursor, error) {
				return envelope.NewCursor(10), nil
			},
			onReceive: func(ctx context.Context, _ int, _ envelope.Cursor) (*envelope.Envelope, error) {
				<-ctx.Done()
				time.Sleep(100 * time.Millisecond)
				return nil, ctx.Err()
			},
		}
		emitter := &recordingEmitter{}
		e := newTestEngine(t, poller, emitter, Policy{})

		require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
		require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, e.Post(UnsubscribeAll{}))
		require.NoError(t, e.Sync(context.Background()))
		assert.Equal(t, []listener.Category{listener.Connected, listener.Disconnected}, emitter.categories())
	})

	t.Run("stopped_engine", func(t *testing.T) {
		e := newTestEngine(t, &fakePoller{}, &recordingEmitter{}, Policy{})
		e.Stop()
		assert.ErrorIs(t, e.Sync(context.Background()), ErrStopped)
	})

	t.Run("context_cancelled", func(t *testing.T) {
		poller := &fakePoller{
			onHandshake: func(context.Context, int) (envelope.Cursor, error) {
				return envelope.NewCursor(10), nil
			},
			onReceive: func(ctx context.Context, _ int, _ envelope.Cursor) (*envelope.Envelope, error) {
				<-ctx.Done()
				time.Sleep(200 * time.Millisecond)
				return nil, ctx.Err()
			},
		}
		e := newTestEngine(t, poller, &recordingEmitter{}, Policy{})

		require.NoError(t, e.Post(SubscriptionChanged{Channels: []string{"room1"}}))
		require.Eventually(t, func() bool { return len(poller.receiveCalls()) == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, e.Post(UnsubscribeAll{}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, e.Sync(ctx), context.DeadlineExceeded)
	})
}

func TestRunner_Generations(t *testing.T) {
	var r runner
	results := make(chan uint64, 2)

	r.start(context.Background(), func(ctx context.Context, gen uint64) {
		<-ctx.Done()
		results <- gen
	})
	r.start(context.Background(), func(ctx context.Context, gen uint64) {
		results <- gen
	})

	stale := <-results
	fresh := <-results
	assert.False(t, r.current(stale))
	assert.True(t, r.current(fresh))

	r.stop()
	assert.False(t, r.current(fresh))
}

func TestBackoff_Delay(t *testing.T) {
	t.Run("exponential_capped", func(t *testing.T) {
		b := &Backoff{Policy: PolicyExponential, Interval: time.Second, MaxDelay: 5 * time.Second}
		assert.Equal(t, time.Second, b.Delay(1))
		assert.Equal(t, 2*time.Second, b.Delay(2))
		assert.Equal(t, 4*time.Second, b.Delay(3))
		assert.Equal(t, 5*time.Second, b.Delay(4))
		assert.Equal(t, 5*time.Second, b.Delay(40))
	})

	t.Run("linear", func(t *testing.T) {
		b := &Backoff{Policy: PolicyLinear, Interval: 3 * time.Second}
		assert.Equal(t, 3*time.Second, b.Delay(1))
		assert.Equal(t, 3*time.Second, b.Delay(9))
	})

	t.Run("jitter_bounded", func(t *testing.T) {
		b := NewBackoff(PolicyLinear, 100*time.Millisecond, time.Second)
		for i := 0; i < 100; i++ {
			d := b.Delay(1)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.Less(t, d, 125*time.Millisecond)
		}
	})
}
