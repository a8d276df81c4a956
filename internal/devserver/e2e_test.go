package devserver_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/devserver"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/listener"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	messages []envelope.Message
	presence []listener.PresenceEvent
	statuses []listener.Status
}

func (r *recorder) OnMessage(msg envelope.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnPresence(event listener.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, event)
}

func (r *recorder) OnStatus(status listener.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) payloads(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Channel == channel {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

func (r *recorder) sawPresence(action, uuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.presence, func(e listener.PresenceEvent) bool {
		return e.Action == action && e.UUID == uuid
	})
}

func (r *recorder) status(category listener.Category) (listener.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s.Category == category {
			return s, true
		}
	}
	return listener.Status{}, false
}

func startServer(t *testing.T, config devserver.Config) (*devserver.Server, string) {
	t.Helper()
	config.Logger = zerolog.Nop()
	if config.PollTimeout == 0 {
		config.PollTimeout = time.Second
	}

	srv, err := devserver.New(config)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts.URL
}

func connect(t *testing.T, origin, uuid string, mutate func(*pollmesh.Config)) *pollmesh.Client {
	t.Helper()
	config := pollmesh.Config{
		Origin:            origin,
		SubscribeKey:      "sub-c-e2e",
		PublishKey:        "pub-c-e2e",
		UUID:              uuid,
		Logger:            zerolog.Nop(),
		ReconnectPolicy:   pollmesh.ReconnectLinear,
		ReconnectInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	client, err := pollmesh.NewClient(config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func waitConnected(t *testing.T, client *pollmesh.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return client.State() == pollmesh.StateReceiving
	}, waitFor, tick)
}

func TestEndToEnd_PublishSubscribe(t *testing.T) {
	_, origin := startServer(t, devserver.Config{})

	rec := &recorder{}
	subscriber := connect(t, origin, "alice", nil)
	subscriber.AddListener(rec)
	require.NoError(t, subscriber.Subscribe(pollmesh.SubscribeInput{Channels: []string{"room1"}, WithPresence: true}))
	waitConnected(t, subscriber)

	publisher := connect(t, origin, "bob", nil)
	for _, text := range []string{"first", "second"} {
		_, err := publisher.Publish(context.Background(), "room1", map[string]string{"text": text}, pollmesh.PublishOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(rec.payloads("room1")) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`{"text":"first"}`, `{"text":"second"}`}, rec.payloads("room1"))
	assert.Eventually(t, func() bool { return rec.sawPresence(listener.ActionJoin, "alice") }, waitFor, tick)

	_, ok := rec.status(listener.Connected)
	assert.True(t, ok)
	assert.False(t, subscriber.Cursor().IsZero())

	tt, err := publisher.Time(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tt, subscriber.Cursor().Timetoken)
}

func TestEndToEnd_SubscriptionChangeKeepsCursor(t *testing.T) {
	_, origin := startServer(t, devserver.Config{PollTimeout: time.Minute})

	rec := &recorder{}
	subscriber := connect(t, origin, "alice", nil)
	subscriber.AddListener(rec)
	require.NoError(t, subscriber.Subscribe(pollmesh.SubscribeInput{Channels: []string{"room1"}}))
	waitConnected(t, subscriber)

	require.NoError(t, subscriber.Subscribe(pollmesh.SubscribeInput{Channels: []string{"room2"}}))
	assert.ElementsMatch(t, []string{"room1", "room2"}, subscriber.SubscribedChannels())

	publisher := connect(t, origin, "bob", nil)
	require.Eventually(t, func() bool {
		if _, err := publisher.Publish(context.Background(), "room2", "ping", pollmesh.PublishOptions{}); err != nil {
			return false
		}
		return len(rec.payloads("room2")) > 0
	}, waitFor, 100*time.Millisecond)
}

func TestEndToEnd_Encryption(t *testing.T) {
	_, origin := startServer(t, devserver.Config{})
	withKey := func(c *pollmesh.Config) { c.CipherKey = "enigma" }

	rec := &recorder{}
	subscriber := connect(t, origin, "alice", withKey)
	subscriber.AddListener(rec)
	require.NoError(t, subscriber.Subscribe(pollmesh.SubscribeInput{Channels: []string{"secret"}}))
	waitConnected(t, subscriber)

	publisher := connect(t, origin, "bob", withKey)
	_, err := publisher.Publish(context.Background(), "secret", map[string]int{"n": 42}, pollmesh.PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.payloads("secret")) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"n":42}`, rec.payloads("secret")[0])
}

func TestEndToEnd_ScopedAccessDenied(t *testing.T) {
	srv, origin := startServer(t, devserver.Config{Secret: "admin-secret"})

	token, _, err := srv.Grants().Issue("alice", []string{"room1"}, nil, time.Hour)
	require.NoError(t, err)

	rec := &recorder{}
	subscriber := connect(t, origin, "alice", func(c *pollmesh.Config) { c.AuthKey = token })
	subscriber.AddListener(rec)
	require.NoError(t, subscriber.Subscribe(pollmesh.SubscribeInput{Channels: []string{"room1", "room2"}}))

	require.Eventually(t, func() bool {
		_, ok := rec.status(listener.AccessDenied)
		return ok
	}, waitFor, tick)
	denied, _ := rec.status(listener.AccessDenied)
	assert.Equal(t, []string{"room2"}, denied.Channels)

	waitConnected(t, subscriber)
	assert.Equal(t, []string{"room1"}, subscriber.SubscribedChannels())

	publisher := connect(t, origin, "bob", nil)
	_, err = publisher.Publish(context.Background(), "room1", "allowed", pollmesh.PublishOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.payloads("room1")) == 1 }, waitFor, tick)
}

func TestEndToEnd_GroupsAndLeave(t *testing.T) {
	srv, origin := startServer(t, devserver.Config{
		Groups: map[string][]string{"lobby": {"room1", "room2"}},
	})

	watcher := &recorder{}
	observer := connect(t, origin, "observer", nil)
	observer.AddListener(watcher)
	require.NoError(t, observer.Subscribe(pollmesh.SubscribeInput{Groups: []string{"lobby"}, WithPresence: true}))
	waitConnected(t, observer)

	member := connect(t, origin, "carol", nil)
	require.NoError(t, member.Subscribe(pollmesh.SubscribeInput{Channels: []string{"room2"}}))
	require.Eventually(t, func() bool { return watcher.sawPresence(listener.ActionJoin, "carol") }, waitFor, tick)

	require.NoError(t, member.Unsubscribe(pollmesh.UnsubscribeInput{Channels: []string{"room2"}}))
	require.Eventually(t, func() bool { return watcher.sawPresence(listener.ActionLeave, "carol") }, waitFor, tick)
	assert.NotContains(t, srv.Presence().Occupants("room2"), "carol")

	_, err := member.Publish(context.Background(), "room1", "hello lobby", pollmesh.PublishOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(watcher.payloads("room1")) == 1 }, waitFor, tick)

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	for _, m := range watcher.messages {
		if m.Channel == "room1" {
			assert.Equal(t, "lobby", m.Subscription)
		}
	}
}
