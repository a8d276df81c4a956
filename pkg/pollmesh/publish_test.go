package pollmesh

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/aescbc"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/pnerrors"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/transporttest"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

func TestPublish(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Handle(transport.OpPublish, transporttest.Reply(200, `[1,"Sent","17000000000000001"]`))
	client := newTestClient(t, fake, func(c *Config) { c.AuthKey = "token" })

	store := false
	tt, err := client.Publish(context.Background(), "room 1", map[string]string{"text": "hi"}, PublishOptions{
		Meta:  map[string]any{"region": "eu"},
		Store: &store,
		TTL:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(17000000000000001), tt)

	req, ok := fake.Last(transport.OpPublish)
	require.True(t, ok)
	assert.Equal(t, []string{"publish", "pub-c-demo", "sub-c-demo", "0", "room 1", "0", `{"text":"hi"}`}, req.Path)
	assert.JSONEq(t, `{"region":"eu"}`, req.Query.Get("meta"))
	assert.Equal(t, "0", req.Query.Get("store"))
	assert.Equal(t, "2", req.Query.Get("ttl"))
	assert.Equal(t, "user-1", req.Query.Get("uuid"))
	assert.Equal(t, "token", req.Query.Get("auth"))
	assert.Equal(t, SDK, req.Query.Get("pnsdk"))
}

func TestPublish_Encrypted(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Handle(transport.OpPublish, transporttest.Reply(200, `[1,"Sent","1"]`))
	client := newTestClient(t, fake, func(c *Config) { c.CipherKey = "enigma" })

	_, err := client.Publish(context.Background(), "secret", map[string]int{"n": 1}, PublishOptions{})
	require.NoError(t, err)

	req, ok := fake.Last(transport.OpPublish)
	require.True(t, ok)

	var ciphertext string
	require.NoError(t, json.Unmarshal([]byte(req.Path[6]), &ciphertext))

	c, err := aescbc.New("enigma", false)
	require.NoError(t, err)
	plain, err := c.Decrypt([]byte(ciphertext))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(plain))
}

func TestPublish_Errors(t *testing.T) {
	t.Run("missing_publish_key", func(t *testing.T) {
		client := newTestClient(t, transporttest.NewFake(), func(c *Config) { c.PublishKey = "" })
		_, err := client.Publish(context.Background(), "room1", "x", PublishOptions{})
		assert.ErrorIs(t, err, ErrMissingPublishKey)
	})

	t.Run("empty_channel", func(t *testing.T) {
		client := newTestClient(t, transporttest.NewFake(), nil)
		_, err := client.Publish(context.Background(), "", "x", PublishOptions{})
		assert.ErrorIs(t, err, ErrEmptyChannel)
	})

	t.Run("rejected", func(t *testing.T) {
		fake := transporttest.NewFake()
		fake.Handle(transport.OpPublish, transporttest.Reply(200, `[0,"Account quota exceeded","0"]`))
		client := newTestClient(t, fake, nil)
		_, err := client.Publish(context.Background(), "room1", "x", PublishOptions{})
		assert.ErrorContains(t, err, "Account quota exceeded")
	})

	t.Run("server_error_is_transient", func(t *testing.T) {
		fake := transporttest.NewFake()
		fake.Handle(transport.OpPublish, transporttest.Reply(500, `oops`))
		client := newTestClient(t, fake, nil)
		_, err := client.Publish(context.Background(), "room1", "x", PublishOptions{})
		require.Error(t, err)
		assert.True(t, pnerrors.IsRetryable(err))
	})

	t.Run("closed", func(t *testing.T) {
		client := newTestClient(t, transporttest.NewFake(), nil)
		require.NoError(t, client.Close())
		_, err := client.Publish(context.Background(), "room1", "x", PublishOptions{})
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func TestTime(t *testing.T) {
	fake := transporttest.NewFake()
	fake.Handle(transport.OpTime, transporttest.Sequence(
		transporttest.Reply(200, `[17000000000000000]`),
		transporttest.Reply(200, `{}`),
	))
	client := newTestClient(t, fake, nil)

	tt, err := client.Time(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(17000000000000000), tt)

	_, err = client.Time(context.Background())
	assert.True(t, pnerrors.IsMalformed(err))
}
