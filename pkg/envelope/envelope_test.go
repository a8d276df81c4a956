package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("v2_object_shape", func(t *testing.T) {
		body := []byte(`{
			"t": {"t": "17069951001234567", "r": 12},
			"m": [
				{"c": "room1", "d": {"text": "hi"}, "i": "alice", "p": {"t": "17069951001234500", "r": 12}},
				{"c": "room2", "b": "lobby", "d": "secret", "e": 1, "u": {"prio": 2}}
			]
		}`)

		env, err := Decode(body)
		require.NoError(t, err)

		assert.Equal(t, uint64(17069951001234567), env.Cursor.Timetoken)
		assert.Equal(t, uint32(12), env.Cursor.Region)
		assert.True(t, env.Cursor.HasRegion)

		require.Len(t, env.Messages, 2)
		first := env.Messages[0]
		assert.Equal(t, "room1", first.Channel)
		assert.Empty(t, first.Subscription)
		assert.JSONEq(t, `{"text":"hi"}`, string(first.Payload))
		assert.Equal(t, "alice", first.Publisher)
		assert.Equal(t, uint64(17069951001234500), first.Timetoken)
		assert.Equal(t, TypeMessage, first.MessageType)

		second := env.Messages[1]
		assert.Equal(t, "lobby", second.Subscription)
		assert.Equal(t, TypeSignal, second.MessageType)
		assert.JSONEq(t, `{"prio":2}`, string(second.UserMeta))
	})

	t.Run("v2_empty_batch", func(t *testing.T) {
		env, err := Decode([]byte(`{"t":{"t":"100","r":1},"m":[]}`))
		require.NoError(t, err)
		assert.Empty(t, env.Messages)
		assert.Equal(t, Cursor{Timetoken: 100, Region: 1, HasRegion: true}, env.Cursor)
	})

	t.Run("subscription_equal_to_channel_is_dropped", func(t *testing.T) {
		env, err := Decode([]byte(`{"t":{"t":"100"},"m":[{"c":"a","b":"a","d":1}]}`))
		require.NoError(t, err)
		require.Len(t, env.Messages, 1)
		assert.Empty(t, env.Messages[0].Subscription)
		assert.False(t, env.Cursor.HasRegion)
	})

	t.Run("legacy_array_with_channels", func(t *testing.T) {
		env, err := Decode([]byte(`[[{"n":1},{"n":2}],"14000000000000000","room1,room2"]`))
		require.NoError(t, err)

		assert.Equal(t, uint64(14000000000000000), env.Cursor.Timetoken)
		require.Len(t, env.Messages, 2)
		assert.Equal(t, "room1", env.Messages[0].Channel)
		assert.Equal(t, "room2", env.Messages[1].Channel)
		assert.JSONEq(t, `{"n":2}`, string(env.Messages[1].Payload))
	})

	t.Run("legacy_array_without_channels", func(t *testing.T) {
		env, err := Decode([]byte(`[["only"],"15"]`))
		require.NoError(t, err)
		require.Len(t, env.Messages, 1)
		assert.Empty(t, env.Messages[0].Channel)
		assert.Equal(t, uint64(15), env.Cursor.Timetoken)
	})

	t.Run("legacy_array_with_subscriptions", func(t *testing.T) {
		env, err := Decode([]byte(`[[1,2],"15","a,b","grp,b"]`))
		require.NoError(t, err)
		require.Len(t, env.Messages, 2)
		assert.Equal(t, "grp", env.Messages[0].Subscription)
		assert.Empty(t, env.Messages[1].Subscription)
	})

	t.Run("malformed_bodies", func(t *testing.T) {
		bodies := map[string]string{
			"empty":            ``,
			"plain_text":       `<html>oops</html>`,
			"missing_t":        `{"m":[]}`,
			"bad_timetoken":    `{"t":{"t":"abc"},"m":[]}`,
			"short_legacy":     `[[]]`,
			"legacy_bad_list":  `[{},"1"]`,
			"legacy_number_tt": `[[],1]`,
			"truncated":        `{"t":{"t":"1"`,
		}
		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				env, err := Decode([]byte(body))
				assert.ErrorIs(t, err, ErrMalformed)
				assert.Nil(t, env)
			})
		}
	})
}

func TestPresenceChannelHelpers(t *testing.T) {
	assert.True(t, IsPresenceChannel("room1-pnpres"))
	assert.False(t, IsPresenceChannel("room1"))
	assert.Equal(t, "room1-pnpres", PresenceChannel("room1"))
	assert.Equal(t, "room1-pnpres", PresenceChannel("room1-pnpres"))
	assert.Equal(t, "room1", BaseChannel("room1-pnpres"))
	assert.Equal(t, "room1", BaseChannel("room1"))
}
