package httptransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

func newTransport(t *testing.T, origin string) *Transport {
	t.Helper()
	tr, err := New(Config{Origin: origin, UserAgent: "pollmesh-test", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return tr
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tr, err := New(Config{})
		require.NoError(t, err)
		assert.Equal(t, DefaultOrigin, tr.config.Origin)
		assert.NotNil(t, tr.config.Client)
	})

	t.Run("bare_host_gets_https", func(t *testing.T) {
		tr, err := New(Config{Origin: "ps.example.com"})
		require.NoError(t, err)
		assert.Equal(t, "https", tr.baseURL.Scheme)
		assert.Equal(t, "ps.example.com", tr.baseURL.Host)
	})

	t.Run("invalid_origin", func(t *testing.T) {
		_, err := New(Config{Origin: "http://"})
		assert.Error(t, err)
	})
}

func TestURL(t *testing.T) {
	tr := newTransport(t, "http://localhost:8090/")

	query := url.Values{}
	query.Set("tt", "0")
	query.Set("channel-group", "g1,g2")

	got := tr.URL(transport.Request{
		Path:  []string{"v2", "subscribe", "sub-c", "room 1,room/2", "0"},
		Query: query,
	})
	assert.Equal(t, "http://localhost:8090/v2/subscribe/sub-c/room%201,room%2F2/0?channel-group=g1%2Cg2&tt=0", got)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "publish/%7B%22a%22:1%7D", EscapePath([]string{"publish", `{"a":1}`}))
	assert.Equal(t, ",", EscapePath([]string{","}))
	assert.Equal(t, "a%3Bb", EscapePath([]string{"a;b"}))
}

func TestDo(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/time/0", r.URL.Path)
			assert.Equal(t, "pollmesh-test", r.Header.Get("User-Agent"))
			assert.Equal(t, "u1", r.URL.Query().Get("uuid"))
			w.Write([]byte(`[17000000000000000]`))
		}))
		defer server.Close()

		tr := newTransport(t, server.URL)
		resp, err := tr.Do(context.Background(), transport.Request{
			Operation: transport.OpTime,
			Path:      []string{"time", "0"},
			Query:     url.Values{"uuid": {"u1"}},
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `[17000000000000000]`, string(resp.Body))
	})

	t.Run("error_status_is_a_response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"payload":{"channels":["room1"]}}`))
		}))
		defer server.Close()

		tr := newTransport(t, server.URL)
		resp, err := tr.Do(context.Background(), transport.Request{Operation: transport.OpSubscribe, Path: []string{"x"}})
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "room1")
	})

	t.Run("request_timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		tr := newTransport(t, server.URL)
		_, err := tr.Do(context.Background(), transport.Request{
			Operation: transport.OpSubscribe,
			Path:      []string{"v2", "subscribe"},
			Timeout:   50 * time.Millisecond,
		})
		require.Error(t, err)
		assert.True(t, transport.IsTimeout(err))
	})

	t.Run("caller_cancellation", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		tr := newTransport(t, server.URL)
		_, err := tr.Do(ctx, transport.Request{
			Operation: transport.OpSubscribe,
			Path:      []string{"v2", "subscribe"},
			Timeout:   5 * time.Second,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, transport.IsTimeout(err))
	})

	t.Run("connection_refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		origin := server.URL
		server.Close()

		tr := newTransport(t, origin)
		_, err := tr.Do(context.Background(), transport.Request{Operation: transport.OpHeartbeat, Path: []string{"x"}})
		require.Error(t, err)
		assert.False(t, transport.IsTimeout(err))
		assert.Contains(t, err.Error(), "heartbeat request failed")
	})
}
