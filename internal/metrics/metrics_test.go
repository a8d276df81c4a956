package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

func TestNew(t *testing.T) {
	t.Run("nil_registerer", func(t *testing.T) {
		m, err := New(nil)
		require.NoError(t, err)
		assert.Nil(t, m)

		// nil metrics are usable
		m.RecordTransition("a", "b", "c")
		m.RecordDelivered("message")
		m.RecordHeartbeatFailure()
	})

	t.Run("double_registration_fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := New(reg)
		require.NoError(t, err)
		_, err = New(reg)
		assert.Error(t, err)
	})
}

func TestMetrics_RecordTransition(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordTransition("Unsubscribed", "Handshaking", "SubscriptionChanged")
	m.RecordTransition("Handshaking", "Receiving", "HandshakeSuccess")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("Handshaking", "Receiving", "HandshakeSuccess")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("Handshaking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("Receiving")))
}

func TestMetrics_Instrument(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	responses := []*transport.Response{{StatusCode: 200}, {StatusCode: 403}}
	calls := 0
	inner := transport.Func(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		resp := responses[calls]
		calls++
		return resp, nil
	})

	wrapped := m.Instrument(inner)
	_, _ = wrapped.Do(context.Background(), transport.Request{Operation: transport.OpSubscribe})
	_, _ = wrapped.Do(context.Background(), transport.Request{Operation: transport.OpSubscribe})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("subscribe", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("subscribe", "access_denied")))

	var nilMetrics *Metrics
	assert.NotNil(t, nilMetrics.Instrument(inner))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "timeout", Outcome(nil, transport.ErrTimeout))
	assert.Equal(t, "cancelled", Outcome(nil, context.Canceled))
	assert.Equal(t, "error", Outcome(nil, io.EOF))
	assert.Equal(t, "transient", Outcome(&transport.Response{StatusCode: 503}, nil))
	assert.Equal(t, "invalid", Outcome(&transport.Response{StatusCode: 400}, nil))
	assert.Equal(t, "ok", Outcome(&transport.Response{StatusCode: 200}, nil))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.RecordDelivered("message")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pollmesh_dispatch_delivered_total")
}

func TestServerMetrics(t *testing.T) {
	m, err := NewServer(prometheus.NewRegistry())
	require.NoError(t, err)

	m.PollStarted()
	m.PollStarted()
	m.PollFinished()
	m.RecordPublish("message")
	m.RecordDenied()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivePolls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Denied))

	var nilServer *ServerMetrics
	nilServer.PollStarted()
}
