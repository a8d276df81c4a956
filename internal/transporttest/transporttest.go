// Package transporttest provides transport.Transport doubles for tests.
package transporttest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// MockTransport is a mock implementation of transport.Transport
type MockTransport struct {
	mock.Mock
}

// Do implements transport.Transport
func (m *MockTransport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transport.Response), args.Error(1)
}

// Handler answers one request.
type Handler func(ctx context.Context, req transport.Request) (*transport.Response, error)

// Fake records every request and answers with per-operation handlers.
// Operations without a handler get an empty 200 reply.
type Fake struct {
	mu       sync.Mutex
	requests []transport.Request
	handlers map[transport.Operation]Handler
}

// NewFake creates a Fake with no handlers.
func NewFake() *Fake {
	return &Fake{handlers: make(map[transport.Operation]Handler)}
}

// Handle sets the handler for an operation.
func (f *Fake) Handle(op transport.Operation, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = h
}

// Do implements transport.Transport
func (f *Fake) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	h := f.handlers[req.Operation]
	f.mu.Unlock()

	if h == nil {
		return &transport.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	return h(ctx, req)
}

// Requests returns the recorded requests for op.
func (f *Fake) Requests(op transport.Operation) []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []transport.Request
	for _, req := range f.requests {
		if req.Operation == op {
			out = append(out, req)
		}
	}
	return out
}

// Count returns the number of recorded requests for op.
func (f *Fake) Count(op transport.Operation) int {
	return len(f.Requests(op))
}

// Last returns the most recent request for op.
func (f *Fake) Last(op transport.Operation) (transport.Request, bool) {
	reqs := f.Requests(op)
	if len(reqs) == 0 {
		return transport.Request{}, false
	}
	return reqs[len(reqs)-1], true
}

// Reply answers with a fixed status and body.
func Reply(status int, body string) Handler {
	return func(context.Context, transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: status, Body: []byte(body)}, nil
	}
}

// Fail answers with a transport error.
func Fail(err error) Handler {
	return func(context.Context, transport.Request) (*transport.Response, error) {
		return nil, err
	}
}

// Block waits until the request is cancelled.
func Block() Handler {
	return func(ctx context.Context, _ transport.Request) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Sequence answers successive requests with successive handlers, repeating
// the last one once the list is exhausted.
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		mu.Lock()
		h := handlers[next]
		if next < len(handlers)-1 {
			next++
		}
		mu.Unlock()
		return h(ctx, req)
	}
}

// SubscribeBody renders a v2 subscribe reply. Each message is a pair of
// channel and raw JSON payload.
func SubscribeBody(timetoken uint64, region uint32, messages ...[2]string) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf(`{"c":%q,"d":%s}`, m[0], m[1]))
	}
	return fmt.Sprintf(`{"t":{"t":"%d","r":%d},"m":[%s]}`, timetoken, region, strings.Join(parts, ","))
}
