// Package transport defines the single request capability the PollMesh client
// needs from the network.
//
// Every call the client makes (subscribe long-polls, heartbeats, leaves,
// publishes) is a GET with path components and a query string. Implementations
// must honour ctx cancellation: cancelling the context is how the event engine
// aborts an in-flight long-poll when the subscription changes.
package transport

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// ErrTimeout is returned (possibly wrapped) when a request exceeded its
// Timeout without the caller cancelling it.
var ErrTimeout = errors.New("request timed out")

// Operation names a kind of request, used for logging and metrics.
type Operation string

const (
	OpSubscribe Operation = "subscribe"
	OpHeartbeat Operation = "heartbeat"
	OpLeave     Operation = "leave"
	OpPublish   Operation = "publish"
	OpTime      Operation = "time"
)

// Request describes one GET request relative to the configured origin.
type Request struct {
	// Operation names the request kind
	Operation Operation

	// Path holds unescaped path segments; implementations escape each one
	Path []string

	// Query holds the query parameters
	Query url.Values

	// Timeout bounds the request; zero means the implementation default
	Timeout time.Duration
}

// Response is the raw result of a request that reached the server.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs requests. A non-nil error means no HTTP status was
// obtained; HTTP-level failures are reported through Response.StatusCode.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Do implements Transport.
func (f Func) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// IsTimeout reports whether err is a client-side request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
