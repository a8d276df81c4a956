// Package httptransport is the net/http implementation of transport.Transport.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// DefaultOrigin is used when Config.Origin is empty.
const DefaultOrigin = "http://localhost:8090"

// Config configures the HTTP transport
type Config struct {
	// Origin is the scheme and host requests are sent to
	Origin string

	// UserAgent is sent on every request when set
	UserAgent string

	// Client overrides the underlying HTTP client
	Client *http.Client

	Logger zerolog.Logger
}

// SetDefaults applies default values to the config
func (c *Config) SetDefaults() {
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.Client == nil {
		// No client-level timeout: each request carries its own.
		c.Client = &http.Client{}
	}
}

// Transport sends requests over HTTP
type Transport struct {
	config  Config
	baseURL *url.URL
	logger  zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport
func New(config Config) (*Transport, error) {
	config.SetDefaults()

	origin := config.Origin
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	baseURL, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if baseURL.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: missing host", config.Origin)
	}

	return &Transport{
		config:  config,
		baseURL: baseURL,
		logger:  config.Logger.With().Str("component", "http_transport").Logger(),
	}, nil
}

// URL renders the absolute URL of a request.
func (t *Transport) URL(req transport.Request) string {
	u := *t.baseURL
	u.Path = t.baseURL.Path + "/" + strings.Join(req.Path, "/")
	u.RawPath = t.baseURL.EscapedPath() + "/" + EscapePath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	return u.String()
}

// EscapePath escapes each segment and joins them with "/". Commas separate
// channel lists and stay literal.
func EscapePath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = strings.ReplaceAll(url.PathEscape(s), "%2C", ",")
	}
	return strings.Join(escaped, "/")
}

// Do implements transport.Transport
func (t *Transport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.URL(req), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if t.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
	}

	start := time.Now()
	resp, err := t.config.Client.Do(httpReq)
	if err != nil {
		return nil, t.requestError(ctx, reqCtx, req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.requestError(ctx, reqCtx, req, fmt.Errorf("failed to read response body: %w", err))
	}

	t.logger.Debug().
		Str("operation", string(req.Operation)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request completed")

	return &transport.Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// requestError maps an expired per-request deadline to transport.ErrTimeout
// and a cancelled caller context to its context error.
func (t *Transport) requestError(ctx, reqCtx context.Context, req transport.Request, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s request after %s: %w", req.Operation, req.Timeout, transport.ErrTimeout)
	}
	return fmt.Errorf("%s request failed: %w", req.Operation, err)
}
