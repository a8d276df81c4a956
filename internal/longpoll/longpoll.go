// Package longpoll builds subscribe requests and interprets their responses.
//
// Poller performs the two calls the event engine needs: Handshake, which
// obtains the initial cursor with timetoken 0, and Receive, which holds a
// long-poll open until messages newer than the cursor arrive or the server
// times the request out.
package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/pnerrors"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// Config holds the request parameters shared by every subscribe call
type Config struct {
	SubscribeKey string
	UUID         string
	AuthKey      string
	SDK          string

	// FilterExpression is forwarded verbatim as filter-expr
	FilterExpression string

	// PresenceTimeout in seconds, announced on every subscribe. Zero omits it.
	PresenceTimeout int

	// Timeout bounds each long-poll
	Timeout time.Duration
}

// StateFunc returns the presence state to announce on handshake.
type StateFunc func() map[string]map[string]any

// Poller performs handshake and receive requests through a Transport.
type Poller struct {
	config    Config
	transport transport.Transport
	states    StateFunc
	logger    zerolog.Logger
}

// NewPoller creates a Poller. states may be nil.
func NewPoller(config Config, t transport.Transport, states StateFunc, logger zerolog.Logger) *Poller {
	return &Poller{
		config:    config,
		transport: t,
		states:    states,
		logger:    logger.With().Str("component", "longpoll").Logger(),
	}
}

// Handshake opens a subscription with timetoken 0 and returns the cursor the
// server assigned.
func (p *Poller) Handshake(ctx context.Context, channels, groups []string) (envelope.Cursor, error) {
	var state map[string]map[string]any
	if p.states != nil {
		state = p.states()
	}

	req := BuildSubscribeRequest(p.config, channels, groups, envelope.Cursor{}, state)
	env, err := p.do(ctx, req)
	if err != nil {
		return envelope.Cursor{}, err
	}

	p.logger.Debug().
		Strs("channels", channels).
		Strs("groups", groups).
		Str("cursor", env.Cursor.String()).
		Msg("handshake complete")
	return env.Cursor, nil
}

// Receive holds a long-poll open from cursor. A client-side timeout is not a
// failure: it yields an empty envelope positioned at the same cursor.
func (p *Poller) Receive(ctx context.Context, channels, groups []string, cursor envelope.Cursor) (*envelope.Envelope, error) {
	req := BuildSubscribeRequest(p.config, channels, groups, cursor, nil)
	env, err := p.do(ctx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, transport.ErrTimeout) {
			p.logger.Debug().Str("cursor", cursor.String()).Msg("long-poll timed out, resuming")
			return &envelope.Envelope{Cursor: cursor}, nil
		}
		return nil, err
	}
	return env, nil
}

func (p *Poller) do(ctx context.Context, req transport.Request) (*envelope.Envelope, error) {
	resp, err := p.transport.Do(ctx, req)
	if err := CheckResponse(req.Operation, resp, err); err != nil {
		return nil, err
	}

	env, err := envelope.Decode(resp.Body)
	if err != nil {
		return nil, pnerrors.WrapMalformed(req.Operation, err)
	}
	return env, nil
}

// BuildSubscribeRequest renders a subscribe call. A zero cursor requests a
// handshake; state is only included when non-empty.
func BuildSubscribeRequest(cfg Config, channels, groups []string, cursor envelope.Cursor, state map[string]map[string]any) transport.Request {
	query := url.Values{}
	query.Set("uuid", cfg.UUID)
	if cfg.SDK != "" {
		query.Set("pnsdk", cfg.SDK)
	}
	query.Set("tt", cursor.TimetokenString())
	if region := cursor.RegionString(); region != "" {
		query.Set("tr", region)
	}
	if cfg.AuthKey != "" {
		query.Set("auth", cfg.AuthKey)
	}
	if len(groups) > 0 {
		query.Set("channel-group", strings.Join(groups, ","))
	}
	if len(state) > 0 {
		if encoded, err := json.Marshal(state); err == nil {
			query.Set("state", string(encoded))
		}
	}
	if cfg.PresenceTimeout > 0 {
		query.Set("heartbeat", strconv.Itoa(cfg.PresenceTimeout))
	}
	if cfg.FilterExpression != "" {
		query.Set("filter-expr", cfg.FilterExpression)
	}

	return transport.Request{
		Operation: transport.OpSubscribe,
		Path:      []string{"v2", "subscribe", cfg.SubscribeKey, JoinChannels(channels), "0"},
		Query:     query,
		Timeout:   cfg.Timeout,
	}
}

// JoinChannels renders a channel list path segment; an empty list is ",".
func JoinChannels(channels []string) string {
	if len(channels) == 0 {
		return ","
	}
	return strings.Join(channels, ",")
}

// CheckResponse classifies the outcome of a transport call.
func CheckResponse(op transport.Operation, resp *transport.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return pnerrors.New(pnerrors.ClassCancelled, op, 0, err)
		}
		return pnerrors.WrapTransient(op, err)
	}
	if resp == nil {
		return pnerrors.WrapTransient(op, errors.New("no response"))
	}

	switch code := resp.StatusCode; {
	case code == 403:
		return pnerrors.New(pnerrors.ClassAccessDenied, op, code, ParseAccessDenied(resp.Body))
	case code == 429 || code >= 500:
		return pnerrors.New(pnerrors.ClassTransient, op, code, fmt.Errorf("server returned %d: %s", code, snippet(resp.Body)))
	case code >= 400:
		return pnerrors.WrapInvalid(op, code, fmt.Errorf("server returned %d: %s", code, snippet(resp.Body)))
	}
	return nil
}

type accessDeniedBody struct {
	Message  string   `json:"message"`
	Channels []string `json:"channels"`
	Payload  struct {
		Channels      []string `json:"channels"`
		ChannelGroups []string `json:"channel-groups"`
	} `json:"payload"`
}

// ParseAccessDenied extracts the refused entities from a 403 body. An
// unparseable body yields an unscoped denial.
func ParseAccessDenied(body []byte) *pnerrors.AccessDeniedError {
	var parsed accessDeniedBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &pnerrors.AccessDeniedError{Message: snippet(body)}
	}

	denied := &pnerrors.AccessDeniedError{Message: parsed.Message}
	denied.Channels = append(denied.Channels, parsed.Payload.Channels...)
	denied.Channels = append(denied.Channels, parsed.Channels...)
	for _, group := range parsed.Payload.ChannelGroups {
		denied.Groups = append(denied.Groups, strings.TrimPrefix(group, ":"))
	}
	return denied
}

func snippet(body []byte) string {
	const limit = 128
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
