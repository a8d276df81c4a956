// Package presence announces a client's liveness and state on the channels
// it is subscribed to, independently of the subscribe long-poll.
package presence

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/longpoll"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

// Config holds the presence request parameters
type Config struct {
	SubscribeKey string
	UUID         string
	AuthKey      string
	SDK          string

	// PresenceTimeout in seconds after which the server considers the client gone
	PresenceTimeout int

	// Timeout bounds each heartbeat or leave request
	Timeout time.Duration
}

// Interval returns the heartbeat period for a presence timeout:
// half the timeout minus one second, never below one second.
func Interval(presenceTimeout int) time.Duration {
	seconds := presenceTimeout/2 - 1
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// Announcer sends heartbeat and leave requests.
type Announcer struct {
	config    Config
	transport transport.Transport
	logger    zerolog.Logger
}

// NewAnnouncer creates an Announcer
func NewAnnouncer(config Config, t transport.Transport, logger zerolog.Logger) *Announcer {
	return &Announcer{
		config:    config,
		transport: t,
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

// Heartbeat announces presence and state on the entities.
func (a *Announcer) Heartbeat(ctx context.Context, channels, groups []string, state map[string]map[string]any) error {
	req := a.request(transport.OpHeartbeat, channels, groups)
	req.Query.Set("heartbeat", strconv.Itoa(a.config.PresenceTimeout))
	if len(state) > 0 {
		if encoded, err := json.Marshal(state); err == nil {
			req.Query.Set("state", string(encoded))
		}
	}

	resp, err := a.transport.Do(ctx, req)
	return longpoll.CheckResponse(req.Operation, resp, err)
}

// Leave announces that the client left the entities.
func (a *Announcer) Leave(ctx context.Context, channels, groups []string) error {
	req := a.request(transport.OpLeave, channels, groups)

	resp, err := a.transport.Do(ctx, req)
	if err := longpoll.CheckResponse(req.Operation, resp, err); err != nil {
		return err
	}

	a.logger.Debug().Strs("channels", channels).Strs("groups", groups).Msg("leave announced")
	return nil
}

func (a *Announcer) request(op transport.Operation, channels, groups []string) transport.Request {
	query := url.Values{}
	query.Set("uuid", a.config.UUID)
	if a.config.SDK != "" {
		query.Set("pnsdk", a.config.SDK)
	}
	if a.config.AuthKey != "" {
		query.Set("auth", a.config.AuthKey)
	}
	if len(groups) > 0 {
		query.Set("channel-group", strings.Join(groups, ","))
	}

	return transport.Request{
		Operation: op,
		Path: []string{
			"v2", "presence", "sub-key", a.config.SubscribeKey,
			"channel", longpoll.JoinChannels(channels), string(op),
		},
		Query:   query,
		Timeout: a.config.Timeout,
	}
}
