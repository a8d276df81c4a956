package pollmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/longpoll"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/pnerrors"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

var (
	// ErrMissingPublishKey is returned by Publish when no publish key is configured
	ErrMissingPublishKey = errors.New("publish key is required to publish")
	// ErrEmptyChannel is returned by Publish for an empty channel name
	ErrEmptyChannel = errors.New("channel name cannot be empty")
)

// PublishOptions are the optional publish parameters
type PublishOptions struct {
	// Meta is matched by subscribers' filter expressions
	Meta map[string]any

	// Store overrides the server's history setting when set
	Store *bool

	// TTL in hours for stored messages; 0 uses the server default
	TTL int
}

// Publish sends message to channel and returns its publish timetoken.
// The message is encrypted when a cryptor is configured.
func (c *Client) Publish(ctx context.Context, channel string, message any, opts PublishOptions) (uint64, error) {
	if c.config.PublishKey == "" {
		return 0, ErrMissingPublishKey
	}
	if channel == "" {
		return 0, ErrEmptyChannel
	}
	if c.isClosed() {
		return 0, ErrClientClosed
	}

	payload, err := c.encodeMessage(message)
	if err != nil {
		return 0, err
	}

	query := c.baseQuery()
	if len(opts.Meta) > 0 {
		meta, err := json.Marshal(opts.Meta)
		if err != nil {
			return 0, fmt.Errorf("failed to encode meta: %w", err)
		}
		query.Set("meta", string(meta))
	}
	if opts.Store != nil {
		query.Set("store", boolParam(*opts.Store))
	}
	if opts.TTL > 0 {
		query.Set("ttl", strconv.Itoa(opts.TTL))
	}

	req := transport.Request{
		Operation: transport.OpPublish,
		Path:      []string{"publish", c.config.PublishKey, c.config.SubscribeKey, "0", channel, "0", string(payload)},
		Query:     query,
		Timeout:   c.config.NonSubscribeTimeout,
	}
	resp, err := c.transport.Do(ctx, req)
	if err := longpoll.CheckResponse(req.Operation, resp, err); err != nil {
		return 0, err
	}

	tt, err := parsePublishReply(resp.Body)
	if err != nil {
		return 0, pnerrors.WrapMalformed(req.Operation, err)
	}

	c.logger.Debug().Str("channel", channel).Uint64("timetoken", tt).Msg("message published")
	return tt, nil
}

func (c *Client) encodeMessage(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if c.cryptor == nil {
		return payload, nil
	}

	encrypted, err := c.cryptor.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	return json.Marshal(string(encrypted))
}

// parsePublishReply reads [1,"Sent","<timetoken>"].
func parsePublishReply(body []byte) (uint64, error) {
	var reply []json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, fmt.Errorf("publish reply: %w", err)
	}
	if len(reply) < 3 {
		return 0, fmt.Errorf("publish reply has %d elements", len(reply))
	}

	var code int
	var description, timetoken string
	if err := json.Unmarshal(reply[0], &code); err != nil {
		return 0, fmt.Errorf("publish reply code: %w", err)
	}
	_ = json.Unmarshal(reply[1], &description)
	if code != 1 {
		return 0, fmt.Errorf("publish rejected: %s", description)
	}
	if err := json.Unmarshal(reply[2], &timetoken); err != nil {
		return 0, fmt.Errorf("publish reply timetoken: %w", err)
	}
	return envelope.ParseTimetoken(timetoken)
}

// Time returns the server's current timetoken.
func (c *Client) Time(ctx context.Context) (uint64, error) {
	req := transport.Request{
		Operation: transport.OpTime,
		Path:      []string{"time", "0"},
		Query:     c.baseQuery(),
		Timeout:   c.config.NonSubscribeTimeout,
	}
	resp, err := c.transport.Do(ctx, req)
	if err := longpoll.CheckResponse(req.Operation, resp, err); err != nil {
		return 0, err
	}

	var reply []uint64
	if err := json.Unmarshal(resp.Body, &reply); err != nil || len(reply) == 0 {
		return 0, pnerrors.WrapMalformed(req.Operation, fmt.Errorf("time reply %q", resp.Body))
	}
	return reply[0], nil
}

func (c *Client) baseQuery() url.Values {
	query := url.Values{}
	query.Set("uuid", c.config.UUID)
	query.Set("pnsdk", SDK)
	if c.config.AuthKey != "" {
		query.Set("auth", c.config.AuthKey)
	}
	return query
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
