package pollmesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/engine"
	"github.com/rmacdonaldsmith/pollmesh-go/internal/presence"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/cryptor"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/transport"
)

const (
	// DefaultPresenceTimeout is the presence timeout in seconds
	DefaultPresenceTimeout = 300
	// MinPresenceTimeout is the smallest accepted presence timeout in seconds
	MinPresenceTimeout = 20
	// DefaultSubscribeTimeout bounds a single long-poll
	DefaultSubscribeTimeout = 310 * time.Second
	// DefaultNonSubscribeTimeout bounds heartbeat, leave and publish requests
	DefaultNonSubscribeTimeout = 10 * time.Second
	// DefaultMaxHandshakeRetry is the number of handshake retries before giving up
	DefaultMaxHandshakeRetry = 3
	// DefaultReconnectInterval is the first retry delay
	DefaultReconnectInterval = 2 * time.Second
	// DefaultMaxReconnectDelay caps the retry delay
	DefaultMaxReconnectDelay = 150 * time.Second
)

var (
	// ErrMissingSubscribeKey is returned when no subscribe key is configured
	ErrMissingSubscribeKey = errors.New("subscribe key is required")
	// ErrInvalidPresenceTimeout is returned for a presence timeout below the minimum
	ErrInvalidPresenceTimeout = fmt.Errorf("presence timeout must be at least %d seconds", MinPresenceTimeout)
	// ErrNegativeInterval is returned for a negative timeout or interval
	ErrNegativeInterval = errors.New("intervals and timeouts cannot be negative")
	// ErrNegativeRetry is returned for a negative retry budget
	ErrNegativeRetry = errors.New("retry limits cannot be negative")
	// ErrInvalidReconnectPolicy is returned for an unknown reconnect policy
	ErrInvalidReconnectPolicy = errors.New("unknown reconnect policy")
)

// ReconnectPolicy selects how retry delays grow.
type ReconnectPolicy = engine.ReconnectPolicy

const (
	// ReconnectExponential doubles the delay on every attempt (the default)
	ReconnectExponential = engine.PolicyExponential
	// ReconnectLinear waits ReconnectInterval between attempts
	ReconnectLinear = engine.PolicyLinear
)

// Config represents configuration for a Client
type Config struct {
	// Origin is the server address, e.g. "https://ps.example.com"
	Origin string

	SubscribeKey string
	// PublishKey is only needed for Publish
	PublishKey string

	// UUID identifies this client; a random "pn-" UUID is generated when empty
	UUID string

	// AuthKey is sent as the auth parameter on every request
	AuthKey string

	// FilterExpression is evaluated by the server against message metadata
	FilterExpression string

	// CipherKey enables payload encryption with the AES-CBC cryptor.
	// Cryptor takes precedence when both are set.
	CipherKey   string
	UseRandomIV bool
	Cryptor     cryptor.Cryptor

	// PresenceTimeout in seconds after which the server reports a timeout
	PresenceTimeout int

	// HeartbeatInterval overrides the period derived from PresenceTimeout
	HeartbeatInterval time.Duration

	// DisableHeartbeat turns off the heartbeat loop and the heartbeat parameter
	DisableHeartbeat bool

	// SuppressLeaveEvents skips the leave announcement on unsubscribe
	SuppressLeaveEvents bool

	SubscribeTimeout    time.Duration
	NonSubscribeTimeout time.Duration

	// MaxHandshakeRetry is the number of handshake retries after a failure
	MaxHandshakeRetry int

	// MaxReceiveRetry bounds consecutive long-poll retries; 0 is unbounded
	MaxReceiveRetry int

	ReconnectPolicy   ReconnectPolicy
	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration

	// Transport overrides the HTTP transport
	Transport transport.Transport

	// Logger receives structured logs; the zero value logs nothing
	Logger zerolog.Logger

	// MetricsRegisterer enables Prometheus metrics when set
	MetricsRegisterer prometheus.Registerer
}

// SetDefaults applies default values to the config
func (c *Config) SetDefaults() {
	if c.UUID == "" {
		c.UUID = "pn-" + uuid.NewString()
	}
	if c.PresenceTimeout == 0 {
		c.PresenceTimeout = DefaultPresenceTimeout
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if c.NonSubscribeTimeout == 0 {
		c.NonSubscribeTimeout = DefaultNonSubscribeTimeout
	}
	if c.MaxHandshakeRetry == 0 {
		c.MaxHandshakeRetry = DefaultMaxHandshakeRetry
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.SubscribeKey == "" {
		return ErrMissingSubscribeKey
	}
	if c.PresenceTimeout < MinPresenceTimeout {
		return fmt.Errorf("%w: got %d", ErrInvalidPresenceTimeout, c.PresenceTimeout)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat interval":    c.HeartbeatInterval,
		"subscribe timeout":     c.SubscribeTimeout,
		"non-subscribe timeout": c.NonSubscribeTimeout,
		"reconnect interval":    c.ReconnectInterval,
		"max reconnect delay":   c.MaxReconnectDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is %s", ErrNegativeInterval, name, d)
		}
	}
	if c.MaxHandshakeRetry < 0 || c.MaxReceiveRetry < 0 {
		return ErrNegativeRetry
	}
	if c.ReconnectPolicy != ReconnectExponential && c.ReconnectPolicy != ReconnectLinear {
		return fmt.Errorf("%w: %d", ErrInvalidReconnectPolicy, int(c.ReconnectPolicy))
	}
	return nil
}

// heartbeatInterval returns the configured or derived heartbeat period.
func (c *Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return presence.Interval(c.PresenceTimeout)
}

// ParseReconnectPolicy parses "exponential" or "linear".
func ParseReconnectPolicy(s string) (ReconnectPolicy, error) {
	switch s {
	case "", "exponential":
		return ReconnectExponential, nil
	case "linear":
		return ReconnectLinear, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidReconnectPolicy, s)
	}
}
