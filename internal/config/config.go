// Package config loads client settings for the binaries from an optional
// YAML file and POLLMESH_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/pollmesh-go/pkg/pollmesh"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "POLLMESH_"

// File is the on-disk configuration.
type File struct {
	Origin              string        `yaml:"origin"`
	SubscribeKey        string        `yaml:"subscribe_key"`
	PublishKey          string        `yaml:"publish_key"`
	UUID                string        `yaml:"uuid"`
	AuthKey             string        `yaml:"auth_key"`
	CipherKey           string        `yaml:"cipher_key"`
	RandomIV            bool          `yaml:"random_iv"`
	FilterExpression    string        `yaml:"filter_expression"`
	PresenceTimeout     int           `yaml:"presence_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	DisableHeartbeat    bool          `yaml:"disable_heartbeat"`
	SuppressLeaveEvents bool          `yaml:"suppress_leave_events"`
	SubscribeTimeout    time.Duration `yaml:"subscribe_timeout"`
	NonSubscribeTimeout time.Duration `yaml:"non_subscribe_timeout"`
	MaxHandshakeRetry   int           `yaml:"max_handshake_retry"`
	MaxReceiveRetry     int           `yaml:"max_receive_retry"`
	ReconnectPolicy     string        `yaml:"reconnect_policy"`
	ReconnectInterval   time.Duration `yaml:"reconnect_interval"`
	MaxReconnectDelay   time.Duration `yaml:"max_reconnect_delay"`
	LogLevel            string        `yaml:"log_level"`
}

// Load reads path (when non-empty) and applies environment overrides.
func Load(path string) (*File, error) {
	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := f.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	f.ApplyEnv()
	return f, nil
}

func (f *File) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from POLLMESH_* variables. Unparseable values
// are ignored.
func (f *File) ApplyEnv() {
	f.Origin = getenv("ORIGIN", f.Origin)
	f.SubscribeKey = getenv("SUBSCRIBE_KEY", f.SubscribeKey)
	f.PublishKey = getenv("PUBLISH_KEY", f.PublishKey)
	f.UUID = getenv("UUID", f.UUID)
	f.AuthKey = getenv("AUTH_KEY", f.AuthKey)
	f.CipherKey = getenv("CIPHER_KEY", f.CipherKey)
	f.RandomIV = parseBool(getenv("RANDOM_IV", ""), f.RandomIV)
	f.FilterExpression = getenv("FILTER_EXPRESSION", f.FilterExpression)
	f.PresenceTimeout = parseInt(getenv("PRESENCE_TIMEOUT", ""), f.PresenceTimeout)
	f.HeartbeatInterval = parseDuration(getenv("HEARTBEAT_INTERVAL", ""), f.HeartbeatInterval)
	f.DisableHeartbeat = parseBool(getenv("DISABLE_HEARTBEAT", ""), f.DisableHeartbeat)
	f.SuppressLeaveEvents = parseBool(getenv("SUPPRESS_LEAVE_EVENTS", ""), f.SuppressLeaveEvents)
	f.SubscribeTimeout = parseDuration(getenv("SUBSCRIBE_TIMEOUT", ""), f.SubscribeTimeout)
	f.NonSubscribeTimeout = parseDuration(getenv("NON_SUBSCRIBE_TIMEOUT", ""), f.NonSubscribeTimeout)
	f.MaxHandshakeRetry = parseInt(getenv("MAX_HANDSHAKE_RETRY", ""), f.MaxHandshakeRetry)
	f.MaxReceiveRetry = parseInt(getenv("MAX_RECEIVE_RETRY", ""), f.MaxReceiveRetry)
	f.ReconnectPolicy = getenv("RECONNECT_POLICY", f.ReconnectPolicy)
	f.ReconnectInterval = parseDuration(getenv("RECONNECT_INTERVAL", ""), f.ReconnectInterval)
	f.MaxReconnectDelay = parseDuration(getenv("MAX_RECONNECT_DELAY", ""), f.MaxReconnectDelay)
	f.LogLevel = getenv("LOG_LEVEL", f.LogLevel)
}

// ClientConfig maps the file onto a client configuration. Defaults are left
// to pollmesh.Config.SetDefaults.
func (f *File) ClientConfig() (pollmesh.Config, error) {
	policy, err := pollmesh.ParseReconnectPolicy(strings.ToLower(f.ReconnectPolicy))
	if err != nil {
		return pollmesh.Config{}, err
	}

	return pollmesh.Config{
		Origin:              f.Origin,
		SubscribeKey:        f.SubscribeKey,
		PublishKey:          f.PublishKey,
		UUID:                f.UUID,
		AuthKey:             f.AuthKey,
		CipherKey:           f.CipherKey,
		UseRandomIV:         f.RandomIV,
		FilterExpression:    f.FilterExpression,
		PresenceTimeout:     f.PresenceTimeout,
		HeartbeatInterval:   f.HeartbeatInterval,
		DisableHeartbeat:    f.DisableHeartbeat,
		SuppressLeaveEvents: f.SuppressLeaveEvents,
		SubscribeTimeout:    f.SubscribeTimeout,
		NonSubscribeTimeout: f.NonSubscribeTimeout,
		MaxHandshakeRetry:   f.MaxHandshakeRetry,
		MaxReceiveRetry:     f.MaxReceiveRetry,
		ReconnectPolicy:     policy,
		ReconnectInterval:   f.ReconnectInterval,
		MaxReconnectDelay:   f.MaxReconnectDelay,
	}, nil
}

// NewLogger builds the binaries' logger: JSON to w, or a console writer
// when pretty is set. An empty level means info.
func NewLogger(w io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func getenv(key, def string) string {
	val := os.Getenv(EnvPrefix + key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
