package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/rmacdonaldsmith/pollmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/pollmesh-go/pkg/envelope"
)

const (
	DefaultPollTimeout   = 280 * time.Second
	DefaultPresenceSweep = 5 * time.Second
	DefaultRegion        = 1
)

// Config holds the development server configuration
type Config struct {
	// Addr is the listen address used by Start
	Addr string

	// PollTimeout is how long a subscribe request is held open
	PollTimeout time.Duration

	// PresenceSweep is the interval between presence timeout sweeps
	PresenceSweep time.Duration

	// Secret enables access grants. Subscribers must present a grant
	// covering every channel and group, and POST /v1/auth/grant requires
	// the secret as a bearer token.
	Secret string

	Region    uint32
	Retention int

	// Groups seeds channel groups
	Groups map[string][]string

	Logger  zerolog.Logger
	Metrics *metrics.ServerMetrics

	// MetricsHandler, when set, is served at /metrics
	MetricsHandler http.Handler
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.PresenceSweep <= 0 {
		c.PresenceSweep = DefaultPresenceSweep
	}
	if c.Region == 0 {
		c.Region = DefaultRegion
	}
}

// Server is an in-memory long-poll pub/sub server.
type Server struct {
	config   Config
	logger   zerolog.Logger
	metrics  *metrics.ServerMetrics
	log      *Log
	presence *Presence
	groups   *Groups
	grants   *Grants
	filters  *Filters

	httpServer *http.Server

	// stopped is cancelled by Stop and releases held subscribe requests
	stopped context.Context
	stop    context.CancelFunc
}

// New creates a development server
func New(config Config) (*Server, error) {
	config.SetDefaults()

	s := &Server{
		config:  config,
		logger:  config.Logger.With().Str("component", "devserver").Logger(),
		metrics: config.Metrics,
		log:     NewLog(config.Retention),
		groups:  NewGroups(config.Groups),
		filters: NewFilters(),
	}
	s.stopped, s.stop = context.WithCancel(context.Background())
	s.presence = NewPresence(s.log, s.metrics.RecordPresence)

	if config.Secret != "" {
		grants, err := NewGrants(config.Secret)
		if err != nil {
			return nil, err
		}
		s.grants = grants
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Grants returns the grant issuer, or nil when grants are disabled
func (s *Server) Grants() *Grants {
	return s.grants
}

// Groups returns the channel group registry
func (s *Server) Groups() *Groups {
	return s.groups
}

// Presence returns the presence tracker
func (s *Server) Presence() *Presence {
	return s.presence
}

// Start runs the presence sweeper and serves HTTP until Stop is called.
func (s *Server) Start() error {
	go s.RunSweeper()

	s.logger.Info().Str("addr", s.config.Addr).Dur("poll_timeout", s.config.PollTimeout).Msg("development server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server and the sweeper. Held subscribe
// requests are answered as their contexts are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

// RunSweeper expires presence members every PresenceSweep until Stop.
func (s *Server) RunSweeper() {
	ticker := time.NewTicker(s.config.PresenceSweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped.Done():
			return
		case <-ticker.C:
			if n := s.presence.Sweep(); n > 0 {
				s.logger.Debug().Int("expired", n).Msg("presence sweep")
			}
		}
	}
}

// Handler returns the HTTP handler serving the protocol
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/time/0", s.handleTime)
	r.Get("/v2/subscribe/{sub}/{channels}/0", s.handleSubscribe)

	r.Route("/v2/presence/sub-key/{sub}/channel/{channels}", func(r chi.Router) {
		r.Get("/heartbeat", s.handleHeartbeat)
		r.Get("/leave", s.handleLeave)
	})

	r.Get("/publish/{pub}/{sub}/0/{channel}/0/{message}", s.handlePublish(envelope.TypeMessage))
	r.Get("/signal/{pub}/{sub}/0/{channel}/0/{message}", s.handlePublish(envelope.TypeSignal))

	r.Route("/v1/channel-registration/sub-key/{sub}/channel-group/{group}", func(r chi.Router) {
		r.Get("/", s.handleGroup)
		r.Post("/", s.handleGroup)
		r.Get("/remove", s.handleGroupRemove)
	})

	r.Post("/v1/auth/grant", s.handleGrant)

	if s.config.MetricsHandler != nil {
		r.Handle("/metrics", s.config.MetricsHandler)
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, []uint64{s.log.Now()})
}

type wireCursor struct {
	T string `json:"t"`
	R uint32 `json:"r"`
}

type wireMessage struct {
	Channel      string          `json:"c"`
	Subscription string          `json:"b,omitempty"`
	Payload      json.RawMessage `json:"d"`
	Type         int             `json:"e"`
	Publisher    string          `json:"i,omitempty"`
	Published    wireCursor      `json:"p"`
	Meta         json.RawMessage `json:"u,omitempty"`
}

type subscribeReply struct {
	T wireCursor    `json:"t"`
	M []wireMessage `json:"m"`
}

func (s *Server) cursor(tt uint64) wireCursor {
	return wireCursor{T: strconv.FormatUint(tt, 10), R: s.config.Region}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channels := splitList(pathParam(r, "channels"))
	groups := splitList(q.Get("channel-group"))
	if len(channels) == 0 && len(groups) == 0 {
		respondError(w, http.StatusBadRequest, "no channels or channel groups to subscribe")
		return
	}

	tt, err := envelope.ParseTimetoken(q.Get("tt"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid timetoken")
		return
	}

	if deniedChannels, deniedGroups := s.authorize(q.Get("auth"), channels, groups); len(deniedChannels)+len(deniedGroups) > 0 {
		s.metrics.RecordDenied()
		s.logger.Info().Strs("channels", deniedChannels).Strs("groups", deniedGroups).Msg("subscribe denied")
		respondForbidden(w, deniedChannels, deniedGroups)
		return
	}

	watched := s.expand(channels, groups)

	if tt == 0 {
		head := s.log.Now()
		s.touch(q, channels, groups)
		respondJSON(w, http.StatusOK, subscribeReply{T: s.cursor(head), M: []wireMessage{}})
		return
	}
	s.touch(q, channels, groups)

	s.metrics.PollStarted()
	defer s.metrics.PollFinished()

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PollTimeout)
	defer cancel()
	release := context.AfterFunc(s.stopped, cancel)
	defer release()

	filter := q.Get("filter-expr")
	names := make([]string, 0, len(watched))
	for name := range watched {
		names = append(names, name)
	}

	for {
		records, head := s.log.Wait(ctx, names, tt)
		if messages := s.encode(records, watched, filter); len(messages) > 0 {
			respondJSON(w, http.StatusOK, subscribeReply{T: s.cursor(head), M: messages})
			return
		}
		if ctx.Err() != nil {
			if r.Context().Err() == nil {
				respondJSON(w, http.StatusOK, subscribeReply{T: s.cursor(tt), M: []wireMessage{}})
			}
			return
		}
		tt = head
	}
}

// expand resolves groups to their member channels. The result maps each
// watched channel to the group it was reached through, or "".
func (s *Server) expand(channels, groups []string) map[string]string {
	watched := make(map[string]string)
	for _, ch := range channels {
		watched[ch] = ""
	}
	for _, group := range groups {
		presence := envelope.IsPresenceChannel(group)
		for _, ch := range s.groups.Channels(envelope.BaseChannel(group)) {
			if presence {
				ch = envelope.PresenceChannel(ch)
			}
			if _, direct := watched[ch]; !direct {
				watched[ch] = group
			}
		}
	}
	return watched
}

func (s *Server) encode(records []Record, watched map[string]string, filter string) []wireMessage {
	messages := make([]wireMessage, 0, len(records))
	for _, rec := range records {
		if !envelope.IsPresenceChannel(rec.Channel) {
			ok, err := s.filters.Match(filter, rec.Meta)
			if err != nil {
				s.logger.Debug().Err(err).Str("filter", filter).Msg("filter did not match")
			}
			if !ok {
				continue
			}
		}
		messages = append(messages, wireMessage{
			Channel:      rec.Channel,
			Subscription: watched[rec.Channel],
			Payload:      rec.Payload,
			Type:         rec.Type,
			Publisher:    rec.Publisher,
			Published:    s.cursor(rec.Timetoken),
			Meta:         rec.Meta,
		})
	}
	return messages
}

// authorize returns the channels and groups the auth token does not cover.
func (s *Server) authorize(auth string, channels, groups []string) ([]string, []string) {
	if s.grants == nil {
		return nil, nil
	}

	claims, err := s.grants.Verify(auth)
	if err != nil {
		return channels, groups
	}

	var deniedChannels, deniedGroups []string
	for _, ch := range channels {
		if !claims.AllowsChannel(ch) {
			deniedChannels = append(deniedChannels, ch)
		}
	}
	for _, g := range groups {
		if !claims.AllowsGroup(g) {
			deniedGroups = append(deniedGroups, g)
		}
	}
	return deniedChannels, deniedGroups
}

// touch refreshes presence for uuid on every non-presence channel reached
// by channels and groups.
func (s *Server) touch(q url.Values, channels, groups []string) {
	uuid := q.Get("uuid")
	if uuid == "" {
		return
	}

	timeout := DefaultPresenceTimeout
	if secs, err := strconv.Atoi(q.Get("heartbeat")); err == nil && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	var states map[string]json.RawMessage
	if raw := q.Get("state"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &states); err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed state")
		}
	}

	for _, ch := range channels {
		if !envelope.IsPresenceChannel(ch) {
			s.presence.Touch(ch, uuid, timeout, states[ch])
		}
	}
	for _, g := range groups {
		if envelope.IsPresenceChannel(g) {
			continue
		}
		for _, ch := range s.groups.Channels(g) {
			state := states[ch]
			if state == nil {
				state = states[g]
			}
			s.presence.Touch(ch, uuid, timeout, state)
		}
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("uuid") == "" {
		respondError(w, http.StatusBadRequest, "uuid is required")
		return
	}
	s.touch(q, splitList(pathParam(r, "channels")), splitList(q.Get("channel-group")))
	respondJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK", "service": "Presence"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uuid := q.Get("uuid")
	if uuid == "" {
		respondError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	for _, ch := range splitList(pathParam(r, "channels")) {
		s.presence.Leave(envelope.BaseChannel(ch), uuid)
	}
	for _, g := range splitList(q.Get("channel-group")) {
		for _, ch := range s.groups.Channels(envelope.BaseChannel(g)) {
			s.presence.Leave(ch, uuid)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK", "action": "leave", "service": "Presence"})
}

func (s *Server) handlePublish(messageType int) http.HandlerFunc {
	kind := "message"
	if messageType == envelope.TypeSignal {
		kind = "signal"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		channel := pathParam(r, "channel")
		payload := pathParam(r, "message")
		if channel == "" || envelope.IsPresenceChannel(channel) {
			respondJSON(w, http.StatusBadRequest, []any{0, "Invalid Channel", "0"})
			return
		}
		if !json.Valid([]byte(payload)) {
			respondJSON(w, http.StatusBadRequest, []any{0, "Invalid JSON", "0"})
			return
		}

		var meta json.RawMessage
		if raw := r.URL.Query().Get("meta"); raw != "" {
			if !json.Valid([]byte(raw)) {
				respondJSON(w, http.StatusBadRequest, []any{0, "Invalid Meta", "0"})
				return
			}
			meta = json.RawMessage(raw)
		}

		rec := s.log.Append(Record{
			Channel:   channel,
			Payload:   json.RawMessage(payload),
			Meta:      meta,
			Publisher: r.URL.Query().Get("uuid"),
			Type:      messageType,
		})
		s.metrics.RecordPublish(kind)

		respondJSON(w, http.StatusOK, []any{1, "Sent", strconv.FormatUint(rec.Timetoken, 10)})
	}
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	group := pathParam(r, "group")
	q := r.URL.Query()

	add, remove := splitList(q.Get("add")), splitList(q.Get("remove"))
	if len(add) > 0 {
		s.groups.Add(group, add...)
	}
	if len(remove) > 0 {
		s.groups.Remove(group, remove...)
	}
	if len(add)+len(remove) > 0 {
		respondJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK", "service": "channel-registry", "error": false})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  200,
		"service": "channel-registry",
		"error":   false,
		"payload": map[string]any{"group": group, "channels": s.groups.Channels(group)},
	})
}

func (s *Server) handleGroupRemove(w http.ResponseWriter, r *http.Request) {
	s.groups.Remove(pathParam(r, "group"))
	respondJSON(w, http.StatusOK, map[string]any{"status": 200, "message": "OK", "service": "channel-registry", "error": false})
}

// GrantRequest is the body of POST /v1/auth/grant
type GrantRequest struct {
	UUID     string   `json:"uuid"`
	Channels []string `json:"channels"`
	Groups   []string `json:"groups"`
	TTL      int      `json:"ttl"`
}

// GrantResponse is the reply to POST /v1/auth/grant
type GrantResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		respondError(w, http.StatusNotFound, "grants are disabled")
		return
	}
	if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != s.config.Secret {
		respondError(w, http.StatusUnauthorized, "admin secret required")
		return
	}

	var req GrantRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expiresAt, err := s.grants.Issue(req.UUID, req.Channels, req.Groups, time.Duration(req.TTL)*time.Second)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, GrantResponse{Token: token, ExpiresAt: expiresAt})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"status":  status,
		"error":   true,
		"message": message,
	})
}

func respondForbidden(w http.ResponseWriter, channels, groups []string) {
	payload := map[string][]string{}
	if len(channels) > 0 {
		payload["channels"] = channels
	}
	for _, g := range groups {
		payload["channel-groups"] = append(payload["channel-groups"], ":"+g)
	}
	respondJSON(w, http.StatusForbidden, map[string]any{
		"status":  http.StatusForbidden,
		"error":   true,
		"message": "Forbidden",
		"service": "Access Manager",
		"payload": payload,
	})
}

// pathParam returns the unescaped value of a URL parameter. chi matches on
// the raw path when the request path carries escapes.
func pathParam(r *http.Request, key string) string {
	value := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return value
	}
	if unescaped, err := url.PathUnescape(value); err == nil {
		return unescaped
	}
	return value
}

// splitList splits a comma separated list, dropping empty names.
func splitList(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
