// Package session drives a single websocket connection through its
// lifecycle: admission, welcome, the envelope loop, model streaming,
// and teardown. All envelope interpretation happens on one goroutine
// per connection; the reader and writer pumps only move frames.
package session

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/telemetry"
	"github.com/parley-chat/parley/internal/usage"
)

// malformedBurst is how many invalid_message_format errors a client may
// accumulate in quick succession before the connection is closed.
const malformedBurst = 5

// Config carries the per-connection behavior knobs.
type Config struct {
	ConnectTimeout  time.Duration
	MessageTimeout  time.Duration
	OutboxSize      int
	MaxMessageBytes int
	Limits          protocol.Limits
}

// Streamer produces the model response stream for an accepted message.
// The returned channel is closed after the final chunk; the cancel
// function stops generation early.
type Streamer interface {
	Stream(ctx context.Context, msg protocol.ChatMessage, window []protocol.ChatMessage) (<-chan protocol.Envelope, context.CancelFunc)
}

// MessageRepository persists accepted messages off the hot path.
type MessageRepository interface {
	Persist(ctx context.Context, msg protocol.ChatMessage) error
}

// Deps are the collaborators a session needs. Store may be nil, in
// which case persistence is skipped. Async schedules fire-and-forget
// work; nil runs tasks inline.
type Deps struct {
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	Validator *auth.Validator
	History   *history.Ring
	Streamer  Streamer
	Store     MessageRepository
	Usage     *usage.Recorder
	Async     func(func())
	Sink      telemetry.Sink
	Logger    zerolog.Logger
}

// frame is one raw inbound websocket message.
type frame struct {
	data []byte
	op   ws.OpCode
}

// Session is the per-connection state machine. Fields below the pumps
// are owned by the loop goroutine and never touched elsewhere.
type Session struct {
	cfg  Config
	deps Deps

	conn *registry.Conn
	sock net.Conn
	log  zerolog.Logger

	inbound  chan frame
	stop     chan struct{}
	stopOnce sync.Once

	admitted     bool
	online       bool
	chunks       <-chan protocol.Envelope
	cancelStream context.CancelFunc
	inFlightID   string
	streamBuf    strings.Builder
	chunksSent   int64
	lastActivity time.Time
	malformed    *rate.Limiter
	closeKind    protocol.Kind
	done         bool
}

// Serve runs the full lifecycle for one upgraded connection and blocks
// until teardown completes. token and conversationID come from the
// handshake query; remoteIP is the already resolved client address.
func Serve(ctx context.Context, sock net.Conn, remoteIP, token, conversationID string, cfg Config, deps Deps) {
	s := newSession(sock, remoteIP, cfg, deps)

	if err := deps.Registry.Register(s.conn); err != nil {
		s.log.Error().Err(err).Msg("connection rejected: registry insert failed")
		sock.Close()
		return
	}

	// The session context bounds everything spawned on behalf of this
	// connection, including an in-flight model stream.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.writePump()
	}()

	if s.handshake(sctx, token, conversationID) {
		pumps.Add(1)
		go func() {
			defer pumps.Done()
			s.readPump()
		}()
		s.loop(sctx)
	}

	cancel()
	s.teardown(&pumps)
}

func newSession(sock net.Conn, remoteIP string, cfg Config, deps Deps) *Session {
	if deps.Async == nil {
		deps.Async = func(task func()) { task() }
	}
	id := "c-" + uuid.NewString()
	return &Session{
		cfg:          cfg,
		deps:         deps,
		conn:         registry.NewConn(id, remoteIP, cfg.OutboxSize),
		sock:         sock,
		inbound:      make(chan frame, 16),
		stop:         make(chan struct{}),
		malformed:    rate.NewLimiter(rate.Limit(malformedBurst), malformedBurst),
		lastActivity: time.Now(),
		log: deps.Logger.With().
			Str("component", "session").
			Str("connection_id", id).
			Str("remote_ip", remoteIP).
			Logger(),
	}
}

// handshake authenticates the client, reserves connection slots, and
// replays history, all inside the connect timeout. It reports whether
// the connection reached ready; on failure the close status is already
// queued behind any in-band error envelope.
func (s *Session) handshake(ctx context.Context, token, conversationID string) bool {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.conn.Transition(registry.StateAuthenticating); err != nil {
		s.close(protocol.KindServerError, "lifecycle error")
		return false
	}

	principal, err := s.deps.Validator.Validate(hsCtx, token)
	if err != nil {
		s.deps.Sink.Count("session_auth_failures_total", 1)
		s.log.Info().Err(err).Msg("authentication failed")
		s.sendError(protocol.KindAuthenticationRequired, "authentication required", nil)
		s.close(protocol.KindAuthenticationRequired, "authentication required")
		return false
	}
	if err := s.deps.Registry.Authenticate(s.conn.ID, principal); err != nil {
		s.close(protocol.KindServerError, "lifecycle error")
		return false
	}
	if err := s.conn.Transition(registry.StateAuthenticated); err != nil {
		s.close(protocol.KindServerError, "lifecycle error")
		return false
	}
	s.log = s.log.With().Str("user_id", principal.UserID).Logger()

	dec, err := s.deps.Limiter.AllowConnection(hsCtx, s.conn.RemoteIP, principal.UserID)
	if err != nil {
		// Admission fails closed when the counter store is down.
		s.sendError(protocol.KindServerError, "admission unavailable", nil)
		s.close(protocol.KindServerError, "admission unavailable")
		return false
	}
	if !dec.Allowed {
		s.sendError(protocol.KindConnectionLimitExceeded, "connection limit exceeded", map[string]any{
			"scope": dec.Scope,
			"count": dec.Count,
			"limit": dec.Limit,
		})
		s.close(protocol.KindConnectionLimitExceeded, "connection limit exceeded")
		return false
	}
	s.admitted = true

	if conversationID != "" {
		s.conn.BindConversation(conversationID)
	}

	s.send(protocol.Welcome{
		Type:         protocol.TypeWelcome,
		ConnectionID: s.conn.ID,
		ServerTime:   time.Now().UTC(),
		Limits:       s.cfg.Limits,
	})

	var replay []protocol.ChatMessage
	if conversationID != "" {
		replay, err = s.deps.History.Snapshot(hsCtx, conversationID)
		if err != nil {
			// Replay is best effort; the session still comes up.
			s.deps.Sink.Count("session_history_replay_failures_total", 1)
			s.log.Warn().Err(err).Msg("history replay unavailable")
			replay = nil
		}
	}
	s.send(protocol.NewHistory(replay))

	if err := s.conn.Transition(registry.StateReady); err != nil {
		s.close(protocol.KindServerError, "lifecycle error")
		return false
	}
	s.online = true
	if conversationID != "" {
		s.deps.Registry.Broadcast(conversationID, protocol.Presence{
			Type:   protocol.TypePresence,
			UserID: principal.UserID,
			State:  protocol.PresenceOnline,
		}, s.conn.ID)
	}

	s.deps.Sink.Count("session_connects_total", 1)
	s.log.Info().Str("conversation_id", conversationID).Msg("connection ready")
	return true
}

// loop is the session's single event loop. It owns all mutable session
// state and exits once a close has been recorded. A panic in a handler
// is recovered here and surfaces to the peer as an internal error close.
func (s *Session) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Sink.Count("session_panics_total", 1)
			s.log.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("panic recovered in session loop")
			s.close(protocol.KindServerError, "internal error")
		}
	}()

	heartbeat := time.NewTicker(s.cfg.MessageTimeout / 2)
	defer heartbeat.Stop()

	for !s.done {
		select {
		case <-ctx.Done():
			s.close(protocol.KindNormalShutdown, "server shutting down")
		case fr, ok := <-s.inbound:
			if !ok {
				s.close(protocol.KindNormalShutdown, "peer disconnected")
				continue
			}
			s.handleFrame(ctx, fr)
		case env, ok := <-s.chunks:
			if !ok {
				s.chunks = nil
				continue
			}
			s.handleStreamEnvelope(ctx, env)
		case <-heartbeat.C:
			s.handleTick()
		}
	}
}

// handleTick runs the periodic health checks: unresponsive recovery,
// stalled stream detection, and idle probing.
func (s *Session) handleTick() {
	now := time.Now()

	switch s.conn.State() {
	case registry.StateUnresponsive:
		if s.conn.RecoverIfDrained() {
			s.deps.Sink.Count("session_unresponsive_recoveries_total", 1)
			s.log.Info().Msg("outgoing queue drained, connection recovered")
			break
		}
		if s.conn.SaturatedFor(now) > s.cfg.MessageTimeout {
			s.close(protocol.KindServerError, "outgoing queue saturated")
			return
		}
	case registry.StateStreaming:
		if now.Sub(s.lastActivity) > s.cfg.MessageTimeout {
			s.deps.Sink.Count("session_stream_stalls_total", 1)
			s.close(protocol.KindServerError, "stream stalled")
			return
		}
	}

	if now.Sub(s.lastActivity) >= s.cfg.MessageTimeout/2 {
		s.send(protocol.Ping{Type: protocol.TypePing, Nonce: "p-" + uuid.NewString()})
	}
}

// send encodes env onto the outgoing queue. Overflow marks the
// connection unresponsive rather than blocking the loop.
func (s *Session) send(env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		s.log.Error().Err(err).Str("envelope", env.EnvelopeType()).Msg("encode failed")
		return false
	}
	switch err := s.conn.Enqueue(data); {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrQueueFull):
		if s.conn.MarkUnresponsive() {
			s.deps.Sink.Count("registry_unresponsive_total", 1)
			s.log.Warn().Int("queue_depth", s.conn.QueueDepth()).Msg("outgoing queue full, connection marked unresponsive")
		}
		s.deps.Sink.Count("session_send_dropped_total", 1, "reason", "queue_full")
		return false
	default:
		s.deps.Sink.Count("session_send_dropped_total", 1, "reason", "closed")
		return false
	}
}

// sendError reports an in-band failure without closing the connection.
func (s *Session) sendError(kind protocol.Kind, msg string, details map[string]any) {
	s.deps.Sink.Count("session_errors_total", 1, "kind", string(kind))
	s.send(protocol.NewError(kind, msg, details))
}

// protocolError reports a validation failure and escalates to a close
// when malformed input keeps arriving faster than the burst allowance.
func (s *Session) protocolError(msg string, details map[string]any) {
	s.sendError(protocol.KindInvalidMessageFormat, msg, details)
	if !s.malformed.Allow() {
		s.deps.Sink.Count("session_malformed_escalations_total", 1)
		s.log.Warn().Msg("persistent malformed input, closing connection")
		s.close(protocol.KindInvalidMessageFormat, "persistent malformed input")
	}
}

// close records the close status and marks the loop for exit. The first
// close wins; later calls are no-ops.
func (s *Session) close(kind protocol.Kind, reason string) {
	if s.done {
		return
	}
	s.done = true
	s.closeKind = kind

	code := kind.CloseCode()
	if code == 0 {
		code = protocol.ClosePolicyViolation
	}
	if s.conn.State() != registry.StateClosing && s.conn.State() != registry.StateClosed {
		s.conn.Transition(registry.StateClosing)
	}
	s.conn.CloseWith(code, reason)
	if s.cancelStream != nil {
		s.cancelStream()
	}
	s.halt()
}

// halt releases the reader if it is blocked handing a frame to a loop
// that has already exited.
func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// teardown finalizes the lifecycle: stop the pumps, settle the state
// machine, release admission slots, and announce departure.
func (s *Session) teardown(pumps *sync.WaitGroup) {
	s.close(protocol.KindNormalShutdown, "closing")
	pumps.Wait()

	if state := s.conn.State(); state != registry.StateClosed {
		if state != registry.StateClosing {
			s.conn.Transition(registry.StateClosing)
		}
		s.conn.Transition(registry.StateClosed)
	}
	s.deps.Registry.Unregister(s.conn.ID)

	principal := s.conn.Principal()
	if s.admitted {
		// Slots must come back promptly even during shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.deps.Limiter.ReleaseConnection(ctx, s.conn.RemoteIP, principal.UserID); err != nil {
			s.log.Warn().Err(err).Msg("connection slots not released")
		}
		cancel()
	}

	if s.online && s.deps.Registry.CountByUser(principal.UserID) == 0 {
		if conv := s.conn.ConversationID(); conv != "" {
			s.deps.Registry.Broadcast(conv, protocol.Presence{
				Type:   protocol.TypePresence,
				UserID: principal.UserID,
				State:  protocol.PresenceOffline,
			}, s.conn.ID)
		}
	}

	s.deps.Sink.Count("session_disconnects_total", 1, "kind", string(s.closeKind))
	s.log.Info().Str("kind", string(s.closeKind)).Msg("connection closed")
}

// async schedules fire-and-forget work with its own deadline so a dying
// session cannot strand it.
func (s *Session) async(task func(ctx context.Context)) {
	s.deps.Async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		task(ctx)
	})
}

func (s *Session) persist(msg protocol.ChatMessage) {
	if s.deps.Store == nil {
		return
	}
	s.async(func(ctx context.Context) {
		if err := s.deps.Store.Persist(ctx, msg); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("persist dropped")
		}
	})
}
