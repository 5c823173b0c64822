// Package server owns the HTTP surface: websocket upgrades, health and
// metrics endpoints, the admin API, and graceful shutdown. Admission
// control happens here, before a connection ever reaches the session
// layer.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/telemetry"
	"github.com/parley-chat/parley/internal/usage"
)

const (
	memorySampleInterval = 2 * time.Second
	drainPollInterval    = 250 * time.Millisecond
)

// Pinger reports reachability of an external dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects everything the server hands to sessions plus its own
// operational dependencies. Bus and Metrics are optional.
type Deps struct {
	Store     kv.Store
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	Validator *auth.Validator
	History   *history.Ring
	Streamer  session.Streamer
	Repo      session.MessageRepository
	Usage     *usage.Recorder
	Bus       Pinger
	Metrics   http.Handler
	Sink      telemetry.Sink
	Logger    zerolog.Logger
}

// Server accepts websocket connections and runs one session per
// connection until shutdown.
type Server struct {
	cfg  *config.Config
	deps Deps

	pool   *Pool
	dial   *DialGuard
	memory *MemoryGuard

	listener net.Listener
	httpSrv  *http.Server

	runCtx    context.Context
	runCancel context.CancelFunc

	// sessCtx is cancelled during shutdown once the grace period ends;
	// sessions close their connections in response.
	sessCtx    context.Context
	sessCancel context.CancelFunc

	sessions     sync.WaitGroup
	shuttingDown atomic.Bool

	sink   telemetry.Sink
	logger zerolog.Logger
}

func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger.With().Str("component", "server").Logger()

	workers := cfg.WorkerPoolSize
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 2
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	sessCtx, sessCancel := context.WithCancel(runCtx)

	return &Server{
		cfg:        cfg,
		deps:       deps,
		pool:       NewPool(workers, cfg.WorkerQueueSize, deps.Sink, deps.Logger),
		dial:       NewDialGuard(DefaultDialGuardConfig(), deps.Sink, deps.Logger),
		memory:     NewMemoryGuard(cfg.MemoryLimit, cfg.MemoryRejectThreshold, deps.Sink, deps.Logger),
		runCtx:     runCtx,
		runCancel:  runCancel,
		sessCtx:    sessCtx,
		sessCancel: sessCancel,
		sink:       deps.Sink,
		logger:     logger,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	mux.HandleFunc("/admin/connections", s.handleAdminConnections)
	mux.HandleFunc("/admin/ratelimit/reset", s.handleAdminRateLimitReset)
	mux.HandleFunc("/admin/usage", s.handleAdminUsage)
	return mux
}

// Start binds the listener and begins serving. Non-blocking; callers
// wait on a signal and then invoke Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.pool.Start(s.runCtx)
	s.memory.Start(s.runCtx, memorySampleInterval)

	s.httpSrv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		var err error
		if s.cfg.TLSCert != "" {
			err = s.httpSrv.ServeTLS(listener, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpSrv.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Bool("tls", s.cfg.TLSCert != "").
		Msg("listening")
	return nil
}

// handleWS runs admission control and hands accepted sockets to the
// session layer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.dial.Allow(ip) {
		s.sink.Count("server_upgrades_rejected_total", 1, "reason", "dial_rate")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if !s.memory.Accept() {
		s.sink.Count("server_upgrades_rejected_total", 1, "reason", "memory")
		s.logger.Warn().
			Int64("memory_bytes", s.memory.CurrentBytes()).
			Str("remote_ip", ip).
			Msg("connection rejected: memory above threshold")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	conversationID := r.URL.Query().Get("conversation")

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.sink.Count("server_upgrades_rejected_total", 1, "reason", "upgrade")
		s.logger.Debug().Err(err).Str("remote_ip", ip).Msg("websocket upgrade failed")
		return
	}

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		session.Serve(s.sessCtx, sock, ip, token, conversationID, s.sessionConfig(), s.sessionDeps())
	}()
}

func (s *Server) sessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:  s.cfg.ConnectTimeout,
		MessageTimeout:  s.cfg.MessageTimeout,
		OutboxSize:      s.cfg.OutboxSize,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		Limits: protocol.Limits{
			MessagesPerSecond: s.cfg.MessagesPerSec,
			MessagesPerMinute: s.cfg.MessagesPerMin,
			MessagesPerHour:   s.cfg.MessagesPerHour,
			MessagesPerDay:    s.cfg.MessagesPerDay,
			MaxMessageBytes:   s.cfg.MaxMessageBytes,
		},
	}
}

func (s *Server) sessionDeps() session.Deps {
	return session.Deps{
		Registry:  s.deps.Registry,
		Limiter:   s.deps.Limiter,
		Validator: s.deps.Validator,
		History:   s.deps.History,
		Streamer:  s.deps.Streamer,
		Store:     s.deps.Repo,
		Usage:     s.deps.Usage,
		Async:     s.pool.Submit,
		Sink:      s.sink,
		Logger:    s.deps.Logger,
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket's remote address.
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// handleHealthz reports dependency status. The kv store is load-bearing,
// so its failure makes the whole report unhealthy; a down message bus or
// memory pressure only degrades it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	degraded := false
	checks := make(map[string]any)

	if err := s.deps.Store.Ping(ctx); err != nil {
		healthy = false
		checks["kv"] = map[string]any{"healthy": false, "error": err.Error()}
	} else {
		checks["kv"] = map[string]any{"healthy": true}
	}

	if s.deps.Bus != nil {
		if err := s.deps.Bus.Ping(ctx); err != nil {
			degraded = true
			checks["bus"] = map[string]any{"healthy": false, "error": err.Error()}
		} else {
			checks["bus"] = map[string]any{"healthy": true}
		}
	}

	memOK := s.memory.Accept()
	if !memOK {
		degraded = true
	}
	checks["memory"] = map[string]any{
		"healthy": memOK,
		"bytes":   s.memory.CurrentBytes(),
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case s.shuttingDown.Load():
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	case !healthy:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"healthy":     healthy && !s.shuttingDown.Load(),
		"connections": s.deps.Registry.Len(),
		"checks":      checks,
	})
}

// Shutdown drains sessions within grace, then force-closes the rest.
// New upgrades are refused as soon as it is called.
func (s *Server) Shutdown(grace time.Duration) error {
	s.logger.Info().Msg("initiating graceful shutdown")
	s.shuttingDown.Store(true)

	// Tell connected clients before the listener goes away.
	s.deps.Registry.BroadcastAll(protocol.System{
		Type:    protocol.TypeSystem,
		Event:   "shutting_down",
		Payload: map[string]any{"grace_seconds": int(grace.Seconds())},
	}, "")

	if s.listener != nil {
		s.logger.Info().Msg("closing listener")
		s.listener.Close()
	}

	remaining := s.deps.Registry.Len()
	s.logger.Info().
		Int("active_sessions", remaining).
		Dur("grace", grace).
		Msg("draining sessions")

	drainTimer := time.NewTimer(grace)
	checkTicker := time.NewTicker(drainPollInterval)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			if n := s.deps.Registry.Len(); n > 0 {
				s.logger.Warn().
					Int("remaining", n).
					Msg("grace period expired, closing remaining sessions")
			}
			break drain
		case <-checkTicker.C:
			if s.deps.Registry.Len() == 0 {
				s.logger.Info().Msg("all sessions drained")
				break drain
			}
		}
	}

	// Cancelling the session context makes stragglers close their
	// sockets with a normal closure code.
	s.sessCancel()
	s.sessions.Wait()

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.httpSrv.Shutdown(ctx)
		cancel()
	}

	// Sessions are done, so nothing submits to the pool anymore.
	s.pool.Stop()
	s.dial.Stop()
	s.runCancel()

	s.logger.Info().Msg("graceful shutdown complete")
	return err
}
