// Package ratelimit enforces connection and message quotas across
// processes, backed by shared atomic counters in the KV store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/telemetry"
)

// Counter scopes.
const (
	ScopeIP     = "ip"
	ScopeUser   = "user"
	ScopeClient = "client"
)

// Counter windows. Window TTLs equal the window size; conn counters have
// no TTL and are decremented on disconnect.
const (
	WindowConn = "conn"
	WindowSec  = "sec"
	WindowMin  = "min"
	WindowHour = "hour"
	WindowDay  = "day"
)

// Key builds the canonical counter key rl:{scope}:{identifier}:{window}.
func Key(scope, identifier, window string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, identifier, window)
}

// Config carries the quota set. Zero values are invalid; the server
// validates configuration before constructing the limiter.
type Config struct {
	MaxConnsPerIP   int
	MaxConnsPerUser int
	MessagesPerSec  int
	MessagesPerMin  int
	MessagesPerHour int
	MessagesPerDay  int
}

// Decision is an admission verdict. When denied, Scope and Window name
// the tripped counter and Count/Limit carry the observed values for
// error details and logs.
type Decision struct {
	Allowed bool
	Scope   string
	Window  string
	Count   int64
	Limit   int64
}

type window struct {
	name  string
	ttl   time.Duration
	limit func(Config) int
}

// Message windows in fixed evaluation order.
var messageWindows = []window{
	{WindowSec, time.Second, func(c Config) int { return c.MessagesPerSec }},
	{WindowMin, time.Minute, func(c Config) int { return c.MessagesPerMin }},
	{WindowHour, time.Hour, func(c Config) int { return c.MessagesPerHour }},
	{WindowDay, 24 * time.Hour, func(c Config) int { return c.MessagesPerDay }},
}

// Limiter decides connection and message admission without coordination
// beyond the KV store's atomic increments.
//
// Failure policy is asymmetric: message admission fails open (dropping a
// message visibly is worse than letting one through), connection
// admission fails closed (an unaccounted connection holds resources for
// its whole lifetime).
type Limiter struct {
	store  kv.Store
	cfg    Config
	sink   telemetry.Sink
	logger zerolog.Logger
}

func New(store kv.Store, cfg Config, sink telemetry.Sink, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg,
		sink:   sink,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// AllowConnection reserves one connection slot for ip and one for
// userID in a single atomic batch. On denial both increments are rolled
// back. A store failure denies (fail-closed) and returns the error.
func (l *Limiter) AllowConnection(ctx context.Context, ip, userID string) (Decision, error) {
	ipKey := Key(ScopeIP, ip, WindowConn)
	userKey := Key(ScopeUser, userID, WindowConn)

	pipe := l.store.Pipeline()
	pipe.Incr(ipKey)
	pipe.Incr(userKey)
	res, err := pipe.Exec(ctx)
	if err != nil {
		l.sink.Count("ratelimit_kv_unavailable_total", 1, "op", "connect")
		l.logger.Error().Err(err).Str("ip", ip).Str("user_id", userID).
			Msg("connection admission failed closed: store unavailable")
		return Decision{Allowed: false, Scope: ScopeIP, Window: WindowConn}, err
	}

	ipCount, userCount := res[0].Val, res[1].Val
	denied := Decision{Allowed: false, Window: WindowConn}
	switch {
	case ipCount > int64(l.cfg.MaxConnsPerIP):
		denied.Scope, denied.Count, denied.Limit = ScopeIP, ipCount, int64(l.cfg.MaxConnsPerIP)
	case userCount > int64(l.cfg.MaxConnsPerUser):
		denied.Scope, denied.Count, denied.Limit = ScopeUser, userCount, int64(l.cfg.MaxConnsPerUser)
	default:
		return Decision{Allowed: true}, nil
	}

	// Roll back both reservations. If the rollback itself fails the
	// original rejection stands; the excess is recorded and converges
	// once the peer disconnects elsewhere.
	rb := l.store.Pipeline()
	rb.Decr(ipKey)
	rb.Decr(userKey)
	if _, rbErr := rb.Exec(ctx); rbErr != nil {
		l.sink.Count("ratelimit_rollback_failed_total", 1)
		l.logger.Error().Err(rbErr).Str("ip", ip).Str("user_id", userID).
			Msg("connection admission rollback failed")
	}

	l.sink.Count("ratelimit_connections_denied_total", 1, "scope", denied.Scope)
	return denied, nil
}

// ReleaseConnection gives back the slots taken by AllowConnection. A
// counter driven below zero is floored back to zero; that only happens
// after a double release and would otherwise understate future loads.
func (l *Limiter) ReleaseConnection(ctx context.Context, ip, userID string) error {
	ipKey := Key(ScopeIP, ip, WindowConn)
	userKey := Key(ScopeUser, userID, WindowConn)

	pipe := l.store.Pipeline()
	pipe.Decr(ipKey)
	pipe.Decr(userKey)
	res, err := pipe.Exec(ctx)
	if err != nil {
		l.sink.Count("ratelimit_kv_unavailable_total", 1, "op", "release")
		return fmt.Errorf("release connection counters: %w", err)
	}
	for i, key := range []string{ipKey, userKey} {
		if res[i].Err == nil && res[i].Val < 0 {
			l.sink.Count("ratelimit_floor_corrections_total", 1)
			if _, serr := l.store.Set(ctx, key, []byte("0"), 0); serr != nil {
				l.logger.Warn().Err(serr).Str("key", key).Msg("failed to floor negative conn counter")
			}
		}
	}
	return nil
}

// AllowMessage admits or denies one message for userID. All four window
// counters are incremented and re-armed in one atomic batch; on denial
// they stay incremented (fixed-window semantics). A store failure admits
// (fail-open) without counting the message, and returns the error.
func (l *Limiter) AllowMessage(ctx context.Context, userID string) (Decision, error) {
	pipe := l.store.Pipeline()
	for _, w := range messageWindows {
		pipe.Incr(Key(ScopeUser, userID, w.name))
	}
	for _, w := range messageWindows {
		pipe.Expire(Key(ScopeUser, userID, w.name), w.ttl)
	}
	res, err := pipe.Exec(ctx)
	if err != nil {
		l.sink.Count("ratelimit_kv_unavailable_total", 1, "op", "message")
		l.logger.Warn().Err(err).Str("user_id", userID).
			Msg("message admission failed open: store unavailable")
		return Decision{Allowed: true}, err
	}

	// A false Expire reply means the key vanished between the increment
	// and the re-arm; the next successful increment recreates it.
	for i, w := range messageWindows {
		limit := int64(w.limit(l.cfg))
		if res[i].Val > limit {
			l.sink.Count("ratelimit_messages_denied_total", 1, "window", w.name)
			return Decision{
				Allowed: false,
				Scope:   ScopeUser,
				Window:  w.name,
				Count:   res[i].Val,
				Limit:   limit,
			}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordSystemBypass audits an admin system envelope skipping message
// counting. The bypass itself is unconditional.
func (l *Limiter) RecordSystemBypass(userID string) {
	l.sink.Count("ratelimit_system_bypass_total", 1)
	l.logger.Debug().Str("user_id", userID).Msg("system envelope bypassed message limits")
}

// WindowStatus is one counter's current value and remaining TTL in the
// adapter's normalized convention.
type WindowStatus struct {
	Count int64 `json:"count"`
	TTL   int64 `json:"ttl_seconds"`
}

// Counters reports the live counters for one scope and identifier,
// including the conn counter. Used by admin listings.
func (l *Limiter) Counters(ctx context.Context, scope, identifier string) (map[string]WindowStatus, error) {
	out := make(map[string]WindowStatus, len(messageWindows)+1)
	names := []string{WindowConn, WindowSec, WindowMin, WindowHour, WindowDay}
	for _, name := range names {
		key := Key(scope, identifier, name)
		status := WindowStatus{TTL: kv.TTLAbsent}

		raw, err := l.store.Get(ctx, key)
		switch {
		case err == nil:
			n, perr := strconv.ParseInt(string(raw), 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("counter %s holds %q: %w", key, raw, kv.ErrWrongType)
			}
			status.Count = n
		case errors.Is(err, kv.ErrNotFound):
			// count 0, ttl absent
		default:
			return nil, fmt.Errorf("read counter %s: %w", key, err)
		}

		if status.Count > 0 {
			ttl, terr := l.store.TTL(ctx, key)
			if terr != nil {
				return nil, fmt.Errorf("ttl of %s: %w", key, terr)
			}
			status.TTL = ttl
		}
		out[name] = status
	}
	return out, nil
}

// Reset deletes the windowed message counters for one user. Connection
// counters are left alone: they mirror live connections and are released
// by disconnects, so clearing them would diverge from reality.
func (l *Limiter) Reset(ctx context.Context, userID string) (int64, error) {
	keys := make([]string, 0, len(messageWindows))
	for _, w := range messageWindows {
		keys = append(keys, Key(ScopeUser, userID, w.name))
	}
	n, err := l.store.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("reset counters for %s: %w", userID, err)
	}
	l.sink.Count("ratelimit_resets_total", 1, "scope", "user")
	return n, nil
}

// ResetAll deletes every windowed message counter. Conn counters are
// preserved for the same reason as Reset.
func (l *Limiter) ResetAll(ctx context.Context) (int64, error) {
	keys, err := l.store.Keys(ctx, "rl:*")
	if err != nil {
		return 0, fmt.Errorf("scan counters: %w", err)
	}
	drop := keys[:0]
	for _, key := range keys {
		if !strings.HasSuffix(key, ":"+WindowConn) {
			drop = append(drop, key)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	n, err := l.store.Del(ctx, drop...)
	if err != nil {
		return 0, fmt.Errorf("reset all counters: %w", err)
	}
	l.sink.Count("ratelimit_resets_total", 1, "scope", "global")
	return n, nil
}
