package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/ratelimit"
)

// auditKey holds the most recent admin rate-limit actions.
const auditKey = "audit:ratelimit"

type auditEntry struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// requireAdmin authenticates the request and rejects non-admin
// principals. Returns the caller's principal on success.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
		return auth.Principal{}, false
	}
	principal, err := s.deps.Validator.Validate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return auth.Principal{}, false
	}
	if !principal.Admin {
		s.sink.Count("admin_denied_total", 1)
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin privileges required"})
		return auth.Principal{}, false
	}
	return principal, true
}

// handleAdminConnections lists every live connection alongside the
// owner's current rate counters.
func (s *Server) handleAdminConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	snaps := s.deps.Registry.Snapshots()
	counters := make(map[string]map[string]ratelimit.WindowStatus)
	for _, snap := range snaps {
		if snap.UserID == "" {
			continue
		}
		if _, seen := counters[snap.UserID]; seen {
			continue
		}
		status, err := s.deps.Limiter.Counters(r.Context(), ratelimit.ScopeUser, snap.UserID)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", snap.UserID).Msg("counter lookup failed")
			continue
		}
		counters[snap.UserID] = status
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(snaps),
		"connections": snaps,
		"counters":    counters,
	})
}

// handleAdminRateLimitReset clears windowed message counters for one
// user, or for everyone when no user is named. Every reset leaves an
// audit entry.
func (s *Server) handleAdminRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	principal, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	target := r.URL.Query().Get("user")
	var (
		cleared int64
		err     error
	)
	if target == "" {
		cleared, err = s.deps.Limiter.ResetAll(r.Context())
	} else {
		cleared, err = s.deps.Limiter.Reset(r.Context(), target)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("target", target).Msg("rate limit reset failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "rate limit store unavailable"})
		return
	}

	s.audit(r.Context(), principal.UserID, "ratelimit_reset", target)
	s.logger.Info().
		Str("actor", principal.UserID).
		Str("target", target).
		Int64("cleared", cleared).
		Msg("rate limit counters reset")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared, "user": target})
}

// handleAdminUsage reports accumulated usage totals for one user or
// globally.
func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	target := r.URL.Query().Get("user")
	var (
		totals map[string]int64
		err    error
	)
	if target == "" {
		totals, err = s.deps.Usage.Global(r.Context())
	} else {
		totals, err = s.deps.Usage.ForUser(r.Context(), target)
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "usage store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": target, "totals": totals})
}

// audit appends one entry to the capped admin audit list. Best effort:
// a failed write is logged, not surfaced.
func (s *Server) audit(ctx context.Context, actor, action, target string) {
	entry, err := json.Marshal(auditEntry{
		Actor:  actor,
		Action: action,
		Target: target,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if _, err := s.deps.Store.LPush(ctx, auditKey, entry); err != nil {
		s.logger.Warn().Err(err).Msg("audit write failed")
		return
	}
	if err := s.deps.Store.LTrim(ctx, auditKey, 0, 99); err != nil {
		s.logger.Warn().Err(err).Msg("audit trim failed")
	}
}
