package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/parley-chat/parley/internal/telemetry"
)

// DialGuardConfig tunes the pre-upgrade connection throttle.
type DialGuardConfig struct {
	PerIPRate   rate.Limit
	PerIPBurst  int
	GlobalRate  rate.Limit
	GlobalBurst int
	EntryTTL    time.Duration
}

// DefaultDialGuardConfig allows one sustained dial per second per IP
// with room for reconnect bursts, and caps the server-wide dial rate.
func DefaultDialGuardConfig() DialGuardConfig {
	return DialGuardConfig{
		PerIPRate:   1.0,
		PerIPBurst:  10,
		GlobalRate:  50.0,
		GlobalBurst: 300,
		EntryTTL:    5 * time.Minute,
	}
}

// DialGuard throttles connection attempts before the websocket upgrade,
// per source IP and globally. It protects the handshake path itself;
// admission quotas are enforced later against the shared store.
type DialGuard struct {
	cfg    DialGuardConfig
	global *rate.Limiter

	mu    sync.RWMutex
	perIP map[string]*dialEntry

	sink   telemetry.Sink
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type dialEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewDialGuard(cfg DialGuardConfig, sink telemetry.Sink, logger zerolog.Logger) *DialGuard {
	g := &DialGuard{
		cfg:    cfg,
		global: rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		perIP:  make(map[string]*dialEntry),
		sink:   sink,
		logger: logger.With().Str("component", "dial_guard").Logger(),
		stop:   make(chan struct{}),
	}
	go g.cleanupLoop()
	return g
}

// Allow reports whether a dial from ip may proceed to the upgrade.
func (g *DialGuard) Allow(ip string) bool {
	if !g.global.Allow() {
		g.sink.Count("server_dials_rejected_total", 1, "scope", "global")
		g.logger.Warn().Str("ip", ip).Msg("dial rejected: global rate exceeded")
		return false
	}
	if !g.ipLimiter(ip).Allow() {
		g.sink.Count("server_dials_rejected_total", 1, "scope", "ip")
		g.logger.Debug().Str("ip", ip).Msg("dial rejected: per-ip rate exceeded")
		return false
	}
	return true
}

func (g *DialGuard) ipLimiter(ip string) *rate.Limiter {
	g.mu.RLock()
	entry, ok := g.perIP[ip]
	g.mu.RUnlock()
	if ok {
		g.mu.Lock()
		entry.lastSeen = time.Now()
		g.mu.Unlock()
		return entry.limiter
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Another dial may have created the entry between the locks.
	if entry, ok := g.perIP[ip]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry = &dialEntry{
		limiter:  rate.NewLimiter(g.cfg.PerIPRate, g.cfg.PerIPBurst),
		lastSeen: time.Now(),
	}
	g.perIP[ip] = entry
	return entry.limiter
}

// cleanupLoop evicts per-IP entries that have been idle past EntryTTL.
func (g *DialGuard) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.evictStale()
		case <-g.stop:
			return
		}
	}
}

func (g *DialGuard) evictStale() {
	cutoff := time.Now().Add(-g.cfg.EntryTTL)
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, entry := range g.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(g.perIP, ip)
		}
	}
	g.sink.Gauge("server_dial_guard_entries", float64(len(g.perIP)))
}

// Stop ends the cleanup loop.
func (g *DialGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}
