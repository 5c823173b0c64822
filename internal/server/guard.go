package server

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/parley-chat/parley/internal/telemetry"
)

// MemoryGuard samples process memory and refuses new connections once
// usage crosses the configured share of the limit. A zero limit
// disables the guard.
type MemoryGuard struct {
	limit     int64
	threshold float64
	current   atomic.Int64

	proc   *process.Process
	sink   telemetry.Sink
	logger zerolog.Logger
}

// NewMemoryGuard builds a guard for limit bytes rejecting above
// threshold percent.
func NewMemoryGuard(limit int64, threshold float64, sink telemetry.Sink, logger zerolog.Logger) *MemoryGuard {
	g := &MemoryGuard{
		limit:     limit,
		threshold: threshold,
		sink:      sink,
		logger:    logger.With().Str("component", "memory_guard").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		g.logger.Warn().Err(err).Msg("process handle unavailable, sampling system memory")
		proc = nil
	}
	g.proc = proc
	return g
}

// Start samples on interval until ctx is cancelled.
func (g *MemoryGuard) Start(ctx context.Context, interval time.Duration) {
	g.sample()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *MemoryGuard) sample() {
	if g.proc != nil {
		if info, err := g.proc.MemoryInfo(); err == nil {
			g.record(int64(info.RSS))
			return
		}
	}
	// Fall back to system-wide usage.
	if vmem, err := mem.VirtualMemory(); err == nil {
		g.record(int64(vmem.Used))
	}
}

func (g *MemoryGuard) record(bytes int64) {
	g.current.Store(bytes)
	g.sink.Gauge("server_memory_bytes", float64(bytes))
	if g.limit > 0 {
		pct := float64(bytes) / float64(g.limit) * 100
		g.sink.Gauge("server_memory_percent", pct)
		if pct > g.threshold {
			g.logger.Warn().
				Int64("memory_bytes", bytes).
				Int64("limit_bytes", g.limit).
				Float64("percent", pct).
				Msg("memory above reject threshold")
		}
	}
}

// Accept reports whether a new connection fits under the threshold.
func (g *MemoryGuard) Accept() bool {
	if g.limit <= 0 {
		return true
	}
	used := g.current.Load()
	return float64(used) < float64(g.limit)*g.threshold/100
}

// CurrentBytes reports the last sampled memory usage.
func (g *MemoryGuard) CurrentBytes() int64 { return g.current.Load() }
