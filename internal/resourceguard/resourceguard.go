// Package resourceguard gates connection acceptance on observed
// CPU/memory pressure and per-IP/global connection-attempt rate limits,
// grounded on the teacher's ResourceGuard and ConnectionRateLimiter.
// Broadcast fan-out is not gated here.
package resourceguard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

type Config struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64

	ConnRateLimitPerSec float64
	ConnRateLimitBurst  int
	IPRateLimitPerSec   float64
	IPRateLimitBurst    int
	IPTTL               time.Duration

	Logger zerolog.Logger
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard tracks system pressure and connection-attempt rates, deciding
// whether a new connection should be accepted before any socket work happens.
type Guard struct {
	cfg Config

	globalLimiter *rate.Limiter

	mu   sync.Mutex
	byIP map[string]*ipEntry

	currentCPU atomic.Value // float64
	currentMem atomic.Value // float64
}

func New(cfg Config) *Guard {
	g := &Guard{
		cfg:           cfg,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.ConnRateLimitPerSec), cfg.ConnRateLimitBurst),
		byIP:          make(map[string]*ipEntry),
	}
	g.currentCPU.Store(float64(0))
	g.currentMem.Store(float64(0))
	return g
}

// ShouldAcceptConnection applies the global + per-IP rate limits and the
// CPU/memory pressure check in one place, before the handshake proceeds.
func (g *Guard) ShouldAcceptConnection(ip string) (ok bool, reason string) {
	if !g.globalLimiter.Allow() {
		return false, "global_rate_limited"
	}
	if !g.ipLimiter(ip).Allow() {
		return false, "ip_rate_limited"
	}
	if cpuPct := g.CurrentCPUPercent(); cpuPct > g.cfg.MaxCPUPercent {
		return false, "cpu_pressure"
	}
	if memPct := g.CurrentMemoryPercent(); memPct > g.cfg.MaxMemoryPercent {
		return false, "memory_pressure"
	}
	return true, ""
}

func (g *Guard) ipLimiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byIP[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.IPRateLimitPerSec), g.cfg.IPRateLimitBurst)}
		g.byIP[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Run periodically samples CPU/memory and sweeps stale per-IP entries
// until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, sampleInterval time.Duration) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
			g.sweepStaleIPs()
		}
	}
}

func (g *Guard) sample() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		g.currentCPU.Store(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMem.Store(vm.UsedPercent)
	}
}

func (g *Guard) sweepStaleIPs() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-g.cfg.IPTTL)
	for ip, e := range g.byIP {
		if e.lastSeen.Before(cutoff) {
			delete(g.byIP, ip)
		}
	}
}

func (g *Guard) CurrentCPUPercent() float64    { return g.currentCPU.Load().(float64) }
func (g *Guard) CurrentMemoryPercent() float64 { return g.currentMem.Load().(float64) }
