// Package ratelimit gates the WebSocket accept path by remote IP: it caps
// how many browser-miner sessions a single address may hold open at once
// and how fast it may open new ones, temporarily banning an address that
// floods the proxy with connection attempts.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/minepool/wsproxy/pkg/logger"
)

// Config holds miner-session rate limiting configuration.
type Config struct {
	// Enabled indicates if rate limiting is active
	Enabled bool `json:"enabled"`
	// MaxConnectionsPerIP limits concurrent miner sessions from a single IP
	MaxConnectionsPerIP int `json:"max_connections_per_ip"`
	// MaxConnectionsPerMinute limits new miner sessions per minute from a single IP
	MaxConnectionsPerMinute int `json:"max_connections_per_minute"`
	// BanDurationSeconds how long to ban an IP that exceeds limits
	BanDurationSeconds int `json:"ban_duration_seconds"`
	// CleanupIntervalSeconds how often to cleanup stale per-IP entries
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds"`
}

// minerIPState tracks one remote IP's open miner sessions and recent
// connection-attempt history.
type minerIPState struct {
	mu             sync.Mutex
	activeSessions int
	openedAt       []time.Time
	bannedUntil    time.Time
}

// Limiter gates new miner WebSocket sessions per remote IP.
type Limiter struct {
	cfg *Config
	log *logger.Logger

	mu   sync.RWMutex
	byIP map[string]*minerIPState
}

// NewLimiter creates a rate limiter for the miner WebSocket accept path.
// log defaults to logger.Default when nil.
func NewLimiter(cfg *Config, log *logger.Logger) *Limiter {
	if cfg == nil {
		cfg = &Config{
			Enabled:                 false,
			MaxConnectionsPerIP:     100,
			MaxConnectionsPerMinute: 60,
			BanDurationSeconds:      300,
			CleanupIntervalSeconds:  60,
		}
	}
	if log == nil {
		log = logger.Default
	}

	l := &Limiter{
		cfg:  cfg,
		log:  log,
		byIP: make(map[string]*minerIPState),
	}

	if cfg.Enabled && cfg.CleanupIntervalSeconds > 0 {
		go l.cleanupRoutine()
	}

	return l
}

// AllowMinerSession reports whether a new browser-miner WebSocket session
// from addr should be accepted, admitting it (bumping its active-session
// count) if so.
func (l *Limiter) AllowMinerSession(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return true
	}

	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	state := l.stateFor(ip)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()

	if now.Before(state.bannedUntil) {
		return false
	}

	if l.cfg.MaxConnectionsPerIP > 0 && state.activeSessions >= l.cfg.MaxConnectionsPerIP {
		return false
	}

	if l.cfg.MaxConnectionsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := state.openedAt[:0]
		for _, t := range state.openedAt {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		state.openedAt = kept

		if len(state.openedAt) >= l.cfg.MaxConnectionsPerMinute {
			state.bannedUntil = now.Add(time.Duration(l.cfg.BanDurationSeconds) * time.Second)
			l.log.Error("ratelimit: miner %s banned for %ds after %d session opens in the last minute", ip, l.cfg.BanDurationSeconds, len(state.openedAt))
			return false
		}

		state.openedAt = append(state.openedAt, now)
	}

	state.activeSessions++
	return true
}

// ReleaseMinerSession decrements the active-session count for the IP a
// closed miner WebSocket connected from.
func (l *Limiter) ReleaseMinerSession(addr net.Addr) {
	if !l.cfg.Enabled {
		return
	}

	ip := extractIP(addr)
	if ip == "" {
		return
	}

	l.mu.RLock()
	state, exists := l.byIP[ip]
	l.mu.RUnlock()
	if !exists {
		return
	}

	state.mu.Lock()
	if state.activeSessions > 0 {
		state.activeSessions--
	}
	state.mu.Unlock()
}

// IsBanned reports whether addr's IP is currently banned from opening new
// miner sessions.
func (l *Limiter) IsBanned(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return false
	}

	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	l.mu.RLock()
	state, exists := l.byIP[ip]
	l.mu.RUnlock()
	if !exists {
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return time.Now().Before(state.bannedUntil)
}

// MinerSessionStats reports current rate-limit bookkeeping for one IP.
func (l *Limiter) MinerSessionStats(addr net.Addr) map[string]interface{} {
	ip := extractIP(addr)
	if ip == "" {
		return nil
	}

	l.mu.RLock()
	state, exists := l.byIP[ip]
	l.mu.RUnlock()

	if !exists {
		return map[string]interface{}{
			"ip":                 ip,
			"active_sessions":    0,
			"sessions_in_minute": 0,
			"banned":             false,
		}
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	return map[string]interface{}{
		"ip":                 ip,
		"active_sessions":    state.activeSessions,
		"sessions_in_minute": len(state.openedAt),
		"banned":             time.Now().Before(state.bannedUntil),
		"banned_until":       state.bannedUntil,
	}
}

// GlobalMinerStats reports rate-limit bookkeeping summed across every IP
// the limiter has seen a miner session from.
func (l *Limiter) GlobalMinerStats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalIPs := len(l.byIP)
	totalActive := 0
	bannedIPs := 0

	now := time.Now()
	for _, state := range l.byIP {
		state.mu.Lock()
		totalActive += state.activeSessions
		if now.Before(state.bannedUntil) {
			bannedIPs++
		}
		state.mu.Unlock()
	}

	return map[string]interface{}{
		"total_ips":        totalIPs,
		"total_active":     totalActive,
		"banned_ips":       bannedIPs,
		"max_per_ip":       l.cfg.MaxConnectionsPerIP,
		"max_per_minute":   l.cfg.MaxConnectionsPerMinute,
		"ban_duration_sec": l.cfg.BanDurationSeconds,
	}
}

func (l *Limiter) stateFor(ip string) *minerIPState {
	l.mu.RLock()
	state, exists := l.byIP[ip]
	l.mu.RUnlock()
	if exists {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state, exists = l.byIP[ip]; exists {
		return state
	}
	state = &minerIPState{
		openedAt: make([]time.Time, 0, l.cfg.MaxConnectionsPerMinute),
	}
	l.byIP[ip] = state
	return state
}

// cleanupRoutine periodically evicts IPs with no open session and no
// recent activity, so a long-lived proxy doesn't accumulate one entry per
// address that ever dialed in.
func (l *Limiter) cleanupRoutine() {
	interval := time.Duration(l.cfg.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		l.cleanup()
	}
}

func (l *Limiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-5 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, state := range l.byIP {
		state.mu.Lock()
		idle := state.activeSessions == 0 &&
			now.After(state.bannedUntil) &&
			(len(state.openedAt) == 0 || state.openedAt[len(state.openedAt)-1].Before(cutoff))
		state.mu.Unlock()

		if idle {
			delete(l.byIP, ip)
			l.log.Debug("ratelimit: evicted stale miner rate-limit entry for %s", ip)
		}
	}
}

// extractIP extracts the bare IP address a miner's WebSocket dialed in
// from, discarding the ephemeral source port.
func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
