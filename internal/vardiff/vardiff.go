// Package vardiff implements adaptive per-session difficulty targeting.
// Where the teacher pushes a mining.set_difficulty notification, sessions
// here are pushed a recomputed target the next time they deliver a job —
// the Session callback just tells a session its assigned difficulty
// changed; it decides how to fold that into its own job framing.
package vardiff

import (
	"context"
	"sync"
	"time"
)

const (
	maxShareWindowSize = 100
	maxShareWindowAge  = 10 * time.Minute
)

// Config holds vardiff configuration.
type Config struct {
	Enabled       bool `json:"enabled"`
	TargetSeconds int  `json:"target_seconds"`
	MinDiff       int  `json:"min_diff"`
	MaxDiff       int  `json:"max_diff"`
	AdjustEveryMs int  `json:"adjust_every_ms"`
}

// Session is the callback surface a managed session exposes: notification
// that its target difficulty changed, to be applied on its next job push.
type Session interface {
	OnDifficultyChanged(diff float64)
}

type shareEntry struct {
	timestamp time.Time
	accepted  bool
}

type stats struct {
	mu              sync.Mutex
	lastAdjust      time.Time
	window          []shareEntry
	current         float64
	lastShare       time.Time
	sharesPerSecond float64
	retarget        time.Duration
}

// Manager tracks adaptive difficulty state for every registered session.
type Manager struct {
	cfg *Config

	mu    sync.RWMutex
	stats map[Session]*stats
}

// NewManager creates a vardiff manager from cfg.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg, stats: make(map[Session]*stats)}
}

// AddSession begins tracking s and pushes its initial (minimum) difficulty.
func (m *Manager) AddSession(s Session) {
	if !m.cfg.Enabled {
		return
	}
	st := &stats{
		current:    float64(m.cfg.MinDiff),
		lastAdjust: time.Now(),
		lastShare:  time.Now(),
		retarget:   time.Duration(m.cfg.AdjustEveryMs) * time.Millisecond,
		window:     make([]shareEntry, 0, maxShareWindowSize),
	}
	m.mu.Lock()
	m.stats[s] = st
	m.mu.Unlock()
	s.OnDifficultyChanged(st.current)
}

// RemoveSession stops tracking s.
func (m *Manager) RemoveSession(s Session) {
	m.mu.Lock()
	delete(m.stats, s)
	m.mu.Unlock()
}

// RecordShare folds a share submission into s's rate window.
func (m *Manager) RecordShare(s Session, accepted bool) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.RLock()
	st, ok := m.stats[s]
	m.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.window = append(st.window, shareEntry{timestamp: now, accepted: accepted})

	maxAge := st.retarget * 2
	if maxAge > maxShareWindowAge {
		maxAge = maxShareWindowAge
	}
	cutoff := now.Add(-maxAge)
	for i, e := range st.window {
		if e.timestamp.After(cutoff) {
			st.window = st.window[i:]
			break
		}
	}
	if len(st.window) > maxShareWindowSize {
		st.window = st.window[len(st.window)-maxShareWindowSize:]
	}
	if accepted {
		st.lastShare = now
	}
	m.recalcRate(st)
}

func (m *Manager) recalcRate(st *stats) {
	if len(st.window) < 2 {
		st.sharesPerSecond = 0
		return
	}
	accepted := 0
	for _, e := range st.window {
		if e.accepted {
			accepted++
		}
	}
	start := st.window[0].timestamp
	end := st.window[len(st.window)-1].timestamp
	if d := end.Sub(start).Seconds(); d > 0 {
		st.sharesPerSecond = float64(accepted) / d
	}
}

// AdjustAll recomputes and, where changed, pushes a new difficulty for
// every registered session.
func (m *Manager) AdjustAll() {
	if !m.cfg.Enabled {
		return
	}
	m.mu.RLock()
	sessions := make([]Session, 0, len(m.stats))
	for s := range m.stats {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		m.adjustOne(s)
	}
}

func (m *Manager) adjustOne(s Session) {
	m.mu.RLock()
	st, ok := m.stats[s]
	m.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	now := time.Now()
	if now.Sub(st.lastAdjust) < st.retarget {
		st.mu.Unlock()
		return
	}
	newDiff := m.proposeDifficulty(st)
	if newDiff < float64(m.cfg.MinDiff) {
		newDiff = float64(m.cfg.MinDiff)
	} else if newDiff > float64(m.cfg.MaxDiff) {
		newDiff = float64(m.cfg.MaxDiff)
	}
	ratio := newDiff / st.current
	changed := ratio < 0.9 || ratio > 1.1
	if changed {
		st.current = newDiff
		st.lastAdjust = now
	}
	st.mu.Unlock()

	if changed {
		s.OnDifficultyChanged(newDiff)
	}
}

func (m *Manager) proposeDifficulty(st *stats) float64 {
	if st.sharesPerSecond == 0 {
		return st.current * 0.5
	}
	target := st.current / float64(m.cfg.TargetSeconds)
	switch {
	case st.sharesPerSecond > target*1.2:
		return st.current * 1.2
	case st.sharesPerSecond < target*0.8:
		return st.current * 0.8
	default:
		return st.current
	}
}

// Run ticks AdjustAll every AdjustEveryMs until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(time.Duration(m.cfg.AdjustEveryMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AdjustAll()
		}
	}
}

// GetStats returns aggregate vardiff statistics. The /stats endpoint does
// not include them.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := len(m.stats)
	active := 0
	var avgDiff, avgRate float64
	for _, st := range m.stats {
		st.mu.Lock()
		if time.Since(st.lastShare) < time.Minute {
			active++
			avgDiff += st.current
			avgRate += st.sharesPerSecond
		}
		st.mu.Unlock()
	}
	if active > 0 {
		avgDiff /= float64(active)
		avgRate /= float64(active)
	}

	return map[string]interface{}{
		"total_sessions":     total,
		"active_sessions":    active,
		"avg_difficulty":     avgDiff,
		"avg_shares_per_sec": avgRate,
		"target_seconds":     m.cfg.TargetSeconds,
		"min_difficulty":     m.cfg.MinDiff,
		"max_difficulty":     m.cfg.MaxDiff,
	}
}
