// Package pool implements the Connection Pool / Proxy: the entry point
// that accepts browser WebSocket clients, assigns them an Upstream
// Connection under a per-connection capacity limit, attaches donation
// sessions, and reclaims idle connections.
package pool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minepool/wsproxy/internal/metrics"
	"github.com/minepool/wsproxy/internal/protocol"
	"github.com/minepool/wsproxy/internal/session"
	"github.com/minepool/wsproxy/internal/upstream"
	"github.com/minepool/wsproxy/internal/vardiff"
	"github.com/minepool/wsproxy/pkg/errors"
	"github.com/minepool/wsproxy/pkg/logger"
)

// DonationConfig describes one configured donation target: a secondary
// pool and the share of mining time it should receive.
type DonationConfig struct {
	Address    string  `json:"address"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Pass       string  `json:"pass"`
	Percentage float64 `json:"percentage"`
}

// Config holds every option spec.md §6 recognizes, minus the external
// collaborators (TLS cert loading, HTTP wiring, CLI parsing) owned by the
// httpapi/cmd layers.
type Config struct {
	Host                   string           `json:"host"`
	Port                   int              `json:"port"`
	Pass                   string           `json:"pass"`
	SSL                    bool             `json:"ssl"`
	Address                string           `json:"address"`
	User                   string           `json:"user"`
	Diff                   float64          `json:"diff"`
	DynamicPool            bool             `json:"dynamic_pool"`
	MaxMinersPerConnection int              `json:"max_miners_per_connection"`
	Donations              []DonationConfig `json:"donations"`
	PurgeIntervalMs        int              `json:"purge_interval_ms"`
	KeepaliveInterval      time.Duration    `json:"-"`
}

const defaultMaxMinersPerConnection = 100

// Stats is the aggregate view spec.md §4.4/§6 exposes on GET /stats.
type Stats struct {
	Miners      int `json:"miners"`
	Connections int `json:"connections"`
}

// Proxy is the keyed pool of Upstream Connections plus the WebSocket
// accept surface. It is the only stateful owner of the pool mapping;
// every Upstream Connection owns its own socket and registries
// exclusively (spec.md §5 "Shared resources").
type Proxy struct {
	cfg   Config
	dial  upstream.DialFunc
	log   *logger.Logger
	clock session.Clock
	vd    *vardiff.Manager
	mx    *metrics.Collector

	mu     sync.Mutex
	conns  map[string][]*upstream.Connection
	nextID int64
	miners map[*session.Miner]struct{}
}

// New creates a Proxy. dial, log, and clock are the core's only external
// collaborators besides the WebSocket acceptor itself (spec.md §1): a
// factory that dials upstream sockets, a structured logger, and a wall
// clock. mx is optional. The WebSocket accept path's rate limiting lives
// one layer up, in internal/httpapi, which gates a connection before it
// ever reaches Accept.
func New(cfg Config, dial upstream.DialFunc, log *logger.Logger, clock session.Clock, mx *metrics.Collector) *Proxy {
	if cfg.MaxMinersPerConnection <= 0 {
		cfg.MaxMinersPerConnection = defaultMaxMinersPerConnection
	}
	if clock == nil {
		clock = time.Now
	}
	return &Proxy{
		cfg:    cfg,
		dial:   dial,
		log:    log,
		clock:  clock,
		mx:     mx,
		conns:  make(map[string][]*upstream.Connection),
		miners: make(map[*session.Miner]struct{}),
	}
}

func connKey(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// getConnection returns an available Upstream Connection for host:port,
// creating one if none exists. "Available" is the Open Question's
// independent-caps reading: both the miner and donation registries must
// be under the per-connection limit. Selection scans from the most
// recently created connection backward (LIFO on availability), biasing
// load toward new connections so older ones drain for purge.
func (p *Proxy) getConnection(ctx context.Context, host string, port int, donation bool) (*upstream.Connection, error) {
	key := connKey(host, port)

	p.mu.Lock()
	list := p.conns[key]
	for i := len(list) - 1; i >= 0; i-- {
		c := list[i]
		if c.State() == upstream.StateClosed {
			continue
		}
		if c.MinerCount() < p.cfg.MaxMinersPerConnection && c.DonationCount() < p.cfg.MaxMinersPerConnection {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	conn := upstream.New(id, host, port, p.cfg.SSL, donation, p.dial, p.log, upstream.Callbacks{
		OnClose: func(err error) {
			p.log.Error("upstream[%d] %s:%d closed: %v", id, host, port, err)
		},
	})
	if err := conn.Dial(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[key] = append(p.conns[key], conn)
	if !donation {
		p.updateConnectionsMetricLocked()
	}
	p.mu.Unlock()

	return conn, nil
}

// assertCapacity logs a defensive diagnostic if a connection's registries
// somehow exceed the configured per-connection limit right after a new
// session was assigned to it. getConnection's selection predicate makes
// this unreachable; it is asserted, not relied upon, per spec.md §7's
// capacity-exceeded-on-create error kind.
func (p *Proxy) assertCapacity(c *upstream.Connection) {
	max := p.cfg.MaxMinersPerConnection
	if c.MinerCount() > max || c.DonationCount() > max {
		err := errors.New(protocol.ErrCapacityExceededOnCreate,
			fmt.Sprintf("connection %d exceeded capacity %d after assignment (miners=%d donations=%d)",
				c.ID, max, c.MinerCount(), c.DonationCount()))
		p.log.Error("pool: %v", err)
	}
}

// dynamicTarget parses the WebSocket `?pool=` query parameter into
// host/port/pass, each field optional and falling back to the configured
// default (spec.md §4.4 "Dynamic pool"). Only consulted when
// cfg.DynamicPool is true.
func (p *Proxy) dynamicTarget(query url.Values) (host string, port int, pass string) {
	host, port, pass = p.cfg.Host, p.cfg.Port, p.cfg.Pass
	if !p.cfg.DynamicPool {
		return
	}
	raw := query.Get("pool")
	if raw == "" {
		return
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) > 0 && parts[0] != "" {
		host = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			port = n
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		pass = parts[2]
	}
	return
}

// Accept binds a newly-opened WebSocket client to an Upstream Connection
// and wraps it in a Miner Session, constructing any configured Donation
// sessions on distinct upstream connections. It does not block; the
// caller runs the returned Miner's Serve loop itself, typically in its own
// goroutine. When cfg.KeepaliveInterval is set, Accept starts the Miner's
// keepalive ticker.
func (p *Proxy) Accept(ctx context.Context, ws session.WSConn, query url.Values) (*session.Miner, error) {
	host, port, pass := p.dynamicTarget(query)

	conn, err := p.getConnection(ctx, host, port, false)
	if err != nil {
		return nil, fmt.Errorf("assigning upstream connection: %w", err)
	}

	cfg := session.Config{
		AddressOverride:   p.cfg.Address,
		UserOverride:      p.cfg.User,
		Pass:              pass,
		Diff:              p.cfg.Diff,
		KeepaliveInterval: p.cfg.KeepaliveInterval,
	}
	miner := session.NewMiner(ws, conn, cfg, p.log, p.clock)
	p.assertCapacity(conn)

	for _, dc := range p.cfg.Donations {
		donConn, derr := p.getConnection(ctx, dc.Host, dc.Port, true)
		if derr != nil {
			p.log.Error("donation: failed to assign upstream connection for %s:%d: %v", dc.Host, dc.Port, derr)
			continue
		}
		don := session.NewDonation(miner, donConn, dc.Address, dc.Percentage, dc.Pass, p.log, p.clock)
		miner.AddDonation(don)
		p.assertCapacity(donConn)
	}

	if p.vd != nil {
		miner.EnableVardiff(p.vd)
	}

	p.mu.Lock()
	p.miners[miner] = struct{}{}
	if p.mx != nil {
		p.mx.SetMiners(int64(len(p.miners)))
	}
	p.mu.Unlock()

	go func() {
		<-miner.Done()
		p.mu.Lock()
		delete(p.miners, miner)
		if p.mx != nil {
			p.mx.SetMiners(int64(len(p.miners)))
		}
		p.mu.Unlock()
	}()

	if p.cfg.KeepaliveInterval > 0 {
		go p.runKeepalive(miner)
	}

	return miner, nil
}

// runKeepalive forwards a periodic no-op upstream until the session
// closes, preventing the upstream TCP/TLS socket from being dropped for
// idleness (spec.md §4.2 "Keepalive").
func (p *Proxy) runKeepalive(m *session.Miner) {
	ticker := time.NewTicker(p.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.Done():
			return
		case <-ticker.C:
			m.Keepalive()
		}
	}
}

// EnableVardiff wires a shared vardiff.Manager in: every Miner accepted
// afterward (that has no static diff override) is subscribed to it.
func (p *Proxy) EnableVardiff(mgr *vardiff.Manager) {
	p.vd = mgr
}

func (p *Proxy) updateConnectionsMetricLocked() {
	if p.mx == nil {
		return
	}
	total := 0
	for _, list := range p.conns {
		for _, c := range list {
			if !c.Donation {
				total++
			}
		}
	}
	p.mx.SetConnections(int64(total))
}

// Purge retains at most one empty connection per key and kills the rest,
// run on a timer at cfg.PurgeIntervalMs (spec.md §4.4).
func (p *Proxy) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, list := range p.conns {
		var kept []*upstream.Connection
		emptyKept := false
		for _, c := range list {
			empty := c.MinerCount() == 0 && c.DonationCount() == 0
			if empty {
				if emptyKept {
					c.Close()
					continue
				}
				emptyKept = true
			}
			kept = append(kept, c)
		}
		p.conns[key] = kept
	}
	p.updateConnectionsMetricLocked()
}

// RunPurge runs Purge on a ticker until ctx is done. A zero interval
// disables purging entirely, per spec.md §4.4.
func (p *Proxy) RunPurge(ctx context.Context) {
	if p.cfg.PurgeIntervalMs <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(p.cfg.PurgeIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Purge()
		}
	}
}

// Kill closes every miner session and every upstream connection and
// empties the pool. It does not stop the WebSocket acceptor: Accept keeps
// working afterwards, and the HTTP listener in internal/httpapi is shut
// down separately, through its own context.
func (p *Proxy) Kill() {
	p.mu.Lock()
	miners := make([]*session.Miner, 0, len(p.miners))
	for m := range p.miners {
		miners = append(miners, m)
	}
	conns := make([]*upstream.Connection, 0)
	for _, list := range p.conns {
		conns = append(conns, list...)
	}
	p.conns = make(map[string][]*upstream.Connection)
	p.miners = make(map[*session.Miner]struct{})
	p.mu.Unlock()

	for _, m := range miners {
		m.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// GetStats sums miners and non-donation upstream connections across every
// pool key (spec.md §4.4 "Stats").
func (p *Proxy) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := 0
	for _, list := range p.conns {
		for _, c := range list {
			if !c.Donation {
				conns++
			}
		}
	}
	return Stats{Miners: len(p.miners), Connections: conns}
}
