// Package metrics tracks proxy-wide counters — miners, upstream
// connections, donation activity, and shares — kept as atomic values and
// mirrored into Prometheus. The /stats JSON endpoint does not read them; it
// serves pool.Proxy.GetStats.
package metrics

import (
	"sync/atomic"
)

// Collector holds all proxy metrics.
type Collector struct {
	Miners          atomic.Int64
	Connections     atomic.Int64
	DonationsActive atomic.Int64
	SharesOK        atomic.Uint64
	SharesBad       atomic.Uint64

	prom *prometheusGauges
}

// NewCollector creates a metrics collector and registers its Prometheus
// series under namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{prom: initPrometheus(namespace)}
}

// SetMiners sets the current count of connected miner sessions.
func (c *Collector) SetMiners(n int64) {
	c.Miners.Store(n)
	c.prom.miners.Set(float64(n))
}

// SetConnections sets the current count of open upstream connections.
func (c *Collector) SetConnections(n int64) {
	c.Connections.Store(n)
	c.prom.connections.Set(float64(n))
}

// SetDonationsActive sets the count of donation sessions currently holding
// a job turn.
func (c *Collector) SetDonationsActive(n int64) {
	c.DonationsActive.Store(n)
	c.prom.donationsActive.Set(float64(n))
}

// IncSharesOK records an accepted share.
func (c *Collector) IncSharesOK() {
	c.SharesOK.Add(1)
	c.prom.sharesOK.Inc()
}

// IncSharesBad records a rejected share.
func (c *Collector) IncSharesBad() {
	c.SharesBad.Add(1)
	c.prom.sharesBad.Inc()
}

// GetTotalShares returns accepted + rejected shares.
func (c *Collector) GetTotalShares() uint64 {
	return c.SharesOK.Load() + c.SharesBad.Load()
}

// GetAcceptanceRate calculates the share acceptance rate as a percentage.
func (c *Collector) GetAcceptanceRate() float64 {
	total := c.GetTotalShares()
	if total == 0 {
		return 0
	}
	return (float64(c.SharesOK.Load()) / float64(total)) * 100
}

// Snapshot is a point-in-time view of the proxy's metrics, with JSON tags
// for serialization.
type Snapshot struct {
	Miners          int64   `json:"miners"`
	Connections     int64   `json:"connections"`
	DonationsActive int64   `json:"donations_active"`
	SharesOK        uint64  `json:"shares_ok"`
	SharesBad       uint64  `json:"shares_bad"`
	TotalShares     uint64  `json:"total_shares"`
	AcceptanceRate  float64 `json:"acceptance_rate"`
}

// Snapshot returns a snapshot of the current metrics.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Miners:          c.Miners.Load(),
		Connections:     c.Connections.Load(),
		DonationsActive: c.DonationsActive.Load(),
		SharesOK:        c.SharesOK.Load(),
		SharesBad:       c.SharesBad.Load(),
		TotalShares:     c.GetTotalShares(),
		AcceptanceRate:  c.GetAcceptanceRate(),
	}
}
