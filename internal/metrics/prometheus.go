package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// prometheusGauges holds the Prometheus series the Collector keeps in
// sync with its atomic counters.
type prometheusGauges struct {
	miners          prometheus.Gauge
	connections     prometheus.Gauge
	donationsActive prometheus.Gauge
	sharesOK        prometheus.Counter
	sharesBad       prometheus.Counter
}

// initPrometheus registers the proxy's metric series under namespace,
// reusing an already-registered collector on repeat calls (tests create
// more than one Collector against the same default registry).
func initPrometheus(namespace string) *prometheusGauges {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pg := &prometheusGauges{}

	pg.miners = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "miners_active",
		Help:      "Number of currently connected miner sessions",
	})).(prometheus.Gauge)

	pg.connections = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_connections",
		Help:      "Number of open upstream pool connections",
	})).(prometheus.Gauge)

	pg.donationsActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "donations_active",
		Help:      "Number of donation sessions currently holding a job turn",
	})).(prometheus.Gauge)

	pg.sharesOK = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_accepted_total",
		Help:      "Total number of accepted shares",
	})).(prometheus.Counter)

	pg.sharesBad = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_rejected_total",
		Help:      "Total number of rejected shares",
	})).(prometheus.Counter)

	return pg
}
