package counter

import "github.com/prometheus/client_golang/prometheus"

var (
	counterEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shieldgate",
		Subsystem: "counter",
		Name:      "entries",
		Help:      "Number of live fixed-window counters.",
	})

	counterSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "counter",
		Name:      "swept_total",
		Help:      "Total expired counters removed by the sweeper.",
	})

	counterEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "counter",
		Name:      "evicted_total",
		Help:      "Total counters evicted to stay under the max-entries bound.",
	})
)

func init() {
	prometheus.MustRegister(counterEntries, counterSwept, counterEvicted)
}
