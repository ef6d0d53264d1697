package protection

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "decisions_total",
		Help:      "Protection decisions by reason, source and outcome.",
	}, []string{"reason", "source", "outcome"})

	evaluationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent producing a decision, including any upstream call.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"source"})

	upstreamCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "upstream_calls_total",
		Help:      "Upstream provider calls by result (ok, error, timeout, skipped).",
	}, []string{"result"})

	failOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "fail_open_total",
		Help:      "Requests allowed because the protection chain itself failed.",
	})

	bodyRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "body_rejected_total",
		Help:      "Requests rejected because the body exceeded the inspection limit.",
	})

	ruleHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shieldgate",
		Subsystem: "protection",
		Name:      "rule_hits_total",
		Help:      "Rule violations by rule id and action.",
	}, []string{"rule_id", "action"})
)

func init() {
	prometheus.MustRegister(decisionsTotal, evaluationDuration, upstreamCalls, failOpenTotal, bodyRejectedTotal, ruleHitsTotal)
}
