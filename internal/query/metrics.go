package query

import "github.com/prometheus/client_golang/prometheus"

var (
	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "basegate_tenant_query_duration_seconds",
		Help:    "Tenant query duration by outcome, including reconnects.",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	corruptRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "basegate_tenant_query_corrupt_retries_total",
		Help: "Queries re-run on a fresh connection after corruption.",
	})
)

func init() {
	prometheus.MustRegister(queryDuration, corruptRetries)
}
