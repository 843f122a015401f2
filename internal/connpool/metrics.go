package connpool

import "github.com/prometheus/client_golang/prometheus"

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "basegate_tenant_connections_open",
		Help: "Tenant connections currently held by the registry.",
	})

	dialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "basegate_tenant_dials_total",
		Help: "Tenant connection attempts by result.",
	}, []string{"result"})

	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "basegate_tenant_evictions_total",
		Help: "Tenant connections removed from the registry by reason.",
	}, []string{"reason"})

	probeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "basegate_tenant_probe_failures_total",
		Help: "Liveness probes that failed or timed out.",
	})
)

func init() {
	prometheus.MustRegister(openConnections, dialsTotal, evictionsTotal, probeFailures)
}
