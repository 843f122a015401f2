package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	controlPlaneRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "basegate_control_plane_retries_total",
		Help: "Control-plane calls retried after a transient error.",
	})

	configCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "basegate_config_cache_lookups_total",
		Help: "Tenant config cache lookups by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(controlPlaneRetries, configCacheLookups)
}
