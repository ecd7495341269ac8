package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus credential metrics. Labels carry identifiers only.
var (
	credentialOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierkeys_credential_operations_total",
			Help: "Total number of credential operations by outcome.",
		},
		[]string{"operation", "provider", "outcome"},
	)
	rekeyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courierkeys_rekey_duration_seconds",
			Help:    "Duration of security mode switches including re-encryption.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(credentialOperationsTotal)
	prometheus.MustRegister(rekeyDuration)
}

func observeOperation(operation string, provider Provider, err error) {
	credentialOperationsTotal.WithLabelValues(operation, providerLabel(provider), outcomeLabel(err)).Inc()
}

// providerLabel bounds the provider label to known providers.
func providerLabel(p Provider) string {
	if p == "" {
		return ""
	}
	if _, err := LookupProvider(p); err != nil {
		return "unknown"
	}
	return string(p)
}

func observeRekey(target string, start time.Time, err error) {
	rekeyDuration.WithLabelValues(target, outcomeLabel(err)).Observe(time.Since(start).Seconds())
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
