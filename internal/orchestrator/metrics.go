package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce    sync.Once
	attemptResults *prometheus.CounterVec
	remediations   *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		attemptResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "orchestrator",
			Name:      "attempt_results_total",
			Help:      "Terminal attempt outcomes by status",
		}, []string{"outcome"})

		remediations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "orchestrator",
			Name:      "remediations_total",
			Help:      "Remediation actions by kind and outcome",
		}, []string{"kind", "outcome"})

		for _, collector := range []*prometheus.CounterVec{attemptResults, remediations} {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
						if collector == attemptResults {
							attemptResults = existing
						} else {
							remediations = existing
						}
					}
				}
			}
		}
	})
}
