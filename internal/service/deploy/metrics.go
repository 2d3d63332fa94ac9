package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	deployResults *prometheus.CounterVec
	fixIterations prometheus.Histogram
	pollSessions  *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		deployResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagewright",
			Subsystem: "api",
			Name:      "deploy_results_total",
			Help:      "Terminal deploy job outcomes",
		}, []string{"outcome"})

		fixIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pagewright",
			Subsystem: "api",
			Name:      "autofix_iterations",
			Help:      "Publish attempts performed per job",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
		})

		pollSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagewright",
			Subsystem: "api",
			Name:      "poll_sessions_total",
			Help:      "Domain polling session outcomes",
		}, []string{"outcome"})

		for _, collector := range []prometheus.Collector{deployResults, fixIterations, pollSessions} {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == deployResults {
							deployResults = existing
						} else {
							pollSessions = existing
						}
					case prometheus.Histogram:
						fixIterations = existing
					}
				}
			}
		}
	})
}

func recordOutcome(outcome string) {
	if deployResults != nil {
		deployResults.With(prometheus.Labels{"outcome": outcome}).Inc()
	}
}

func recordIterations(n int) {
	if fixIterations != nil {
		fixIterations.Observe(float64(n))
	}
}

func recordPollSession(outcome PollOutcome) {
	if pollSessions != nil {
		pollSessions.With(prometheus.Labels{"outcome": string(outcome)}).Inc()
	}
}
