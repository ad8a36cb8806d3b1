// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package. Collected metrics are pushed on Flush rather than
// scraped.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"revrepl/internal/metrics"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	records    *prometheus.CounterVec
	statements *prometheus.CounterVec
	duration   *prometheus.SummaryVec
	sessions   *prometheus.CounterVec
}

// NewBackend constructs a Pushgateway backend. jobName is the Pushgateway
// grouping key and defaults to "revrepl".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "revrepl"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Change records by outcome (applied, dropped, failed) and reason.",
		}, []string{"outcome", "reason"}),
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StatementsTotal,
			Help: "Statements executed against source shards.",
		}, []string{"dialect", "op", "status"}),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metrics.StatementDuration,
			Help:       "Statement execution latency in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"dialect", "op", "status"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.SessionsTotal,
			Help: "Pool sessions opened or failed at init.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{b.records, b.statements, b.duration, b.sessions} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels["outcome"], labels["reason"]).Add(delta)
	case metrics.StatementsTotal:
		b.statements.WithLabelValues(labels["dialect"], labels["op"], labels["status"]).Add(delta)
	case metrics.SessionsTotal:
		b.sessions.WithLabelValues(labels["status"]).Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StatementDuration {
		return
	}
	b.duration.WithLabelValues(labels["dialect"], labels["op"], labels["status"]).Observe(value)
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
