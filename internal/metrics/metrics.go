// Package metrics exposes Prometheus instruments for the WOPI host.
//
// A nil *Metrics is valid: every method is a no-op, so components can be
// built without a registry (tests, Lambda without scraping).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wopi"

// Metrics holds the host's Prometheus collectors.
type Metrics struct {
	requests      *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec
	putFileBytes  prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "WOPI requests by operation and response status.",
		}, []string{"operation", "status"}),
		lockConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Requests answered 409 because another session holds the lock.",
		}, []string{"operation"}),
		putFileBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_file_bytes",
			Help:      "Size of documents written by PutFile.",
			Buckets:   prometheus.ExponentialBuckets(4096, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.lockConflicts, m.putFileBytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRequest counts one finished request.
func (m *Metrics) ObserveRequest(operation string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

// ObserveConflict counts one lock conflict or mismatch.
func (m *Metrics) ObserveConflict(operation string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(operation).Inc()
}

// ObservePutFile records the size of a stored document.
func (m *Metrics) ObservePutFile(size int) {
	if m == nil {
		return
	}
	m.putFileBytes.Observe(float64(size))
}
