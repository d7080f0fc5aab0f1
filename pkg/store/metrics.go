package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics reports store activity. A nil *Metrics records nothing.
type Metrics struct {
	opened       *prometheus.CounterVec
	closed       *prometheus.CounterVec
	ops          *prometheus.CounterVec
	copyDuration *prometheus.HistogramVec
}

// NewMetrics registers the store metrics on reg. It returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		opened: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxstore",
			Name:      "directories_opened_total",
			Help:      "Directories opened by the handle cache",
		}, []string{"subcontext"}),
		closed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxstore",
			Name:      "directories_closed_total",
			Help:      "Directories closed by the handle cache",
		}, []string{"subcontext"}),
		ops: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "idxstore",
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and outcome",
		}, []string{"op", "outcome"}),
		copyDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idxstore",
			Name:      "copy_duration_seconds",
			Help:      "Duration of one sub-index copy",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"outcome"}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) directoryOpened(subContext string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(subContext).Inc()
}

func (m *Metrics) directoryClosed(subContext string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(subContext).Inc()
}

func (m *Metrics) op(name string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(name, outcome(err)).Inc()
}

func (m *Metrics) copied(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.copyDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}
