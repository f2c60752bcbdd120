package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "localtasks"

var (
	once sync.Once

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result (success, partial, offline).",
		},
		[]string{"result"},
	)
	items = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Queue items processed by outcome.",
		},
		[]string{"outcome"},
	)
	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Write-write conflicts by winning side.",
		},
		[]string{"winner"},
	)
	poisoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "poisoned_total",
		Help:      "Queue items that reached the retry ceiling.",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of sync cycles.",
		Buckets:   prometheus.DefBuckets,
	})
	pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pending_items",
		Help:      "Queue items below the retry ceiling after the last cycle.",
	})
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(cycles, items, conflicts, poisoned, cycleDuration, pending)
	})
}

// Recorder feeds sync engine events into the package collectors.
type Recorder struct{}

func (Recorder) ObserveCycle(success, offline bool, synced, failed int, d time.Duration) {
	switch {
	case offline:
		cycles.WithLabelValues("offline").Inc()
	case success:
		cycles.WithLabelValues("success").Inc()
	default:
		cycles.WithLabelValues("partial").Inc()
	}
	items.WithLabelValues("synced").Add(float64(synced))
	items.WithLabelValues("failed").Add(float64(failed))
	cycleDuration.Observe(d.Seconds())
}

func (Recorder) ObserveConflict(winner string) {
	conflicts.WithLabelValues(winner).Inc()
}

func (Recorder) ObservePoisoned() { poisoned.Inc() }

func (Recorder) SetPending(n int) { pending.Set(float64(n)) }
