package harvest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/codeharvest/internal/classify"
	"github.com/fyrsmithlabs/codeharvest/internal/events"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for harvest runs.
type Metrics struct {
	RepositoriesTotal  *prometheus.CounterVec
	FilesTotal         *prometheus.CounterVec
	BytesArchivedTotal prometheus.Counter
	CommitsTotal       prometheus.Counter

	RepositoryDuration prometheus.Histogram
	FetchDuration      prometheus.Histogram

	ActiveWorkers prometheus.Gauge
}

// NewMetrics creates and registers the harvest metrics on the default
// registry. It is safe to call more than once.
//
// Metrics:
//   - codeharvest_repositories_total{outcome} - repositories processed
//   - codeharvest_files_total{result} - files classified, by result
//   - codeharvest_bytes_archived_total - text bytes added to archives
//   - codeharvest_commits_total - archive chunks committed
//   - codeharvest_repository_duration_seconds - time per repository
//   - codeharvest_fetch_duration_seconds - time spent cloning
//   - codeharvest_active_workers - workers currently running
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RepositoriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeharvest_repositories_total",
					Help: "Total number of repositories processed",
				},
				[]string{"outcome"},
			),

			FilesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codeharvest_files_total",
					Help: "Total number of files classified",
				},
				[]string{"result"},
			),

			BytesArchivedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codeharvest_bytes_archived_total",
					Help: "Total bytes of text added to archives",
				},
			),

			CommitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codeharvest_commits_total",
					Help: "Total number of archive chunks committed",
				},
			),

			RepositoryDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "codeharvest_repository_duration_seconds",
					Help:    "Time to fetch and process one repository",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
				},
			),

			FetchDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "codeharvest_fetch_duration_seconds",
					Help:    "Time to clone one repository, including retries",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),

			ActiveWorkers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "codeharvest_active_workers",
					Help: "Number of harvest workers currently running",
				},
			),
		}

		// Pre-register label values so they show up at zero.
		for _, s := range []events.Status{events.StatusFetched, events.StatusFetchFailed, events.StatusInterrupted} {
			globalMetrics.RepositoriesTotal.WithLabelValues(string(s))
		}
		for _, r := range classify.Reasons {
			globalMetrics.FilesTotal.WithLabelValues(string(r))
		}
	})

	return globalMetrics
}

// RecordRepository records a finished repository.
func (m *Metrics) RecordRepository(outcome events.Status, seconds float64) {
	m.RepositoriesTotal.WithLabelValues(string(outcome)).Inc()
	m.RepositoryDuration.Observe(seconds)
}

// RecordFetch records the clone time of one repository.
func (m *Metrics) RecordFetch(seconds float64) {
	m.FetchDuration.Observe(seconds)
}

// RecordFile records one classified file.
func (m *Metrics) RecordFile(result classify.Reason, archivedBytes int) {
	m.FilesTotal.WithLabelValues(string(result)).Inc()
	if archivedBytes > 0 {
		m.BytesArchivedTotal.Add(float64(archivedBytes))
	}
}

// RecordCommit records a committed chunk.
func (m *Metrics) RecordCommit() {
	m.CommitsTotal.Inc()
}
