package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing, so core packages can run without a registry in tests.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RunsInQueue         prometheus.Gauge
	RunsTotal           *prometheus.CounterVec
	FetchesTotal        *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	DelayDuration       *prometheus.HistogramVec
	LaneRotations       prometheus.Counter
	SkippedJobsTotal    *prometheus.CounterVec
	HealthyProxies      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		RunsInQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "runs_in_queue",
				Help: "Current number of crawl runs waiting in the queue.",
			},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_runs_total",
				Help: "Total number of finished crawl runs.",
			},
			[]string{"status"},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetches_total",
				Help: "Total number of page fetch attempts.",
			},
			[]string{"verdict"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Duration of page fetches.",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
			},
			[]string{"verdict"},
		),
		DelayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_delay_seconds",
				Help:    "Scheduled wait before the next fetch.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tag"},
		),
		LaneRotations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lane_rotations_total",
				Help: "Total number of retired identity lanes.",
			},
		),
		SkippedJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skipped_jobs_total",
				Help: "Total number of jobs consumed without a payload.",
			},
			[]string{"verdict"},
		),
		HealthyProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "healthy_proxies",
				Help: "Proxies currently eligible for selection.",
			},
		),
	}
}

func (m *Metrics) ObserveHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
}

func (m *Metrics) ObserveFetch(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(verdict).Inc()
	m.FetchDuration.WithLabelValues(verdict).Observe(d.Seconds())
}

func (m *Metrics) ObserveDelay(tag string, d time.Duration) {
	if m == nil {
		return
	}
	m.DelayDuration.WithLabelValues(tag).Observe(d.Seconds())
}

func (m *Metrics) IncLaneRotation() {
	if m == nil {
		return
	}
	m.LaneRotations.Inc()
}

func (m *Metrics) IncSkippedJob(verdict string) {
	if m == nil {
		return
	}
	m.SkippedJobsTotal.WithLabelValues(verdict).Inc()
}

func (m *Metrics) IncRun(status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetHealthyProxies(n int) {
	if m == nil {
		return
	}
	m.HealthyProxies.Set(float64(n))
}

func (m *Metrics) SetRunsInQueue(n int64) {
	if m == nil {
		return
	}
	m.RunsInQueue.Set(float64(n))
}
