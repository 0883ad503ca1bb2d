package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed on /metrics. All methods
// are nil-safe so components can run without telemetry wired.
type Metrics struct {
	fetchTasks      *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	phasesCompleted prometheus.Counter
	jobsCreated     prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsReaped      prometheus.Counter
	cacheHits       *prometheus.CounterVec
	cacheMisses     prometheus.Counter
}

// NewMetrics builds and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetscope_fetch_tasks_total",
			Help: "Fetch tasks dispatched, by analysis type.",
		}, []string{"analysis_type"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetscope_fetch_failures_total",
			Help: "Fetch tasks that failed or timed out, by analysis type.",
		}, []string{"analysis_type"}),
		phasesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_phases_completed_total",
			Help: "Pipeline phases settled, including zero-success phases.",
		}),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_jobs_created_total",
			Help: "Analysis jobs created.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_jobs_completed_total",
			Help: "Analysis jobs that reached the completed state.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_jobs_failed_total",
			Help: "Analysis jobs that reached the error state.",
		}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_jobs_reaped_total",
			Help: "Stale jobs force-failed by the reaper.",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetscope_cache_hits_total",
			Help: "Cache hits, by tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetscope_cache_misses_total",
			Help: "Cache lookups that found nothing in any tier.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.fetchTasks, m.fetchFailures, m.phasesCompleted,
			m.jobsCreated, m.jobsCompleted, m.jobsFailed, m.jobsReaped,
			m.cacheHits, m.cacheMisses,
		)
	}
	return m
}

func (m *Metrics) FetchTask(analysisType string) {
	if m != nil {
		m.fetchTasks.WithLabelValues(analysisType).Inc()
	}
}

func (m *Metrics) FetchFailure(analysisType string) {
	if m != nil {
		m.fetchFailures.WithLabelValues(analysisType).Inc()
	}
}

func (m *Metrics) PhaseCompleted() {
	if m != nil {
		m.phasesCompleted.Inc()
	}
}

func (m *Metrics) JobCreated() {
	if m != nil {
		m.jobsCreated.Inc()
	}
}

func (m *Metrics) JobCompleted() {
	if m != nil {
		m.jobsCompleted.Inc()
	}
}

func (m *Metrics) JobFailed() {
	if m != nil {
		m.jobsFailed.Inc()
	}
}

func (m *Metrics) JobsReaped(n int64) {
	if m != nil && n > 0 {
		m.jobsReaped.Add(float64(n))
	}
}

func (m *Metrics) CacheHit(tier string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}
