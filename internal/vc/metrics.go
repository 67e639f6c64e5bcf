package vc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"entityvc/internal/vc/jobs"
	"entityvc/pkg/domain"
)

// Metrics exports job and entity counters. A nil *Metrics records nothing.
type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobsRunning *prometheus.GaugeVec
	jobDuration *prometheus.HistogramVec
	committed   *prometheus.CounterVec
	loaded      *prometheus.CounterVec
}

var _ jobs.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entityvc_jobs_total",
			Help: "Finished version control jobs by kind and final status.",
		}, []string{"kind", "status"}),
		jobsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entityvc_jobs_running",
			Help: "Version control jobs currently running.",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entityvc_job_duration_seconds",
			Help:    "Wall time of version control jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entityvc_entities_committed_total",
			Help: "Entities written to versions by type and change kind.",
		}, []string{"entity_type", "change"}),
		loaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entityvc_entities_loaded_total",
			Help: "Entities changed in the live store by loads, by type and action.",
		}, []string{"entity_type", "action"}),
	}
	reg.MustRegister(m.jobsTotal, m.jobsRunning, m.jobDuration, m.committed, m.loaded)
	return m
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.jobsRunning.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobFinished(kind string, status jobs.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.WithLabelValues(kind).Dec()
	m.jobsTotal.WithLabelValues(kind, string(status)).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) entitiesCommitted(t domain.EntityType, change string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.committed.WithLabelValues(string(t), change).Add(float64(n))
}

func (m *Metrics) entitiesLoaded(t domain.EntityType, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.loaded.WithLabelValues(string(t), action).Add(float64(n))
}
