// Package metrics exposes Prometheus counters for scan jobs, scanners, fix
// generation, pull requests and webhook deliveries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted       prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	JobsInFlight      prometheus.Gauge
	ScannerRuns       *prometheus.CounterVec
	Findings          *prometheus.CounterVec
	FixOutcomes       *prometheus.CounterVec
	PullRequests      *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New creates and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctrlscan_jobs_started_total",
			Help: "Counts scan jobs accepted by the registry.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_jobs_finished_total",
			Help: "Counts scan jobs that reached a terminal status.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctrlscan_job_duration_seconds",
			Help:    "Wall-clock duration of scan jobs from submission to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctrlscan_jobs_in_flight",
			Help: "Number of scan jobs that have not reached a terminal status.",
		}),
		ScannerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_scanner_runs_total",
			Help: "Counts scanner executions by scanner and outcome.",
		}, []string{"scanner", "status"}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_findings_total",
			Help: "Counts findings reported by completed jobs.",
		}, []string{"class", "severity"}),
		FixOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_fix_outcomes_total",
			Help: "Counts per-finding fix generation outcomes.",
		}, []string{"status"}),
		PullRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_pull_requests_total",
			Help: "Counts fix publication attempts by result.",
		}, []string{"result"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctrlscan_webhook_deliveries_total",
			Help: "Counts accepted webhook deliveries by platform, event and outcome.",
		}, []string{"platform", "event", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsStarted, m.JobsFinished, m.JobDuration, m.JobsInFlight,
		m.ScannerRuns, m.Findings, m.FixOutcomes, m.PullRequests, m.WebhookDeliveries,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveJobEvent updates job and scanner metrics. Register it with
// Registry.Subscribe.
func (m *Metrics) ObserveJobEvent(evt jobs.Event) {
	switch evt.Type {
	case jobs.EventJobStarted:
		m.JobsStarted.Inc()
		m.JobsInFlight.Inc()
	case jobs.EventScannerDone:
		if evt.Result != nil {
			m.ScannerRuns.WithLabelValues(string(evt.Scanner), evt.Result.Status).Inc()
		}
	case jobs.EventJobCompleted, jobs.EventJobFailed:
		m.JobsInFlight.Dec()
		m.JobsFinished.WithLabelValues(string(evt.Job.Status)).Inc()
		if evt.Job.EndedAt != nil {
			m.JobDuration.Observe(evt.Job.EndedAt.Sub(evt.Job.StartedAt).Seconds())
		}
		for _, f := range evt.Job.Findings() {
			m.Findings.WithLabelValues(string(f.Class), string(f.Severity)).Inc()
		}
	}
}

// ObserveWebhook counts one delivery.
func (m *Metrics) ObserveWebhook(platform, event, outcome string) {
	m.WebhookDeliveries.WithLabelValues(platform, event, outcome).Inc()
}

// ObserveFixOutcomes counts generation outcomes by status.
func (m *Metrics) ObserveFixOutcomes(outcomes []models.FixOutcome) {
	for _, o := range outcomes {
		m.FixOutcomes.WithLabelValues(o.Status).Inc()
	}
}

// ObservePullRequest counts one publication attempt.
func (m *Metrics) ObservePullRequest(result string) {
	m.PullRequests.WithLabelValues(result).Inc()
}
