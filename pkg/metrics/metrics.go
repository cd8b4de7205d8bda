package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanTotal tracks completed scans by kind and terminal event
	ScanTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_total",
			Help: "Total number of scans by kind and terminal event",
		},
		[]string{"kind", "terminal_event"},
	)

	// ScanDuration tracks overall scan duration by kind
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Duration of scans in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind", "terminal_event"},
	)

	// ScanFindings tracks findings per scan
	ScanFindings = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_findings_per_scan",
			Help:    "Number of findings reported per scan",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	// ContainersLaunched tracks scanner container launches by result
	ContainersLaunched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanner_containers_launched_total",
			Help: "Total scanner container launches by result",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the current depth of each job queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Current number of queued jobs per queue",
		},
		[]string{"queue"},
	)

	// JobsTotal tracks job terminal states by kind
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total jobs reaching a terminal state by kind and state",
		},
		[]string{"kind", "state"},
	)

	// PipelineRunsTotal tracks template pipeline runs by trigger and outcome
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total template pipeline runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	// PipelineTemplates tracks pipeline template counters
	PipelineTemplates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_templates_total",
			Help: "Pipeline template counts by stage outcome",
		},
		[]string{"outcome"},
	)
)

// RecordScan records a completed scan
func RecordScan(kind, terminalEvent string, durationSeconds float64, findings int) {
	ScanTotal.WithLabelValues(kind, terminalEvent).Inc()
	ScanDuration.WithLabelValues(kind, terminalEvent).Observe(durationSeconds)
	ScanFindings.Observe(float64(findings))
}

// RecordContainerLaunch records a container launch attempt
func RecordContainerLaunch(result string) {
	ContainersLaunched.WithLabelValues(result).Inc()
}

// RecordJobTerminal records a job reaching a terminal state
func RecordJobTerminal(kind, state string) {
	JobsTotal.WithLabelValues(kind, state).Inc()
}

// RecordPipelineRun records a finished pipeline run
func RecordPipelineRun(trigger, outcome string) {
	PipelineRunsTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordPipelineTemplate records one template passing a pipeline stage
func RecordPipelineTemplate(outcome string) {
	PipelineTemplates.WithLabelValues(outcome).Inc()
}
