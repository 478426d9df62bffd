package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	submissionsTotal *prometheus.CounterVec
	stageTotal       *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	buildFailures    *prometheus.CounterVec
	callbacksTotal   *prometheus.CounterVec
	sweptArtifacts   prometheus.Counter
	activeTasks      prometheus.Gauge
	queueDepth       prometheus.Gauge
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webforge_submissions_total",
				Help: "Build requests received, by intake outcome",
			},
			[]string{"outcome"},
		),
		stageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webforge_stage_total",
				Help: "Pipeline stages executed",
			},
			[]string{"stage", "success"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webforge_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage", "success"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webforge_tasks_total",
				Help: "Finished build tasks by terminal status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webforge_task_duration_seconds",
				Help:    "End to end duration of build tasks in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		buildFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webforge_build_failures_total",
				Help: "Failed build commands by inferred failure kind",
			},
			[]string{"kind"},
		),
		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webforge_callbacks_total",
				Help: "Callback delivery attempts",
			},
			[]string{"success"},
		),
		sweptArtifacts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webforge_swept_artifacts_total",
			Help: "Local artifacts removed by the retention sweeper",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webforge_active_tasks",
			Help: "Build tasks currently running",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webforge_queue_depth",
			Help: "Accepted build tasks waiting for a worker",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.submissionsTotal,
			r.stageTotal,
			r.stageDuration,
			r.tasksTotal,
			r.taskDuration,
			r.buildFailures,
			r.callbacksTotal,
			r.sweptArtifacts,
			r.activeTasks,
			r.queueDepth,
		)
	}
	return r
}

func (r *PrometheusRecorder) RecordSubmission(outcome string) {
	r.submissionsTotal.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordStage(stage string, success bool, duration time.Duration) {
	label := successLabel(success)
	r.stageTotal.WithLabelValues(stage, label).Inc()
	r.stageDuration.WithLabelValues(stage, label).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordTask(status string, duration time.Duration) {
	r.tasksTotal.WithLabelValues(status).Inc()
	r.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordBuildFailure(kind string) {
	r.buildFailures.WithLabelValues(kind).Inc()
}

func (r *PrometheusRecorder) RecordCallback(success bool) {
	r.callbacksTotal.WithLabelValues(successLabel(success)).Inc()
}

func (r *PrometheusRecorder) RecordSweep(removed int) {
	if removed > 0 {
		r.sweptArtifacts.Add(float64(removed))
	}
}

func (r *PrometheusRecorder) IncActiveTasks() { r.activeTasks.Inc() }
func (r *PrometheusRecorder) DecActiveTasks() { r.activeTasks.Dec() }

func (r *PrometheusRecorder) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}
