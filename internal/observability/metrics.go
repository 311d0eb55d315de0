package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	AuthResults       *prometheus.CounterVec
	Admissions        *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	Segments          *prometheus.CounterVec
	TaskResults       *prometheus.CounterVec
	TaskDuration      prometheus.Histogram
	FirstChunkLatency prometheus.Histogram

	gatherer prometheus.Gatherer
	stages   *stageWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers instruments on reg; tests pass a fresh registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuthResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Signed-header verifications by result.",
		}, []string{"result"}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_admissions_total",
			Help:      "WebSocket admissions by path and outcome.",
		}, []string{"path", "outcome"}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of bound session connections.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_segments_total",
			Help:      "Audio segmentation outcomes.",
		}, []string{"outcome"}),
		TaskResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Queued tasks by kind and result.",
		}, []string{"kind", "result"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_ms",
			Help:      "Queued task run time in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),
		FirstChunkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from task start to first pipeline chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer: gatherer,
		stages:   newStageWindow(256),
	}
}

func (m *Metrics) ObserveAuth(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAdmission(path, outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSegment(outcome string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ObserveTask(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskResults.WithLabelValues(kind, result).Inc()
	m.TaskDuration.Observe(float64(d.Milliseconds()))
	m.stages.Observe("task_total", float64(d.Microseconds())/1000)
}

// ObserveTaskRejected counts a task refused by a full queue.
func (m *Metrics) ObserveTaskRejected(kind string) {
	if m == nil {
		return
	}
	m.TaskResults.WithLabelValues(kind, "rejected").Inc()
}

func (m *Metrics) ObserveFirstChunk(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.FirstChunkLatency.Observe(ms)
	m.stages.Observe("first_chunk", ms)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// SnapshotStages returns rolling latency percentiles per task stage.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry this Metrics was registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
