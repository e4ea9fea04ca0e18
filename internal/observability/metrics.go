package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsExpired prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	chunksTotal  *prometheus.CounterVec

	collaboratorTotal    *prometheus.CounterVec
	collaboratorDuration *prometheus.HistogramVec

	knowledgeSearchDuration prometheus.Histogram
	knowledgeSyncDuration   prometheus.Histogram
	knowledgeScreens        prometheus.Gauge

	transcriptWriteDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane class.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane class.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total completed tasks by lane class and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane class.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current number of live conversation sessions.",
				},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_created_total",
					Help: "Total sessions started.",
				},
			),
			sessionsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions evicted after their TTL.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total conversation turns by mode and status.",
				},
				[]string{"mode", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Conversation turn duration in seconds by mode.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
				},
				[]string{"mode"},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "workflow_step_total",
					Help: "Total workflow step executions by step and status.",
				},
				[]string{"step", "status"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "workflow_step_duration_seconds",
					Help:    "Workflow step duration in seconds by step.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"step"},
			),
			chunksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_chunks_total",
					Help: "Total streamed response chunks by MIME type.",
				},
				[]string{"mime"},
			),
			collaboratorTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "collaborator_calls_total",
					Help: "Total external service calls by service and status.",
				},
				[]string{"service", "status"},
			),
			collaboratorDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "collaborator_call_duration_seconds",
					Help:    "External service call duration in seconds by service.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"service"},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "knowledge_search_duration_seconds",
					Help:    "Knowledge base search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "knowledge_sync_duration_seconds",
					Help:    "Knowledge base sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeScreens: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "knowledge_screens_total",
					Help: "Screens currently indexed in the knowledge base.",
				},
			),
			transcriptWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "transcript_write_duration_seconds",
					Help:    "Conversation transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsCreated,
			m.sessionsExpired,
			m.turnTotal,
			m.turnDuration,
			m.stepTotal,
			m.stepDuration,
			m.chunksTotal,
			m.collaboratorTotal,
			m.collaboratorDuration,
			m.knowledgeSearchDuration,
			m.knowledgeSyncDuration,
			m.knowledgeScreens,
			m.transcriptWriteDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneClass keeps per-session lanes ("session-<id>") from exploding label cardinality.
func laneClass(lane string) string {
	if i := strings.IndexByte(lane, '-'); i > 0 {
		return lane[:i]
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	class := laneClass(lane)
	m.enqueueTotal.WithLabelValues(class).Inc()
	m.queueSize.WithLabelValues(class).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(laneClass(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	class := laneClass(lane)
	m.dequeueTotal.WithLabelValues(class, status(success)).Inc()
	m.taskDuration.WithLabelValues(class).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(class).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordSessionsExpired(count int) {
	if count <= 0 {
		return
	}
	getMetrics().sessionsExpired.Add(float64(count))
}

// RecordTurn records one finished turn; mode is "run" or "stream".
func RecordTurn(mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(mode, status(success)).Inc()
	m.turnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordStep(step string, duration time.Duration, success bool) {
	m := getMetrics()
	m.stepTotal.WithLabelValues(step, status(success)).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordChunk(mime string) {
	getMetrics().chunksTotal.WithLabelValues(mime).Inc()
}

// RecordCollaboratorCall records a call into an external service such as
// "completion", "completion_stream", "image_edit", "embedding" or "retrieval".
func RecordCollaboratorCall(service string, duration time.Duration, success bool) {
	m := getMetrics()
	m.collaboratorTotal.WithLabelValues(service, status(success)).Inc()
	m.collaboratorDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSync(duration time.Duration) {
	getMetrics().knowledgeSyncDuration.Observe(duration.Seconds())
}

func SetKnowledgeScreens(total int) {
	getMetrics().knowledgeScreens.Set(float64(total))
}

func RecordTranscriptWrite(duration time.Duration) {
	getMetrics().transcriptWriteDuration.Observe(duration.Seconds())
}
