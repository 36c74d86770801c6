package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for Marathon's scheduler,
// registry, and VM pool.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	tasksTotal   *prometheus.CounterVec
	coldBoots    prometheus.Counter
	warmBoots    prometheus.Counter
	vmsCreated   prometheus.Counter
	vmsStopped   prometheus.Counter
	vmsCrashed   prometheus.Counter
	snapshotsHit prometheus.Counter

	// Histograms
	taskDuration        *prometheus.HistogramVec
	vmBootDuration      *prometheus.HistogramVec
	snapshotRestoreTime *prometheus.HistogramVec
	vsockLatency        *prometheus.HistogramVec

	// Gauges
	uptime          prometheus.GaugeFunc
	vmPool          *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	activeTasks     prometheus.Gauge
	activeVMs       prometheus.Gauge
	queueDepth      prometheus.Gauge
	queueWaitMs     prometheus.Gauge
}

// Default histogram buckets for task duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of tasks dispatched",
			},
			[]string{"client", "status"},
		),

		coldBoots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_boots_total",
				Help:      "Total number of tasks that required a cold VM boot",
			},
		),

		warmBoots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_boots_total",
				Help:      "Total number of tasks served from the warm VM pool",
			},
		),

		vmsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_created_total",
				Help:      "Total VMs created",
			},
		),

		vmsStopped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_stopped_total",
				Help:      "Total VMs stopped",
			},
		),

		vmsCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vms_crashed_total",
				Help:      "Total VMs that crashed unexpectedly",
			},
		),

		snapshotsHit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_hit_total",
				Help:      "Total warm VMs handed out from the pool instead of a cold boot",
			},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_milliseconds",
				Help:      "Task compute duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"client", "cold_boot"},
		),

		vmBootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vm_boot_duration_milliseconds",
				Help:      "Duration of VM boot (cold start) in milliseconds",
				Buckets:   []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000},
			},
			[]string{"node", "from_snapshot"},
		),

		snapshotRestoreTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_restore_milliseconds",
				Help:      "Duration of snapshot restore in milliseconds",
				Buckets:   []float64{50, 100, 200, 500, 1000, 2000},
			},
			[]string{"node"},
		),

		vsockLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vsock_latency_milliseconds",
				Help:      "Latency of vsock operations in milliseconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"operation"}, // connect, send, receive
		),

		vmPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_pool_size",
				Help:      "Current VM pool size by node and state",
			},
			[]string{"node", "state"}, // state: warm, active
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_utilization_ratio",
				Help:      "Pool utilization ratio (active / total slots) by node",
			},
			[]string{"node"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Number of currently running tasks",
			},
		),

		activeVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_vms",
				Help:      "Total number of active VMs across all nodes",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current scheduler pending-task queue depth",
			},
		),

		queueWaitMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Last observed scheduler queue wait in milliseconds",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the Marathon daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.tasksTotal,
		pm.coldBoots,
		pm.warmBoots,
		pm.vmsCreated,
		pm.vmsStopped,
		pm.vmsCrashed,
		pm.snapshotsHit,
		pm.taskDuration,
		pm.vmBootDuration,
		pm.snapshotRestoreTime,
		pm.vsockLatency,
		pm.uptime,
		pm.vmPool,
		pm.poolUtilization,
		pm.activeTasks,
		pm.activeVMs,
		pm.queueDepth,
		pm.queueWaitMs,
	)

	promMetrics = pm
}

// RecordPrometheusTask records a task completion in Prometheus collectors.
func RecordPrometheusTask(clientID string, durationMs int64, coldBoot bool, outcome TaskOutcome) {
	if promMetrics == nil {
		return
	}

	status := "succeeded"
	switch outcome {
	case TaskFailed:
		status = "failed"
	case TaskCanceled:
		status = "canceled"
	}
	promMetrics.tasksTotal.WithLabelValues(clientID, status).Inc()

	if coldBoot {
		promMetrics.coldBoots.Inc()
	} else {
		promMetrics.warmBoots.Inc()
	}

	coldLabel := "false"
	if coldBoot {
		coldLabel = "true"
	}
	promMetrics.taskDuration.WithLabelValues(clientID, coldLabel).Observe(float64(durationMs))
}

// RecordPrometheusVMCreated records a VM creation in Prometheus.
func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

// RecordPrometheusVMStopped records a VM stop in Prometheus.
func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

// RecordPrometheusVMCrashed records a VM crash in Prometheus.
func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

// RecordPrometheusSnapshotHit records a warm pool hit in Prometheus.
func RecordPrometheusSnapshotHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotsHit.Inc()
}

// SetVMPoolSize sets the current VM pool size for a node.
func SetVMPoolSize(nodeID string, warm, active, totalSlots int) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmPool.WithLabelValues(nodeID, "warm").Set(float64(warm))
	promMetrics.vmPool.WithLabelValues(nodeID, "active").Set(float64(active))

	if totalSlots > 0 {
		promMetrics.poolUtilization.WithLabelValues(nodeID).Set(float64(active) / float64(totalSlots))
	}
}

// RecordVMBootDuration records VM boot time in Prometheus.
func RecordVMBootDuration(nodeID string, durationMs int64, fromSnapshot bool) {
	if promMetrics == nil {
		return
	}
	snapshotLabel := "false"
	if fromSnapshot {
		snapshotLabel = "true"
	}
	promMetrics.vmBootDuration.WithLabelValues(nodeID, snapshotLabel).Observe(float64(durationMs))
}

// RecordSnapshotRestoreTime records snapshot restore duration.
func RecordSnapshotRestoreTime(nodeID string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotRestoreTime.WithLabelValues(nodeID).Observe(float64(durationMs))
}

// RecordVsockLatency records vsock operation latency.
func RecordVsockLatency(operation string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vsockLatency.WithLabelValues(operation).Observe(durationMs)
}

// IncActiveTasks increments the active tasks gauge.
func IncActiveTasks() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeTasks.Inc()
}

// DecActiveTasks decrements the active tasks gauge.
func DecActiveTasks() {
	if promMetrics == nil {
		return
	}
	promMetrics.activeTasks.Dec()
}

// SetActiveVMs sets the total number of active VMs across all nodes.
func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// SetQueueDepth sets the scheduler's pending-task queue depth gauge.
func SetQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// SetQueueWaitMs sets the latest observed scheduler queue wait gauge.
func SetQueueWaitMs(waitMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueWaitMs.Set(float64(waitMs))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
