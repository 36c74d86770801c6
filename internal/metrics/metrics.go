// Package metrics collects and exposes Marathon's runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-client counters + time series)
//     for a lightweight JSON endpoint an operator can curl without a
//     Prometheus sidecar.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// # Concurrency — hot path
//
// RecordTaskCompletion is called from the scheduler/dispatch path on
// every task completion and must be fast. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously,
// avoiding any lock on the hot path.
//
// # Invariants
//
//   - TotalTasks == SucceededTasks + FailedTasks + CanceledTasks (maintained
//     by RecordTaskCompletion).
//   - ColdBoots + WarmBoots == TotalTasks (every dispatched task gets
//     exactly one VM, either cold-booted or restored from a snapshot).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Tasks        int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes Marathon's runtime metrics.
type Metrics struct {
	// Task metrics
	TotalTasks     atomic.Int64
	SucceededTasks atomic.Int64
	FailedTasks    atomic.Int64
	CanceledTasks  atomic.Int64
	ColdBoots      atomic.Int64
	WarmBoots      atomic.Int64

	// Latency metrics (in milliseconds, compute time from task start to completion)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// VM metrics
	VMsCreated   atomic.Int64
	VMsStopped   atomic.Int64
	VMsCrashed   atomic.Int64
	SnapshotsHit atomic.Int64

	// Per-client metrics
	clientMetrics sync.Map // ids.ClientID string -> *ClientMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// ClientMetrics tracks metrics for a single client.
type ClientMetrics struct {
	Tasks      atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	ColdBoots  atomic.Int64
	WarmBoots  atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// TaskOutcome classifies how a task finished, for RecordTaskCompletion.
type TaskOutcome int

const (
	TaskSucceeded TaskOutcome = iota
	TaskFailed
	TaskCanceled
)

// RecordTaskCompletion records a completed task's outcome and compute
// latency, and whether its VM was cold-booted or restored from a
// snapshot, for both the in-process snapshot and the Prometheus bridge.
func (m *Metrics) RecordTaskCompletion(clientID string, durationMs int64, coldBoot bool, outcome TaskOutcome) {
	m.TotalTasks.Add(1)

	switch outcome {
	case TaskSucceeded:
		m.SucceededTasks.Add(1)
	case TaskFailed:
		m.FailedTasks.Add(1)
	case TaskCanceled:
		m.CanceledTasks.Add(1)
	}

	if coldBoot {
		m.ColdBoots.Add(1)
	} else {
		m.WarmBoots.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	cm := m.getClientMetrics(clientID)
	cm.Tasks.Add(1)
	switch outcome {
	case TaskSucceeded:
		cm.Succeeded.Add(1)
	case TaskFailed:
		cm.Failed.Add(1)
	}
	if coldBoot {
		cm.ColdBoots.Add(1)
	} else {
		cm.WarmBoots.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	updateMin(&cm.MinMs, durationMs)
	updateMax(&cm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, outcome == TaskFailed)

	RecordPrometheusTask(clientID, durationMs, coldBoot, outcome)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot completion path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Tasks++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

// RecordVMStopped records a VM being stopped.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

// RecordVMCrashed records a VM crash.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

// RecordSnapshotHit records a warm VM handed out from the pool instead of a cold boot.
func (m *Metrics) RecordSnapshotHit() {
	m.SnapshotsHit.Add(1)
	RecordPrometheusSnapshotHit()
}

func (m *Metrics) getClientMetrics(clientID string) *ClientMetrics {
	if v, ok := m.clientMetrics.Load(clientID); ok {
		return v.(*ClientMetrics)
	}

	cm := &ClientMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.clientMetrics.LoadOrStore(clientID, cm)
	return actual.(*ClientMetrics)
}

// GetClientMetrics returns the metrics for a specific client (or nil if none recorded yet).
func (m *Metrics) GetClientMetrics(clientID string) *ClientMetrics {
	if v, ok := m.clientMetrics.Load(clientID); ok {
		return v.(*ClientMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalTasks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"tasks": map[string]interface{}{
			"total":     total,
			"succeeded": m.SucceededTasks.Load(),
			"failed":    m.FailedTasks.Load(),
			"canceled":  m.CanceledTasks.Load(),
			"cold":      m.ColdBoots.Load(),
			"warm":      m.WarmBoots.Load(),
			"cold_pct":  coldBootPercentage(m.ColdBoots.Load(), total),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"vms": map[string]interface{}{
			"created":       m.VMsCreated.Load(),
			"stopped":       m.VMsStopped.Load(),
			"crashed":       m.VMsCrashed.Load(),
			"snapshots_hit": m.SnapshotsHit.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// ClientStats returns per-client metrics.
func (m *Metrics) ClientStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.clientMetrics.Range(func(key, value interface{}) bool {
		clientID := key.(string)
		cm := value.(*ClientMetrics)

		total := cm.Tasks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(total)
		}

		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[clientID] = map[string]interface{}{
			"tasks":      total,
			"succeeded":  cm.Succeeded.Load(),
			"failed":     cm.Failed.Load(),
			"cold_boots": cm.ColdBoots.Load(),
			"warm_boots": cm.WarmBoots.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     cm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["clients"] = m.ClientStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"tasks":        bucket.Tasks,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func coldBootPercentage(cold, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(cold) / float64(total) * 100
}
