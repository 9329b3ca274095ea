// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the canary service.
//
// # Description
//
// Metrics cover the detection pipeline, alert delivery and retries, the
// dead-letter queue, secret rotation and chain verification. One Metrics
// value is built at startup and handed to each component.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of canaryd.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "canary"

// Metrics holds every Prometheus collector of the service.
//
// # Fields
//
//   - DetectionsTotal: detections persisted, by source
//   - PipelineLatencySeconds: event receipt to persisted detection
//   - AlertsSentTotal: successful channel deliveries, by adapter and status
//   - AlertFailuresTotal: exhausted deliveries, by adapter and reason
//   - AlertRetriesTotal: retry attempts, by adapter
//   - AlertRetryDelayMs: backoff waits
//   - AlertFailuresPending: dead-letter rows not yet replayed
//   - AlertReplaysTotal: replay outcomes
//   - AlertReplayLatencyMs: replay duration
//   - AlertFailureReplayAgeSeconds: age of a record when replayed
//   - AlertFailuresPurgedTotal: purged rows, by mode
//   - RotationsTotal: rotations, by canary type
//   - RotationLatencySeconds: rotation duration
//   - IntegrityVerificationsTotal: verifications, by result
//   - IntegrityFailuresTotal: chain breaks, by reason
//   - PollLoopLastTickSeconds: unix time of the last polling tick
type Metrics struct {
	DetectionsTotal        *prometheus.CounterVec
	PipelineLatencySeconds prometheus.Histogram

	AlertsSentTotal      *prometheus.CounterVec
	AlertFailuresTotal   *prometheus.CounterVec
	AlertRetriesTotal    *prometheus.CounterVec
	AlertRetryDelayMs    prometheus.Histogram
	AlertFailuresPending prometheus.Gauge

	AlertReplaysTotal            *prometheus.CounterVec
	AlertReplayLatencyMs         prometheus.Histogram
	AlertFailureReplayAgeSeconds prometheus.Histogram
	AlertFailuresPurgedTotal     *prometheus.CounterVec

	RotationsTotal         *prometheus.CounterVec
	RotationLatencySeconds prometheus.Histogram

	IntegrityVerificationsTotal *prometheus.CounterVec
	IntegrityFailuresTotal      *prometheus.CounterVec

	PollLoopLastTickSeconds prometheus.Gauge
}

// NewMetrics creates and registers all collectors on reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests so runs do not collide.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "detections_total",
			Help:      "Detections persisted by source",
		}, []string{"source"}),

		PipelineLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "detection_pipeline_latency_seconds",
			Help:      "Time from detection event receipt to persisted record",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		AlertsSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_sent_total",
			Help:      "Alert deliveries by adapter and status",
		}, []string{"adapter", "status"}),

		AlertFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alert_failures_total",
			Help:      "Alert deliveries that exhausted all attempts",
		}, []string{"adapter", "reason"}),

		AlertRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alert_retries_total",
			Help:      "Alert delivery retry attempts by adapter",
		}, []string{"adapter"}),

		AlertRetryDelayMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "alert_retry_delay_ms",
			Help:      "Backoff delay before an alert retry in milliseconds",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		AlertFailuresPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "alert_failures_pending",
			Help:      "Dead-lettered alerts not yet replayed",
		}),

		AlertReplaysTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alert_replays_total",
			Help:      "Dead-letter replay attempts by result",
		}, []string{"result"}),

		AlertReplayLatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "alert_replay_latency_ms",
			Help:      "Duration of a dead-letter replay in milliseconds",
			Buckets:   []float64{5, 10, 50, 100, 250, 500, 1000, 5000},
		}),

		AlertFailureReplayAgeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "alert_failure_replay_age_seconds",
			Help:      "Age of a dead-letter record at replay time",
			Buckets:   []float64{60, 300, 900, 3600, 14400, 86400, 604800},
		}),

		AlertFailuresPurgedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alert_failures_purged_total",
			Help:      "Dead-letter records purged by mode",
		}, []string{"mode"}),

		RotationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rotations_total",
			Help:      "Secret rotations by canary type",
		}, []string{"type"}),

		RotationLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "rotations_latency_seconds",
			Help:      "Secret rotation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		IntegrityVerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "integrity_verifications_total",
			Help:      "Hash chain verifications by result",
		}, []string{"result"}),

		IntegrityFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "integrity_failures_total",
			Help:      "Hash chain breaks by reason",
		}, []string{"reason"}),

		PollLoopLastTickSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "poll_loop_last_tick_seconds",
			Help:      "Unix time of the last polling loop tick",
		}),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordDetection counts one persisted detection and its pipeline latency.
func (m *Metrics) RecordDetection(source string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(source).Inc()
	m.PipelineLatencySeconds.Observe(latency.Seconds())
}

// RecordAlertSent counts a successful delivery.
func (m *Metrics) RecordAlertSent(adapter string) {
	if m == nil {
		return
	}
	m.AlertsSentTotal.WithLabelValues(adapter, "success").Inc()
}

// RecordAlertRetry counts a retry and the backoff that precedes it.
func (m *Metrics) RecordAlertRetry(adapter string, delay time.Duration) {
	if m == nil {
		return
	}
	m.AlertRetriesTotal.WithLabelValues(adapter).Inc()
	m.AlertRetryDelayMs.Observe(float64(delay.Milliseconds()))
}

// RecordAlertFailure counts an exhausted delivery.
func (m *Metrics) RecordAlertFailure(adapter, reason string) {
	if m == nil {
		return
	}
	m.AlertsSentTotal.WithLabelValues(adapter, "failure").Inc()
	m.AlertFailuresTotal.WithLabelValues(adapter, reason).Inc()
}

// SetPendingFailures sets the pending dead-letter gauge.
func (m *Metrics) SetPendingFailures(n int) {
	if m == nil {
		return
	}
	m.AlertFailuresPending.Set(float64(n))
}

// RecordReplay counts a replay outcome.
func (m *Metrics) RecordReplay(success bool, latency, age time.Duration) {
	if m == nil {
		return
	}
	m.AlertReplaysTotal.WithLabelValues(resultLabel(success)).Inc()
	m.AlertReplayLatencyMs.Observe(float64(latency.Milliseconds()))
	m.AlertFailureReplayAgeSeconds.Observe(age.Seconds())
}

// RecordPurge counts purged rows. Dry runs record the mode with zero rows.
func (m *Metrics) RecordPurge(dryRun bool, count int) {
	if m == nil {
		return
	}
	if dryRun {
		m.AlertFailuresPurgedTotal.WithLabelValues("dry_run").Add(0)
		return
	}
	m.AlertFailuresPurgedTotal.WithLabelValues("deleted").Add(float64(count))
}

// RecordRotation counts a rotation of a canary type.
func (m *Metrics) RecordRotation(canaryType string, latency time.Duration) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(canaryType).Inc()
	m.RotationLatencySeconds.Observe(latency.Seconds())
}

// RecordVerification counts a chain verification and its break reason.
func (m *Metrics) RecordVerification(valid bool, breakReason string) {
	if m == nil {
		return
	}
	if valid {
		m.IntegrityVerificationsTotal.WithLabelValues("valid").Inc()
		return
	}
	m.IntegrityVerificationsTotal.WithLabelValues("invalid").Inc()
	if breakReason != "" {
		m.IntegrityFailuresTotal.WithLabelValues(breakReason).Inc()
	}
}

// RecordPollTick stamps the last polling tick.
func (m *Metrics) RecordPollTick(at time.Time) {
	if m == nil {
		return
	}
	m.PollLoopLastTickSeconds.Set(float64(at.Unix()))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
