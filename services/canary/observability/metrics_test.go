// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// newTestMetrics registers metrics on an isolated registry.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	m1, _ := newTestMetrics(t)
	m2, _ := newTestMetrics(t)

	m1.RecordDetection("SIM", time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m1.DetectionsTotal.WithLabelValues("SIM")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m2.DetectionsTotal.WithLabelValues("SIM")))
}

func TestRecordAlertOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAlertSent("webhook")
	m.RecordAlertRetry("webhook", 200*time.Millisecond)
	m.RecordAlertRetry("webhook", 400*time.Millisecond)
	m.RecordAlertFailure("webhook", "http_status")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsSentTotal.WithLabelValues("webhook", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsSentTotal.WithLabelValues("webhook", "failure")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AlertRetriesTotal.WithLabelValues("webhook")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertFailuresTotal.WithLabelValues("webhook", "http_status")))
}

func TestRecordVerification(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordVerification(true, "")
	m.RecordVerification(false, "CURR_MISMATCH")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.IntegrityVerificationsTotal.WithLabelValues("valid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IntegrityVerificationsTotal.WithLabelValues("invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IntegrityFailuresTotal.WithLabelValues("CURR_MISMATCH")))
}

func TestRecordPurgeAndPending(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordPurge(true, 12)
	m.RecordPurge(false, 3)
	m.SetPendingFailures(7)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.AlertFailuresPurgedTotal.WithLabelValues("dry_run")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.AlertFailuresPurgedTotal.WithLabelValues("deleted")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.AlertFailuresPending))
}

func TestRecordReplayRotationPoll(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordReplay(true, 20*time.Millisecond, time.Hour)
	m.RecordReplay(false, 5*time.Millisecond, time.Minute)
	m.RecordRotation("AWS_IAM_KEY", 3*time.Millisecond)
	now := time.Unix(1735732800, 0)
	m.RecordPollTick(now)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertReplaysTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertReplaysTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RotationsTotal.WithLabelValues("AWS_IAM_KEY")))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(m.PollLoopLastTickSeconds))

	count, err := testutil.GatherAndCount(reg, "canary_alert_replay_latency_ms")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDetection("SIM", time.Second)
		m.RecordAlertSent("log")
		m.RecordAlertRetry("log", time.Second)
		m.RecordAlertFailure("log", "x")
		m.SetPendingFailures(1)
		m.RecordReplay(true, 0, 0)
		m.RecordPurge(false, 1)
		m.RecordRotation("t", 0)
		m.RecordVerification(false, "PREV_MISMATCH")
		m.RecordPollTick(time.Now())
	})
}
