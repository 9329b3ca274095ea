// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/alerting"
	"github.com/AleutianAI/AleutianCanary/services/canary/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// webhookSink records every alert it receives.
type webhookSink struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (w *webhookSink) handler(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.bodies = append(w.bodies, body)
	w.sigs = append(w.sigs, r.Header.Get(alerting.SignatureHeader))
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *webhookSink) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = gin.TestMode
	cfg.Storage.InMemory = true
	cfg.Storage.DataDir = ""
	cfg.Alerting.Stdout = false
	cfg.Alerting.RetryBaseMs = 1
	cfg.Pipeline.Sync = true
	return cfg
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// serve runs svc on an ephemeral port and returns its base URL and a stop
// function that waits for Serve to return.
func serve(t *testing.T, svc *Service) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Serve did not return after cancel")
			return nil
		}
	}
	return "http://" + ln.Addr().String(), stop
}

func TestService_EndToEndWebhookAlert(t *testing.T) {
	sink := &webhookSink{}
	hook := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer hook.Close()

	cfg := testConfig()
	threshold := 70
	cfg.Alerting.Threshold = &threshold
	cfg.Alerting.WebhookURL = hook.URL
	cfg.Alerting.HMACSecret = "s3cret"

	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	base, stop := serve(t, svc)

	resp := post(t, base+"/v1/canaries", map[string]string{"type": "FAKE_API_KEY"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Canary struct {
			ID string `json:"id"`
		} `json:"canary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = post(t, base+"/v1/simulate/detection", map[string]any{"canaryId": created.Canary.ID, "confidenceScore": 50})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 0, sink.count(), "below threshold must not alert")

	resp = post(t, base+"/v1/simulate/detection", map[string]any{"canaryId": created.Canary.ID, "confidenceScore": 90})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, 1, sink.count())

	sink.mu.Lock()
	body, sig := sink.bodies[0], sink.sigs[0]
	sink.mu.Unlock()
	assert.True(t, alerting.VerifySignature("s3cret", body, sig))
	var payload alerting.Payload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, created.Canary.ID, payload.CanaryID)
	assert.Equal(t, 90, payload.ConfidenceScore)

	assert.Equal(t, int64(2), svc.Engine().Snapshot().TotalDetections)
	require.NoError(t, stop())
	assert.False(t, svc.Engine().Running())
}

func TestService_AlertingDisabled(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/alert-failures/replay", nil)
	svc.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ALERTING_DISABLED")
}

func TestService_MetricsEndpoint(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer svc.Close()

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
	assert.Contains(t, w.Body.String(), "canary_alert_failures_pending 0")
}

func TestService_PersistentBadgerDir(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.DataDir = t.TempDir()

	svc, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	svc.Close()
	svc.Close()
}

func TestService_BadPostgresDSN(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "postgres"
	cfg.Storage.DatabaseURL = "postgres://%zz"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestService_InvalidWebhook(t *testing.T) {
	cfg := testConfig()
	threshold := 10
	cfg.Alerting.Threshold = &threshold
	cfg.Alerting.WebhookURL = "http://example.invalid/hook"
	cfg.Alerting.WebhookMethod = "DELETE"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook channel")
}

func TestService_ServeStopsOnCancel(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	base, stop := serve(t, svc)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}
