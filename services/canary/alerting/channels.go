// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Channel is one alert destination.
type Channel interface {
	// Name is the adapter tag recorded on metrics and dead-letter rows.
	Name() string

	// Send delivers p once. Failures should be *datatypes.ChannelDeliveryError
	// so the reason tag survives to the dead-letter row.
	Send(ctx context.Context, p Payload) error
}

// =============================================================================
// Log Channel
// =============================================================================

// LogChannel writes a detection-alert WARN record. It never fails.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel. A nil logger uses slog.Default().
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, p Payload) error {
	c.logger.WarnContext(ctx, "detection-alert",
		slog.Group("alert",
			slog.String("canary_id", p.CanaryID),
			slog.String("detection_id", p.DetectionID),
			slog.String("correlation_id", p.CorrelationID),
			slog.Int("confidence_score", p.ConfidenceScore),
			slog.String("source", p.Source),
			slog.String("hash", p.Hash),
			slog.String("created_at", p.CreatedAt),
			slog.String("message", p.Message),
		),
	)
	return nil
}

// =============================================================================
// Webhook Channel
// =============================================================================

// WebhookConfig configures a WebhookChannel.
type WebhookConfig struct {
	// URL receives the alert. Required.
	URL string

	// Method is POST (default) or PUT.
	Method string

	// Headers are added to every request.
	Headers map[string]string

	// Secret enables the X-Canary-Signature header when non-empty.
	Secret string

	// Timeout bounds one request. Default 10s.
	Timeout time.Duration

	// RatePerSecond and Burst size the outbound limiter. Zero rate means
	// unlimited.
	RatePerSecond float64
	Burst         int

	// BreakerFailures is how many consecutive failures open the circuit.
	// Default 5.
	BreakerFailures uint32

	// BreakerCooldown is how long the circuit stays open. Default 30s.
	BreakerCooldown time.Duration

	// Client overrides the HTTP client. Used by tests.
	Client *http.Client
}

// WebhookChannel POSTs the JSON payload to a URL.
//
// # Description
//
// Each Send waits on a token-bucket limiter, then runs the request through
// a circuit breaker. A non-2xx response fails with reason http_status, a
// network error with transport, and a rejected call while the circuit is
// open with circuit_open.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebhookChannel struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookChannel validates cfg and builds the channel.
func NewWebhookChannel(cfg WebhookConfig, logger *slog.Logger) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Method != http.MethodPost && cfg.Method != http.MethodPut {
		return nil, fmt.Errorf("webhook method must be POST or PUT, got %q", cfg.Method)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &WebhookChannel{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return c.fail(datatypes.ReasonSendFailed, 0, fmt.Errorf("encode payload: %w", err))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.fail(datatypes.ReasonTransport, 0, fmt.Errorf("rate limiter: %w", err))
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return c.fail(datatypes.ReasonCircuitOpen, 0, err)
	}
	return err
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return c.fail(datatypes.ReasonSendFailed, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.Secret != "" {
		sig, err := Sign(c.cfg.Secret, body)
		if err != nil {
			return c.fail(datatypes.ReasonSendFailed, 0, err)
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.fail(datatypes.ReasonTransport, 0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(datatypes.ReasonHTTPStatus, resp.StatusCode, fmt.Errorf("webhook responded %s", resp.Status))
	}
	return nil
}

func (c *WebhookChannel) fail(reason string, status int, err error) error {
	return &datatypes.ChannelDeliveryError{Adapter: c.Name(), Reason: reason, StatusCode: status, Err: err}
}

// =============================================================================
// NATS Channel
// =============================================================================

// publisher is the subset of *nats.Conn used by NATSChannel.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSChannel publishes the JSON payload to a subject and waits for the
// server to acknowledge the flush.
type NATSChannel struct {
	pub     publisher
	conn    *nats.Conn
	subject string
}

// DialNATS connects to url and returns a channel publishing to subject.
func DialNATS(url, subject string) (*NATSChannel, error) {
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	conn, err := nats.Connect(url,
		nats.Name("canaryd-alerts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSChannel{pub: conn, conn: conn, subject: subject}, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return &datatypes.ChannelDeliveryError{Adapter: c.Name(), Reason: datatypes.ReasonSendFailed, Err: err}
	}
	if err := c.pub.Publish(c.subject, data); err != nil {
		return &datatypes.ChannelDeliveryError{Adapter: c.Name(), Reason: datatypes.ReasonPublish, Err: err}
	}

	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := c.pub.FlushWithContext(ctx); err != nil {
		return &datatypes.ChannelDeliveryError{Adapter: c.Name(), Reason: datatypes.ReasonPublish, Err: err}
	}
	return nil
}

// Close drains the connection.
func (c *NATSChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
