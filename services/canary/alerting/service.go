// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package alerting delivers detection alerts to configured channels.
//
// # Description
//
// A detection whose confidence score reaches the threshold is fanned out
// to every channel concurrently. Each channel gets its own retry loop with
// exponential backoff. A channel that exhausts its attempts is recorded in
// the dead-letter store for later replay. Nothing escapes MaybeAlert: the
// detection pipeline is never failed by alerting.
//
// # Thread Safety
//
// Service is safe for concurrent use.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.canary.alerting")

// deadLetterTimeout bounds the dead-letter write, which runs detached from
// the caller's cancellation.
const deadLetterTimeout = 5 * time.Second

// RetryPolicy controls per-channel retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy is 3 attempts, 250ms then 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, Multiplier: 2}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Delay is the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Config configures a Service.
type Config struct {
	// Threshold is the minimum confidence score that triggers an alert.
	Threshold int

	// Retry is the per-channel retry policy.
	Retry RetryPolicy
}

// Outcome summarizes one MaybeAlert call.
type Outcome struct {
	Triggered bool
	Delivered []string
	Failed    []string
}

// Service fans alerts out to channels.
type Service struct {
	cfg      Config
	channels []Channel
	failures storage.AlertFailureRepository
	metrics  *observability.Metrics
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewService creates an alerting service.
//
// # Inputs
//
//   - cfg: Threshold and retry policy.
//   - channels: Destinations, at least one.
//   - failures: Dead-letter store. Nil disables dead-lettering.
//   - metrics: May be nil.
//   - logger: Nil uses slog.Default().
func NewService(cfg Config, channels []Channel, failures storage.AlertFailureRepository,
	metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Service{
		cfg:      cfg,
		channels: channels,
		failures: failures,
		metrics:  metrics,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Threshold returns the configured threshold.
func (s *Service) Threshold() int { return s.cfg.Threshold }

// ChannelNames lists configured adapters in registration order.
func (s *Service) ChannelNames() []string {
	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name()
	}
	return names
}

// MaybeAlert delivers p when its score reaches the threshold.
//
// # Description
//
// Below the threshold this is a no-op. Otherwise every channel runs its
// retry loop concurrently and the call returns once all loops finished.
// Exhausted channels are dead-lettered with a context detached from ctx so
// that caller cancellation cannot lose the record.
//
// # Outputs
//
//   - Outcome: Which adapters delivered and which were dead-lettered.
func (s *Service) MaybeAlert(ctx context.Context, p Payload) Outcome {
	if p.ConfidenceScore < s.cfg.Threshold {
		return Outcome{}
	}

	ctx, span := tracer.Start(ctx, "alerting.MaybeAlert")
	defer span.End()
	span.SetAttributes(
		attribute.String("canary.id", p.CanaryID),
		attribute.String("detection.id", p.DetectionID),
		attribute.Int("detection.score", p.ConfidenceScore),
	)

	p.Message = alertMessage(p, s.cfg.Threshold)
	out := Outcome{Triggered: true}

	var mu sync.Mutex
	var g errgroup.Group
	for _, ch := range s.channels {
		g.Go(func() error {
			attempts, err := s.attempt(ctx, ch, p)
			if err != nil {
				s.deadLetter(ctx, ch.Name(), p, attempts, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed = append(out.Failed, ch.Name())
			} else {
				out.Delivered = append(out.Delivered, ch.Name())
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(out.Failed) > 0 {
		span.SetStatus(codes.Error, "alert delivery failed")
	}
	span.SetAttributes(
		attribute.Int("alert.delivered", len(out.Delivered)),
		attribute.Int("alert.failed", len(out.Failed)),
	)
	return out
}

// Deliver runs the retry loop of one named adapter and returns the last
// error. It never dead-letters; replay uses it to re-send stored payloads.
func (s *Service) Deliver(ctx context.Context, adapter string, p Payload) error {
	for _, ch := range s.channels {
		if ch.Name() == adapter {
			_, err := s.attempt(ctx, ch, p)
			return err
		}
	}
	return fmt.Errorf("adapter %q is not configured", adapter)
}

// attempt sends p through ch until it succeeds or the policy is exhausted.
func (s *Service) attempt(ctx context.Context, ch Channel, p Payload) (int, error) {
	policy := s.cfg.Retry
	name := ch.Name()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = ch.Send(ctx, p)
		if lastErr == nil {
			s.metrics.RecordAlertSent(name)
			return attempt, nil
		}
		if attempt == policy.MaxAttempts {
			return attempt, lastErr
		}

		delay := policy.Delay(attempt)
		s.metrics.RecordAlertRetry(name, delay)
		s.logger.Debug("alert send failed, retrying",
			slog.String("adapter", name),
			slog.String("detection_id", p.DetectionID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
	}
	return policy.MaxAttempts, lastErr
}

func (s *Service) deadLetter(ctx context.Context, adapter string, p Payload, attempts int, sendErr error) {
	reason := datatypes.ReasonOf(sendErr)
	s.metrics.RecordAlertFailure(adapter, reason)
	s.logger.Error("alert delivery exhausted",
		slog.String("adapter", adapter),
		slog.String("reason", reason),
		slog.String("canary_id", p.CanaryID),
		slog.String("detection_id", p.DetectionID),
		slog.Int("attempts", attempts),
		slog.String("error", sendErr.Error()),
	)
	if s.failures == nil {
		return
	}

	raw, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("encode dead-letter payload", slog.String("error", err.Error()))
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	lastErr := sendErr.Error()
	_, err = s.failures.RecordAlertFailure(dctx, datatypes.AlertFailureParams{
		DetectionID: p.DetectionID,
		CanaryID:    p.CanaryID,
		Adapter:     adapter,
		Reason:      reason,
		PayloadJSON: string(raw),
		Attempts:    attempts,
		LastError:   &lastErr,
	})
	if err != nil {
		s.logger.Error("record alert failure",
			slog.String("adapter", adapter),
			slog.String("detection_id", p.DetectionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if pending, err := s.failures.PendingAlertFailures(dctx); err == nil {
		s.metrics.SetPendingFailures(pending)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
