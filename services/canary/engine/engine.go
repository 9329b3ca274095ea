// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine turns DetectionProduced events into hash-chained detection
// records and hands them to alerting.
//
// # Description
//
// The engine subscribes to the events bus while running. Each event is
// appended to its canary's chain atomically by the store, counted, logged
// and passed to the alerter. An optional polling loop emits synthetic
// CloudTrail events on a fixed interval.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Start and Stop are idempotent.
package engine

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/alerting"
	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/events"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.canary.engine")

// Synthetic polling event shape.
const (
	syntheticScore  = 40
	syntheticSource = datatypes.SourceCloudTrail
)

// Alerter is the part of alerting.Service the engine needs.
type Alerter interface {
	MaybeAlert(ctx context.Context, p alerting.Payload) alerting.Outcome
}

// Repository is the persistence the engine needs.
type Repository interface {
	storage.DetectionRepository
	ListCanaries(ctx context.Context) ([]datatypes.Canary, error)
}

// Config configures an Engine.
type Config struct {
	// PollEnabled starts the synthetic polling loop on Start.
	PollEnabled bool

	// PollInterval is the tick period. Default 5s.
	PollInterval time.Duration

	// PollAllCanaries emits one event per canary each tick instead of one
	// for a random canary.
	PollAllCanaries bool

	// SyncAlerts makes Handle wait for alert delivery.
	SyncAlerts bool
}

// Snapshot is a point-in-time view of engine state.
type Snapshot struct {
	Running                  bool       `json:"running"`
	LastDetectionProcessedAt *time.Time `json:"lastDetectionProcessedAt"`
	PollingLoopLastTick      *time.Time `json:"pollingLoopLastTick"`
	TotalDetections          int64      `json:"totalDetections"`
}

// Engine is the detection pipeline.
type Engine struct {
	cfg     Config
	repo    Repository
	bus     *events.Bus
	alerter Alerter
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	pick    func(n int) int

	mu          sync.Mutex
	running     bool
	done        chan struct{}
	unsubscribe func()
	loopWG      sync.WaitGroup
	inflight    sync.WaitGroup
	alertWG     sync.WaitGroup

	total         atomic.Int64
	statsMu       sync.RWMutex
	lastProcessed *time.Time
	lastTick      *time.Time
}

// New creates a stopped engine.
//
// # Inputs
//
//   - cfg: Polling and alert mode.
//   - repo: Detection and canary persistence.
//   - bus: Event source.
//   - alerter: Nil disables alerting.
//   - metrics: May be nil.
//   - logger: Nil uses slog.Default().
func New(cfg Config, repo Repository, bus *events.Bus, alerter Alerter,
	metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		repo:    repo,
		bus:     bus,
		alerter: alerter,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		pick:    rand.IntN,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start subscribes to the bus and, when enabled, starts the polling loop.
// Calling Start on a running engine does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.done = make(chan struct{})
	e.unsubscribe = e.bus.Subscribe(e.Handle)

	e.logger.Info("detection engine started",
		slog.Bool("poll_enabled", e.cfg.PollEnabled),
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Bool("sync_alerts", e.cfg.SyncAlerts),
	)

	if e.cfg.PollEnabled {
		e.loopWG.Add(1)
		go e.pollLoop(ctx, e.done)
	}
}

// Stop unsubscribes and stops polling, then waits for events already
// inside Handle and for async alert deliveries. No chain write starts
// through Handle once Stop returns. Calling Stop on a stopped engine does
// nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.done)
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.mu.Unlock()

	e.inflight.Wait()
	e.loopWG.Wait()
	e.alertWG.Wait()
	e.logger.Info("detection engine stopped")
}

// Running reports whether the engine accepts events.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Snapshot returns current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return Snapshot{
		Running:                  e.Running(),
		LastDetectionProcessedAt: e.lastProcessed,
		PollingLoopLastTick:      e.lastTick,
		TotalDetections:          e.total.Load(),
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Handle is the bus subscriber. Events arriving while stopped are dropped;
// processing errors are logged and never reach the emitter.
func (e *Engine) Handle(ctx context.Context, ev datatypes.DetectionEvent) {
	if !e.enter() {
		return
	}
	defer e.inflight.Done()

	if _, err := e.Process(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "failed to process detection event",
			slog.String("canary_id", ev.CanaryID),
			slog.String("source", string(ev.Source)),
			slog.String("error", err.Error()),
		)
	}
}

// Process appends ev to its canary's chain and triggers alerting.
//
// # Description
//
// The store reads the current chain head and writes the new detection in
// one atomic step, so the link computed here always extends the latest
// persisted record. Detection time is truncated to microseconds, which
// every backend stores losslessly, and is forced past the head's time so
// (DetectionTime, ID) order matches chain order.
//
// # Outputs
//
//   - datatypes.Detection: The persisted record.
//   - error: ValidationError, NotFoundError for an unknown canary, or a
//     RepositoryError.
func (e *Engine) Process(ctx context.Context, ev datatypes.DetectionEvent) (datatypes.Detection, error) {
	ctx, span := tracer.Start(ctx, "engine.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("canary.id", ev.CanaryID),
		attribute.String("detection.source", string(ev.Source)),
	)

	if err := validateEvent(&ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return datatypes.Detection{}, err
	}

	started := e.now()
	d, err := e.repo.AppendDetection(ctx, ev.CanaryID, e.builder(ev, started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return datatypes.Detection{}, err
	}
	span.SetAttributes(attribute.String("detection.id", d.ID))

	finished := e.now()
	e.metrics.RecordDetection(string(d.Source), finished.Sub(started))
	e.total.Add(1)
	e.statsMu.Lock()
	e.lastProcessed = &finished
	e.statsMu.Unlock()

	e.logger.InfoContext(ctx, "canary-detection",
		slog.String("detection_id", d.ID),
		slog.String("canary_id", d.CanaryID),
		slog.String("correlation_id", d.CorrelationID),
		slog.String("hash", d.HashChainCurr),
	)

	if e.alerter != nil {
		// Async delivery is only tracked while running; once Stop has begun
		// the alert is delivered inline so Stop's drain still covers it.
		if !e.cfg.SyncAlerts && e.trackAlert() {
			go func() {
				defer e.alertWG.Done()
				e.alert(context.WithoutCancel(ctx), d)
			}()
		} else {
			e.alert(ctx, d)
		}
	}
	return d, nil
}

// enter registers an in-flight event if the engine is running.
func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.inflight.Add(1)
	return true
}

// trackAlert registers an async alert delivery if the engine is running.
func (e *Engine) trackAlert() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.alertWG.Add(1)
	return true
}

// WaitAlerts blocks until every async alert delivery has finished.
func (e *Engine) WaitAlerts() {
	e.alertWG.Wait()
}

func (e *Engine) alert(ctx context.Context, d datatypes.Detection) {
	out := e.alerter.MaybeAlert(ctx, alerting.PayloadFromDetection(d))
	if len(out.Delivered) == 0 {
		return
	}
	if err := e.repo.MarkAlertSent(ctx, d.ID); err != nil {
		e.logger.ErrorContext(ctx, "mark alert sent",
			slog.String("detection_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}

// builder returns the AppendFunc for ev. IDs are drawn once so a retried
// append writes the same record.
func (e *Engine) builder(ev datatypes.DetectionEvent, at time.Time) storage.AppendFunc {
	id := newDetectionID()
	correlationID := uuid.NewString()
	at = at.Truncate(time.Microsecond)

	return func(latest *datatypes.Detection) (datatypes.Detection, error) {
		d := datatypes.Detection{
			ID:              id,
			CanaryID:        ev.CanaryID,
			DetectionTime:   at,
			Source:          ev.Source,
			RawEventJSON:    ev.RawEventJSON,
			ActorIdentity:   ev.ActorIdentity,
			ConfidenceScore: ev.ConfidenceScore,
			CorrelationID:   correlationID,
		}
		if latest != nil {
			prev := latest.HashChainCurr
			d.HashChainPrev = &prev
			if !d.DetectionTime.After(latest.DetectionTime) {
				d.DetectionTime = latest.DetectionTime.Add(time.Microsecond)
			}
		}
		d.HashChainCurr = chain.LinkFor(d, d.HashChainPrev)
		return d, nil
	}
}

func newDetectionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validateEvent(ev *datatypes.DetectionEvent) error {
	if ev.CanaryID == "" {
		return &datatypes.ValidationError{Field: "canaryId", Message: "is required"}
	}
	if !ev.Source.Valid() {
		return &datatypes.ValidationError{Field: "source", Message: "must be one of SIM, CLOUDTRAIL, MANUAL"}
	}
	if ev.ConfidenceScore < 0 || ev.ConfidenceScore > 100 {
		return &datatypes.ValidationError{Field: "confidenceScore", Message: "must be between 0 and 100"}
	}
	if ev.RawEventJSON == "" {
		ev.RawEventJSON = "{}"
	}
	if ev.ActorIdentity != nil && *ev.ActorIdentity == "" {
		ev.ActorIdentity = nil
	}
	return nil
}
