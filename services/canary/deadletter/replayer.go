// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deadletter runs operator workflows over dead-lettered alerts:
// replaying stored payloads and purging old records.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/alerting"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.canary.deadletter")

// ErrAlertingDisabled is returned by Replay when no alert service is
// configured.
var ErrAlertingDisabled = errors.New("alerting disabled (ALERT_THRESHOLD not set)")

// Deliverer re-sends a payload through one named channel.
type Deliverer interface {
	Deliver(ctx context.Context, adapter string, p alerting.Payload) error
}

// ReplayResult is the outcome for one record.
type ReplayResult struct {
	ID      string `json:"id"`
	Adapter string `json:"adapter,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Replayer re-delivers dead-lettered payloads.
type Replayer struct {
	repo      storage.AlertFailureRepository
	deliverer Deliverer
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewReplayer creates a Replayer. A nil deliverer makes Replay fail with
// ErrAlertingDisabled while listing still works.
func NewReplayer(repo storage.AlertFailureRepository, deliverer Deliverer,
	metrics *observability.Metrics, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		repo:      repo,
		deliverer: deliverer,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether replays can be delivered.
func (r *Replayer) Enabled() bool {
	return r.deliverer != nil
}

// List returns the most recent records and the count never replayed.
func (r *Replayer) List(ctx context.Context, limit int) ([]datatypes.AlertFailureRecord, int, error) {
	records, err := r.repo.ListAlertFailures(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	pending, err := r.repo.PendingAlertFailures(ctx)
	if err != nil {
		return nil, 0, err
	}
	return records, pending, nil
}

// Replay re-delivers the selected records.
//
// # Description
//
// With IDs set, exactly those records are replayed; otherwise the Limit
// most recent records are. Each stored payload goes back through the
// channel that originally failed. The outcome is written with MarkReplay,
// overwriting any earlier replay result. Replay failures never create new
// dead-letter rows.
//
// # Outputs
//
//   - []ReplayResult: One entry per selected ID or record, in order.
//   - error: ValidationError, ErrAlertingDisabled, or a repository error
//     while selecting records. Per-record failures are reported in the
//     results.
func (r *Replayer) Replay(ctx context.Context, req datatypes.ReplayRequest) ([]ReplayResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if r.deliverer == nil {
		return nil, ErrAlertingDisabled
	}

	ctx, span := tracer.Start(ctx, "deadletter.Replay")
	defer span.End()

	var results []ReplayResult
	if len(req.IDs) > 0 {
		for _, id := range req.IDs {
			rec, err := r.repo.GetAlertFailure(ctx, id)
			if err != nil {
				results = append(results, ReplayResult{ID: id, Error: err.Error()})
				continue
			}
			results = append(results, r.replayOne(ctx, rec))
		}
	} else {
		records, err := r.repo.ListAlertFailures(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			results = append(results, r.replayOne(ctx, rec))
		}
	}

	if pending, err := r.repo.PendingAlertFailures(ctx); err == nil {
		r.metrics.SetPendingFailures(pending)
	}
	span.SetAttributes(attribute.Int("replay.count", len(results)))
	return results, nil
}

func (r *Replayer) replayOne(ctx context.Context, rec datatypes.AlertFailureRecord) ReplayResult {
	res := ReplayResult{ID: rec.ID, Adapter: rec.Adapter}
	started := time.Now()

	err := r.deliver(ctx, rec)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	r.metrics.RecordReplay(res.Success, time.Since(started), r.now().Sub(rec.CreatedAt))

	if _, markErr := r.repo.MarkReplay(ctx, rec.ID, res.Success); markErr != nil {
		r.logger.ErrorContext(ctx, "mark replay",
			slog.String("failure_id", rec.ID),
			slog.String("error", markErr.Error()),
		)
		if res.Success {
			res.Success = false
			res.Error = markErr.Error()
		}
	}

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "alert failure replayed",
		slog.String("failure_id", rec.ID),
		slog.String("detection_id", rec.DetectionID),
		slog.String("adapter", rec.Adapter),
		slog.Bool("success", res.Success),
	)
	return res
}

func (r *Replayer) deliver(ctx context.Context, rec datatypes.AlertFailureRecord) error {
	var p alerting.Payload
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode stored payload: %w", err)
	}
	return r.deliverer.Deliver(ctx, rec.Adapter, p)
}
