// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

// pollLoop runs one tick immediately, then one per interval until done is
// closed or ctx is cancelled.
func (e *Engine) pollLoop(ctx context.Context, done <-chan struct{}) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.pollTick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("polling loop stopped (context cancelled)")
			return
		case <-done:
			e.logger.Info("polling loop stopped (stop requested)")
			return
		case <-ticker.C:
			e.pollTick(ctx)
		}
	}
}

// pollTick emits synthetic CloudTrail events. Failures are logged.
func (e *Engine) pollTick(ctx context.Context) {
	if !e.Running() {
		return
	}
	now := e.now()
	e.statsMu.Lock()
	e.lastTick = &now
	e.statsMu.Unlock()
	e.metrics.RecordPollTick(now)

	canaries, err := e.repo.ListCanaries(ctx)
	if err != nil {
		e.logger.Warn("poll tick failed", slog.String("error", err.Error()))
		return
	}
	if len(canaries) == 0 {
		return
	}

	targets := canaries
	if !e.cfg.PollAllCanaries {
		i := e.pick(len(canaries))
		targets = canaries[i : i+1]
	}
	for _, c := range targets {
		e.bus.Publish(ctx, syntheticEvent(c.ID, now))
	}
}

type syntheticRaw struct {
	Synthetic bool  `json:"synthetic"`
	TS        int64 `json:"ts"`
}

func syntheticEvent(canaryID string, at time.Time) datatypes.DetectionEvent {
	raw, _ := json.Marshal(syntheticRaw{Synthetic: true, TS: at.UnixMilli()})
	return datatypes.DetectionEvent{
		CanaryID:        canaryID,
		Source:          syntheticSource,
		RawEventJSON:    string(raw),
		ConfidenceScore: syntheticScore,
	}
}
