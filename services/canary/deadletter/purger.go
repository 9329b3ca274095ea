// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
)

// PurgeCriteriaView echoes the normalized request in a purge result.
type PurgeCriteriaView struct {
	OlderThanDays  int  `json:"olderThanDays"`
	ReplayedOnly   bool `json:"replayedOnly"`
	SuccessfulOnly bool `json:"successfulOnly"`
	DryRun         bool `json:"dryRun"`
}

// CounterDelta is the change applied to one counter.
type CounterDelta struct {
	Delta int `json:"delta"`
}

// MetricsDelta reports counter changes caused by a purge.
type MetricsDelta struct {
	AlertFailuresPurgedTotal CounterDelta `json:"alertFailuresPurgedTotal"`
}

// PurgeResult is returned to API and CLI callers. WouldDelete is set only
// for dry runs, in which case Deleted is zero.
type PurgeResult struct {
	Deleted      int               `json:"deleted"`
	WouldDelete  *int              `json:"wouldDelete,omitempty"`
	Criteria     PurgeCriteriaView `json:"criteria"`
	MetricsDelta MetricsDelta      `json:"metricsDelta"`
}

// Purger deletes dead-letter records by age and replay state.
type Purger struct {
	repo    storage.AlertFailureRepository
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewPurger creates a Purger.
func NewPurger(repo storage.AlertFailureRepository, metrics *observability.Metrics, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Purger{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Count returns how many records req would delete, without deleting.
func (p *Purger) Count(ctx context.Context, req datatypes.PurgeRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	c := p.criteria(req)
	c.DryRun = true
	return p.repo.PurgeAlertFailures(ctx, c)
}

// Purge deletes records created more than OlderThanDays days ago that
// match the replay filters. In dry-run mode it only counts them.
func (p *Purger) Purge(ctx context.Context, req datatypes.PurgeRequest) (PurgeResult, error) {
	if err := req.Validate(); err != nil {
		return PurgeResult{}, err
	}
	ctx, span := tracer.Start(ctx, "deadletter.Purge")
	defer span.End()

	c := p.criteria(req)
	n, err := p.repo.PurgeAlertFailures(ctx, c)
	if err != nil {
		span.RecordError(err)
		return PurgeResult{}, err
	}
	p.metrics.RecordPurge(c.DryRun, n)

	res := PurgeResult{
		Criteria: PurgeCriteriaView{
			OlderThanDays:  req.OlderThanDays,
			ReplayedOnly:   c.ReplayedOnly,
			SuccessfulOnly: c.SuccessfulOnly,
			DryRun:         c.DryRun,
		},
	}
	if c.DryRun {
		res.WouldDelete = &n
	} else {
		res.Deleted = n
		res.MetricsDelta.AlertFailuresPurgedTotal.Delta = n
		if pending, err := p.repo.PendingAlertFailures(ctx); err == nil {
			p.metrics.SetPendingFailures(pending)
		}
	}

	p.logger.InfoContext(ctx, "alert failures purged",
		slog.Int("older_than_days", req.OlderThanDays),
		slog.Bool("replayed_only", c.ReplayedOnly),
		slog.Bool("successful_only", c.SuccessfulOnly),
		slog.Bool("dry_run", c.DryRun),
		slog.Int("count", n),
	)
	return res, nil
}

func (p *Purger) criteria(req datatypes.PurgeRequest) datatypes.PurgeCriteria {
	cutoff := p.now().Add(-time.Duration(req.OlderThanDays) * 24 * time.Hour)
	return datatypes.PurgeCriteria{
		OlderThan:      &cutoff,
		ReplayedOnly:   req.ReplayedOnly,
		SuccessfulOnly: req.SuccessfulOnly,
		DryRun:         req.DryRun,
	}.Normalize()
}
