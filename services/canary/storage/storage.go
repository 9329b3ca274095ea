// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistence contracts of the canary service.
//
// # Description
//
// Two implementations exist: storage/badger (embedded, default) and
// storage/postgres. Components depend on the narrow repository interfaces
// below rather than on a concrete backend.
//
// # Error Contract
//
// Missing records are reported with datatypes.NotFoundError. Any other
// backend failure is wrapped in datatypes.RepositoryError.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
package storage

import (
	"context"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

// DefaultFailureListLimit is used when List is called with limit <= 0.
const DefaultFailureListLimit = 50

// AppendFunc builds the next detection of a canary given its current
// latest detection (nil when the chain is empty). It may be called more
// than once if the store retries a conflicting write, so it must be pure.
type AppendFunc func(latest *datatypes.Detection) (datatypes.Detection, error)

// CanaryRepository persists canaries, placements and rotations.
type CanaryRepository interface {
	CreateCanary(ctx context.Context, c datatypes.Canary, placements []datatypes.Placement) error
	GetCanary(ctx context.Context, id string) (datatypes.Canary, error)
	ListCanaries(ctx context.Context) ([]datatypes.Canary, error)

	// ApplyRotation swaps the canary's secret hash and salt and appends the
	// rotation row atomically. It fails with datatypes.ErrConflict when the
	// stored hash no longer equals r.OldSecretHash.
	ApplyRotation(ctx context.Context, r datatypes.Rotation, newSalt string) (datatypes.Canary, error)
	ListRotations(ctx context.Context, canaryID string) ([]datatypes.Rotation, error)

	CreatePlacement(ctx context.Context, p datatypes.Placement) error
	ListPlacements(ctx context.Context, canaryID string) ([]datatypes.Placement, error)
}

// DetectionRepository persists the per-canary detection chain.
type DetectionRepository interface {
	// AppendDetection reads the latest detection of canaryID and writes the
	// detection returned by build in one atomic step. Concurrent appends to
	// the same canary are serialized so the chain never forks.
	AppendDetection(ctx context.Context, canaryID string, build AppendFunc) (datatypes.Detection, error)

	// LatestDetection returns nil, nil when the canary has no detections.
	LatestDetection(ctx context.Context, canaryID string) (*datatypes.Detection, error)

	// ListDetections returns detections sorted by (DetectionTime, ID) ascending.
	ListDetections(ctx context.Context, canaryID string) ([]datatypes.Detection, error)

	GetDetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error)
	MarkAlertSent(ctx context.Context, detectionID string) error
}

// AlertFailureRepository is the dead-letter store.
type AlertFailureRepository interface {
	RecordAlertFailure(ctx context.Context, p datatypes.AlertFailureParams) (datatypes.AlertFailureRecord, error)

	// ListAlertFailures returns the most recent records first, ties broken
	// by ID descending.
	ListAlertFailures(ctx context.Context, limit int) ([]datatypes.AlertFailureRecord, error)
	GetAlertFailure(ctx context.Context, id string) (datatypes.AlertFailureRecord, error)

	// MarkReplay overwrites ReplayedAt with now and ReplaySuccess with success.
	MarkReplay(ctx context.Context, id string, success bool) (datatypes.AlertFailureRecord, error)

	// PurgeAlertFailures deletes (or, in dry-run, counts) matching rows.
	PurgeAlertFailures(ctx context.Context, c datatypes.PurgeCriteria) (int, error)

	// PendingAlertFailures counts records never replayed.
	PendingAlertFailures(ctx context.Context) (int, error)
}

// Store is the full persistence handle owned by the process entry point.
type Store interface {
	CanaryRepository
	DetectionRepository
	AlertFailureRepository

	Ping(ctx context.Context) error
	Close() error
}
