// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canaries manages the canary lifecycle: issuing decoy credentials,
// recording placements, rotating secrets and reading detection chains.
//
// # Description
//
// Service sits between the HTTP handlers and the store. Secrets are never
// persisted: a freshly issued token is returned once and only its salted
// hash is kept on the canary.
//
// # Thread Safety
//
// Service is safe for concurrent use. Rotation races are resolved by the
// store's compare-and-swap on the current secret hash.
package canaries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/observability"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"github.com/AleutianAI/AleutianCanary/services/canary/tokens"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.canary.canaries")

// DefaultRotatedBy is recorded when a rotation request names no actor.
const DefaultRotatedBy = "api"

// Repository is the persistence the service needs.
type Repository interface {
	storage.CanaryRepository
	ListDetections(ctx context.Context, canaryID string) ([]datatypes.Detection, error)
	GetDetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error)
}

// Created is the result of Create. MockSecret and Display are set only
// when the service issued the token.
type Created struct {
	Canary     datatypes.Canary
	Placements []datatypes.Placement
	MockSecret string
	Display    string
}

// Rotated is the result of Rotate.
type Rotated struct {
	Canary     datatypes.Canary
	Rotation   datatypes.Rotation
	MockSecret string
	Display    string
}

// Service implements canary operations.
type Service struct {
	repo     Repository
	registry *tokens.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
//
// # Inputs
//
//   - repo: Canary and detection persistence.
//   - registry: Token generators. Nil uses tokens.NewRegistry().
//   - metrics: May be nil.
//   - logger: Nil uses slog.Default().
func NewService(repo Repository, registry *tokens.Registry, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if registry == nil {
		registry = tokens.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TokenTypes lists the registered canary types.
func (s *Service) TokenTypes() []datatypes.CanaryType {
	return s.registry.Types()
}

// =============================================================================
// Canaries
// =============================================================================

// Create validates req and persists a new active canary with its
// placements.
//
// # Description
//
// With an empty CurrentSecretHash the service generates a token of the
// requested type, salts and hashes it, and returns the secret in the
// result. Otherwise the supplied hash and salt are stored as given.
//
// # Outputs
//
//   - Created: The stored canary and placements.
//   - error: ValidationError for bad input or an unregistered type,
//     RepositoryError on persistence failure.
func (s *Service) Create(ctx context.Context, req datatypes.CreateCanaryRequest) (Created, error) {
	ctx, span := tracer.Start(ctx, "canaries.Create")
	defer span.End()
	span.SetAttributes(attribute.String("canary.type", string(req.Type)))

	if err := req.Validate(); err != nil {
		return Created{}, err
	}
	if !s.registry.Has(req.Type) {
		return Created{}, &datatypes.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("unknown token type %q", req.Type),
		}
	}

	now := s.now()
	c := datatypes.Canary{
		ID:                uuid.NewString(),
		Type:              req.Type,
		Active:            true,
		CurrentSecretHash: req.CurrentSecretHash,
		Salt:              req.Salt,
		CreatedAt:         now,
	}

	var out Created
	if c.CurrentSecretHash == "" {
		tok, salt, err := s.issue(req.Type)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "token generation failed")
			return Created{}, err
		}
		c.CurrentSecretHash = tokens.HashSecret(tok.Secret, salt)
		c.Salt = salt
		out.MockSecret = tok.Secret
		out.Display = tok.Display
	}

	placements := make([]datatypes.Placement, 0, len(req.Placements))
	for _, in := range req.Placements {
		placements = append(placements, datatypes.Placement{
			ID:           uuid.NewString(),
			CanaryID:     c.ID,
			LocationType: in.LocationType,
			LocationRef:  in.LocationRef,
			InsertedAt:   now,
		})
	}

	if err := s.repo.CreateCanary(ctx, c, placements); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return Created{}, err
	}

	s.logger.InfoContext(ctx, "canary created",
		slog.String("canary_id", c.ID),
		slog.String("type", string(c.Type)),
		slog.Int("placements", len(placements)),
		slog.Bool("issued", out.MockSecret != ""),
	)
	out.Canary = c
	out.Placements = placements
	return out, nil
}

// Get returns a canary and its placements.
func (s *Service) Get(ctx context.Context, id string) (datatypes.Canary, []datatypes.Placement, error) {
	c, err := s.repo.GetCanary(ctx, id)
	if err != nil {
		return datatypes.Canary{}, nil, err
	}
	placements, err := s.repo.ListPlacements(ctx, id)
	if err != nil {
		return datatypes.Canary{}, nil, err
	}
	return c, placements, nil
}

// List returns every canary.
func (s *Service) List(ctx context.Context) ([]datatypes.Canary, error) {
	return s.repo.ListCanaries(ctx)
}

// AddPlacement records one more location for an existing canary.
func (s *Service) AddPlacement(ctx context.Context, canaryID string, in datatypes.PlacementInput) (datatypes.Placement, error) {
	if err := in.Validate(); err != nil {
		return datatypes.Placement{}, err
	}
	p := datatypes.Placement{
		ID:           uuid.NewString(),
		CanaryID:     canaryID,
		LocationType: in.LocationType,
		LocationRef:  in.LocationRef,
		InsertedAt:   s.now(),
	}
	if err := s.repo.CreatePlacement(ctx, p); err != nil {
		return datatypes.Placement{}, err
	}
	return p, nil
}

// =============================================================================
// Rotation
// =============================================================================

// Rotate replaces the canary's secret with a freshly generated one.
//
// # Description
//
// The rotation row's OldSecretHash is the hash read before generating the
// new token. The store swaps the hash only if it still matches, so two
// concurrent rotations cannot both succeed against the same predecessor.
//
// # Outputs
//
//   - Rotated: The updated canary, the rotation row and the new secret.
//   - error: NotFoundError, datatypes.ErrConflict when another rotation won,
//     or a RepositoryError.
func (s *Service) Rotate(ctx context.Context, id, rotatedBy string) (Rotated, error) {
	ctx, span := tracer.Start(ctx, "canaries.Rotate")
	defer span.End()
	span.SetAttributes(attribute.String("canary.id", id))

	started := time.Now()
	c, err := s.repo.GetCanary(ctx, id)
	if err != nil {
		span.RecordError(err)
		return Rotated{}, err
	}

	tok, salt, err := s.issue(c.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token generation failed")
		return Rotated{}, err
	}
	if rotatedBy == "" {
		rotatedBy = DefaultRotatedBy
	}

	r := datatypes.Rotation{
		ID:            uuid.NewString(),
		CanaryID:      c.ID,
		OldSecretHash: c.CurrentSecretHash,
		NewSecretHash: tokens.HashSecret(tok.Secret, salt),
		RotatedAt:     s.now(),
		RotatedBy:     rotatedBy,
	}
	updated, err := s.repo.ApplyRotation(ctx, r, salt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation failed")
		return Rotated{}, err
	}

	s.metrics.RecordRotation(string(c.Type), time.Since(started))
	s.logger.InfoContext(ctx, "canary rotated",
		slog.String("canary_id", c.ID),
		slog.String("rotation_id", r.ID),
		slog.String("rotated_by", rotatedBy),
	)
	return Rotated{Canary: updated, Rotation: r, MockSecret: tok.Secret, Display: tok.Display}, nil
}

// Rotations returns the rotation trail of a canary, newest first.
func (s *Service) Rotations(ctx context.Context, id string) ([]datatypes.Rotation, error) {
	if _, err := s.repo.GetCanary(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListRotations(ctx, id)
}

// =============================================================================
// Detections
// =============================================================================

// Detections returns a canary's detections in chain order.
func (s *Service) Detections(ctx context.Context, id string) ([]datatypes.Detection, error) {
	if _, err := s.repo.GetCanary(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDetections(ctx, id)
}

// DetectionByCorrelation looks up a detection by its correlation ID.
func (s *Service) DetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error) {
	return s.repo.GetDetectionByCorrelation(ctx, correlationID)
}

// VerifyChain checks the stored chain of a canary.
//
// With byLinkage the detections are first reordered by their hash links,
// which tolerates identical timestamps written by older clients. An
// invalid chain is a normal result.
func (s *Service) VerifyChain(ctx context.Context, id string, byLinkage bool) (chain.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "canaries.VerifyChain")
	defer span.End()
	span.SetAttributes(attribute.String("canary.id", id), attribute.Bool("by_linkage", byLinkage))

	dets, err := s.Detections(ctx, id)
	if err != nil {
		span.RecordError(err)
		return chain.VerificationResult{}, err
	}
	if byLinkage {
		dets = chain.Reorder(dets)
	}

	res := chain.Verify(dets)
	reason := ""
	if len(res.Breaks) > 0 {
		reason = string(res.Breaks[0].Reason)
	}
	s.metrics.RecordVerification(res.Valid, reason)
	span.SetAttributes(attribute.Bool("chain.valid", res.Valid))

	if !res.Valid {
		s.logger.WarnContext(ctx, "detection chain broken",
			slog.String("canary_id", id),
			slog.String("reason", reason),
			slog.Int("index", res.Breaks[0].Index),
		)
	}
	return res, nil
}

// issue generates a token and a fresh salt. Unknown types are reported as
// validation failures.
func (s *Service) issue(t datatypes.CanaryType) (tokens.Token, string, error) {
	tok, err := s.registry.Generate(t)
	if err != nil {
		if errors.Is(err, tokens.ErrUnknownTokenType) {
			return tokens.Token{}, "", &datatypes.ValidationError{Field: "type", Message: err.Error()}
		}
		return tokens.Token{}, "", fmt.Errorf("generate %s token: %w", t, err)
	}
	salt, err := tokens.RandomSalt()
	if err != nil {
		return tokens.Token{}, "", fmt.Errorf("generate salt: %w", err)
	}
	return tok, salt, nil
}
