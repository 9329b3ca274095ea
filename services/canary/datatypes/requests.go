// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate reports field names by their JSON tag.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	requestValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateStruct runs tag validation and converts the first failure to a
// ValidationError.
func validateStruct(v any) error {
	err := requestValidate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fieldPath(fe.Namespace()), Message: describe(fe)}
	}
	return &ValidationError{Message: err.Error()}
}

// fieldPath drops the root struct name: "CreateCanaryRequest.placements[0].locationRef"
// becomes "placements[0].locationRef".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be > %s", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// =============================================================================
// Canary Requests
// =============================================================================

// PlacementInput is one placement in a create or add-placement request.
type PlacementInput struct {
	LocationType LocationType `json:"locationType" validate:"required,oneof=REPO_FILE CI_VAR S3_OBJECT ENV_FILE"`
	LocationRef  string       `json:"locationRef" validate:"required,min=1"`
}

// Validate checks the placement fields.
func (p *PlacementInput) Validate() error {
	return validateStruct(p)
}

// CreateCanaryRequest is the body of POST /v1/canaries.
//
// When CurrentSecretHash is empty the service issues a fresh token of Type
// and returns it once. Otherwise the caller supplies the hash and salt of
// a secret it generated itself.
type CreateCanaryRequest struct {
	Type              CanaryType       `json:"type" validate:"required"`
	CurrentSecretHash string           `json:"currentSecretHash" validate:"omitempty,min=10"`
	Salt              string           `json:"salt" validate:"required_with=CurrentSecretHash"`
	Placements        []PlacementInput `json:"placements" validate:"omitempty,dive"`
}

// Validate checks the request fields.
func (r *CreateCanaryRequest) Validate() error {
	return validateStruct(r)
}

// SimulateDetectionRequest is the body of POST /v1/simulate/detection.
type SimulateDetectionRequest struct {
	CanaryID        string          `json:"canaryId" validate:"required"`
	Source          DetectionSource `json:"source" validate:"omitempty,oneof=SIM CLOUDTRAIL MANUAL"`
	RawEventJSON    string          `json:"rawEventJson"`
	ActorIdentity   *string         `json:"actorIdentity"`
	ConfidenceScore *int            `json:"confidenceScore" validate:"omitempty,gte=0,lte=100"`
}

// Validate checks the request fields.
func (r *SimulateDetectionRequest) Validate() error {
	return validateStruct(r)
}

// Event applies defaults (source SIM, raw "{}", score 80) and returns the
// intake event.
func (r *SimulateDetectionRequest) Event() DetectionEvent {
	ev := DetectionEvent{
		CanaryID:        r.CanaryID,
		Source:          r.Source,
		RawEventJSON:    r.RawEventJSON,
		ActorIdentity:   r.ActorIdentity,
		ConfidenceScore: 80,
	}
	if ev.Source == "" {
		ev.Source = SourceSimulated
	}
	if ev.RawEventJSON == "" {
		ev.RawEventJSON = "{}"
	}
	if r.ConfidenceScore != nil {
		ev.ConfidenceScore = *r.ConfidenceScore
	}
	return ev
}

// =============================================================================
// Dead-Letter Requests
// =============================================================================

// ReplayRequest is the body of POST /v1/alert-failures/replay. IDs takes
// precedence over Limit.
type ReplayRequest struct {
	IDs   []string `json:"ids" validate:"omitempty,dive,required"`
	Limit int      `json:"limit" validate:"gte=0,lte=1000"`
}

// Validate checks the request fields.
func (r *ReplayRequest) Validate() error {
	return validateStruct(r)
}

// PurgeRequest is the body of POST /v1/alert-failures/purge.
type PurgeRequest struct {
	OlderThanDays  int  `json:"olderThanDays" validate:"gt=0"`
	ReplayedOnly   bool `json:"replayedOnly"`
	SuccessfulOnly bool `json:"successfulOnly"`
	DryRun         bool `json:"dryRun"`
}

// Validate checks the request fields.
func (r *PurgeRequest) Validate() error {
	return validateStruct(r)
}
