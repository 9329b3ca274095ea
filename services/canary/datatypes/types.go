// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records shared by every canary component.
//
// # Description
//
// Canaries, placements, rotations, detections and alert failure records are
// plain structs with JSON tags matching the public API. Storage backends
// persist them as-is, the HTTP layer serializes them directly.
//
// # Thread Safety
//
// Values are immutable once returned from a repository. Callers that need
// to change a record build a new value and hand it back to the store.
package datatypes

import "time"

// =============================================================================
// Enumerations
// =============================================================================

// CanaryType names a family of decoy credential. The set is open: token
// generators can be registered for new types at startup.
type CanaryType string

const (
	CanaryTypeAWSIAMKey  CanaryType = "AWS_IAM_KEY"
	CanaryTypeFakeAPIKey CanaryType = "FAKE_API_KEY"
)

// LocationType describes where a canary value was planted.
type LocationType string

const (
	LocationRepoFile LocationType = "REPO_FILE"
	LocationCIVar    LocationType = "CI_VAR"
	LocationS3Object LocationType = "S3_OBJECT"
	LocationEnvFile  LocationType = "ENV_FILE"
)

// DetectionSource identifies what reported a detection.
type DetectionSource string

const (
	SourceCloudTrail DetectionSource = "CLOUDTRAIL"
	SourceSimulated  DetectionSource = "SIM"
	SourceManual     DetectionSource = "MANUAL"
)

// Valid reports whether s is one of the known detection sources.
func (s DetectionSource) Valid() bool {
	switch s {
	case SourceCloudTrail, SourceSimulated, SourceManual:
		return true
	}
	return false
}

// =============================================================================
// Records
// =============================================================================

// Canary is an issued decoy credential. Only the salted hash of the current
// secret is stored.
type Canary struct {
	ID                string     `json:"id"`
	Type              CanaryType `json:"type"`
	Active            bool       `json:"active"`
	CurrentSecretHash string     `json:"currentSecretHash"`
	Salt              string     `json:"salt"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// PublicCanary is the API view of a Canary. Hash material is omitted.
type PublicCanary struct {
	ID        string     `json:"id"`
	Type      CanaryType `json:"type"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Public strips the secret hash and salt.
func (c Canary) Public() PublicCanary {
	return PublicCanary{ID: c.ID, Type: c.Type, Active: c.Active, CreatedAt: c.CreatedAt}
}

// Placement records where a canary value was inserted.
type Placement struct {
	ID           string       `json:"id"`
	CanaryID     string       `json:"canaryId"`
	LocationType LocationType `json:"locationType"`
	LocationRef  string       `json:"locationRef"`
	InsertedAt   time.Time    `json:"insertedAt"`
}

// Rotation is one entry of a canary's append-only secret rotation trail.
type Rotation struct {
	ID            string    `json:"id"`
	CanaryID      string    `json:"canaryId"`
	OldSecretHash string    `json:"oldSecretHash"`
	NewSecretHash string    `json:"newSecretHash"`
	RotatedAt     time.Time `json:"rotatedAt"`
	RotatedBy     string    `json:"rotatedBy"`
}

// Detection is one observed use of a canary. Detections of a canary form a
// hash chain ordered by (DetectionTime, ID).
type Detection struct {
	ID              string          `json:"id"`
	CanaryID        string          `json:"canaryId"`
	DetectionTime   time.Time       `json:"detectionTime"`
	Source          DetectionSource `json:"source"`
	RawEventJSON    string          `json:"rawEventJson"`
	ActorIdentity   *string         `json:"actorIdentity"`
	ConfidenceScore int             `json:"confidenceScore"`
	AlertSent       bool            `json:"alertSent"`
	HashChainPrev   *string         `json:"hashChainPrev"`
	HashChainCurr   string          `json:"hashChainCurr"`
	CorrelationID   string          `json:"correlationId"`
}

// DetectionEvent is the intake shape for "a canary was used". It carries no
// identity or hashes; the engine assigns those.
type DetectionEvent struct {
	CanaryID        string          `json:"canaryId"`
	Source          DetectionSource `json:"source"`
	RawEventJSON    string          `json:"rawEventJson"`
	ActorIdentity   *string         `json:"actorIdentity,omitempty"`
	ConfidenceScore int             `json:"confidenceScore"`
}

// AlertFailureRecord is a dead-lettered alert: one channel exhausted its
// delivery attempts for one detection.
type AlertFailureRecord struct {
	ID            string     `json:"id"`
	DetectionID   string     `json:"detectionId"`
	CanaryID      string     `json:"canaryId"`
	Adapter       string     `json:"adapter"`
	Reason        string     `json:"reason"`
	PayloadJSON   string     `json:"payloadJson"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"lastError"`
	CreatedAt     time.Time  `json:"createdAt"`
	ReplayedAt    *time.Time `json:"replayedAt"`
	ReplaySuccess *bool      `json:"replaySuccess"`
}

// AlertFailureParams are the caller-supplied fields of a new dead-letter row.
type AlertFailureParams struct {
	DetectionID string
	CanaryID    string
	Adapter     string
	Reason      string
	PayloadJSON string
	Attempts    int
	LastError   *string
}

// PurgeCriteria selects dead-letter rows for deletion.
//
// OlderThan is a strict upper bound on CreatedAt. SuccessfulOnly implies
// ReplayedOnly. DryRun counts matches without deleting them.
type PurgeCriteria struct {
	OlderThan      *time.Time
	ReplayedOnly   bool
	SuccessfulOnly bool
	DryRun         bool
}

// Normalize applies the SuccessfulOnly implies ReplayedOnly rule.
func (c PurgeCriteria) Normalize() PurgeCriteria {
	if c.SuccessfulOnly {
		c.ReplayedOnly = true
	}
	return c
}

// Matches reports whether r is selected by the criteria.
func (c PurgeCriteria) Matches(r AlertFailureRecord) bool {
	c = c.Normalize()
	if c.OlderThan != nil && !r.CreatedAt.Before(*c.OlderThan) {
		return false
	}
	if c.SuccessfulOnly {
		return r.ReplaySuccess != nil && *r.ReplaySuccess
	}
	if c.ReplayedOnly {
		return r.ReplayedAt != nil
	}
	return true
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
