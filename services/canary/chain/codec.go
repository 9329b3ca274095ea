// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain implements the tamper-evident hash chain over detections.
//
// # Description
//
// Every detection of a canary links to its predecessor:
//
//	curr = hex(SHA-256(prev || canonical(fields, prev)))
//
// The canonical payload is a JSON object with a fixed key order. The
// detection engine uses ComputeLink and CanonicalPayload to extend the
// chain; Verify replays the same functions over stored detections and
// reports the first break.
//
// # Thread Safety
//
// Every function in this package is pure and safe for concurrent use.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

// =============================================================================
// Canonical Payload
// =============================================================================

// canonicalFields fixes the serialized key order. Do not reorder: stored
// hashes cover these exact bytes.
type canonicalFields struct {
	CanaryID        string  `json:"canaryId"`
	Source          string  `json:"source"`
	RawEventJSON    string  `json:"rawEventJson"`
	ConfidenceScore int     `json:"confidenceScore"`
	ActorIdentity   *string `json:"actorIdentity"`
	Prev            *string `json:"prev"`
}

// CanonicalPayload serializes the hashed fields of a detection.
//
// # Description
//
// Produces the JSON object
//
//	{"canaryId":..,"source":..,"rawEventJson":..,"confidenceScore":..,"actorIdentity":..,"prev":..}
//
// A nil or empty actorIdentity and a nil or empty prev serialize as null.
// HTML characters are not escaped so the bytes match a plain JSON encoder.
//
// # Inputs
//
//   - canaryID, source, rawEventJSON, confidenceScore: detection fields.
//   - actorIdentity: optional actor, may be nil.
//   - prev: hash of the predecessor detection, nil for the first link.
//
// # Outputs
//
//   - []byte: deterministic serialization, no trailing newline.
func CanonicalPayload(canaryID string, source datatypes.DetectionSource, rawEventJSON string,
	confidenceScore int, actorIdentity *string, prev *string) []byte {

	fields := canonicalFields{
		CanaryID:        canaryID,
		Source:          string(source),
		RawEventJSON:    rawEventJSON,
		ConfidenceScore: confidenceScore,
		ActorIdentity:   nonEmpty(actorIdentity),
		Prev:            nonEmpty(prev),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings, ints and string pointers cannot fail.
	_ = enc.Encode(fields)
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeLink returns hex(SHA-256(prev || canonical)). A nil prev hashes
// as the empty string.
func ComputeLink(prev *string, canonical []byte) string {
	h := sha256.New()
	if p := nonEmpty(prev); p != nil {
		h.Write([]byte(*p))
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// LinkFor computes the current hash a detection should carry given the
// expected previous hash.
func LinkFor(d datatypes.Detection, prev *string) string {
	canonical := CanonicalPayload(d.CanaryID, d.Source, d.RawEventJSON, d.ConfidenceScore, d.ActorIdentity, prev)
	return ComputeLink(prev, canonical)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
