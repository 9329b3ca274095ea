// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import "github.com/AleutianAI/AleutianCanary/services/canary/datatypes"

// BreakReason classifies a chain break.
type BreakReason string

const (
	// PrevMismatch means a detection does not point at its predecessor.
	PrevMismatch BreakReason = "PREV_MISMATCH"

	// CurrMismatch means a detection's own hash does not match its fields.
	CurrMismatch BreakReason = "CURR_MISMATCH"
)

// Break describes the first broken link found by Verify.
type Break struct {
	Index       int         `json:"index"`
	DetectionID string      `json:"detectionId"`
	Reason      BreakReason `json:"reason"`
	Expected    *string     `json:"expected"`
	Actual      *string     `json:"actual"`
}

// VerificationResult is the report returned to operators. An invalid
// chain is a normal result, not an error.
type VerificationResult struct {
	Valid    bool    `json:"valid"`
	Breaks   []Break `json:"breaks"`
	LastHash *string `json:"lastHash"`
}

// Verify checks the hash chain of one canary's detections.
//
// # Description
//
// Walks the detections in the given order keeping the expected previous
// hash (nil at the start). Each detection must point at that hash and
// carry the hash recomputed from its own fields. Verification halts at
// the first break since nothing after a broken link can be trusted.
//
// # Inputs
//
//   - detections: one canary's detections sorted by (DetectionTime, ID).
//
// # Outputs
//
//   - VerificationResult: Valid, at most one Break, and the last verified
//     hash (nil when nothing verified).
//
// # Examples
//
//	res := chain.Verify(detections)
//	if !res.Valid {
//	    slog.Warn("chain broken", "reason", res.Breaks[0].Reason)
//	}
//
// # Thread Safety
//
// Read-only; safe to call concurrently.
func Verify(detections []datatypes.Detection) VerificationResult {
	var expectedPrev *string
	var lastHash *string

	for i, d := range detections {
		// An empty-string prev is a value, not an absent link; on the
		// first record it breaks the chain.
		actualPrev := d.HashChainPrev
		if !sameHash(actualPrev, expectedPrev) {
			return broken(lastHash, Break{
				Index:       i,
				DetectionID: d.ID,
				Reason:      PrevMismatch,
				Expected:    expectedPrev,
				Actual:      actualPrev,
			})
		}

		expectedCurr := LinkFor(d, expectedPrev)
		if d.HashChainCurr != expectedCurr {
			actual := d.HashChainCurr
			return broken(lastHash, Break{
				Index:       i,
				DetectionID: d.ID,
				Reason:      CurrMismatch,
				Expected:    &expectedCurr,
				Actual:      &actual,
			})
		}

		curr := d.HashChainCurr
		expectedPrev = &curr
		lastHash = &curr
	}

	return VerificationResult{Valid: true, Breaks: []Break{}, LastHash: lastHash}
}

func broken(lastHash *string, b Break) VerificationResult {
	return VerificationResult{Valid: false, Breaks: []Break{b}, LastHash: lastHash}
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
