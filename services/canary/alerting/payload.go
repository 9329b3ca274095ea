// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
)

// SignatureHeader carries the hex HMAC-SHA256 of the canonical payload.
const SignatureHeader = "X-Canary-Signature"

// Payload is the alert body delivered to every channel and stored verbatim
// on dead-letter rows.
type Payload struct {
	CanaryID        string `json:"canaryId"`
	DetectionID     string `json:"detectionId"`
	CorrelationID   string `json:"correlationId,omitempty"`
	ConfidenceScore int    `json:"confidenceScore"`
	Source          string `json:"source"`
	Hash            string `json:"hash"`
	CreatedAt       string `json:"createdAt"`
	Message         string `json:"message"`
}

// PayloadFromDetection builds the payload of d. Message is filled in by
// Service.MaybeAlert, which knows the threshold.
func PayloadFromDetection(d datatypes.Detection) Payload {
	return Payload{
		CanaryID:        d.CanaryID,
		DetectionID:     d.ID,
		CorrelationID:   d.CorrelationID,
		ConfidenceScore: d.ConfidenceScore,
		Source:          string(d.Source),
		Hash:            d.HashChainCurr,
		CreatedAt:       d.DetectionTime.UTC().Format(time.RFC3339Nano),
	}
}

func alertMessage(p Payload, threshold int) string {
	return fmt.Sprintf("Detection %s (canary %s) score %d >= %d",
		p.DetectionID, p.CanaryID, p.ConfidenceScore, threshold)
}

// =============================================================================
// Signing
// =============================================================================

// Canonicalize re-encodes a JSON document with object keys sorted at every
// depth, no insignificant whitespace and no HTML escaping. Numbers keep
// their original literal form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Sign returns hex(HMAC-SHA256(secret, Canonicalize(body))).
func Sign(secret string, body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether signature matches body under secret. It
// is what a webhook receiver runs against the raw request body.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected, err := Sign(secret, body)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
