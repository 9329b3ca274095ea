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
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrNotFound is the sentinel behind every NotFoundError.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by stores when an optimistic write lost a race
// and could not be retried to completion.
var ErrConflict = errors.New("write conflict")

// NotFoundError reports a missing canary, placement, detection or alert
// failure record. Surfaced as 404 and never retried.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// RepositoryError wraps a failed persistence operation. Surfaced as 500.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// WrapRepo wraps err as a RepositoryError unless it is nil or already a
// NotFoundError, which must keep its own identity.
func WrapRepo(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}

// ValidationError reports malformed input. Surfaced as 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Failure reason tags recorded on dead-letter rows.
const (
	ReasonHTTPStatus  = "http_status"
	ReasonTransport   = "transport"
	ReasonCircuitOpen = "circuit_open"
	ReasonPublish     = "publish"
	ReasonSendFailed  = "send_failed"
)

// ChannelDeliveryError is a single failed alert channel attempt. It is
// retried, then dead-lettered; it never reaches an HTTP caller.
type ChannelDeliveryError struct {
	Adapter    string
	Reason     string
	StatusCode int
	Err        error
}

func (e *ChannelDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed (%s, status %d): %v", e.Adapter, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Adapter, e.Reason, e.Err)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// ReasonOf extracts the reason tag from err, defaulting to send_failed.
func ReasonOf(err error) string {
	var deliveryErr *ChannelDeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.Reason != "" {
		return deliveryErr.Reason
	}
	return ReasonSendFailed
}
