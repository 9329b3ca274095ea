// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPurgeCriteria_Matches(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	yes, no := true, false
	replayed := cutoff.Add(-time.Hour)

	old := AlertFailureRecord{ID: "old", CreatedAt: cutoff.Add(-48 * time.Hour)}
	atCutoff := AlertFailureRecord{ID: "at", CreatedAt: cutoff}
	oldOK := AlertFailureRecord{ID: "ok", CreatedAt: old.CreatedAt, ReplayedAt: &replayed, ReplaySuccess: &yes}
	oldFailed := AlertFailureRecord{ID: "failed", CreatedAt: old.CreatedAt, ReplayedAt: &replayed, ReplaySuccess: &no}

	t.Run("older than is strict", func(t *testing.T) {
		c := PurgeCriteria{OlderThan: &cutoff}
		assert.True(t, c.Matches(old))
		assert.False(t, c.Matches(atCutoff))
	})

	t.Run("replayed only", func(t *testing.T) {
		c := PurgeCriteria{OlderThan: &cutoff, ReplayedOnly: true}
		assert.False(t, c.Matches(old))
		assert.True(t, c.Matches(oldOK))
		assert.True(t, c.Matches(oldFailed))
	})

	t.Run("successful only implies replayed", func(t *testing.T) {
		c := PurgeCriteria{OlderThan: &cutoff, SuccessfulOnly: true}
		assert.True(t, c.Normalize().ReplayedOnly)
		assert.False(t, c.Matches(old))
		assert.True(t, c.Matches(oldOK))
		assert.False(t, c.Matches(oldFailed))
	})

	t.Run("no cutoff matches everything", func(t *testing.T) {
		assert.True(t, PurgeCriteria{}.Matches(atCutoff))
	})
}

func TestWrapRepo(t *testing.T) {
	assert.NoError(t, WrapRepo("get", nil))

	nf := NewNotFound("canary", "c1")
	assert.Same(t, nf, WrapRepo("get", nf))
	assert.True(t, errors.Is(WrapRepo("get", fmt.Errorf("lookup: %w", nf)), ErrNotFound))

	wrapped := WrapRepo("insert", errors.New("disk full"))
	var repoErr *RepositoryError
	assert.True(t, errors.As(wrapped, &repoErr))
	assert.Equal(t, "insert", repoErr.Op)
	assert.Same(t, wrapped, WrapRepo("outer", wrapped))
}

func TestReasonOf(t *testing.T) {
	err := fmt.Errorf("attempt 3: %w", &ChannelDeliveryError{Adapter: "webhook", Reason: ReasonHTTPStatus, StatusCode: 503})
	assert.Equal(t, ReasonHTTPStatus, ReasonOf(err))
	assert.Equal(t, ReasonSendFailed, ReasonOf(errors.New("boom")))
}

func TestCanary_Public(t *testing.T) {
	c := Canary{ID: "c1", Type: CanaryTypeFakeAPIKey, Active: true, CurrentSecretHash: "h", Salt: "s"}
	p := c.Public()
	assert.Equal(t, "c1", p.ID)
	assert.Equal(t, CanaryTypeFakeAPIKey, p.Type)
}
