// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeWhere(t *testing.T) {
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		criteria datatypes.PurgeCriteria
		where    string
		args     int
	}{
		{"all", datatypes.PurgeCriteria{}, "", 0},
		{"older than", datatypes.PurgeCriteria{OlderThan: &cutoff}, " WHERE created_at < $1", 1},
		{"replayed", datatypes.PurgeCriteria{ReplayedOnly: true}, " WHERE replayed_at IS NOT NULL", 0},
		{"successful implies replayed", datatypes.PurgeCriteria{OlderThan: &cutoff, SuccessfulOnly: true},
			" WHERE created_at < $1 AND replay_success = true", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := purgeWhere(tt.criteria)
			assert.Equal(t, tt.where, where)
			assert.Len(t, args, tt.args)
		})
	}
}

// =============================================================================
// Integration (requires CANARY_TEST_POSTGRES_DSN)
// =============================================================================

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CANARY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CANARY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegration_AppendDetectionSerializes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := datatypes.Canary{ID: uuid.NewString(), Type: datatypes.CanaryTypeFakeAPIKey, Active: true,
		CurrentSecretHash: "0123456789abcdef", Salt: "salt", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateCanary(ctx, c, nil))

	build := func(latest *datatypes.Detection) (datatypes.Detection, error) {
		d := datatypes.Detection{
			ID: uuid.NewString(), CanaryID: c.ID, Source: datatypes.SourceSimulated,
			DetectionTime: time.Now().UTC().Truncate(time.Microsecond),
			RawEventJSON:  `{}`, ConfidenceScore: 50, CorrelationID: uuid.NewString(),
		}
		if latest != nil {
			prev := latest.HashChainCurr
			d.HashChainPrev = &prev
			if !d.DetectionTime.After(latest.DetectionTime) {
				d.DetectionTime = latest.DetectionTime.Add(time.Microsecond)
			}
		}
		d.HashChainCurr = chain.LinkFor(d, d.HashChainPrev)
		return d, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendDetection(ctx, c.ID, build)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	dets, err := s.ListDetections(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, dets, 10)
	assert.True(t, chain.Verify(dets).Valid)
}

func TestIntegration_RotationConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := datatypes.Canary{ID: uuid.NewString(), Type: datatypes.CanaryTypeAWSIAMKey, Active: true,
		CurrentSecretHash: "hash-original", Salt: "salt", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateCanary(ctx, c, nil))

	r := datatypes.Rotation{ID: uuid.NewString(), CanaryID: c.ID, OldSecretHash: "hash-original",
		NewSecretHash: "hash-next", RotatedAt: time.Now().UTC(), RotatedBy: "test"}
	_, err := s.ApplyRotation(ctx, r, "salt-2")
	require.NoError(t, err)

	r.ID = uuid.NewString()
	_, err = s.ApplyRotation(ctx, r, "salt-3")
	assert.ErrorIs(t, err, datatypes.ErrConflict)
}
