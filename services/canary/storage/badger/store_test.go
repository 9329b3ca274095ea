// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCanary(t *testing.T, s *Store) datatypes.Canary {
	t.Helper()
	c := datatypes.Canary{
		ID:                uuid.NewString(),
		Type:              datatypes.CanaryTypeFakeAPIKey,
		Active:            true,
		CurrentSecretHash: "0123456789abcdef",
		Salt:              "salt",
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.CreateCanary(context.Background(), c, nil))
	return c
}

// chainBuilder mirrors the engine: link to latest, stamp after it.
func chainBuilder(canaryID string, score int) func(*datatypes.Detection) (datatypes.Detection, error) {
	return func(latest *datatypes.Detection) (datatypes.Detection, error) {
		d := datatypes.Detection{
			ID:              uuid.NewString(),
			CanaryID:        canaryID,
			DetectionTime:   time.Now().UTC(),
			Source:          datatypes.SourceSimulated,
			RawEventJSON:    fmt.Sprintf(`{"score":%d}`, score),
			ConfidenceScore: score,
			CorrelationID:   uuid.NewString(),
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
}

// =============================================================================
// Database Tests
// =============================================================================

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	c := seedCanary(t, s)
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetCanary(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.CurrentSecretHash, got.CurrentSecretHash)
}

func TestWithTxn_ContextCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetCanary(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Canary Tests
// =============================================================================

func TestCanaries_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := datatypes.Canary{ID: "c1", Type: datatypes.CanaryTypeAWSIAMKey, Active: true,
		CurrentSecretHash: "hash-000001", Salt: "s1", CreatedAt: time.Now().UTC()}
	p := datatypes.Placement{ID: "p1", CanaryID: "c1", LocationType: datatypes.LocationRepoFile,
		LocationRef: "repo/.env", InsertedAt: c.CreatedAt}
	require.NoError(t, s.CreateCanary(ctx, c, []datatypes.Placement{p}))

	assert.Error(t, s.CreateCanary(ctx, c, nil), "duplicate id")

	got, err := s.GetCanary(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Type, got.Type)

	_, err = s.GetCanary(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	p2 := datatypes.Placement{ID: "p2", CanaryID: "c1", LocationType: datatypes.LocationCIVar,
		LocationRef: "CI_SECRET", InsertedAt: c.CreatedAt.Add(time.Second)}
	require.NoError(t, s.CreatePlacement(ctx, p2))
	assert.ErrorIs(t, s.CreatePlacement(ctx, datatypes.Placement{ID: "p3", CanaryID: "nope"}), datatypes.ErrNotFound)

	placements, err := s.ListPlacements(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, placements, 2)
	assert.Equal(t, "p1", placements[0].ID)
	assert.Equal(t, "p2", placements[1].ID)

	list, err := s.ListCanaries(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApplyRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCanary(t, s)

	r1 := datatypes.Rotation{ID: "r1", CanaryID: c.ID, OldSecretHash: c.CurrentSecretHash,
		NewSecretHash: "hash-new-1", RotatedAt: time.Now().UTC(), RotatedBy: "test"}
	updated, err := s.ApplyRotation(ctx, r1, "salt-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-new-1", updated.CurrentSecretHash)
	assert.Equal(t, "salt-1", updated.Salt)

	stale := r1
	stale.ID = "r-stale"
	_, err = s.ApplyRotation(ctx, stale, "salt-x")
	assert.ErrorIs(t, err, datatypes.ErrConflict)

	r2 := datatypes.Rotation{ID: "r2", CanaryID: c.ID, OldSecretHash: "hash-new-1",
		NewSecretHash: "hash-new-2", RotatedAt: r1.RotatedAt.Add(time.Second), RotatedBy: "test"}
	_, err = s.ApplyRotation(ctx, r2, "salt-2")
	require.NoError(t, err)

	rotations, err := s.ListRotations(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rotations, 2)
	assert.Equal(t, "r2", rotations[0].ID, "newest first")
	assert.Equal(t, rotations[1].NewSecretHash, rotations[0].OldSecretHash)

	_, err = s.ListRotations(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

// =============================================================================
// Detection Tests
// =============================================================================

func TestAppendDetection_ChainsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCanary(t, s)

	latest, err := s.LatestDetection(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first, err := s.AppendDetection(ctx, c.ID, chainBuilder(c.ID, 60))
	require.NoError(t, err)
	assert.Nil(t, first.HashChainPrev)

	second, err := s.AppendDetection(ctx, c.ID, chainBuilder(c.ID, 70))
	require.NoError(t, err)
	require.NotNil(t, second.HashChainPrev)
	assert.Equal(t, first.HashChainCurr, *second.HashChainPrev)

	latest, err = s.LatestDetection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	dets, err := s.ListDetections(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, first.ID, dets[0].ID)
	assert.True(t, chain.Verify(dets).Valid)

	byCorr, err := s.GetDetectionByCorrelation(ctx, second.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, byCorr.ID)

	_, err = s.GetDetectionByCorrelation(ctx, "nope")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestAppendDetection_UnknownCanary(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendDetection(context.Background(), "missing", chainBuilder("missing", 10))
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestAppendDetection_BuildErrorAborts(t *testing.T) {
	s := newTestStore(t)
	c := seedCanary(t, s)
	boom := errors.New("boom")

	_, err := s.AppendDetection(context.Background(), c.ID, func(*datatypes.Detection) (datatypes.Detection, error) {
		return datatypes.Detection{}, boom
	})
	assert.ErrorIs(t, err, boom)

	dets, err := s.ListDetections(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestAppendDetection_ConcurrentAppendsDoNotFork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCanary(t, s)

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			if _, err := s.AppendDetection(ctx, c.ID, chainBuilder(c.ID, score)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("append failed: %v", err)
	}
	dets, err := s.ListDetections(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, dets, writers)
	assert.True(t, chain.Verify(dets).Valid)
}

func TestAppendDetection_ConcurrentWithRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCanary(t, s)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			_, err := s.AppendDetection(ctx, c.ID, chainBuilder(c.ID, score))
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		current := c.CurrentSecretHash
		for n := 0; n < 4; n++ {
			next := fmt.Sprintf("hash-rotated-%d", n)
			_, err := s.ApplyRotation(ctx, datatypes.Rotation{
				ID:            uuid.NewString(),
				CanaryID:      c.ID,
				OldSecretHash: current,
				NewSecretHash: next,
				RotatedAt:     time.Now().UTC(),
				RotatedBy:     "test",
			}, "salt")
			assert.NoError(t, err)
			current = next
		}
	}()
	wg.Wait()

	dets, err := s.ListDetections(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, dets, writers)
	assert.True(t, chain.Verify(dets).Valid)
}

// conflictingWrite returns a transaction body that loses a write race on
// key during its first n runs.
func conflictingWrite(s *Store, key []byte, n int, calls *int) func(txn *badger.Txn) error {
	return func(txn *badger.Txn) error {
		*calls++
		if _, err := txn.Get(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if *calls <= n {
			if err := s.db.DB.Update(func(other *badger.Txn) error {
				return other.Set(key, []byte(fmt.Sprintf("other-%d", *calls)))
			}); err != nil {
				return err
			}
		}
		return txn.Set(key, []byte("mine"))
	}
}

func TestUpdate_RetriesConflicts(t *testing.T) {
	s := newTestStore(t)
	key := []byte("test/conflict")

	calls := 0
	err := s.update(context.Background(), "test", conflictingWrite(s, key, 3, &calls))
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestUpdate_GivesUpWhenContextEnds(t *testing.T) {
	s := newTestStore(t)
	key := []byte("test/conflict")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	calls := 0
	err := s.update(ctx, "test", conflictingWrite(s, key, 1<<30, &calls))
	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrConflict) || errors.Is(err, context.DeadlineExceeded))
	assert.Greater(t, calls, 1)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")
	unlockB := k.lock("b")

	acquired := make(chan struct{})
	go func() {
		u := k.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

func TestMarkAlertSent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedCanary(t, s)

	d, err := s.AppendDetection(ctx, c.ID, chainBuilder(c.ID, 90))
	require.NoError(t, err)
	require.NoError(t, s.MarkAlertSent(ctx, d.ID))
	require.NoError(t, s.MarkAlertSent(ctx, d.ID))

	latest, err := s.LatestDetection(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, latest.AlertSent)

	assert.ErrorIs(t, s.MarkAlertSent(ctx, "missing"), datatypes.ErrNotFound)
}

// =============================================================================
// Alert Failure Tests
// =============================================================================

func recordAt(t *testing.T, s *Store, at time.Time, adapter string) datatypes.AlertFailureRecord {
	t.Helper()
	s.now = func() time.Time { return at }
	rec, err := s.RecordAlertFailure(context.Background(), datatypes.AlertFailureParams{
		DetectionID: "d", CanaryID: "c", Adapter: adapter, Reason: datatypes.ReasonHTTPStatus,
		PayloadJSON: `{"detectionId":"d"}`, Attempts: 3, LastError: datatypes.StringPtr("503"),
	})
	require.NoError(t, err)
	return rec
}

func TestAlertFailures_ListOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	a := recordAt(t, s, base, "webhook")
	b := recordAt(t, s, base.Add(time.Minute), "webhook")
	c := recordAt(t, s, base.Add(time.Minute), "log")

	list, err := s.ListAlertFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// b and c tie on CreatedAt; higher ID first.
	hi, lo := b.ID, c.ID
	if lo > hi {
		hi, lo = lo, hi
	}
	assert.Equal(t, hi, list[0].ID)
	assert.Equal(t, lo, list[1].ID)
	assert.Equal(t, a.ID, list[2].ID)

	list, err = s.ListAlertFailures(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	got, err := s.GetAlertFailure(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	_, err = s.GetAlertFailure(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestAlertFailures_MarkReplayOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := recordAt(t, s, time.Now().UTC(), "webhook")

	pending, err := s.PendingAlertFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	first, err := s.MarkReplay(ctx, rec.ID, false)
	require.NoError(t, err)
	require.NotNil(t, first.ReplaySuccess)
	assert.False(t, *first.ReplaySuccess)

	second, err := s.MarkReplay(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.True(t, *second.ReplaySuccess)

	pending, err = s.PendingAlertFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	_, err = s.MarkReplay(ctx, "missing", true)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestAlertFailures_PurgeCriteria(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	oldOK := recordAt(t, s, cutoff.Add(-72*time.Hour), "webhook")
	oldFailed := recordAt(t, s, cutoff.Add(-72*time.Hour), "webhook")
	oldPending := recordAt(t, s, cutoff.Add(-72*time.Hour), "webhook")
	newOK := recordAt(t, s, cutoff.Add(time.Hour), "webhook")

	_, err := s.MarkReplay(ctx, oldOK.ID, true)
	require.NoError(t, err)
	_, err = s.MarkReplay(ctx, oldFailed.ID, false)
	require.NoError(t, err)
	_, err = s.MarkReplay(ctx, newOK.ID, true)
	require.NoError(t, err)

	criteria := datatypes.PurgeCriteria{OlderThan: &cutoff, SuccessfulOnly: true, DryRun: true}
	wouldDelete, err := s.PurgeAlertFailures(ctx, criteria)
	require.NoError(t, err)
	assert.Equal(t, 1, wouldDelete)

	list, err := s.ListAlertFailures(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 4, "dry run deletes nothing")

	criteria.DryRun = false
	deleted, err := s.PurgeAlertFailures(ctx, criteria)
	require.NoError(t, err)
	assert.Equal(t, wouldDelete, deleted)

	_, err = s.GetAlertFailure(ctx, oldOK.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	for _, id := range []string{oldFailed.ID, oldPending.ID, newOK.ID} {
		_, err := s.GetAlertFailure(ctx, id)
		assert.NoError(t, err)
	}

	deleted, err = s.PurgeAlertFailures(ctx, datatypes.PurgeCriteria{OlderThan: &cutoff, ReplayedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = s.PurgeAlertFailures(ctx, datatypes.PurgeCriteria{OlderThan: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}
