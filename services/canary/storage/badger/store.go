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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Conflict retry backoff bounds. A conflicting write is re-run until it
// commits or the context ends.
const (
	conflictBackoffBase = time.Millisecond
	conflictBackoffMax  = 50 * time.Millisecond
)

// Store implements storage.Store on BadgerDB.
type Store struct {
	db    *DB
	now   func() time.Time
	heads *keyedMutex
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) a store described by cfg.
func Open(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		heads: newKeyedMutex(),
	}, nil
}

// OpenInMemory opens an empty in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return ctx.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, re-running it with backoff
// when the commit conflicts with a concurrent writer. It gives up with
// ErrConflict only when ctx ends.
func (s *Store) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	backoff := conflictBackoffBase
	for attempt := 1; ; attempt++ {
		err := s.db.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return datatypes.WrapRepo(op, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return datatypes.WrapRepo(op, fmt.Errorf("%w after %d attempts: %v", datatypes.ErrConflict, attempt, ctx.Err()))
		case <-timer.C:
		}
		backoff = min(backoff*2, conflictBackoffMax)
	}
}

// keyedMutex hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// lock blocks until key is held and returns the matching unlock.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (s *Store) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	return datatypes.WrapRepo(op, s.db.WithReadTxn(ctx, fn))
}

// =============================================================================
// Canaries
// =============================================================================

// CreateCanary stores a canary with its initial placements.
func (s *Store) CreateCanary(ctx context.Context, c datatypes.Canary, placements []datatypes.Placement) error {
	return s.update(ctx, "create canary", func(txn *badger.Txn) error {
		if _, err := txn.Get(canaryKey(c.ID)); err == nil {
			return fmt.Errorf("canary %s already exists", c.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putJSON(txn, canaryKey(c.ID), c); err != nil {
			return err
		}
		for _, p := range placements {
			if err := putJSON(txn, placementKey(p.CanaryID, p.InsertedAt, p.ID), p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCanary loads one canary.
func (s *Store) GetCanary(ctx context.Context, id string) (datatypes.Canary, error) {
	var c datatypes.Canary
	err := s.view(ctx, "get canary", func(txn *badger.Txn) error {
		return getCanary(txn, id, &c)
	})
	return c, err
}

// ListCanaries returns all canaries, oldest first.
func (s *Store) ListCanaries(ctx context.Context) ([]datatypes.Canary, error) {
	out := make([]datatypes.Canary, 0)
	err := s.view(ctx, "list canaries", func(txn *badger.Txn) error {
		return scanJSON(txn, []byte(prefixCanary), false, func(raw []byte) error {
			var c datatypes.Canary
			if err := json.Unmarshal(raw, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// ApplyRotation swaps the secret hash when it still equals r.OldSecretHash.
func (s *Store) ApplyRotation(ctx context.Context, r datatypes.Rotation, newSalt string) (datatypes.Canary, error) {
	var c datatypes.Canary
	err := s.update(ctx, "apply rotation", func(txn *badger.Txn) error {
		if err := getCanary(txn, r.CanaryID, &c); err != nil {
			return err
		}
		if c.CurrentSecretHash != r.OldSecretHash {
			return fmt.Errorf("rotate canary %s: %w", r.CanaryID, datatypes.ErrConflict)
		}
		c.CurrentSecretHash = r.NewSecretHash
		c.Salt = newSalt
		if err := putJSON(txn, canaryKey(c.ID), c); err != nil {
			return err
		}
		return putJSON(txn, rotationKey(r.CanaryID, r.RotatedAt, r.ID), r)
	})
	return c, err
}

// ListRotations returns a canary's rotations, newest first.
func (s *Store) ListRotations(ctx context.Context, canaryID string) ([]datatypes.Rotation, error) {
	out := make([]datatypes.Rotation, 0)
	err := s.view(ctx, "list rotations", func(txn *badger.Txn) error {
		if err := getCanary(txn, canaryID, &datatypes.Canary{}); err != nil {
			return err
		}
		return scanJSON(txn, rotationPrefix(canaryID), true, func(raw []byte) error {
			var r datatypes.Rotation
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// CreatePlacement records a new placement of an existing canary.
func (s *Store) CreatePlacement(ctx context.Context, p datatypes.Placement) error {
	return s.update(ctx, "create placement", func(txn *badger.Txn) error {
		if err := getCanary(txn, p.CanaryID, &datatypes.Canary{}); err != nil {
			return err
		}
		return putJSON(txn, placementKey(p.CanaryID, p.InsertedAt, p.ID), p)
	})
}

// ListPlacements returns a canary's placements in insertion order.
func (s *Store) ListPlacements(ctx context.Context, canaryID string) ([]datatypes.Placement, error) {
	out := make([]datatypes.Placement, 0)
	err := s.view(ctx, "list placements", func(txn *badger.Txn) error {
		return scanJSON(txn, placementPrefix(canaryID), false, func(raw []byte) error {
			var p datatypes.Placement
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// =============================================================================
// Detections
// =============================================================================

// AppendDetection extends the chain of canaryID.
//
// # Description
//
// Reads the chain head and writes the new detection, the head pointer and
// the lookup indexes in one transaction. Every append reads and writes the
// head key. Appends to one canary are serialized on a per-canary lock so
// they never conflict with each other; a conflict with another writer of
// the canary record (a rotation) is re-run against the new state.
//
// # Thread Safety
//
// Safe for concurrent use. Appends to different canaries run in parallel.
func (s *Store) AppendDetection(ctx context.Context, canaryID string, build storage.AppendFunc) (datatypes.Detection, error) {
	unlock := s.heads.lock(canaryID)
	defer unlock()

	var out datatypes.Detection
	err := s.update(ctx, "append detection", func(txn *badger.Txn) error {
		if err := getCanary(txn, canaryID, &datatypes.Canary{}); err != nil {
			return err
		}
		latest, err := latestDetection(txn, canaryID)
		if err != nil {
			return err
		}
		d, err := build(latest)
		if err != nil {
			return err
		}
		if d.CanaryID != canaryID {
			return fmt.Errorf("detection canary %s does not match %s", d.CanaryID, canaryID)
		}

		key := detectionKey(d.CanaryID, d.DetectionTime, d.ID)
		if err := putJSON(txn, key, d); err != nil {
			return err
		}
		for _, idx := range [][]byte{detHeadKey(canaryID), detIDKey(d.ID), detCorrKey(d.CorrelationID)} {
			if err := txn.Set(idx, key); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	return out, err
}

// LatestDetection returns the chain head, or nil for an empty chain.
func (s *Store) LatestDetection(ctx context.Context, canaryID string) (*datatypes.Detection, error) {
	var out *datatypes.Detection
	err := s.view(ctx, "latest detection", func(txn *badger.Txn) error {
		d, err := latestDetection(txn, canaryID)
		out = d
		return err
	})
	return out, err
}

// ListDetections returns a canary's detections, oldest first.
func (s *Store) ListDetections(ctx context.Context, canaryID string) ([]datatypes.Detection, error) {
	out := make([]datatypes.Detection, 0)
	err := s.view(ctx, "list detections", func(txn *badger.Txn) error {
		return scanJSON(txn, detectionPrefix(canaryID), false, func(raw []byte) error {
			var d datatypes.Detection
			if err := json.Unmarshal(raw, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// GetDetectionByCorrelation resolves a correlation ID.
func (s *Store) GetDetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error) {
	var d datatypes.Detection
	err := s.view(ctx, "get detection by correlation", func(txn *badger.Txn) error {
		return getIndirect(txn, detCorrKey(correlationID), "detection", correlationID, &d)
	})
	return d, err
}

// MarkAlertSent flags a detection as alerted.
func (s *Store) MarkAlertSent(ctx context.Context, detectionID string) error {
	return s.update(ctx, "mark alert sent", func(txn *badger.Txn) error {
		ptr, err := getRaw(txn, detIDKey(detectionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return datatypes.NewNotFound("detection", detectionID)
		} else if err != nil {
			return err
		}
		var d datatypes.Detection
		if err := getJSON(txn, ptr, &d); err != nil {
			return err
		}
		if d.AlertSent {
			return nil
		}
		d.AlertSent = true
		return putJSON(txn, ptr, d)
	})
}

// =============================================================================
// Alert Failures
// =============================================================================

// RecordAlertFailure inserts a dead-letter row.
func (s *Store) RecordAlertFailure(ctx context.Context, p datatypes.AlertFailureParams) (datatypes.AlertFailureRecord, error) {
	rec := datatypes.AlertFailureRecord{
		ID:          uuid.NewString(),
		DetectionID: p.DetectionID,
		CanaryID:    p.CanaryID,
		Adapter:     p.Adapter,
		Reason:      p.Reason,
		PayloadJSON: p.PayloadJSON,
		Attempts:    p.Attempts,
		LastError:   p.LastError,
		CreatedAt:   s.now(),
	}
	err := s.update(ctx, "record alert failure", func(txn *badger.Txn) error {
		return putJSON(txn, alertFailureKey(rec.ID), rec)
	})
	return rec, err
}

// ListAlertFailures returns up to limit records, newest first.
func (s *Store) ListAlertFailures(ctx context.Context, limit int) ([]datatypes.AlertFailureRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultFailureListLimit
	}
	all, err := s.allFailures(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetAlertFailure loads one record.
func (s *Store) GetAlertFailure(ctx context.Context, id string) (datatypes.AlertFailureRecord, error) {
	var rec datatypes.AlertFailureRecord
	err := s.view(ctx, "get alert failure", func(txn *badger.Txn) error {
		err := getJSON(txn, alertFailureKey(id), &rec)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return datatypes.NewNotFound("alert failure", id)
		}
		return err
	})
	return rec, err
}

// MarkReplay overwrites the replay outcome of a record.
func (s *Store) MarkReplay(ctx context.Context, id string, success bool) (datatypes.AlertFailureRecord, error) {
	var rec datatypes.AlertFailureRecord
	err := s.update(ctx, "mark replay", func(txn *badger.Txn) error {
		if err := getJSON(txn, alertFailureKey(id), &rec); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return datatypes.NewNotFound("alert failure", id)
			}
			return err
		}
		now := s.now()
		ok := success
		rec.ReplayedAt = &now
		rec.ReplaySuccess = &ok
		return putJSON(txn, alertFailureKey(id), rec)
	})
	return rec, err
}

// PurgeAlertFailures deletes matching records, or counts them in dry-run.
func (s *Store) PurgeAlertFailures(ctx context.Context, c datatypes.PurgeCriteria) (int, error) {
	all, err := s.allFailures(ctx)
	if err != nil {
		return 0, err
	}

	var matched [][]byte
	for _, rec := range all {
		if c.Matches(rec) {
			matched = append(matched, alertFailureKey(rec.ID))
		}
	}
	if c.DryRun || len(matched) == 0 {
		return len(matched), nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range matched {
		if err := wb.Delete(key); err != nil {
			return 0, datatypes.WrapRepo("purge alert failures", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, datatypes.WrapRepo("purge alert failures", err)
	}
	return len(matched), nil
}

// PendingAlertFailures counts records that were never replayed.
func (s *Store) PendingAlertFailures(ctx context.Context) (int, error) {
	all, err := s.allFailures(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range all {
		if rec.ReplayedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) allFailures(ctx context.Context) ([]datatypes.AlertFailureRecord, error) {
	out := make([]datatypes.AlertFailureRecord, 0)
	err := s.view(ctx, "scan alert failures", func(txn *badger.Txn) error {
		return scanJSON(txn, []byte(prefixAlertFailure), false, func(raw []byte) error {
			var rec datatypes.AlertFailureRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// =============================================================================
// Transaction Helpers
// =============================================================================

func getCanary(txn *badger.Txn, id string, c *datatypes.Canary) error {
	err := getJSON(txn, canaryKey(id), c)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.NewNotFound("canary", id)
	}
	return err
}

func latestDetection(txn *badger.Txn, canaryID string) (*datatypes.Detection, error) {
	var d datatypes.Detection
	err := getIndirect(txn, detHeadKey(canaryID), "detection head", canaryID, &d)
	if errors.Is(err, datatypes.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// getIndirect follows an index key to the record it points at.
func getIndirect(txn *badger.Txn, indexKey []byte, kind, id string, v any) error {
	ptr, err := getRaw(txn, indexKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.NewNotFound(kind, id)
	}
	if err != nil {
		return err
	}
	return getJSON(txn, ptr, v)
}

func getRaw(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := getRaw(txn, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", bytes.SplitN(key, []byte("/"), 2)[0], err)
	}
	return txn.Set(key, raw)
}

// scanJSON calls fn with every value under prefix, in key order or reverse.
func scanJSON(txn *badger.Txn, prefix []byte, reverse bool, fn func(raw []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
