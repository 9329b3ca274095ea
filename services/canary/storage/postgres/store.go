// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres is the PostgreSQL implementation of storage.Store.
//
// # Description
//
// Selected with CANARY_STORE=postgres and DATABASE_URL. The schema is
// embedded and applied with Migrate at startup. Appends lock the canary row
// with SELECT ... FOR UPDATE so that the read-latest-then-insert step of
// the detection chain is serialized per canary.
//
// # Thread Safety
//
// Store is safe for concurrent use; pgxpool manages connections.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return datatypes.WrapRepo("migrate", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// Canaries
// =============================================================================

const canaryColumns = `id, type, active, current_secret_hash, salt, created_at`

func scanCanary(row rowScanner) (datatypes.Canary, error) {
	var c datatypes.Canary
	var typ string
	err := row.Scan(&c.ID, &typ, &c.Active, &c.CurrentSecretHash, &c.Salt, &c.CreatedAt)
	c.Type = datatypes.CanaryType(typ)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

// CreateCanary stores a canary with its initial placements.
func (s *Store) CreateCanary(ctx context.Context, c datatypes.Canary, placements []datatypes.Placement) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO canaries (`+canaryColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, string(c.Type), c.Active, c.CurrentSecretHash, c.Salt, c.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("canary %s already exists", c.ID)
			}
			return err
		}
		for _, p := range placements {
			if err := insertPlacement(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return datatypes.WrapRepo("create canary", err)
}

// GetCanary loads one canary.
func (s *Store) GetCanary(ctx context.Context, id string) (datatypes.Canary, error) {
	c, err := scanCanary(s.pool.QueryRow(ctx, `SELECT `+canaryColumns+` FROM canaries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.Canary{}, datatypes.NewNotFound("canary", id)
	}
	return c, datatypes.WrapRepo("get canary", err)
}

// ListCanaries returns all canaries, oldest first.
func (s *Store) ListCanaries(ctx context.Context) ([]datatypes.Canary, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+canaryColumns+` FROM canaries ORDER BY created_at, id`)
	if err != nil {
		return nil, datatypes.WrapRepo("list canaries", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (datatypes.Canary, error) {
		return scanCanary(row)
	})
	return out, datatypes.WrapRepo("list canaries", err)
}

// ApplyRotation swaps the secret hash when it still equals r.OldSecretHash.
func (s *Store) ApplyRotation(ctx context.Context, r datatypes.Rotation, newSalt string) (datatypes.Canary, error) {
	var out datatypes.Canary
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := lockCanary(ctx, tx, r.CanaryID)
		if err != nil {
			return err
		}
		if c.CurrentSecretHash != r.OldSecretHash {
			return fmt.Errorf("rotate canary %s: %w", r.CanaryID, datatypes.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `UPDATE canaries SET current_secret_hash = $2, salt = $3 WHERE id = $1`,
			r.CanaryID, r.NewSecretHash, newSalt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO rotations (id, canary_id, old_secret_hash, new_secret_hash, rotated_at, rotated_by)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.CanaryID, r.OldSecretHash, r.NewSecretHash, r.RotatedAt, r.RotatedBy); err != nil {
			return err
		}
		c.CurrentSecretHash = r.NewSecretHash
		c.Salt = newSalt
		out = c
		return nil
	})
	return out, datatypes.WrapRepo("apply rotation", err)
}

// ListRotations returns a canary's rotations, newest first.
func (s *Store) ListRotations(ctx context.Context, canaryID string) ([]datatypes.Rotation, error) {
	if _, err := s.GetCanary(ctx, canaryID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, canary_id, old_secret_hash, new_secret_hash, rotated_at, rotated_by
		FROM rotations WHERE canary_id = $1 ORDER BY rotated_at DESC, id DESC`, canaryID)
	if err != nil {
		return nil, datatypes.WrapRepo("list rotations", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (datatypes.Rotation, error) {
		var r datatypes.Rotation
		err := row.Scan(&r.ID, &r.CanaryID, &r.OldSecretHash, &r.NewSecretHash, &r.RotatedAt, &r.RotatedBy)
		r.RotatedAt = r.RotatedAt.UTC()
		return r, err
	})
	return out, datatypes.WrapRepo("list rotations", err)
}

// CreatePlacement records a new placement of an existing canary.
func (s *Store) CreatePlacement(ctx context.Context, p datatypes.Placement) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockCanary(ctx, tx, p.CanaryID); err != nil {
			return err
		}
		return insertPlacement(ctx, tx, p)
	})
	return datatypes.WrapRepo("create placement", err)
}

// ListPlacements returns a canary's placements in insertion order.
func (s *Store) ListPlacements(ctx context.Context, canaryID string) ([]datatypes.Placement, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, canary_id, location_type, location_ref, inserted_at
		FROM placements WHERE canary_id = $1 ORDER BY inserted_at, id`, canaryID)
	if err != nil {
		return nil, datatypes.WrapRepo("list placements", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (datatypes.Placement, error) {
		var p datatypes.Placement
		var loc string
		err := row.Scan(&p.ID, &p.CanaryID, &loc, &p.LocationRef, &p.InsertedAt)
		p.LocationType = datatypes.LocationType(loc)
		p.InsertedAt = p.InsertedAt.UTC()
		return p, err
	})
	return out, datatypes.WrapRepo("list placements", err)
}

func insertPlacement(ctx context.Context, tx pgx.Tx, p datatypes.Placement) error {
	_, err := tx.Exec(ctx, `INSERT INTO placements (id, canary_id, location_type, location_ref, inserted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.CanaryID, string(p.LocationType), p.LocationRef, p.InsertedAt)
	return err
}

// lockCanary loads a canary and holds its row lock for the transaction.
func lockCanary(ctx context.Context, tx pgx.Tx, id string) (datatypes.Canary, error) {
	c, err := scanCanary(tx.QueryRow(ctx, `SELECT `+canaryColumns+` FROM canaries WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.Canary{}, datatypes.NewNotFound("canary", id)
	}
	return c, err
}

// =============================================================================
// Detections
// =============================================================================

const detectionColumns = `id, canary_id, detection_time, source, raw_event_json, actor_identity,
	confidence_score, alert_sent, hash_chain_prev, hash_chain_curr, correlation_id`

func scanDetection(row rowScanner) (datatypes.Detection, error) {
	var d datatypes.Detection
	var src string
	err := row.Scan(&d.ID, &d.CanaryID, &d.DetectionTime, &src, &d.RawEventJSON, &d.ActorIdentity,
		&d.ConfidenceScore, &d.AlertSent, &d.HashChainPrev, &d.HashChainCurr, &d.CorrelationID)
	d.Source = datatypes.DetectionSource(src)
	d.DetectionTime = d.DetectionTime.UTC()
	return d, err
}

// AppendDetection extends the chain of canaryID under the canary row lock.
func (s *Store) AppendDetection(ctx context.Context, canaryID string, build storage.AppendFunc) (datatypes.Detection, error) {
	var out datatypes.Detection
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockCanary(ctx, tx, canaryID); err != nil {
			return err
		}
		latest, err := latestDetection(ctx, tx, canaryID)
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
		_, err = tx.Exec(ctx, `INSERT INTO detections (`+detectionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.ID, d.CanaryID, d.DetectionTime, string(d.Source), d.RawEventJSON, d.ActorIdentity,
			d.ConfidenceScore, d.AlertSent, d.HashChainPrev, d.HashChainCurr, d.CorrelationID)
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, datatypes.WrapRepo("append detection", err)
}

// LatestDetection returns the chain head, or nil for an empty chain.
func (s *Store) LatestDetection(ctx context.Context, canaryID string) (*datatypes.Detection, error) {
	d, err := latestDetection(ctx, s.pool, canaryID)
	return d, datatypes.WrapRepo("latest detection", err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestDetection(ctx context.Context, q querier, canaryID string) (*datatypes.Detection, error) {
	d, err := scanDetection(q.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detections
		WHERE canary_id = $1 ORDER BY detection_time DESC, id DESC LIMIT 1`, canaryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDetections returns a canary's detections, oldest first.
func (s *Store) ListDetections(ctx context.Context, canaryID string) ([]datatypes.Detection, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+detectionColumns+` FROM detections
		WHERE canary_id = $1 ORDER BY detection_time, id`, canaryID)
	if err != nil {
		return nil, datatypes.WrapRepo("list detections", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (datatypes.Detection, error) {
		return scanDetection(row)
	})
	return out, datatypes.WrapRepo("list detections", err)
}

// GetDetectionByCorrelation resolves a correlation ID.
func (s *Store) GetDetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error) {
	d, err := scanDetection(s.pool.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detections
		WHERE correlation_id = $1`, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.Detection{}, datatypes.NewNotFound("detection", correlationID)
	}
	return d, datatypes.WrapRepo("get detection by correlation", err)
}

// MarkAlertSent flags a detection as alerted.
func (s *Store) MarkAlertSent(ctx context.Context, detectionID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE detections SET alert_sent = true WHERE id = $1`, detectionID)
	if err != nil {
		return datatypes.WrapRepo("mark alert sent", err)
	}
	if tag.RowsAffected() == 0 {
		return datatypes.NewNotFound("detection", detectionID)
	}
	return nil
}

// =============================================================================
// Alert Failures
// =============================================================================

const failureColumns = `id, detection_id, canary_id, adapter, reason, payload_json, attempts,
	last_error, created_at, replayed_at, replay_success`

func scanFailure(row rowScanner) (datatypes.AlertFailureRecord, error) {
	var r datatypes.AlertFailureRecord
	err := row.Scan(&r.ID, &r.DetectionID, &r.CanaryID, &r.Adapter, &r.Reason, &r.PayloadJSON,
		&r.Attempts, &r.LastError, &r.CreatedAt, &r.ReplayedAt, &r.ReplaySuccess)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.ReplayedAt != nil {
		t := r.ReplayedAt.UTC()
		r.ReplayedAt = &t
	}
	return r, err
}

// RecordAlertFailure inserts a dead-letter row.
func (s *Store) RecordAlertFailure(ctx context.Context, p datatypes.AlertFailureParams) (datatypes.AlertFailureRecord, error) {
	rec, err := scanFailure(s.pool.QueryRow(ctx, `INSERT INTO alert_failures
		(id, detection_id, canary_id, adapter, reason, payload_json, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+failureColumns,
		uuid.NewString(), p.DetectionID, p.CanaryID, p.Adapter, p.Reason, p.PayloadJSON, p.Attempts, p.LastError))
	return rec, datatypes.WrapRepo("record alert failure", err)
}

// ListAlertFailures returns up to limit records, newest first.
func (s *Store) ListAlertFailures(ctx context.Context, limit int) ([]datatypes.AlertFailureRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultFailureListLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+failureColumns+` FROM alert_failures
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, datatypes.WrapRepo("list alert failures", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (datatypes.AlertFailureRecord, error) {
		return scanFailure(row)
	})
	return out, datatypes.WrapRepo("list alert failures", err)
}

// GetAlertFailure loads one record.
func (s *Store) GetAlertFailure(ctx context.Context, id string) (datatypes.AlertFailureRecord, error) {
	rec, err := scanFailure(s.pool.QueryRow(ctx, `SELECT `+failureColumns+` FROM alert_failures WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.AlertFailureRecord{}, datatypes.NewNotFound("alert failure", id)
	}
	return rec, datatypes.WrapRepo("get alert failure", err)
}

// MarkReplay overwrites the replay outcome of a record.
func (s *Store) MarkReplay(ctx context.Context, id string, success bool) (datatypes.AlertFailureRecord, error) {
	rec, err := scanFailure(s.pool.QueryRow(ctx, `UPDATE alert_failures
		SET replayed_at = now(), replay_success = $2 WHERE id = $1
		RETURNING `+failureColumns, id, success))
	if errors.Is(err, pgx.ErrNoRows) {
		return datatypes.AlertFailureRecord{}, datatypes.NewNotFound("alert failure", id)
	}
	return rec, datatypes.WrapRepo("mark replay", err)
}

// PurgeAlertFailures deletes matching records, or counts them in dry-run.
func (s *Store) PurgeAlertFailures(ctx context.Context, c datatypes.PurgeCriteria) (int, error) {
	where, args := purgeWhere(c)
	if c.DryRun {
		var n int
		err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alert_failures`+where, args...).Scan(&n)
		return n, datatypes.WrapRepo("purge alert failures", err)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_failures`+where, args...)
	if err != nil {
		return 0, datatypes.WrapRepo("purge alert failures", err)
	}
	return int(tag.RowsAffected()), nil
}

// purgeWhere renders the criteria as a WHERE clause.
func purgeWhere(c datatypes.PurgeCriteria) (string, []any) {
	c = c.Normalize()
	var conds []string
	var args []any
	if c.OlderThan != nil {
		args = append(args, *c.OlderThan)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if c.SuccessfulOnly {
		conds = append(conds, "replay_success = true")
	} else if c.ReplayedOnly {
		conds = append(conds, "replayed_at IS NOT NULL")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// PendingAlertFailures counts records that were never replayed.
func (s *Store) PendingAlertFailures(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alert_failures WHERE replayed_at IS NULL`).Scan(&n)
	return n, datatypes.WrapRepo("pending alert failures", err)
}
