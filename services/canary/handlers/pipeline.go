// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/deadletter"
	"github.com/AleutianAI/AleutianCanary/services/canary/engine"
	"github.com/gin-gonic/gin"
)

// healthPingTimeout bounds the store ping in /healthz.
const healthPingTimeout = 2 * time.Second

// Publisher hands detection events to the pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev datatypes.DetectionEvent)
}

// EngineStatus exposes the engine snapshot.
type EngineStatus interface {
	Snapshot() engine.Snapshot
}

// HealthStore is the persistence probed by /healthz.
type HealthStore interface {
	Ping(ctx context.Context) error
	PendingAlertFailures(ctx context.Context) (int, error)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status               string          `json:"status"`
	Engine               engine.Snapshot `json:"engine"`
	PendingAlertFailures int             `json:"pendingAlertFailures"`
	Error                string          `json:"error,omitempty"`
}

// SimulateDetection accepts a detection event and publishes it.
//
// # Description
//
// In async mode the event is published on a goroutine detached from the
// request and 202 is returned at once. With sync set the handler publishes
// inline, so the response is sent only after the pipeline (including
// alert delivery when the engine runs alerts synchronously) has finished.
// Processing errors after intake are logged by the engine, never returned.
func SimulateDetection(pub Publisher, sync bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SimulateDetectionRequest
		if !bindJSON(c, &req, false) {
			return
		}
		if err := req.Validate(); err != nil {
			writeError(c, err)
			return
		}
		ev := req.Event()

		if sync {
			pub.Publish(c.Request.Context(), ev)
		} else {
			ctx := context.WithoutCancel(c.Request.Context())
			go pub.Publish(ctx, ev)
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
	}
}

// HealthCheck reports engine state and the dead-letter backlog. A failing
// store ping answers 503 with status "degraded".
func HealthCheck(status EngineStatus, store HealthStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()

		resp := HealthResponse{Status: "ok", Engine: status.Snapshot()}
		if err := store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		if n, err := store.PendingAlertFailures(ctx); err == nil {
			resp.PendingAlertFailures = n
		}
		c.JSON(http.StatusOK, resp)
	}
}

// =============================================================================
// Dead-Letter Endpoints
// =============================================================================

func ListAlertFailures(r *deadletter.Replayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(c, &datatypes.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
				return
			}
			limit = n
		}
		records, pending, err := r.List(c.Request.Context(), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"failures": nonNil(records), "pending": pending})
	}
}

func ReplayAlertFailures(r *deadletter.Replayer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ReplayRequest
		if !bindJSON(c, &req, true) {
			return
		}
		results, err := r.Replay(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": nonNil(results)})
	}
}

func PurgeAlertFailures(p *deadletter.Purger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PurgeRequest
		if !bindJSON(c, &req, false) {
			return
		}
		res, err := p.Purge(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
