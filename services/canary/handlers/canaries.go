// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the canaryd HTTP API on gin.
//
// Every handler is a factory taking its dependencies and returning a
// gin.HandlerFunc. Errors are answered as {"error":{"code","message"}}.
package handlers

import (
	"context"
	"net/http"

	"github.com/AleutianAI/AleutianCanary/services/canary/canaries"
	"github.com/AleutianAI/AleutianCanary/services/canary/chain"
	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/gin-gonic/gin"
)

// CanaryService is the part of canaries.Service the API exposes.
type CanaryService interface {
	Create(ctx context.Context, req datatypes.CreateCanaryRequest) (canaries.Created, error)
	Get(ctx context.Context, id string) (datatypes.Canary, []datatypes.Placement, error)
	List(ctx context.Context) ([]datatypes.Canary, error)
	AddPlacement(ctx context.Context, canaryID string, in datatypes.PlacementInput) (datatypes.Placement, error)
	Rotate(ctx context.Context, id, rotatedBy string) (canaries.Rotated, error)
	Rotations(ctx context.Context, id string) ([]datatypes.Rotation, error)
	Detections(ctx context.Context, id string) ([]datatypes.Detection, error)
	DetectionByCorrelation(ctx context.Context, correlationID string) (datatypes.Detection, error)
	VerifyChain(ctx context.Context, id string, byLinkage bool) (chain.VerificationResult, error)
	TokenTypes() []datatypes.CanaryType
}

// CreateCanaryResponse is returned by POST /v1/canaries.
type CreateCanaryResponse struct {
	Canary     datatypes.PublicCanary `json:"canary"`
	Placements []datatypes.Placement  `json:"placements"`
	MockSecret string                 `json:"mockSecret,omitempty"`
	Display    string                 `json:"display,omitempty"`
}

// CanaryResponse is returned by GET /v1/canaries/:id.
type CanaryResponse struct {
	Canary     datatypes.PublicCanary `json:"canary"`
	Placements []datatypes.Placement  `json:"placements"`
}

// RotateResponse is returned by POST /v1/canaries/:id/rotate.
type RotateResponse struct {
	Canary     datatypes.PublicCanary `json:"canary"`
	Rotation   datatypes.Rotation     `json:"rotation"`
	MockSecret string                 `json:"mockSecret"`
	Display    string                 `json:"display"`
}

// RotateRequest is the optional body of POST /v1/canaries/:id/rotate.
type RotateRequest struct {
	RotatedBy string `json:"rotatedBy"`
}

func CreateCanary(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateCanaryRequest
		if !bindJSON(c, &req, false) {
			return
		}
		out, err := svc.Create(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateCanaryResponse{
			Canary:     out.Canary.Public(),
			Placements: nonNil(out.Placements),
			MockSecret: out.MockSecret,
			Display:    out.Display,
		})
	}
}

func ListCanaries(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		public := make([]datatypes.PublicCanary, 0, len(list))
		for _, cn := range list {
			public = append(public, cn.Public())
		}
		c.JSON(http.StatusOK, gin.H{"canaries": public})
	}
}

func GetCanary(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cn, placements, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, CanaryResponse{Canary: cn.Public(), Placements: nonNil(placements)})
	}
}

func RotateCanary(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RotateRequest
		if !bindJSON(c, &req, true) {
			return
		}
		out, err := svc.Rotate(c.Request.Context(), c.Param("id"), req.RotatedBy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, RotateResponse{
			Canary:     out.Canary.Public(),
			Rotation:   out.Rotation,
			MockSecret: out.MockSecret,
			Display:    out.Display,
		})
	}
}

func ListRotations(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rotations, err := svc.Rotations(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rotations": nonNil(rotations)})
	}
}

func AddPlacement(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in datatypes.PlacementInput
		if !bindJSON(c, &in, false) {
			return
		}
		p, err := svc.AddPlacement(c.Request.Context(), c.Param("id"), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"placement": p})
	}
}

func ListDetections(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dets, err := svc.Detections(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"detections": nonNil(dets)})
	}
}

// VerifyChain answers 200 for both valid and broken chains. The query
// parameter order=linkage reorders detections by hash links first.
func VerifyChain(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		byLinkage := c.Query("order") == "linkage"
		res, err := svc.VerifyChain(c.Request.Context(), c.Param("id"), byLinkage)
		if err != nil {
			writeError(c, err)
			return
		}
		res.Breaks = nonNil(res.Breaks)
		c.JSON(http.StatusOK, res)
	}
}

func GetDetectionByCorrelation(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := svc.DetectionByCorrelation(c.Request.Context(), c.Param("correlationId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"detection": d})
	}
}

func ListTokenTypes(svc CanaryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"types": svc.TokenTypes()})
	}
}

// nonNil makes empty lists serialize as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
