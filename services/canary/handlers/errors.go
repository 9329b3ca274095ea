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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianCanary/services/canary/datatypes"
	"github.com/AleutianAI/AleutianCanary/services/canary/deadletter"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// Error codes returned in {"error":{"code":...}}.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeAlertingDisabled = "ALERTING_DISABLED"
	CodeInternal         = "INTERNAL"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps err onto a status code and error envelope. Internal
// errors are logged and answered with a generic message.
func writeError(c *gin.Context, err error) {
	var verr *datatypes.ValidationError
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, CodeValidation, verr.Error())
	case errors.Is(err, datatypes.ErrNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, datatypes.ErrConflict):
		abort(c, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, deadletter.ErrAlertingDisabled):
		abort(c, http.StatusServiceUnavailable, CodeAlertingDisabled, err.Error())
	default:
		ctx := c.Request.Context()
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
		}
		slog.ErrorContext(ctx, "request failed", attrs...)
		abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// bindJSON decodes the request body into dst. With optional set, an empty
// body leaves dst untouched.
func bindJSON(c *gin.Context, dst any, optional bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		abort(c, http.StatusBadRequest, CodeValidation, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
