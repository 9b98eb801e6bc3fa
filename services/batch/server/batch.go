// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
	"github.com/AleutianAI/filebatch/services/batch/request"
	"github.com/AleutianAI/filebatch/services/batch/security"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// PlanResponse is the body of POST /v1/batch/plan.
type PlanResponse struct {
	Operations []operation.Operation  `json:"operations"`
	Plan       *planner.ExecutionPlan `json:"plan"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Violations []string       `json:"violations,omitempty"`
	Report     *engine.Report `json:"report,omitempty"`
}

func (s *Server) plan(c *gin.Context) {
	req, ok := s.decode(c)
	if !ok {
		return
	}
	ops, plan, err := s.engine.Prepare(req.Operations)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if ops == nil {
		ops = []operation.Operation{}
	}
	c.JSON(http.StatusOK, PlanResponse{Operations: ops, Plan: plan})
}

func (s *Server) execute(c *gin.Context) {
	req, ok := s.decode(c)
	if !ok {
		return
	}
	opts := req.Options.Apply(s.defaults)
	report, err := s.engine.Execute(c.Request.Context(), req.Operations, opts)
	if err != nil {
		s.fail(c, err, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// decode reads a size-capped body and decodes it as a request document.
// It writes the error reply itself and reports false on failure.
func (s *Server) decode(c *gin.Context) (*request.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		}
		return nil, false
	}
	req, err := request.Decode(body, formatOf(c.ContentType()))
	if err != nil {
		s.fail(c, err, nil)
		return nil, false
	}
	return req, true
}

func formatOf(contentType string) request.Format {
	switch {
	case strings.Contains(contentType, "json"):
		return request.FormatJSON
	case strings.Contains(contentType, "yaml"):
		return request.FormatYAML
	default:
		return request.FormatAuto
	}
}

// statusFor maps engine and request errors to HTTP status codes.
func statusFor(err error) int {
	var snapErr *transaction.SnapshotError
	switch {
	case errors.Is(err, request.ErrInvalidRequest), errors.Is(err, engine.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, security.ErrPathRejected):
		return http.StatusForbidden
	case planner.IsPlanningError(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &snapErr):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error, report *engine.Report) {
	c.JSON(statusFor(err), ErrorResponse{Error: err.Error(), Violations: violationsOf(err), Report: report})
}

func violationsOf(err error) []string {
	var schemaErr *request.SchemaError
	if errors.As(err, &schemaErr) {
		return schemaErr.Violations
	}
	return nil
}

func (s *Server) listTransactions(c *gin.Context) {
	txm := s.engine.Transactions()
	txs := txm.List()
	if c.Query("active") == "true" {
		txs = txm.Active()
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (s *Server) getTransaction(c *gin.Context) {
	tx, ok := s.engine.Transactions().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, tx)
}

// CleanupEntry reports one abandoned transaction rolled back by cleanup.
type CleanupEntry struct {
	TransactionID string                      `json:"transactionId"`
	AgeMs         int64                       `json:"ageMs"`
	Result        *transaction.RollbackResult `json:"result,omitempty"`
	Error         string                      `json:"error,omitempty"`
}

func (s *Server) cleanup(c *gin.Context) {
	maxAge := DefaultCleanupMaxAge
	if raw := c.Query("maxAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "maxAge must be a non-negative duration"})
			return
		}
		maxAge = d
	}

	reports, err := s.engine.Transactions().CleanupAbandonedTransactions(c.Request.Context(), maxAge)
	entries := make([]CleanupEntry, 0, len(reports))
	for _, r := range reports {
		e := CleanupEntry{TransactionID: r.TransactionID, AgeMs: r.Age.Milliseconds(), Result: r.Result}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		entries = append(entries, e)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "cleaned": entries})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": entries})
}
