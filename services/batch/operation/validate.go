// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrInvalidOperation is returned when an operation fails validation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrDuplicateID is returned when two operations in a batch share an ID.
	ErrDuplicateID = errors.New("duplicate operation id")
)

// IDError ties a batch-level validation failure to one operation.
type IDError struct {
	OperationID string
	Err         error
}

func (e *IDError) Error() string {
	return fmt.Sprintf("operation %q: %v", e.OperationID, e.Err)
}

// Unwrap returns the sentinel cause.
func (e *IDError) Unwrap() error {
	return e.Err
}

// validate is the package-wide validator instance. validator.Validate caches
// struct metadata and is safe for concurrent use.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("optype", func(fl validator.FieldLevel) bool {
		return Type(fl.Field().String()).Valid()
	})
	validate.RegisterStructValidation(payloadValidation, Operation{})
}

// payloadValidation checks the fields that depend on Type.
func payloadValidation(sl validator.StructLevel) {
	op := sl.Current().Interface().(Operation)

	switch op.Type {
	case TypeAnalyze:
		if op.Path == "" && len(op.Paths) == 0 {
			sl.ReportError(op.Path, "Path", "path", "required_for_analyze", "")
		}
	case TypeCreate:
		if op.Path == "" {
			sl.ReportError(op.Path, "Path", "path", "required", "")
		}
		if op.Content == nil {
			sl.ReportError(op.Content, "Content", "content", "required_for_create", "")
		}
	case TypeEdit:
		if op.Path == "" {
			sl.ReportError(op.Path, "Path", "path", "required", "")
		}
		modes := 0
		if op.Content != nil {
			modes++
		}
		if op.OldString != "" {
			modes++
		}
		if op.Patch != "" {
			modes++
		}
		if modes != 1 {
			sl.ReportError(op.OldString, "OldString", "oldString", "one_edit_mode", "")
		}
	case TypeDelete, TypeValidate:
		if op.Path == "" {
			sl.ReportError(op.Path, "Path", "path", "required", "")
		}
	}

	if op.Type != TypeAnalyze && len(op.Paths) > 0 {
		sl.ReportError(op.Paths, "Paths", "paths", "analyze_only", "")
	}
	if op.Script != "" && op.Type != TypeValidate {
		sl.ReportError(op.Script, "Script", "script", "validate_only", "")
	}
	for _, p := range op.TouchedPaths() {
		if p == "." || strings.ContainsRune(p, 0) {
			sl.ReportError(p, "Path", "path", "valid_path", p)
		}
	}
}

// Validate checks a single operation.
//
// # Outputs
//
//   - error: nil when valid; otherwise wraps ErrInvalidOperation and names the
//     failing fields.
func Validate(op Operation) error {
	if err := validate.Struct(op); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s %q: %s", ErrInvalidOperation, op.Type, op.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return nil
}

// Normalize copies ops, assigns IDs to operations without one and validates
// every operation.
//
// # Description
//
// Generated IDs are UUIDv4 strings. Caller-supplied IDs must be unique within
// the batch. The input slice is never modified.
//
// # Outputs
//
//   - []Operation: Deep copy of ops with IDs filled in.
//   - error: ErrInvalidOperation, or an *IDError wrapping ErrDuplicateID, on
//     the first problem.
func Normalize(ops []Operation) ([]Operation, error) {
	out := make([]Operation, len(ops))
	seen := make(map[string]struct{}, len(ops))

	for i, op := range ops {
		c := op.Clone()
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if _, dup := seen[c.ID]; dup {
			return nil, &IDError{OperationID: c.ID, Err: ErrDuplicateID}
		}
		seen[c.ID] = struct{}{}

		if err := Validate(c); err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
