// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package request decodes batch documents.
//
// A batch document is JSON or YAML of the form
//
//	operations:
//	  - id: make
//	    type: create
//	    path: a.txt
//	    content: hello
//	options:
//	  parallel: true
//
// Documents are checked against an embedded JSON Schema before they are
// decoded, so unknown fields and wrong types are reported with their
// location instead of being silently dropped.
package request

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/resource"
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("request: embedded schema is invalid: %v", err))
	}
	return s
}

// Schema returns the JSON Schema batch documents are validated against.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ErrInvalidRequest is returned for documents that cannot be decoded or do
// not match the schema.
var ErrInvalidRequest = errors.New("invalid batch request")

// SchemaError lists every schema violation in a document.
type SchemaError struct {
	Violations []string
}

// Error implements error.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidRequest, strings.Join(e.Violations, "; "))
}

// Unwrap returns ErrInvalidRequest.
func (e *SchemaError) Unwrap() error {
	return ErrInvalidRequest
}

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatAuto Format = ""
)

// FormatFor picks a format from a file name. Unknown extensions give
// FormatAuto.
func FormatFor(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatAuto
	}
}

// Limits is the document form of resource.Limits.
type Limits struct {
	MaxDurationMs int64 `json:"maxDurationMs,omitempty" yaml:"maxDurationMs,omitempty"`
	MaxBytes      int64 `json:"maxBytes,omitempty" yaml:"maxBytes,omitempty"`
	MaxHeapBytes  int64 `json:"maxHeapBytes,omitempty" yaml:"maxHeapBytes,omitempty"`
}

// Options is the document form of engine.Options. Unset fields keep the
// caller's defaults.
type Options struct {
	Parallel        *bool   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Transaction     *bool   `json:"transaction,omitempty" yaml:"transaction,omitempty"`
	ContinueOnError *bool   `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	CacheStrategy   string  `json:"cacheStrategy,omitempty" yaml:"cacheStrategy,omitempty"`
	Limits          *Limits `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Apply overlays the set fields of o onto base.
func (o *Options) Apply(base engine.Options) engine.Options {
	if o == nil {
		return base
	}
	if o.Parallel != nil {
		base.Parallel = *o.Parallel
	}
	if o.Transaction != nil {
		base.Transaction = *o.Transaction
	}
	if o.ContinueOnError != nil {
		base.ContinueOnError = *o.ContinueOnError
	}
	if o.CacheStrategy != "" {
		base.CacheStrategy = engine.CacheStrategy(o.CacheStrategy)
	}
	if o.Limits != nil {
		base.Limits = resource.Limits{
			MaxDuration:  time.Duration(o.Limits.MaxDurationMs) * time.Millisecond,
			MaxBytes:     o.Limits.MaxBytes,
			MaxHeapBytes: o.Limits.MaxHeapBytes,
		}
	}
	return base
}

// Request is a decoded batch document.
type Request struct {
	Operations []operation.Operation `json:"operations" yaml:"operations"`
	Options    *Options              `json:"options,omitempty" yaml:"options,omitempty"`
}

// Decode validates data against the schema and decodes it.
//
// # Inputs
//
//   - data: The document.
//   - format: FormatAuto treats data starting with '{' as JSON and anything
//     else as YAML.
//
// # Outputs
//
//   - *Request: The decoded batch. Operations are not normalized.
//   - error: *SchemaError for schema violations, otherwise an error wrapping
//     ErrInvalidRequest.
func Decode(data []byte, format Format) (*Request, error) {
	if format == FormatAuto {
		format = sniff(data)
	}

	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}
		return nil, &SchemaError{Violations: violations}
	}

	var req Request
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &req, nil
}

func sniff(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON returns data as JSON. YAML is decoded into plain maps and slices
// and re-encoded so one schema covers both formats.
func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidRequest)
		}
		return data, nil
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidRequest)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, format)
	}
}
