// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package request

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/operation"
)

const yamlDoc = `
operations:
  - id: make
    type: create
    path: pkg/a.go
    content: |
      package a
  - id: fix
    type: edit
    path: pkg/a.go
    oldString: "package a"
    newString: "package b"
    dependsOn: [make]
    priority: 7
  - type: analyze
    paths: [pkg/a.go, pkg/b.go]
options:
  parallel: false
  continueOnError: true
  cacheStrategy: shared
  limits:
    maxDurationMs: 1500
    maxBytes: 4096
`

func TestDecode_YAML(t *testing.T) {
	req, err := Decode([]byte(yamlDoc), FormatYAML)
	require.NoError(t, err)
	require.Len(t, req.Operations, 3)

	create := req.Operations[0]
	assert.Equal(t, operation.TypeCreate, create.Type)
	require.NotNil(t, create.Content)
	assert.Equal(t, "package a\n", *create.Content)

	edit := req.Operations[1]
	assert.Equal(t, []string{"make"}, edit.DependsOn)
	require.NotNil(t, edit.Priority)
	assert.Equal(t, 7, *edit.Priority)

	assert.Equal(t, []string{"pkg/a.go", "pkg/b.go"}, req.Operations[2].Paths)

	opts := req.Options.Apply(engine.DefaultOptions())
	assert.False(t, opts.Parallel)
	assert.True(t, opts.Transaction, "unset fields keep defaults")
	assert.True(t, opts.ContinueOnError)
	assert.Equal(t, engine.CacheShared, opts.CacheStrategy)
	assert.Equal(t, 1500*time.Millisecond, opts.Limits.MaxDuration)
	assert.Equal(t, int64(4096), opts.Limits.MaxBytes)
}

func TestDecode_JSONAuto(t *testing.T) {
	doc := `{"operations":[{"type":"delete","path":"old.txt","removeEmptyDir":true}]}`
	req, err := Decode([]byte(doc), FormatAuto)
	require.NoError(t, err)
	require.Len(t, req.Operations, 1)
	assert.True(t, req.Operations[0].RemoveEmptyDir)
	assert.Nil(t, req.Options)

	opts := req.Options.Apply(engine.DefaultOptions())
	assert.Equal(t, engine.DefaultOptions().Parallel, opts.Parallel)
}

func TestDecode_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown type", `{"operations":[{"type":"rename","path":"a"}]}`},
		{"missing path", `{"operations":[{"type":"edit","content":"x"}]}`},
		{"unknown field", `{"operations":[{"type":"edit","path":"a","colour":"red"}]}`},
		{"wrong type", `{"operations":[{"type":"edit","path":"a","priority":"high"}]}`},
		{"negative delay", `{"operations":[{"type":"edit","path":"a","delayMs":-1}]}`},
		{"bad strategy", `{"operations":[],"options":{"cacheStrategy":"forever"}}`},
		{"no operations", `{"options":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc), FormatJSON)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)

			var schemaErr *SchemaError
			require.True(t, errors.As(err, &schemaErr))
			assert.NotEmpty(t, schemaErr.Violations)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"operations": [`), FormatJSON)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = Decode([]byte("operations: [\n"), FormatYAML)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = Decode([]byte(""), FormatYAML)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatFor("batch.JSON"))
	assert.Equal(t, FormatYAML, FormatFor("batch.yml"))
	assert.Equal(t, FormatYAML, FormatFor("x/batch.yaml"))
	assert.Equal(t, FormatAuto, FormatFor("batch"))
}

func TestSchema_IsCopy(t *testing.T) {
	s := Schema()
	s[0] = 'x'
	assert.Equal(t, byte('{'), Schema()[0])
}
