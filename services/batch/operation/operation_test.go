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
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, 3, DefaultPriority(TypeAnalyze))
	assert.Equal(t, 2, DefaultPriority(TypeValidate))
	assert.Equal(t, 1, DefaultPriority(TypeEdit))
	assert.Equal(t, 1, DefaultPriority(TypeCreate))
	assert.Equal(t, 0, DefaultPriority(TypeDelete))

	p := 9
	op := Operation{Type: TypeDelete, Priority: &p}
	assert.Equal(t, 9, op.EffectivePriority())
}

func TestTouchedPaths(t *testing.T) {
	op := Operation{Type: TypeAnalyze, Path: "./a/b.go", Paths: []string{"a/b.go", "a//c.go", "a/../d.go"}}
	assert.Equal(t, []string{"a/b.go", "a/c.go", "d.go"}, op.TouchedPaths())
}

func TestAllTouchedPaths_FirstReferenceOrder(t *testing.T) {
	ops := []Operation{
		{Type: TypeEdit, Path: "b.txt"},
		{Type: TypeAnalyze, Paths: []string{"a.txt", "b.txt"}},
		{Type: TypeDelete, Path: "c.txt"},
	}
	assert.Equal(t, []string{"b.txt", "a.txt", "c.txt"}, AllTouchedPaths(ops))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"analyze with path", Operation{Type: TypeAnalyze, Path: "a.go"}, false},
		{"analyze with paths", Operation{Type: TypeAnalyze, Paths: []string{"a.go", "b.go"}}, false},
		{"analyze without target", Operation{Type: TypeAnalyze}, true},
		{"create", Operation{Type: TypeCreate, Path: "x.txt", Content: strPtr("")}, false},
		{"create without content", Operation{Type: TypeCreate, Path: "x.txt"}, true},
		{"edit replace", Operation{Type: TypeEdit, Path: "x.txt", OldString: "a", NewString: "b"}, false},
		{"edit full content", Operation{Type: TypeEdit, Path: "x.txt", Content: strPtr("z")}, false},
		{"edit patch", Operation{Type: TypeEdit, Path: "x.txt", Patch: "--- a\n+++ b\n"}, false},
		{"edit two modes", Operation{Type: TypeEdit, Path: "x.txt", OldString: "a", Patch: "p"}, true},
		{"edit no mode", Operation{Type: TypeEdit, Path: "x.txt"}, true},
		{"delete", Operation{Type: TypeDelete, Path: "x.txt"}, false},
		{"delete without path", Operation{Type: TypeDelete}, true},
		{"validate with script", Operation{Type: TypeValidate, Path: "x.py", Script: "exit 0"}, false},
		{"script on edit", Operation{Type: TypeEdit, Path: "x", OldString: "a", Script: "exit 0"}, true},
		{"unknown type", Operation{Type: "rename", Path: "x"}, true},
		{"empty dependency id", Operation{Type: TypeDelete, Path: "x", DependsOn: []string{""}}, true},
		{"negative timeout", Operation{Type: TypeDelete, Path: "x", TimeoutMs: -1}, true},
		{"root path", Operation{Type: TypeDelete, Path: "."}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.op)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidOperation))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("assigns ids and copies", func(t *testing.T) {
		in := []Operation{
			{Type: TypeDelete, Path: "a"},
			{ID: "keep", Type: TypeDelete, Path: "b", DependsOn: []string{"x"}},
		}
		out, err := Normalize(in)
		require.NoError(t, err)
		require.Len(t, out, 2)

		assert.NotEmpty(t, out[0].ID)
		assert.Empty(t, in[0].ID, "input must not be modified")
		assert.Equal(t, "keep", out[1].ID)

		in[1].DependsOn[0] = "changed"
		assert.Equal(t, "x", out[1].DependsOn[0])
	})

	t.Run("duplicate ids", func(t *testing.T) {
		_, err := Normalize([]Operation{
			{ID: "a", Type: TypeDelete, Path: "a"},
			{ID: "a", Type: TypeDelete, Path: "b"},
		})
		assert.ErrorIs(t, err, ErrDuplicateID)
		var idErr *IDError
		require.ErrorAs(t, err, &idErr)
		assert.Equal(t, "a", idErr.OperationID)
		assert.Equal(t, `operation "a": duplicate operation id`, err.Error())
	})
}

func TestResultMarshalJSON(t *testing.T) {
	r := Result{OperationID: "a", Status: StatusFailed, Err: errors.New("boom")}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "boom", decoded["error"])
	assert.Equal(t, "failed", decoded["status"])
}
