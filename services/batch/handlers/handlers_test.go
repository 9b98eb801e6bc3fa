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
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filebatch/services/batch/analysis"
	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/security"
)

func str(s string) *string { return &s }

func newExecutor(t *testing.T) (*Executor, *fsys.Memory) {
	t.Helper()
	mem := fsys.NewMemory(nil)
	sec := security.NewService(security.Config{BlockedPatterns: []string{}})
	return NewExecutor(Env{FS: mem, Security: sec}), mem
}

func write(t *testing.T, fs fsys.FileSystem, path, content string) {
	t.Helper()
	require.NoError(t, fs.WriteFile(context.Background(), path, []byte(content)))
}

func read(t *testing.T, fs fsys.FileSystem, path string) string {
	t.Helper()
	b, err := fs.ReadFile(context.Background(), path)
	require.NoError(t, err)
	return string(b)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	ex, mem := newExecutor(t)

	out, err := ex.Execute(ctx, operation.Operation{Type: operation.TypeCreate, Path: "a/b.txt", Content: str("hello")}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out.Bytes)
	assert.Equal(t, "hello", read(t, mem, "a/b.txt"))
	assert.False(t, out.Data.(CreateData).Overwritten)

	_, err = ex.Execute(ctx, operation.Operation{Type: operation.TypeCreate, Path: "a/b.txt", Content: str("again")}, nil)
	assert.ErrorIs(t, err, ErrFileExists)
	assert.Equal(t, "hello", read(t, mem, "a/b.txt"))

	out, err = ex.Execute(ctx, operation.Operation{Type: operation.TypeCreate, Path: "a/b.txt", Content: str("again"), Overwrite: true}, nil)
	require.NoError(t, err)
	assert.True(t, out.Data.(CreateData).Overwritten)
	assert.Equal(t, "again", read(t, mem, "a/b.txt"))
}

func TestCreate_EmptyContent(t *testing.T) {
	ex, mem := newExecutor(t)
	_, err := ex.Execute(context.Background(), operation.Operation{Type: operation.TypeCreate, Path: "empty"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", read(t, mem, "empty"))
}

func TestEdit_Replace(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		content string
		op      operation.Operation
		want    string
		wantErr error
	}{
		{
			name:    "single occurrence",
			content: "func a() {}\nfunc b() {}\n",
			op:      operation.Operation{OldString: "func a", NewString: "func alpha"},
			want:    "func alpha() {}\nfunc b() {}\n",
		},
		{
			name:    "ambiguous",
			content: "x x",
			op:      operation.Operation{OldString: "x", NewString: "y"},
			wantErr: ErrAmbiguousEdit,
		},
		{
			name:    "replace all",
			content: "x x",
			op:      operation.Operation{OldString: "x", NewString: "y", ReplaceAll: true},
			want:    "y y",
		},
		{
			name:    "not found",
			content: "abc",
			op:      operation.Operation{OldString: "zzz", NewString: "y"},
			wantErr: ErrOldStringNotFound,
		},
		{
			name:    "full content",
			content: "old",
			op:      operation.Operation{Content: str("new")},
			want:    "new",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, mem := newExecutor(t)
			write(t, mem, "f.go", tt.content)
			op := tt.op
			op.Type, op.Path = operation.TypeEdit, "f.go"

			_, err := ex.Execute(ctx, op, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.content, read(t, mem, "f.go"), "failed edit must not write")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, read(t, mem, "f.go"))
		})
	}
}

func TestEdit_MissingFile(t *testing.T) {
	ex, _ := newExecutor(t)
	_, err := ex.Execute(context.Background(), operation.Operation{Type: operation.TypeEdit, Path: "nope", Content: str("x")}, nil)
	assert.True(t, fsys.IsNotFound(err))
}

const patchBase = "line1\nline2\nline3\nline4\nline5\n"

func TestEdit_Patch(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		patch   string
		want    string
		wantErr error
	}{
		{
			name: "modify middle",
			base: patchBase,
			patch: `--- a/f.txt
+++ b/f.txt
@@ -2,3 +2,3 @@
 line2
-line3
+LINE3
 line4
`,
			want: "line1\nline2\nLINE3\nline4\nline5\n",
		},
		{
			name: "two hunks",
			base: patchBase,
			patch: `--- a/f.txt
+++ b/f.txt
@@ -1,2 +1,2 @@
-line1
+first
 line2
@@ -4,2 +4,3 @@
 line4
 line5
+line6
`,
			want: "first\nline2\nline3\nline4\nline5\nline6\n",
		},
		{
			name: "insert into empty file",
			base: "",
			patch: `--- a/f.txt
+++ b/f.txt
@@ -0,0 +1,2 @@
+a
+b
`,
			want: "a\nb\n",
		},
		{
			name: "context mismatch",
			base: patchBase,
			patch: `--- a/f.txt
+++ b/f.txt
@@ -2,2 +2,2 @@
 line2
-something else
+x
`,
			wantErr: ErrPatchMismatch,
		},
		{
			name: "two files",
			base: patchBase,
			patch: `--- a/f.txt
+++ b/f.txt
@@ -1,1 +1,1 @@
-line1
+x
--- a/g.txt
+++ b/g.txt
@@ -1,1 +1,1 @@
-y
+z
`,
			wantErr: ErrInvalidPatch,
		},
		{
			name:    "no files",
			base:    patchBase,
			patch:   "just some text\n",
			wantErr: ErrInvalidPatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, mem := newExecutor(t)
			write(t, mem, "f.txt", tt.base)

			out, err := ex.Execute(context.Background(), operation.Operation{Type: operation.TypeEdit, Path: "f.txt", Patch: tt.patch}, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.base, read(t, mem, "f.txt"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, read(t, mem, "f.txt"))
			assert.Equal(t, EditModePatch, out.Data.(EditData).Mode)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	local, err := fsys.NewLocal(t.TempDir())
	require.NoError(t, err)
	ex := NewExecutor(Env{FS: local})

	write(t, local, "dir/a.txt", "a")
	write(t, local, "dir/b.txt", "bb")

	out, err := ex.Execute(ctx, operation.Operation{Type: operation.TypeDelete, Path: "dir/a.txt", RemoveEmptyDir: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Data.(DeleteData).RemovedDir, "dir still holds b.txt")
	assert.Equal(t, int64(1), out.Bytes)

	out, err = ex.Execute(ctx, operation.Operation{Type: operation.TypeDelete, Path: "dir/b.txt", RemoveEmptyDir: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "dir", out.Data.(DeleteData).RemovedDir)
	ok, err := fsys.Exists(ctx, local, "dir/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ex.Execute(ctx, operation.Operation{Type: operation.TypeDelete, Path: "dir/b.txt"}, nil)
	assert.True(t, fsys.IsNotFound(err))
}

func TestAnalyze_UsesCache(t *testing.T) {
	ctx := context.Background()
	ex, mem := newExecutor(t)
	write(t, mem, "a.go", "package a\n\nfunc A() {}\n")
	write(t, mem, "b.go", "package a\n\nfunc A() {}\n")

	cache := analysis.NewCache()
	out, err := ex.Execute(ctx, operation.Operation{Type: operation.TypeAnalyze, Paths: []string{"a.go", "b.go"}}, cache)
	require.NoError(t, err)

	data := out.Data.(AnalyzeData)
	require.Len(t, data.Files, 2)
	assert.Equal(t, "a.go", data.Files[0].Path)
	assert.Equal(t, "b.go", data.Files[1].Path)
	assert.Equal(t, "go", data.Files[0].Language)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits, "identical content is parsed once")
}

func TestValidate_SyntaxError(t *testing.T) {
	ex, mem := newExecutor(t)
	write(t, mem, "bad.go", "package a\n\nfunc (\n")

	out, err := ex.Execute(context.Background(), operation.Operation{Type: operation.TypeValidate, Path: "bad.go"}, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	data := out.Data.(*ValidateData)
	assert.False(t, data.Valid)
	assert.NotEmpty(t, data.Errors)
}

func TestValidate_Script(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sandbox scripts use /bin/sh")
	}
	ctx := context.Background()
	ex, mem := newExecutor(t)
	write(t, mem, "ok.go", "package a\n\nfunc A() {}\n")

	out, err := ex.Execute(ctx, operation.Operation{
		Type:   operation.TypeValidate,
		Path:   "ok.go",
		Script: `grep -q "func A" "$1"`,
	}, nil)
	require.NoError(t, err)
	data := out.Data.(*ValidateData)
	assert.True(t, data.Valid)
	require.NotNil(t, data.Script)
	assert.True(t, data.Script.Success)

	out, err = ex.Execute(ctx, operation.Operation{
		Type:   operation.TypeValidate,
		Path:   "ok.go",
		Script: `grep -q "func B" "$1"`,
	}, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.False(t, out.Data.(*ValidateData).Valid)
}

func TestExecute_Delay(t *testing.T) {
	ex, mem := newExecutor(t)
	write(t, mem, "a.txt", "x")

	start := time.Now()
	_, err := ex.Execute(context.Background(), operation.Operation{Type: operation.TypeAnalyze, Path: "a.txt", DelayMs: 30}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.Execute(ctx, operation.Operation{Type: operation.TypeAnalyze, Path: "a.txt", DelayMs: 1000}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecute_UnsupportedType(t *testing.T) {
	ex, _ := newExecutor(t)
	_, err := ex.Execute(context.Background(), operation.Operation{Type: "rename", Path: "a"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
