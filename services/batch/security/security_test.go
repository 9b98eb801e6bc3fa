// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filebatch/services/batch/fsys"
)

func TestValidatePath_Lexical(t *testing.T) {
	s := NewService(Config{})

	tests := []struct {
		path  string
		valid bool
	}{
		{"src/main.go", true},
		{"./docs/readme.md", true},
		{"", false},
		{".", false},
		{"../escape.txt", false},
		{"a/../../escape.txt", false},
		{"/abs/path", false},
		{".git/config", false},
		{"vendor/.git/HEAD", false},
		{".gitignore", true},
		{"home/.ssh/id_rsa", false},
		{"app/.env", false},
		{"nul\x00byte", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v := s.ValidatePath(tt.path)
			assert.Equal(t, tt.valid, v.IsValid, "reason: %s", v.Reason)
			if !tt.valid {
				assert.NotEmpty(t, v.Reason)
				assert.True(t, errors.Is(v.Err(tt.path), ErrPathRejected))
			} else {
				assert.NoError(t, v.Err(tt.path))
			}
		})
	}
}

func TestValidatePath_CustomPatterns(t *testing.T) {
	s := NewService(Config{BlockedPatterns: []string{"*.lock", "secrets/", "build/out.bin"}})

	assert.False(t, s.ValidatePath("go.lock").IsValid)
	assert.False(t, s.ValidatePath("deep/dir/yarn.lock").IsValid)
	assert.False(t, s.ValidatePath("secrets/key.txt").IsValid)
	assert.False(t, s.ValidatePath("build/out.bin").IsValid)
	assert.True(t, s.ValidatePath("build/other.bin").IsValid)
	assert.True(t, s.ValidatePath(".git/config").IsValid, "custom list replaces the defaults")
}

func TestValidatePath_WithResolver(t *testing.T) {
	root := t.TempDir()
	local, err := fsys.NewLocal(root)
	require.NoError(t, err)
	s := NewService(Config{Resolver: local})

	assert.True(t, s.ValidatePath("a/b.txt").IsValid)
	assert.True(t, s.ValidatePath(local.Root()+"/a/b.txt").IsValid)
	assert.False(t, s.ValidatePath("../x").IsValid)
	assert.False(t, s.ValidatePath("/etc/hosts").IsValid)
	assert.False(t, s.ValidatePath(".git/HEAD").IsValid)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sandbox tests need /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestRunSandboxed_Success(t *testing.T) {
	requireShell(t)
	s := NewService(Config{})

	res := s.RunSandboxed(context.Background(), `echo "checked $1"`, []string{"file.go"}, Limits{})
	require.True(t, res.Success, "stderr: %s", res.Error)
	assert.Equal(t, "checked file.go\n", res.Result)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunSandboxed_Failure(t *testing.T) {
	requireShell(t)
	s := NewService(Config{})

	res := s.RunSandboxed(context.Background(), "echo bad >&2; exit 3", nil, Limits{})
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Error, "bad")
}

func TestRunSandboxed_Timeout(t *testing.T) {
	requireShell(t)
	s := NewService(Config{})

	start := time.Now()
	res := s.RunSandboxed(context.Background(), "sleep 5", nil, Limits{Timeout: 100 * time.Millisecond})
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunSandboxed_OutputCap(t *testing.T) {
	requireShell(t)
	s := NewService(Config{Sandbox: SandboxConfig{MaxOutputBytes: 10}})

	res := s.RunSandboxed(context.Background(), "i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done", nil, Limits{})
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Result, 10)
}

func TestRunSandboxed_ScrubbedEnvironment(t *testing.T) {
	requireShell(t)
	t.Setenv("FILEBATCH_SECRET", "hunter2")
	s := NewService(Config{})

	res := s.RunSandboxed(context.Background(), "env", nil, Limits{})
	require.True(t, res.Success)
	assert.False(t, strings.Contains(res.Result, "hunter2"))
}

func TestRunSandboxed_BadInterpreter(t *testing.T) {
	s := NewService(Config{Sandbox: SandboxConfig{Interpreter: []string{"/nonexistent/interpreter"}}})
	res := s.RunSandboxed(context.Background(), "x", nil, Limits{})
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Error, "starting sandbox")
}
