// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	bursts [][]Change
}

func (r *recorder) handle(_ context.Context, changes []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bursts = append(r.bursts, changes)
}

func (r *recorder) snapshot() [][]Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Change(nil), r.bursts...)
}

func (r *recorder) paths() map[string]bool {
	out := map[string]bool{}
	for _, burst := range r.snapshot() {
		for _, c := range burst {
			out[c.Path] = true
		}
	}
	return out
}

func start(t *testing.T, paths []string, opts Options) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := New(paths, rec.handle, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return rec
}

func TestNew_Errors(t *testing.T) {
	noop := func(context.Context, []Change) {}

	_, err := New(nil, noop, Options{})
	assert.ErrorIs(t, err, ErrNoPaths)

	_, err = New([]string{filepath.Join(t.TempDir(), "missing.yaml")}, noop, Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = New([]string{t.TempDir()}, nil, Options{})
	assert.Error(t, err)
}

func TestWatcher_FileBurstDebounced(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "batch.yaml")
	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(batch, []byte("v0"), 0o644))

	rec := start(t, []string{batch}, Options{Debounce: 150 * time.Millisecond})

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(batch, []byte{byte('a' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	bursts := rec.snapshot()
	require.Len(t, bursts, 1, "writes inside the window collapse into one burst")
	require.Len(t, bursts[0], 1)
	assert.Equal(t, batch, bursts[0][0].Path)
	assert.NotContains(t, rec.paths(), other)
}

func TestWatcher_DirectoryIgnoresPatterns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))

	rec := start(t, []string{dir}, Options{Debounce: 50 * time.Millisecond})

	kept := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(kept, []byte("package main"), 0o644))

	require.Eventually(t, func() bool { return rec.paths()[kept] }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	paths := rec.paths()
	assert.NotContains(t, paths, filepath.Join(dir, "scratch.tmp"))
	assert.NotContains(t, paths, filepath.Join(dir, ".git", "HEAD"))
}

func TestWatcher_NewSubdirectoryWatched(t *testing.T) {
	dir := t.TempDir()
	rec := start(t, []string{dir}, Options{Debounce: 50 * time.Millisecond})

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return rec.paths()[sub] }, 5*time.Second, 20*time.Millisecond)

	nested := filepath.Join(sub, "a.go")
	require.NoError(t, os.WriteFile(nested, []byte("package pkg"), 0o644))
	require.Eventually(t, func() bool { return rec.paths()[nested] }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_CloseEndsRun(t *testing.T) {
	w, err := New([]string{t.TempDir()}, func(context.Context, []Change) {}, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestDedupe(t *testing.T) {
	now := time.Now()
	got := Dedupe([]Change{
		{Path: "b", Op: OpCreate, Time: now},
		{Path: "a", Op: OpWrite, Time: now},
		{Path: "b", Op: OpWrite, Time: now.Add(time.Millisecond)},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, "b", got[1].Path)
	assert.Equal(t, OpWrite, got[1].Op)
}
