// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, lockDir string) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{LockDir: lockDir, Namespace: "/repo"})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_AcquireConflict(t *testing.T) {
	for _, tc := range []struct {
		name    string
		lockDir func(t *testing.T) string
	}{
		{"in process", func(t *testing.T) string { return "" }},
		{"with lock files", func(t *testing.T) string { return t.TempDir() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, tc.lockDir(t))

			require.NoError(t, m.Acquire("a.go", "tx-1"))
			require.NoError(t, m.Acquire("a.go", "tx-1"), "re-acquire by owner is a no-op")

			err := m.Acquire("a.go", "tx-2")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPathLocked))

			var lockErr *LockError
			require.True(t, errors.As(err, &lockErr))
			require.NotNil(t, lockErr.Holder)
			assert.Equal(t, "tx-1", lockErr.Holder.Owner)

			require.NoError(t, m.Release("a.go", "tx-1"))
			assert.NoError(t, m.Acquire("a.go", "tx-2"))
		})
	}
}

func TestManager_ReleaseWrongOwner(t *testing.T) {
	m := newTestManager(t, "")
	require.NoError(t, m.Acquire("a.go", "tx-1"))

	err := m.Release("a.go", "tx-2")
	assert.ErrorIs(t, err, ErrLockNotHeld)
	err = m.Release("b.go", "tx-1")
	assert.ErrorIs(t, err, ErrLockNotHeld)

	info, ok := m.Holder("a.go")
	require.True(t, ok)
	assert.Equal(t, "tx-1", info.Owner)
	assert.Equal(t, os.Getpid(), info.PID)
}

func TestManager_AcquireAllIsAllOrNothing(t *testing.T) {
	m := newTestManager(t, t.TempDir())

	require.NoError(t, m.Acquire("b.go", "tx-other"))
	require.NoError(t, m.Acquire("x.go", "tx-1"))

	err := m.AcquireAll([]string{"a.go", "x.go", "b.go", "c.go"}, "tx-1")
	require.ErrorIs(t, err, ErrPathLocked)

	assert.Equal(t, []string{"x.go"}, m.Held("tx-1"), "previously held claims survive, new ones are undone")
	_, held := m.Holder("a.go")
	assert.False(t, held)

	require.NoError(t, m.AcquireAll([]string{"a.go", "c.go"}, "tx-1"))
	assert.Equal(t, []string{"a.go", "c.go", "x.go"}, m.Held("tx-1"))
}

func TestManager_ReleaseOwner(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	require.NoError(t, m.AcquireAll([]string{"a", "b", "c"}, "tx-1"))
	require.NoError(t, m.Acquire("d", "tx-2"))

	files, err := filepath.Glob(filepath.Join(dir, "*.lock"))
	require.NoError(t, err)
	assert.Len(t, files, 4)

	assert.Equal(t, 3, m.ReleaseOwner("tx-1"))
	assert.Empty(t, m.Held("tx-1"))
	assert.Equal(t, []string{"d"}, m.Held("tx-2"))

	files, err = filepath.Glob(filepath.Join(dir, "*.lock"))
	require.NoError(t, err)
	assert.Len(t, files, 1, "released lock files are removed")
}

func TestManager_LockInfoWritten(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	require.NoError(t, m.Acquire("pkg/a.go", "tx-1"))

	f, err := os.Open(m.lockPath("pkg/a.go"))
	require.NoError(t, err)
	defer f.Close()

	info := readInfo(f)
	require.NotNil(t, info)
	assert.Equal(t, "pkg/a.go", info.Path)
	assert.Equal(t, "tx-1", info.Owner)
	assert.True(t, info.ExpiresAt.After(info.LockedAt))
}

func TestManager_NamespaceSeparatesLockFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := NewManager(ManagerConfig{LockDir: dir, Namespace: "/one"})
	require.NoError(t, err)
	b, err := NewManager(ManagerConfig{LockDir: dir, Namespace: "/two"})
	require.NoError(t, err)

	assert.NotEqual(t, a.lockPath("x"), b.lockPath("x"))
	assert.Equal(t, a.lockPath("x"), a.lockPath("x"))
}

func TestManager_CleanupStaleLocks(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	stale := filepath.Join(dir, "deadbeefdeadbeef.lock")
	require.NoError(t, os.WriteFile(stale, []byte(`{"path":"old.go","owner":"gone","pid":1}`), 0o644))
	require.NoError(t, m.Acquire("live.go", "tx-1"))

	n, err := m.CleanupStaleLocks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.lockPath("live.go"))
	assert.NoError(t, err, "held locks are left alone")
}

func TestManager_Closed(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	require.NoError(t, m.Acquire("a", "tx"))
	require.NoError(t, m.Close())

	_, held := m.Holder("a")
	assert.False(t, held)
	assert.ErrorIs(t, m.Acquire("a", "tx"), ErrManagerClosed)
}
