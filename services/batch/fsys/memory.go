// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type memFile struct {
	data    []byte
	mode    os.FileMode
	modTime time.Time
}

// ChangeKind classifies an entry in Memory.Changes.
type ChangeKind string

const (
	// ChangeWrite means the file was created or replaced.
	ChangeWrite ChangeKind = "write"

	// ChangeDelete means the file was removed.
	ChangeDelete ChangeKind = "delete"
)

// Change is one pending mutation held by a Memory overlay.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
	Size int        `json:"size,omitempty"`
}

// Memory is an in-process FileSystem.
//
// With a nil base it is a standalone file system. With a base it is a
// copy-on-write overlay: reads fall through to the base until a path is
// written or deleted, and nothing is ever written to the base. Dry runs use
// the overlay so a batch can execute fully without touching disk.
//
// Thread Safety: Safe for concurrent use.
type Memory struct {
	base FileSystem

	mu      sync.RWMutex
	files   map[string]memFile
	deleted map[string]struct{}
}

// NewMemory creates an empty Memory, layered over base when base is non-nil.
func NewMemory(base FileSystem) *Memory {
	return &Memory{
		base:    base,
		files:   make(map[string]memFile),
		deleted: make(map[string]struct{}),
	}
}

func memKey(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrOutsideRoot, path)
	}
	p := filepath.ToSlash(filepath.Clean(path))
	p = strings.TrimPrefix(p, "./")
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}

// ReadFile implements FileSystem.
func (m *Memory) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := memKey(path)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	f, ok := m.files[key]
	_, gone := m.deleted[key]
	m.mu.RUnlock()

	switch {
	case ok:
		return append([]byte(nil), f.data...), nil
	case gone || m.base == nil:
		return nil, fmt.Errorf("reading %s: %w", path, ErrNotFound)
	default:
		return m.base.ReadFile(ctx, path)
	}
}

// WriteFile implements FileSystem.
func (m *Memory) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := memKey(path)
	if err != nil {
		return err
	}

	mode := DefaultFilePerm
	if info, err := m.Stat(ctx, path); err == nil {
		mode = info.Mode
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = memFile{data: append([]byte(nil), data...), mode: mode, modTime: time.Now()}
	delete(m.deleted, key)
	return nil
}

// DeleteFile implements FileSystem.
func (m *Memory) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := memKey(path)
	if err != nil {
		return err
	}

	exists, err := Exists(ctx, m, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("deleting %s: %w", path, ErrNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	if m.base != nil {
		m.deleted[key] = struct{}{}
	}
	return nil
}

// Stat implements FileSystem.
func (m *Memory) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	key, err := memKey(path)
	if err != nil {
		return FileInfo{}, err
	}

	m.mu.RLock()
	f, ok := m.files[key]
	_, gone := m.deleted[key]
	m.mu.RUnlock()

	switch {
	case ok:
		return FileInfo{Path: path, Exists: true, Size: int64(len(f.data)), Mode: f.mode, ModTime: f.modTime}, nil
	case gone || m.base == nil:
		return FileInfo{Path: path}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	default:
		return m.base.Stat(ctx, path)
	}
}

// Chmod implements ModeSetter. Only files held in memory can change mode.
func (m *Memory) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	key, err := memKey(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if !ok {
		return fmt.Errorf("chmod %s: %w", path, ErrNotFound)
	}
	f.mode = mode.Perm()
	m.files[key] = f
	return nil
}

// RemoveDirIfEmpty implements DirRemover. Directories are implicit in
// Memory, so this only checks that no file remains below dir.
func (m *Memory) RemoveDirIfEmpty(ctx context.Context, dir string) error {
	key, err := memKey(dir)
	if err != nil {
		return err
	}
	if key == "." {
		return fmt.Errorf("%w: refusing to remove root", ErrDirectoryNotEmpty)
	}
	prefix := key + "/"

	m.mu.RLock()
	defer m.mu.RUnlock()
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return fmt.Errorf("%s: %w", dir, ErrDirectoryNotEmpty)
		}
	}
	// The overlay never touches its base, so there is nothing to remove.
	return nil
}

// Changes lists pending writes and deletes, sorted by path.
func (m *Memory) Changes() []Change {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Change, 0, len(m.files)+len(m.deleted))
	for p, f := range m.files {
		out = append(out, Change{Path: p, Kind: ChangeWrite, Size: len(f.data)})
	}
	for p := range m.deleted {
		out = append(out, Change{Path: p, Kind: ChangeDelete})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths lists the files held in memory, sorted. Files only present in the
// base are not included.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var (
	_ FileSystem = (*Memory)(nil)
	_ DirRemover = (*Memory)(nil)
	_ ModeSetter = (*Memory)(nil)
	_ FileSystem = (*Local)(nil)
	_ DirRemover = (*Local)(nil)
	_ ModeSetter = (*Local)(nil)
)

// IsNotFound reports whether err means the file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
