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
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Default permissions for new files and directories.
const (
	DefaultFilePerm os.FileMode = 0o644
	DefaultDirPerm  os.FileMode = 0o755
)

// Local is a FileSystem rooted at a directory on disk.
//
// # Description
//
// Every path is resolved against the root, symlinks included, before any I/O.
// A path that resolves outside the root is rejected with ErrOutsideRoot even
// when it reaches there through a symlinked ancestor. Writes go to a temp
// file in the target directory, are fsynced, then renamed over the target.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers to one path are serialized by
// the planner, not here.
type Local struct {
	root string
}

// NewLocal creates a Local rooted at root, which must be an existing
// directory.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s: %w", root, ErrIsDirectory)
	}
	return &Local{root: resolved}, nil
}

// Root returns the resolved root directory.
func (l *Local) Root() string {
	return l.root
}

// Resolve maps path to an absolute path inside the root.
//
// # Inputs
//
//   - path: Relative to the root, or absolute.
//
// # Outputs
//
//   - string: Absolute path with symlinked ancestors resolved.
//   - error: ErrOutsideRoot (wrapped) when the path escapes the root.
func (l *Local) Resolve(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrOutsideRoot, path)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(l.root, path)
	}

	resolved := resolvePathWithAncestors(abs)
	if !within(l.root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return resolved, nil
}

// Rel returns path relative to the root, slash separated.
func (l *Local) Rel(path string) (string, error) {
	abs, err := l.Resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ReadFile implements FileSystem.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := l.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("reading %s: %w", path, ErrIsDirectory)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// WriteFile implements FileSystem. An existing file keeps its permissions.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}

	perm := DefaultFilePerm
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return fmt.Errorf("writing %s: %w", path, ErrIsDirectory)
		}
		perm = info.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(abs), DefaultDirPerm); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := atomicWriteFile(abs, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// DeleteFile implements FileSystem.
func (l *Local) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("deleting %s: %w", path, ErrIsDirectory)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Stat implements FileSystem.
func (l *Local) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	abs, err := l.Resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileInfo{Path: path}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return FileInfo{Path: path}, fmt.Errorf("stat %s: %w", path, ErrIsDirectory)
	}
	return FileInfo{
		Path:    path,
		Exists:  true,
		Size:    info.Size(),
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}, nil
}

// Chmod implements ModeSetter.
func (l *Local) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.Resolve(path)
	if err != nil {
		return err
	}
	return os.Chmod(abs, mode.Perm())
}

// RemoveDirIfEmpty implements DirRemover.
func (l *Local) RemoveDirIfEmpty(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.Resolve(dir)
	if err != nil {
		return err
	}
	if abs == l.root {
		return fmt.Errorf("%w: refusing to remove root", ErrDirectoryNotEmpty)
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	_, err = f.Readdirnames(1)
	f.Close()
	if err == nil {
		return fmt.Errorf("%s: %w", dir, ErrDirectoryNotEmpty)
	}
	if !errors.Is(err, io.EOF) {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	return os.Remove(abs)
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolvePathWithAncestors resolves symlinks through the nearest existing
// ancestor, so paths that do not exist yet still resolve.
func resolvePathWithAncestors(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	current := path
	var missing []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		missing = append(missing, filepath.Base(current))
		if realParent, err := filepath.EvalSymlinks(parent); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				realParent = filepath.Join(realParent, missing[i])
			}
			return realParent
		}
		current = parent
	}
	return path
}

// atomicWriteFile writes content to a temp file beside path, syncs it and
// renames it into place.
func atomicWriteFile(path string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".filebatch-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
