// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsys is the file-system boundary of the batch engine.
//
// Everything that reads or writes files goes through FileSystem. Local
// confines every call to a root directory and writes atomically. Memory keeps
// files in process, optionally layered over another FileSystem, and backs dry
// runs and tests.
package fsys

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"
)

var (
	// ErrNotFound is reported when a file does not exist. It is fs.ErrNotExist,
	// so errors.Is works with either name.
	ErrNotFound = fs.ErrNotExist

	// ErrOutsideRoot is returned when a path resolves outside the root.
	ErrOutsideRoot = errors.New("path resolves outside root")

	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("path is a directory")

	// ErrDirectoryNotEmpty is returned by RemoveDirIfEmpty for a non-empty dir.
	ErrDirectoryNotEmpty = errors.New("directory not empty")
)

// FileInfo describes a file.
type FileInfo struct {
	Path    string      `json:"path"`
	Exists  bool        `json:"exists"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"modTime"`
}

// FileSystem is the collaborator used by the transaction manager and the
// operation handlers. Paths are relative to the implementation's root, or
// absolute paths inside it.
type FileSystem interface {
	// ReadFile returns the content, or an error wrapping ErrNotFound.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile creates or replaces the file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error

	// DeleteFile removes the file. Deleting a missing file wraps ErrNotFound.
	DeleteFile(ctx context.Context, path string) error

	// Stat describes the file, or returns an error wrapping ErrNotFound.
	Stat(ctx context.Context, path string) (FileInfo, error)
}

// DirRemover is implemented by file systems that can prune empty directories.
type DirRemover interface {
	// RemoveDirIfEmpty removes dir when it holds no entries. It returns
	// ErrDirectoryNotEmpty otherwise and never removes the root.
	RemoveDirIfEmpty(ctx context.Context, dir string) error
}

// ModeSetter is implemented by file systems that can restore permissions.
type ModeSetter interface {
	Chmod(ctx context.Context, path string, mode os.FileMode) error
}

// Exists reports whether path exists. Errors other than not-found are
// returned.
func Exists(ctx context.Context, fsys FileSystem, path string) (bool, error) {
	_, err := fsys.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
