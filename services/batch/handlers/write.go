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
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/operation"
)

// CreateData is the Result.Data of a create operation.
type CreateData struct {
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	Overwritten bool   `json:"overwritten"`
}

// Create writes op.Content to op.Path. An existing file is an error unless
// op.Overwrite is set.
func Create(ctx context.Context, env *Env, op operation.Operation) (Output, error) {
	path := operation.CleanPath(op.Path)
	exists, err := fsys.Exists(ctx, env.FS, path)
	if err != nil {
		return Output{}, err
	}
	if exists && !op.Overwrite {
		return Output{}, fmt.Errorf("creating %s: %w", path, ErrFileExists)
	}

	var content string
	if op.Content != nil {
		content = *op.Content
	}
	if err := env.FS.WriteFile(ctx, path, []byte(content)); err != nil {
		return Output{}, err
	}
	return Output{
		Data:  CreateData{Path: path, Bytes: len(content), Overwritten: exists},
		Bytes: int64(len(content)),
	}, nil
}

// Edit modes reported in EditData.Mode.
const (
	EditModeContent = "content"
	EditModeReplace = "replace"
	EditModePatch   = "patch"
)

// EditData is the Result.Data of an edit operation.
type EditData struct {
	Path         string `json:"path"`
	Mode         string `json:"mode"`
	Replacements int    `json:"replacements,omitempty"`
	BytesBefore  int    `json:"bytesBefore"`
	BytesAfter   int    `json:"bytesAfter"`
}

// Edit changes an existing file by full replacement, string replacement,
// or unified diff.
func Edit(ctx context.Context, env *Env, op operation.Operation) (Output, error) {
	path := operation.CleanPath(op.Path)
	before, err := env.FS.ReadFile(ctx, path)
	if err != nil {
		return Output{}, err
	}

	data := EditData{Path: path, BytesBefore: len(before)}
	var after []byte
	switch {
	case op.Content != nil:
		data.Mode = EditModeContent
		after = []byte(*op.Content)
	case op.Patch != "":
		data.Mode = EditModePatch
		if after, err = applyPatch(before, op.Patch); err != nil {
			return Output{}, fmt.Errorf("editing %s: %w", path, err)
		}
	default:
		data.Mode = EditModeReplace
		var n int
		if after, n, err = replace(before, op.OldString, op.NewString, op.ReplaceAll); err != nil {
			return Output{}, fmt.Errorf("editing %s: %w", path, err)
		}
		data.Replacements = n
	}

	if err := env.FS.WriteFile(ctx, path, after); err != nil {
		return Output{}, err
	}
	data.BytesAfter = len(after)
	return Output{Data: data, Bytes: int64(len(after))}, nil
}

func replace(content []byte, oldStr, newStr string, all bool) ([]byte, int, error) {
	s := string(content)
	n := strings.Count(s, oldStr)
	switch {
	case oldStr == "" || n == 0:
		return nil, 0, ErrOldStringNotFound
	case n > 1 && !all:
		return nil, 0, fmt.Errorf("%w: %d occurrences, set replaceAll or add context", ErrAmbiguousEdit, n)
	case all:
		return []byte(strings.ReplaceAll(s, oldStr, newStr)), n, nil
	default:
		return []byte(strings.Replace(s, oldStr, newStr, 1)), 1, nil
	}
}

// applyPatch applies a single-file unified diff, checking every context and
// removed line against the original.
func applyPatch(original []byte, patch string) ([]byte, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(fileDiffs) != 1 {
		return nil, fmt.Errorf("%w: expected one file, got %d", ErrInvalidPatch, len(fileDiffs))
	}
	fd := fileDiffs[0]
	if len(fd.Hunks) == 0 {
		return nil, fmt.Errorf("%w: no hunks", ErrInvalidPatch)
	}

	// A trailing newline leaves an empty last element that is copied through
	// like any other line, which keeps the file's final newline as it was.
	orig := strings.Split(string(original), "\n")
	out := make([]string, 0, len(orig))
	idx := 0

	for _, h := range fd.Hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			start = int(h.OrigStartLine)
		}
		if start < idx || start > len(orig) {
			return nil, fmt.Errorf("%w: hunk at line %d is out of order or past end of file", ErrPatchMismatch, h.OrigStartLine)
		}
		out = append(out, orig[idx:start]...)
		idx = start

		body := strings.TrimSuffix(string(h.Body), "\n")
		if body == "" {
			continue
		}
		for _, l := range strings.Split(body, "\n") {
			if l == "" {
				return nil, fmt.Errorf("%w: empty line in hunk body", ErrInvalidPatch)
			}
			switch l[0] {
			case '+':
				out = append(out, l[1:])
			case '-', ' ':
				if idx >= len(orig) || orig[idx] != l[1:] {
					return nil, mismatch(idx, orig, l[1:])
				}
				if l[0] == ' ' {
					out = append(out, orig[idx])
				}
				idx++
			case '\\':
				// "\ No newline at end of file"
			default:
				return nil, fmt.Errorf("%w: unexpected hunk line %q", ErrInvalidPatch, l)
			}
		}
	}
	out = append(out, orig[idx:]...)
	return []byte(strings.Join(out, "\n")), nil
}

func mismatch(idx int, orig []string, want string) error {
	got := "<end of file>"
	if idx < len(orig) {
		got = fmt.Sprintf("%q", orig[idx])
	}
	return fmt.Errorf("%w: line %d: expected %q, found %s", ErrPatchMismatch, idx+1, want, got)
}

// DeleteData is the Result.Data of a delete operation.
type DeleteData struct {
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	RemovedDir string `json:"removedDir,omitempty"`
}

// Delete removes op.Path, and its parent directory when op.RemoveEmptyDir
// is set and the delete left it empty.
func Delete(ctx context.Context, env *Env, op operation.Operation) (Output, error) {
	path := operation.CleanPath(op.Path)
	info, err := env.FS.Stat(ctx, path)
	if err != nil {
		return Output{}, err
	}
	if err := env.FS.DeleteFile(ctx, path); err != nil {
		return Output{}, err
	}
	data := DeleteData{Path: path, Bytes: info.Size}

	if op.RemoveEmptyDir {
		dir := operation.Dir(path)
		if remover, ok := env.FS.(fsys.DirRemover); ok && dir != "." {
			switch err := remover.RemoveDirIfEmpty(ctx, dir); {
			case err == nil:
				data.RemovedDir = dir
			case errors.Is(err, fsys.ErrDirectoryNotEmpty):
			default:
				return Output{Data: data, Bytes: info.Size}, fmt.Errorf("removing directory %s: %w", dir, err)
			}
		}
	}
	return Output{Data: data, Bytes: info.Size}, nil
}
