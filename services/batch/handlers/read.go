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
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/filebatch/services/batch/analysis"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/security"
)

// AnalyzeData is the Result.Data of an analyze operation.
type AnalyzeData struct {
	Files []*analysis.ParseResult `json:"files"`
}

// Analyze parses every target of op.
func Analyze(ctx context.Context, env *Env, op operation.Operation) (Output, error) {
	data := AnalyzeData{}
	var total int64
	for _, p := range op.TouchedPaths() {
		content, err := env.FS.ReadFile(ctx, p)
		if err != nil {
			return Output{Data: data, Bytes: total}, err
		}
		total += int64(len(content))

		res, err := env.Analysis.Parse(ctx, p, content, cacheFrom(ctx))
		if err != nil {
			return Output{Data: data, Bytes: total}, fmt.Errorf("analyzing %s: %w", p, err)
		}
		data.Files = append(data.Files, res)
	}
	return Output{Data: data, Bytes: total}, nil
}

// ValidateData is the Result.Data of a validate operation.
type ValidateData struct {
	Path     string                  `json:"path"`
	Language string                  `json:"language"`
	Valid    bool                    `json:"valid"`
	Errors   []analysis.SyntaxError  `json:"errors,omitempty"`
	Script   *security.SandboxResult `json:"script,omitempty"`
}

// Validate checks op.Path for syntax errors with the analysis plugin for
// its extension, then runs op.Script in the sandbox when set. The script
// receives a private copy of the file as its first argument.
func Validate(ctx context.Context, env *Env, op operation.Operation) (Output, error) {
	path := operation.CleanPath(op.Path)
	content, err := env.FS.ReadFile(ctx, path)
	if err != nil {
		return Output{}, err
	}
	out := Output{Bytes: int64(len(content))}

	res, err := env.Analysis.Parse(ctx, path, content, cacheFrom(ctx))
	if err != nil {
		return out, fmt.Errorf("validating %s: %w", path, err)
	}
	data := &ValidateData{
		Path:     path,
		Language: res.Language,
		Valid:    res.Valid(),
		Errors:   res.Errors,
	}
	out.Data = data

	if !data.Valid {
		first := res.Errors[0]
		return out, fmt.Errorf("%w: %s:%d:%d: %s (%d syntax errors)",
			ErrValidationFailed, path, first.Line, first.Column, first.Message, len(res.Errors))
	}

	if op.Script == "" {
		return out, nil
	}
	if env.Security == nil {
		return out, fmt.Errorf("%w: no sandbox configured for validation script", ErrValidationFailed)
	}

	script, err := runScript(ctx, env.Security, path, content, op)
	data.Script = &script
	if err != nil {
		data.Valid = false
		return out, err
	}
	return out, nil
}

func runScript(ctx context.Context, sec *security.Service, path string, content []byte, op operation.Operation) (security.SandboxResult, error) {
	dir, err := os.MkdirTemp("", "filebatch-validate-*")
	if err != nil {
		return security.SandboxResult{}, fmt.Errorf("preparing validation copy: %w", err)
	}
	defer os.RemoveAll(dir)

	target := filepath.Join(dir, filepath.Base(path))
	if err := os.WriteFile(target, content, 0o600); err != nil {
		return security.SandboxResult{}, fmt.Errorf("preparing validation copy: %w", err)
	}

	args := append([]string{target}, op.ScriptArgs...)
	res := sec.RunSandboxed(ctx, op.Script, args, security.Limits{Timeout: op.Timeout()})
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return res, fmt.Errorf("%w: %s: script: %s", ErrValidationFailed, path, reason)
	}
	return res, nil
}
