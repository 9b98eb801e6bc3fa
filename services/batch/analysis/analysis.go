// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis extracts structure from source files for analyze and
// validate operations.
//
// A Plugin parses one language. The Registry picks a plugin by file
// extension and falls back to a plain-text plugin for everything else.
// Built-in plugins parse Go, Python and JavaScript with tree-sitter and are
// error tolerant: syntax errors are reported in ParseResult.Errors alongside
// whatever symbols could still be extracted.
package analysis

import (
	"context"
	"errors"
)

var (
	// ErrFileTooLarge is returned for content over the plugin's size limit.
	ErrFileTooLarge = errors.New("file too large to parse")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid content")
)

// DefaultMaxFileSize is the largest input the tree-sitter plugins accept.
const DefaultMaxFileSize = 10 * 1024 * 1024

// SymbolKind classifies a Symbol.
type SymbolKind string

const (
	KindPackage  SymbolKind = "package"
	KindFunction SymbolKind = "function"
	KindMethod   SymbolKind = "method"
	KindClass    SymbolKind = "class"
	KindType     SymbolKind = "type"
	KindVariable SymbolKind = "variable"
	KindConstant SymbolKind = "constant"
)

// Symbol is one top-level declaration.
type Symbol struct {
	Name     string     `json:"name"`
	Kind     SymbolKind `json:"kind"`
	Line     int        `json:"line"`
	Exported bool       `json:"exported"`
	// Receiver is the receiver type of a Go method.
	Receiver string `json:"receiver,omitempty"`
}

// SyntaxError locates a parse error. Line is 1-based, Column 0-based.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// ParseResult is what a Plugin extracts from one file.
type ParseResult struct {
	Path     string        `json:"path"`
	Language string        `json:"language"`
	Hash     string        `json:"hash"`
	Lines    int           `json:"lines"`
	Symbols  []Symbol      `json:"symbols"`
	Imports  []string      `json:"imports"`
	Exports  []string      `json:"exports"`
	Errors   []SyntaxError `json:"errors"`
}

// Valid reports whether the file parsed without syntax errors.
func (r *ParseResult) Valid() bool {
	return len(r.Errors) == 0
}

// Plugin parses one language.
//
// Implementations must be safe for concurrent use.
type Plugin interface {
	// Language is the canonical language name, such as "go".
	Language() string

	// Extensions lists handled file extensions including the dot.
	Extensions() []string

	// Parse extracts structure from content. path is used for reporting.
	Parse(ctx context.Context, content []byte, path string) (*ParseResult, error)
}
