// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
)

// maxSyntaxErrors caps how many errors are collected from a badly broken
// file.
const maxSyntaxErrors = 50

// treeSitterBase carries what every tree-sitter plugin shares.
type treeSitterBase struct {
	language    string
	extensions  []string
	grammar     func() *sitter.Language
	maxFileSize int
	extract     func(root *sitter.Node, content []byte, res *ParseResult)
}

func (b *treeSitterBase) Language() string     { return b.language }
func (b *treeSitterBase) Extensions() []string { return append([]string(nil), b.extensions...) }

// Parse checks content, parses it with a parser created per call, and
// hands the tree to the language's extractor.
func (b *treeSitterBase) Parse(ctx context.Context, content []byte, path string) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	if len(content) > b.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), b.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(b.grammar())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	res := newResult(path, b.language, content)
	root := tree.RootNode()
	if root == nil {
		res.Errors = append(res.Errors, SyntaxError{Line: 1, Message: "tree-sitter returned no root node"})
		return res, nil
	}
	if root.HasError() {
		collectSyntaxErrors(root, content, &res.Errors, 0)
	}
	b.extract(root, content, res)

	for _, s := range res.Symbols {
		if s.Exported {
			res.Exports = append(res.Exports, s.Name)
		}
	}
	return res, nil
}

func newResult(path, language string, content []byte) *ParseResult {
	sum := sha256.Sum256(content)
	return &ParseResult{
		Path:     path,
		Language: language,
		Hash:     hex.EncodeToString(sum[:]),
		Lines:    countLines(content),
		Symbols:  []Symbol{},
		Imports:  []string{},
		Exports:  []string{},
		Errors:   []SyntaxError{},
	}
}

func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := strings.Count(string(content), "\n")
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func collectSyntaxErrors(node *sitter.Node, content []byte, out *[]SyntaxError, depth int) {
	if depth > 1000 || len(*out) >= maxSyntaxErrors {
		return
	}
	if node.IsError() || node.IsMissing() {
		pt := node.StartPoint()
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		} else if text := snippet(node, content); text != "" {
			msg = fmt.Sprintf("unexpected %q", text)
		}
		*out = append(*out, SyntaxError{Line: int(pt.Row) + 1, Column: int(pt.Column), Message: msg})
		// Children of an ERROR node only repeat the same problem.
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), content, out, depth+1)
	}
}

func snippet(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if end <= start {
		return ""
	}
	text := strings.TrimSpace(string(content[start:end]))
	if len(text) > 40 {
		text = text[:37] + "..."
	}
	return text
}

func text(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	return node.Content(content)
}

func line(node *sitter.Node) int {
	return int(node.StartPoint().Row) + 1
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}
