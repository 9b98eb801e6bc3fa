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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func symbolNames(res *ParseResult, kind SymbolKind) []string {
	var out []string
	for _, s := range res.Symbols {
		if s.Kind == kind {
			out = append(out, s.Name)
		}
	}
	return out
}

func TestGoPlugin(t *testing.T) {
	src := `package store

import (
	"context"
	f "fmt"
)

import "errors"

const MaxItems, minItems = 10, 1

var ErrMissing = errors.New("missing")

type Store struct{}

type lister interface{ List() }

func New() *Store { return &Store{} }

func (s *Store) Get(ctx context.Context) error { f.Println(); return nil }

func helper() {}
`
	res, err := NewGoPlugin().Parse(context.Background(), []byte(src), "store/store.go")
	require.NoError(t, err)

	assert.Equal(t, "go", res.Language)
	assert.True(t, res.Valid())
	assert.Equal(t, []string{"context", "fmt", "errors"}, res.Imports)
	assert.Equal(t, []string{"store"}, symbolNames(res, KindPackage))
	assert.Equal(t, []string{"New", "helper"}, symbolNames(res, KindFunction))
	assert.Equal(t, []string{"Get"}, symbolNames(res, KindMethod))
	assert.Equal(t, []string{"Store", "lister"}, symbolNames(res, KindType))
	assert.Equal(t, []string{"MaxItems", "minItems"}, symbolNames(res, KindConstant))
	assert.Equal(t, []string{"ErrMissing"}, symbolNames(res, KindVariable))
	assert.ElementsMatch(t, []string{"MaxItems", "ErrMissing", "Store", "New", "Get"}, res.Exports)

	for _, s := range res.Symbols {
		if s.Kind == KindMethod {
			assert.Equal(t, "Store", s.Receiver)
		}
	}
	assert.Equal(t, 22, res.Lines)
}

func TestGoPlugin_SyntaxErrors(t *testing.T) {
	res, err := NewGoPlugin().Parse(context.Background(), []byte("package x\n\nfunc broken( {\n"), "x.go")
	require.NoError(t, err, "syntax errors are reported in the result")
	assert.False(t, res.Valid())
	assert.NotEmpty(t, res.Errors)
	assert.GreaterOrEqual(t, res.Errors[0].Line, 1)
}

func TestPythonPlugin(t *testing.T) {
	src := `import os
import numpy as np
from collections import defaultdict

MAX_SIZE = 10
_cache = {}

class Loader:
    def load(self):
        pass

@decorator
def run():
    pass

def _private():
    pass
`
	res, err := NewPythonPlugin().Parse(context.Background(), []byte(src), "loader.py")
	require.NoError(t, err)

	assert.True(t, res.Valid())
	assert.Equal(t, []string{"os", "numpy", "collections"}, res.Imports)
	assert.Equal(t, []string{"Loader"}, symbolNames(res, KindClass))
	assert.Equal(t, []string{"run", "_private"}, symbolNames(res, KindFunction))
	assert.Equal(t, []string{"MAX_SIZE"}, symbolNames(res, KindConstant))
	assert.Equal(t, []string{"_cache"}, symbolNames(res, KindVariable))
	assert.ElementsMatch(t, []string{"MAX_SIZE", "Loader", "run"}, res.Exports)
}

func TestJavaScriptPlugin(t *testing.T) {
	src := `import React from "react";
import { join } from 'path';

export function render() {}
export const VERSION = "1";
class Internal {}
let counter = 0;
function helper() {}
export { helper as util };
`
	res, err := NewJavaScriptPlugin().Parse(context.Background(), []byte(src), "app.js")
	require.NoError(t, err)

	assert.True(t, res.Valid())
	assert.Equal(t, []string{"react", "path"}, res.Imports)
	assert.Equal(t, []string{"render", "helper"}, symbolNames(res, KindFunction))
	assert.Equal(t, []string{"Internal"}, symbolNames(res, KindClass))
	assert.Equal(t, []string{"VERSION"}, symbolNames(res, KindConstant))
	assert.Equal(t, []string{"counter"}, symbolNames(res, KindVariable))
	assert.ElementsMatch(t, []string{"util", "render", "VERSION"}, res.Exports)
}

func TestTreeSitterLimits(t *testing.T) {
	p := NewGoPlugin()

	_, err := p.Parse(context.Background(), []byte{0xff, 0xfe, 0x00}, "bad.go")
	assert.ErrorIs(t, err, ErrInvalidContent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Parse(ctx, []byte("package x"), "x.go")
	assert.ErrorIs(t, err, context.Canceled)

	small := &treeSitterBase{language: "go", grammar: NewGoPlugin().(*treeSitterBase).grammar, maxFileSize: 4, extract: extractGo}
	_, err = small.Parse(context.Background(), []byte("package x"), "x.go")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestTextPlugin(t *testing.T) {
	res, err := NewTextPlugin().Parse(context.Background(), []byte("one\ntwo\nthree"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "text", res.Language)
	assert.Equal(t, 3, res.Lines)
	assert.True(t, res.Valid())
	assert.NotEmpty(t, res.Hash)

	res, err = NewTextPlugin().Parse(context.Background(), nil, "empty")
	require.NoError(t, err)
	assert.Zero(t, res.Lines)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, "go", r.For("main.go").Language())
	assert.Equal(t, "python", r.For("pkg/MOD.PY").Language())
	assert.Equal(t, "javascript", r.For("web/app.mjs").Language())
	assert.Equal(t, "text", r.For("README.md").Language())
	assert.True(t, r.Supported("a.go"))
	assert.False(t, r.Supported("a.md"))
	assert.Equal(t, []string{"go", "javascript", "python"}, r.Languages())

	res, err := r.Parse(context.Background(), "x.py", []byte("def f(): pass\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, symbolNames(res, KindFunction))
}

// countingPlugin counts Parse calls and blocks until released.
type countingPlugin struct {
	calls   atomic.Int32
	release chan struct{}
}

func (p *countingPlugin) Language() string     { return "count" }
func (p *countingPlugin) Extensions() []string { return []string{".cnt"} }
func (p *countingPlugin) Parse(ctx context.Context, content []byte, path string) (*ParseResult, error) {
	p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	return newResult(path, "count", content), nil
}

func TestCache_HitsAndPaths(t *testing.T) {
	c := NewCache()
	p := &countingPlugin{}
	ctx := context.Background()

	a, err := c.Parse(ctx, p, []byte("same"), "a.cnt")
	require.NoError(t, err)
	b, err := c.Parse(ctx, p, []byte("same"), "b.cnt")
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, "a.cnt", a.Path)
	assert.Equal(t, "b.cnt", b.Path)
	assert.Equal(t, a.Hash, b.Hash)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)

	c.Reset()
	_, err = c.Parse(ctx, p, []byte("same"), "a.cnt")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestCache_ConcurrentParsesShareOneCall(t *testing.T) {
	c := NewCache()
	p := &countingPlugin{release: make(chan struct{})}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Parse(context.Background(), p, []byte("content"), "f.cnt")
			assert.NoError(t, err)
		}()
	}
	// Let the goroutines pile up on the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
}
