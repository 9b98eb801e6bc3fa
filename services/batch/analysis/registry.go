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
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Registry maps file extensions to plugins.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byExt    map[string]Plugin
	fallback Plugin
}

// NewRegistry creates a Registry holding plugins, with TextPlugin as the
// fallback. Later plugins win when extensions collide.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{
		byExt:    make(map[string]Plugin),
		fallback: NewTextPlugin(),
	}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a Registry with the Go, Python and JavaScript
// plugins.
func DefaultRegistry() *Registry {
	return NewRegistry(NewGoPlugin(), NewPythonPlugin(), NewJavaScriptPlugin())
}

// Register adds p for each of its extensions.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// For returns the plugin for path, or the fallback.
func (r *Registry) For(path string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byExt[strings.ToLower(filepath.Ext(path))]; ok {
		return p
	}
	return r.fallback
}

// Supported reports whether a dedicated plugin handles path.
func (r *Registry) Supported(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Languages lists the registered languages, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, p := range r.byExt {
		seen[p.Language()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Parse parses content with the plugin for path. A non-nil cache is
// consulted first.
func (r *Registry) Parse(ctx context.Context, path string, content []byte, cache *Cache) (*ParseResult, error) {
	p := r.For(path)
	if cache != nil {
		return cache.Parse(ctx, p, content, path)
	}
	return p.Parse(ctx, content, path)
}
