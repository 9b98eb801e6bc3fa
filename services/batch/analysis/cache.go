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
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CacheStats counts cache activity.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Shared  int64 `json:"shared"`
	Entries int   `json:"entries"`
}

// Cache memoizes parse results by language and content hash. Concurrent
// requests for the same content share one parse.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*ParseResult

	hits   atomic.Int64
	misses atomic.Int64
	shared atomic.Int64
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*ParseResult)}
}

// Parse returns the cached result for content or parses it with p. The
// returned result is a copy with Path set to path. Errors are not cached.
func (c *Cache) Parse(ctx context.Context, p Plugin, content []byte, path string) (*ParseResult, error) {
	sum := sha256.Sum256(content)
	key := p.Language() + ":" + hex.EncodeToString(sum[:])

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return withPath(cached, path), nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		c.misses.Add(1)
		res, err := p.Parse(ctx, content, path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = res
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.shared.Add(1)
	}
	return withPath(v.(*ParseResult), path), nil
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Shared:  c.shared.Load(),
		Entries: n,
	}
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*ParseResult)
	c.mu.Unlock()
}

func withPath(r *ParseResult, path string) *ParseResult {
	out := *r
	out.Path = path
	out.Symbols = append([]Symbol(nil), r.Symbols...)
	out.Imports = append([]string(nil), r.Imports...)
	out.Exports = append([]string(nil), r.Exports...)
	out.Errors = append([]SyntaxError(nil), r.Errors...)
	return &out
}
