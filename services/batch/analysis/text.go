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
	"fmt"
)

// TextPlugin handles files no other plugin claims. It reports only size
// and line count and never fails on content.
type TextPlugin struct{}

// NewTextPlugin returns the fallback plugin.
func NewTextPlugin() *TextPlugin { return &TextPlugin{} }

// Language implements Plugin.
func (TextPlugin) Language() string { return "text" }

// Extensions implements Plugin. The fallback is never registered by
// extension.
func (TextPlugin) Extensions() []string { return nil }

// Parse implements Plugin.
func (TextPlugin) Parse(ctx context.Context, content []byte, path string) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	return newResult(path, "text", content), nil
}
