// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-runs work when files change.
//
// A Watcher takes files and directories. Files are watched through their
// parent directory so editors that save by rename are still seen; only
// events for the file itself are reported. Directories are watched
// recursively, minus ignored names. Bursts of events are collapsed: the
// handler runs once the paths have been quiet for the debounce window.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoPaths is returned by New without anything to watch.
var ErrNoPaths = errors.New("watch: no paths")

// Op is the kind of change seen.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
	OpChmod  Op = "chmod"
)

// Change is one debounced file change.
type Change struct {
	Path string
	Op   Op
	Time time.Time
}

// Handler receives each debounced burst, deduplicated and sorted by path.
// It runs on the watch goroutine; events arriving meanwhile are handled
// after it returns.
type Handler func(ctx context.Context, changes []Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period before the handler runs. Default: 300ms.
	Debounce time.Duration

	// Ignore lists base names or filepath.Match patterns skipped inside
	// watched directories. Default: DefaultIgnore.
	Ignore []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultIgnore skips VCS metadata and editor scratch files.
var DefaultIgnore = []string{".git", ".hg", "node_modules", "*.swp", "*~", "*.tmp", ".#*"}

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 300 * time.Millisecond

// Watcher delivers debounced change sets to a Handler.
type Watcher struct {
	fw       *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	ignore   []string
	logger   *slog.Logger

	// files maps a watched file to true; dirs holds recursive roots.
	files map[string]bool
	dirs  []string
}

// New starts watching paths. Call Run to receive changes and Close when done.
func New(paths []string, handler Handler, opts Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}
	if handler == nil {
		return nil, errors.New("watch: nil handler")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		fw:       fw,
		handler:  handler,
		debounce: opts.Debounce,
		ignore:   opts.Ignore,
		logger:   opts.Logger.With("component", "watch"),
		files:    make(map[string]bool),
	}

	for _, p := range paths {
		if err := w.add(p); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	if !info.IsDir() {
		w.files[abs] = true
		return w.fw.Add(filepath.Dir(abs))
	}
	w.dirs = append(w.dirs, abs)
	return w.addRecursive(abs)
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// relevant reports whether an event path belongs to something watched.
func (w *Watcher) relevant(path string) bool {
	if w.files[path] {
		return true
	}
	for _, dir := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return false
			}
			for _, part := range strings.Split(rel, string(filepath.Separator)) {
				if w.ignored(part) {
					return false
				}
			}
			return true
		}
	}
	return false
}

// Run delivers changes until ctx is cancelled or the watcher is closed.
// Pending changes are dropped on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		pending []Change
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) && w.underDir(event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("cannot watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
				}
			}
			pending = append(pending, Change{Path: event.Name, Op: opOf(event.Op), Time: time.Now()})
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			changes := Dedupe(pending)
			pending = nil
			w.logger.Debug("changes detected", slog.Int("paths", len(changes)))
			w.handler(ctx, changes)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) underDir(path string) bool {
	for _, dir := range w.dirs {
		if strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Close stops the underlying watcher; a running Run returns nil.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func opOf(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Chmod):
		return OpChmod
	default:
		return OpWrite
	}
}

// Dedupe keeps the last change per path and sorts by path.
func Dedupe(changes []Change) []Change {
	last := make(map[string]Change, len(changes))
	for _, c := range changes {
		last[c.Path] = c
	}
	out := make([]Change, 0, len(last))
	for _, c := range last {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
