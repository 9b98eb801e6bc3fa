// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package security vets paths and runs untrusted validation code.
//
// # Description
//
// The engine calls ValidatePath for every path a batch touches before
// anything is planned or scheduled. A path must resolve inside the root, must
// not match a blocked pattern and must not look like a credential file.
//
// RunSandboxed executes caller-supplied validation scripts in a private
// temporary directory with a scrubbed environment, a timeout, an output cap
// and, on Linux, an address-space limit.
//
// # Thread Safety
//
// Service is immutable after construction and safe for concurrent use.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathRejected is wrapped by errors built from a failed Validation.
var ErrPathRejected = errors.New("path rejected")

// SensitivePaths are substrings that mark credential and system files. A
// path containing any of them is never valid.
var SensitivePaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/.ssh/",
	"/.gnupg/",
	"/.aws/credentials",
	"/.env",
	"/id_rsa",
	"/id_ed25519",
}

// DefaultBlockedPatterns keep batches away from VCS metadata.
var DefaultBlockedPatterns = []string{
	".git/",
	".hg/",
	".svn/",
}

// Resolver maps a path to an absolute location inside a root. fsys.Local
// implements it.
type Resolver interface {
	Resolve(path string) (string, error)
}

// Config configures a Service.
type Config struct {
	// Resolver confines paths to a root. When nil only lexical checks apply:
	// no absolute paths and no "..".
	Resolver Resolver

	// BlockedPatterns are slash-separated patterns relative to the root.
	// A pattern ending in "/" blocks everything below that directory;
	// otherwise filepath.Match semantics apply to the whole path and to the
	// base name.
	BlockedPatterns []string

	// Sandbox configures RunSandboxed.
	Sandbox SandboxConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SandboxConfig configures script execution.
type SandboxConfig struct {
	// Interpreter runs the script file. The script path and its arguments
	// are appended. Default: ["/bin/sh"].
	Interpreter []string `yaml:"interpreter" validate:"omitempty,min=1,dive,required"`

	// DefaultTimeout applies when Limits.Timeout is zero. Default: 10s.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`

	// DefaultMemoryBytes applies when Limits.MemoryBytes is zero.
	// Default: 256 MiB.
	DefaultMemoryBytes uint64 `yaml:"default_memory_bytes"`

	// MaxOutputBytes caps captured stdout and stderr each. Default: 64 KiB.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gte=0"`
}

// ApplyDefaults fills unset fields.
func (c *SandboxConfig) ApplyDefaults() {
	if len(c.Interpreter) == 0 {
		c.Interpreter = []string{"/bin/sh"}
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.DefaultMemoryBytes == 0 {
		c.DefaultMemoryBytes = 256 << 20
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64 << 10
	}
}

// Validation is the verdict of ValidatePath.
type Validation struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// Err converts a failed Validation into an error wrapping ErrPathRejected.
// It returns nil for a valid path.
func (v Validation) Err(p string) error {
	if v.IsValid {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrPathRejected, p, v.Reason)
}

// Service implements path validation and sandboxed execution.
type Service struct {
	resolver Resolver
	blocked  []string
	sandbox  SandboxConfig
	logger   *slog.Logger
}

// NewService creates a Service. A nil BlockedPatterns uses
// DefaultBlockedPatterns; pass an empty slice to block nothing.
func NewService(cfg Config) *Service {
	blocked := cfg.BlockedPatterns
	if blocked == nil {
		blocked = DefaultBlockedPatterns
	}
	normalized := make([]string, 0, len(blocked))
	for _, p := range blocked {
		if p = strings.TrimSpace(p); p != "" {
			normalized = append(normalized, filepath.ToSlash(p))
		}
	}

	cfg.Sandbox.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		resolver: cfg.Resolver,
		blocked:  normalized,
		sandbox:  cfg.Sandbox,
		logger:   logger.With("component", "security.Service"),
	}
}

// ValidatePath decides whether a batch may touch p.
func (s *Service) ValidatePath(p string) Validation {
	if p == "" {
		return Validation{Reason: "empty path"}
	}
	if strings.ContainsRune(p, 0) {
		return Validation{Reason: "path contains NUL byte"}
	}

	rel := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "./")
	if s.resolver != nil {
		abs, err := s.resolver.Resolve(p)
		if err != nil {
			return Validation{Reason: err.Error()}
		}
		if r, ok := s.resolver.(interface{ Rel(string) (string, error) }); ok {
			if relative, err := r.Rel(abs); err == nil {
				rel = relative
			}
		}
		if isSensitive(abs) {
			return Validation{Reason: "sensitive path"}
		}
	} else {
		if path.IsAbs(rel) || filepath.IsAbs(p) {
			return Validation{Reason: "absolute paths need a root resolver"}
		}
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return Validation{Reason: "path escapes root"}
		}
	}

	if rel == "." {
		return Validation{Reason: "path is the root directory"}
	}
	if isSensitive("/" + rel) {
		return Validation{Reason: "sensitive path"}
	}
	if pattern, ok := s.matchBlocked(rel); ok {
		return Validation{Reason: fmt.Sprintf("matches blocked pattern %q", pattern)}
	}
	return Validation{IsValid: true}
}

// matchBlocked returns the first blocked pattern matching rel.
func (s *Service) matchBlocked(rel string) (string, bool) {
	base := path.Base(rel)
	for _, pattern := range s.blocked {
		if strings.HasSuffix(pattern, "/") {
			dir := strings.TrimSuffix(pattern, "/")
			if rel == dir || strings.HasPrefix(rel, pattern) || strings.Contains(rel, "/"+pattern) {
				return pattern, true
			}
			continue
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return pattern, true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return pattern, true
		}
	}
	return "", false
}

func isSensitive(p string) bool {
	lower := strings.ToLower(filepath.ToSlash(p))
	for _, sensitive := range SensitivePaths {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
