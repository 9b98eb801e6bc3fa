// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource tracks a batch's time and memory budget.
//
// The engine asks the Monitor between stages whether the batch is still
// inside its limits. A Monitor never interrupts running work: exceeding a
// limit aborts the stages that have not started yet, and the transaction
// layer undoes what already ran.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLimitExceeded is the sentinel wrapped by LimitError.
var ErrLimitExceeded = errors.New("resource limit exceeded")

// ErrInvalidLimits is returned when limits are negative.
var ErrInvalidLimits = errors.New("invalid resource limits")

// Resource names reported in LimitError.
const (
	ResourceTime   = "time"
	ResourceBytes  = "bytes"
	ResourceMemory = "memory"
)

// Limits is a whole-batch budget. Zero fields mean no limit.
type Limits struct {
	// MaxDuration bounds wall-clock time since Start.
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"max_duration"`

	// MaxBytes bounds the bytes reported through AddBytes.
	MaxBytes int64 `json:"maxBytes,omitempty" yaml:"max_bytes"`

	// MaxHeapBytes bounds the process heap, sampled from runtime.MemStats.
	MaxHeapBytes int64 `json:"maxHeapBytes,omitempty" yaml:"max_heap_bytes"`
}

// Validate checks that no limit is negative.
func (l Limits) Validate() error {
	if l.MaxDuration < 0 || l.MaxBytes < 0 || l.MaxHeapBytes < 0 {
		return fmt.Errorf("%w: limits must be >= 0", ErrInvalidLimits)
	}
	return nil
}

// HasLimits reports whether any limit is set.
func (l Limits) HasLimits() bool {
	return l.MaxDuration > 0 || l.MaxBytes > 0 || l.MaxHeapBytes > 0
}

// LimitError reports which budget was exceeded.
type LimitError struct {
	Resource string
	Limit    string
	Observed string
}

// Error implements error.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %s %s exceeds limit %s", ErrLimitExceeded, e.Resource, e.Observed, e.Limit)
}

// Unwrap returns ErrLimitExceeded.
func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// Usage is a point-in-time view of consumption.
type Usage struct {
	Elapsed   time.Duration `json:"elapsed"`
	Bytes     int64         `json:"bytes"`
	HeapBytes int64         `json:"heapBytes,omitempty"`
}

// Tracker is what the engine needs from a monitor. Monitor implements it;
// tests substitute their own.
type Tracker interface {
	Start()
	AddBytes(n int64)
	Usage() Usage
	CheckLimits() error
}

// Monitor tracks elapsed time and a byte accumulator against Limits.
//
// Thread Safety: Safe for concurrent use. AddBytes may be called from every
// worker while the engine calls CheckLimits.
type Monitor struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	started time.Time

	bytes atomic.Int64
}

// NewMonitor creates a Monitor. Call Start before the first CheckLimits;
// until then elapsed time is zero.
func NewMonitor(limits Limits) *Monitor {
	return &Monitor{
		limits: limits,
		logger: slog.Default().With("component", "resource.Monitor"),
		now:    time.Now,
	}
}

// Limits returns the configured budget.
func (m *Monitor) Limits() Limits {
	return m.limits
}

// Start resets the clock and the byte accumulator.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.started = m.now()
	m.mu.Unlock()
	m.bytes.Store(0)
}

// AddBytes records n bytes of estimated memory or I/O use. Negative values
// are ignored.
func (m *Monitor) AddBytes(n int64) {
	if n > 0 {
		m.bytes.Add(n)
	}
}

// Usage returns current consumption. Heap usage is only sampled when a heap
// limit is configured, since ReadMemStats stops the world.
func (m *Monitor) Usage() Usage {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	u := Usage{Bytes: m.bytes.Load()}
	if !started.IsZero() {
		u.Elapsed = m.now().Sub(started)
	}
	if m.limits.MaxHeapBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		u.HeapBytes = int64(ms.HeapAlloc)
	}
	return u
}

// CheckLimits returns a *LimitError for the first exceeded budget, checking
// time, then bytes, then heap. Returns nil when within budget.
func (m *Monitor) CheckLimits() error {
	if !m.limits.HasLimits() {
		return nil
	}

	u := m.Usage()
	var violation *LimitError
	switch {
	case m.limits.MaxDuration > 0 && u.Elapsed > m.limits.MaxDuration:
		violation = &LimitError{Resource: ResourceTime, Limit: m.limits.MaxDuration.String(), Observed: u.Elapsed.Round(time.Millisecond).String()}
	case m.limits.MaxBytes > 0 && u.Bytes > m.limits.MaxBytes:
		violation = &LimitError{Resource: ResourceBytes, Limit: formatBytes(m.limits.MaxBytes), Observed: formatBytes(u.Bytes)}
	case m.limits.MaxHeapBytes > 0 && u.HeapBytes > m.limits.MaxHeapBytes:
		violation = &LimitError{Resource: ResourceMemory, Limit: formatBytes(m.limits.MaxHeapBytes), Observed: formatBytes(u.HeapBytes)}
	default:
		return nil
	}

	m.logger.Warn("resource limit exceeded",
		slog.String("resource", violation.Resource),
		slog.String("observed", violation.Observed),
		slog.String("limit", violation.Limit))
	return violation
}

// formatBytes formats a byte count for humans.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
