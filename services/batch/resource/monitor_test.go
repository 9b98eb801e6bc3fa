// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resource

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(limits Limits) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMonitor(limits)
	m.now = clock.Now
	return m, clock
}

func TestMonitor_NoLimits(t *testing.T) {
	m, clock := newTestMonitor(Limits{})
	m.Start()
	m.AddBytes(1 << 40)
	clock.Advance(time.Hour)
	assert.NoError(t, m.CheckLimits())
}

func TestMonitor_TimeLimit(t *testing.T) {
	m, clock := newTestMonitor(Limits{MaxDuration: time.Second})
	m.Start()

	clock.Advance(500 * time.Millisecond)
	require.NoError(t, m.CheckLimits())

	clock.Advance(time.Second)
	err := m.CheckLimits()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLimitExceeded))

	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ResourceTime, le.Resource)
}

func TestMonitor_ByteLimit(t *testing.T) {
	m, _ := newTestMonitor(Limits{MaxBytes: 1024})
	m.Start()

	m.AddBytes(1000)
	m.AddBytes(-500)
	require.NoError(t, m.CheckLimits())

	m.AddBytes(100)
	err := m.CheckLimits()
	var le *LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ResourceBytes, le.Resource)
	assert.Equal(t, "1.0 KiB", le.Limit)
}

func TestMonitor_StartResets(t *testing.T) {
	m, clock := newTestMonitor(Limits{MaxBytes: 10, MaxDuration: time.Second})
	m.Start()
	m.AddBytes(100)
	clock.Advance(2 * time.Second)
	require.Error(t, m.CheckLimits())

	m.Start()
	assert.NoError(t, m.CheckLimits())
	assert.Equal(t, int64(0), m.Usage().Bytes)
}

func TestMonitor_ConcurrentAddBytes(t *testing.T) {
	m, _ := newTestMonitor(Limits{})
	m.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddBytes(10)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(500), m.Usage().Bytes)
}

func TestLimits_Validate(t *testing.T) {
	assert.NoError(t, Limits{}.Validate())
	assert.ErrorIs(t, Limits{MaxBytes: -1}.Validate(), ErrInvalidLimits)
	assert.True(t, Limits{MaxHeapBytes: 1}.HasLimits())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2<<20))
}
