// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

func TestPool_ConcurrencyBound(t *testing.T) {
	const limit = 3
	p := New(Config{Name: t.Name(), MaxConcurrent: limit})
	defer p.Close()

	type window struct{ start, end time.Time }
	var (
		mu      sync.Mutex
		windows []window
		current atomic.Int32
		maxSeen atomic.Int32
	)

	task := func(ctx context.Context) (any, error) {
		n := current.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		start := time.Now()
		time.Sleep(20 * time.Millisecond)
		end := time.Now()
		current.Add(-1)

		mu.Lock()
		windows = append(windows, window{start, end})
		mu.Unlock()
		return nil, nil
	}

	var chans []<-chan TaskResult
	for i := 0; i < 12; i++ {
		ch, err := p.Submit(context.Background(), Task{ID: fmt.Sprint(i), Run: task})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		res := <-ch
		assert.Equal(t, operation.StatusSuccess, res.Status)
	}

	assert.LessOrEqual(t, int(maxSeen.Load()), limit)
	assert.LessOrEqual(t, p.Stats().PeakRunning, limit)

	// Check the bound again from the recorded windows: at any task start,
	// no more than limit windows may be open.
	for _, w := range windows {
		open := 0
		for _, other := range windows {
			if !other.start.After(w.start) && other.end.After(w.start) {
				open++
			}
		}
		assert.LessOrEqual(t, open, limit)
	}
}

func TestPool_PriorityOrder(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1})
	defer p.Close()

	release := make(chan struct{})
	blocker, err := p.Submit(context.Background(), Task{ID: "blocker", Run: func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(id string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		}
	}

	submissions := []Task{
		{ID: "low", Priority: 0},
		{ID: "high", Priority: 3},
		{ID: "mid", Priority: 1},
		{ID: "high2", Priority: 3},
	}
	var chans []<-chan TaskResult
	for _, task := range submissions {
		task.Run = record(task.ID)
		ch, err := p.Submit(context.Background(), task)
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	close(release)
	<-blocker
	for _, ch := range chans {
		<-ch
	}

	assert.Equal(t, []string{"high", "high2", "mid", "low"}, order)
}

func TestPool_SubmitAllDispatchesByPriority(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1})
	defer p.Close()

	var mu sync.Mutex
	var order []string
	tasks := []Task{
		{ID: "delete", Priority: 0},
		{ID: "analyze1", Priority: 3},
		{ID: "analyze2", Priority: 3},
		{ID: "edit", Priority: 2},
	}
	for i := range tasks {
		id := tasks[i].ID
		tasks[i].Run = func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}
	}

	chans, errs := p.SubmitAll(context.Background(), tasks)
	for i, ch := range chans {
		require.NoError(t, errs[i])
		<-ch
	}

	assert.Equal(t, []string{"analyze1", "analyze2", "edit", "delete"}, order)
}

func TestPool_SubmitAllPartialRejection(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, QueueCapacity: 1})
	defer p.Close()

	noop := func(context.Context) (any, error) { return nil, nil }
	chans, errs := p.SubmitAll(context.Background(), []Task{
		{ID: "a", Run: noop},
		{ID: "b", Run: noop},
		{ID: "nil"},
	})

	require.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrQueueFull)
	assert.Nil(t, chans[1])
	assert.ErrorIs(t, errs[2], ErrNilTask)
	res := <-chans[0]
	assert.Equal(t, operation.StatusSuccess, res.Status)
}

func TestPool_QueueFull(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, QueueCapacity: 1})
	defer p.Close()

	release := make(chan struct{})
	wait := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}

	_, err := p.Submit(context.Background(), Task{ID: "running", Run: wait})
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), Task{ID: "queued", Run: wait})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), Task{ID: "overflow", Run: wait})
	assert.ErrorIs(t, err, ErrQueueFull)

	res := p.Execute(context.Background(), Task{ID: "overflow2", Run: wait})
	assert.Equal(t, operation.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrQueueFull)

	close(release)
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}

func TestPool_Timeout(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, GracePeriod: 50 * time.Millisecond})
	defer p.Close()

	res := p.Execute(context.Background(), Task{
		ID:      "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	assert.Equal(t, operation.StatusFailed, res.Status)
	var te *TimeoutError
	require.True(t, errors.As(res.Err, &te))
	assert.Equal(t, "slow", te.TaskID)
	assert.ErrorIs(t, res.Err, ErrTaskTimeout)
}

func TestPool_TimeoutWithUncooperativeTask(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, GracePeriod: 10 * time.Millisecond})
	defer p.Close()

	stop := make(chan struct{})
	defer close(stop)

	start := time.Now()
	res := p.Execute(context.Background(), Task{
		ID:      "stuck",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) (any, error) {
			<-stop
			return nil, nil
		},
	})
	assert.Equal(t, operation.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTaskTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPool_CancelledBeforeStart(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	res := p.Execute(ctx, Task{ID: "never", Run: func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}})

	assert.Equal(t, operation.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPool_CancelledWhileRunning(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, GracePeriod: 10 * time.Millisecond})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ch, err := p.Submit(ctx, Task{ID: "running", Run: func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	require.NoError(t, err)

	<-started
	cancel()
	res := <-ch
	assert.Equal(t, operation.StatusCancelled, res.Status)
}

func TestPool_SettledAfterBodyReturns(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, GracePeriod: time.Second})
	defer p.Close()

	var finished atomic.Bool
	res := p.Execute(context.Background(), Task{
		ID:      "stubborn",
		Timeout: 10 * time.Millisecond,
		Run: func(context.Context) (any, error) {
			time.Sleep(80 * time.Millisecond)
			finished.Store(true)
			return nil, nil
		},
	})
	require.ErrorIs(t, res.Err, ErrTaskTimeout)
	assert.False(t, finished.Load(), "result arrives before the body returns")

	select {
	case <-res.Settled:
	case <-time.After(time.Second):
		t.Fatal("task never settled")
	}
	assert.True(t, finished.Load())
}

func TestPool_SettledAfterGrace(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1, GracePeriod: 20 * time.Millisecond})
	defer p.Close()

	stop := make(chan struct{})
	defer close(stop)

	res := p.Execute(context.Background(), Task{
		ID:      "hung",
		Timeout: 10 * time.Millisecond,
		Run: func(context.Context) (any, error) {
			<-stop
			return nil, nil
		},
	})
	require.ErrorIs(t, res.Err, ErrTaskTimeout)

	select {
	case <-res.Settled:
	case <-time.After(time.Second):
		t.Fatal("grace period did not settle the task")
	}
}

func TestPool_SettledOnSubmitError(t *testing.T) {
	p := New(Config{Name: t.Name()})
	p.Close()

	res := p.Execute(context.Background(), Task{ID: "late", Run: func(context.Context) (any, error) { return nil, nil }})
	require.ErrorIs(t, res.Err, ErrPoolClosed)
	select {
	case <-res.Settled:
	default:
		t.Fatal("rejected task should be settled")
	}
}

func TestPool_TaskErrorAndPanic(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 2})
	defer p.Close()

	boom := errors.New("boom")
	res := p.Execute(context.Background(), Task{ID: "err", Run: func(context.Context) (any, error) {
		return nil, boom
	}})
	assert.Equal(t, operation.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, boom)

	res = p.Execute(context.Background(), Task{ID: "panic", Run: func(context.Context) (any, error) {
		panic("kaboom")
	}})
	assert.Equal(t, operation.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTaskPanic)

	res = p.Execute(context.Background(), Task{ID: "ok", Run: func(context.Context) (any, error) {
		return 42, nil
	}})
	assert.Equal(t, operation.StatusSuccess, res.Status)
	assert.Equal(t, 42, res.Value)
}

func TestPool_CloseRejectsNewWork(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 1})
	p.Close()

	_, err := p.Submit(context.Background(), Task{ID: "late", Run: func(context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)

	_, err = p.Submit(context.Background(), Task{ID: "nil"})
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestPool_DispatchRateLimit(t *testing.T) {
	p := New(Config{Name: t.Name(), MaxConcurrent: 4, DispatchRate: 50, DispatchBurst: 1})
	defer p.Close()

	start := time.Now()
	var chans []<-chan TaskResult
	for i := 0; i < 4; i++ {
		ch, err := p.Submit(context.Background(), Task{ID: fmt.Sprint(i), Run: func(context.Context) (any, error) { return nil, nil }})
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		assert.Equal(t, operation.StatusSuccess, (<-ch).Status)
	}

	// Burst of one at 50/s: three waits of ~20ms.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
