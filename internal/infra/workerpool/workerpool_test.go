// ///////////////////////////////////////////////////////////////////////////
//
// # DATEFIX - Temporal Remediation Engine
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit(t *testing.T) {
	assert.Equal(t, 1, Limit(0))
	assert.Equal(t, 1, Limit(-1))
	assert.Equal(t, runtime.NumCPU(), Limit(1))
	assert.GreaterOrEqual(t, Limit(0.01), 1)
}

func TestRunPreservesOrderAndIsolatesFailures(t *testing.T) {
	var tasks []Task[int]
	for i := 0; i < 20; i++ {
		i := i
		tasks = append(tasks, Task[int]{
			ID: fmt.Sprintf("t%d", i),
			Run: func(ctx context.Context) (int, error) {
				if i%5 == 0 {
					return 0, errors.New("boom")
				}
				time.Sleep(time.Duration(20-i) * time.Millisecond)
				return i * i, nil
			},
		})
	}

	outcomes := Run(context.Background(), tasks, Options{Workers: 4})
	require.Len(t, outcomes, 20)
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("t%d", i), o.ID)
		if i%5 == 0 {
			assert.EqualError(t, o.Err, "boom")
			continue
		}
		assert.NoError(t, o.Err)
		assert.Equal(t, i*i, o.Value)
	}
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	var active, peak int32
	var tasks []Task[struct{}]
	for i := 0; i < 12; i++ {
		tasks = append(tasks, Task[struct{}]{
			ID: fmt.Sprint(i),
			Run: func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			},
		})
	}

	Run(context.Background(), tasks, Options{Workers: 3})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunRecoversPanics(t *testing.T) {
	tasks := []Task[string]{
		{ID: "ok", Run: func(ctx context.Context) (string, error) { return "fine", nil }},
		{ID: "bad", Run: func(ctx context.Context) (string, error) { panic("nil map") }},
	}

	outcomes := Run(context.Background(), tasks, Options{Workers: 2})
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "fine", outcomes[0].Value)
	require.Error(t, outcomes[1].Err)
	assert.Contains(t, outcomes[1].Err.Error(), "task bad panicked: nil map")
}

func TestRunCancelledContextSkipsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	tasks := []Task[int]{
		{ID: "a", Run: func(ctx context.Context) (int, error) { atomic.AddInt32(&ran, 1); return 1, nil }},
		{ID: "b", Run: func(ctx context.Context) (int, error) { atomic.AddInt32(&ran, 1); return 2, nil }},
	}

	outcomes := Run(ctx, tasks, Options{Workers: 1})
	assert.Zero(t, atomic.LoadInt32(&ran))
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestRunEmpty(t *testing.T) {
	assert.Empty(t, Run[int](context.Background(), nil, Options{Workers: 2}))
}
