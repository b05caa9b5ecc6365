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

// Package workerpool runs independent units of work with a concurrency
// limit and reports one outcome per unit, in submission order.
package workerpool

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

type Task[T any] struct {
	ID  string
	Run func(ctx context.Context) (T, error)
}

type Outcome[T any] struct {
	ID       string
	Value    T
	Err      error
	Duration time.Duration
}

// Limit turns a CPU ratio into a worker count of at least one.
func Limit(factor float64) int {
	n := int(math.Ceil(float64(runtime.NumCPU()) * factor))
	if n < 1 {
		n = 1
	}
	return n
}

type Options struct {
	Workers  int
	Label    string
	Progress bool
}

// Run executes tasks on at most opts.Workers goroutines. A task that panics
// yields an error outcome. Once ctx is done, tasks that have not started
// are reported with the context error instead of running.
func Run[T any](ctx context.Context, tasks []Task[T], opts Options) []Outcome[T] {
	outcomes := make([]Outcome[T], len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}

	numWorkers := opts.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(tasks) {
		numWorkers = len(tasks)
	}

	var (
		p   *mpb.Progress
		bar *mpb.Bar
	)
	if opts.Progress {
		p = mpb.New(mpb.WithOutput(os.Stderr))
		bar = p.AddBar(int64(len(tasks)),
			mpb.BarRemoveOnComplete(),
			mpb.PrependDecorators(
				decor.Name(opts.Label, decor.WC{W: 25}),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Elapsed(decor.ET_STYLE_GO),
				decor.Name(" | "),
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
			),
		)
	}

	jobs := make(chan int, len(tasks))
	for i := range tasks {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = runOne(ctx, tasks[i])
				if bar != nil {
					bar.Increment()
				}
			}
		}()
	}
	wg.Wait()

	if p != nil {
		p.Wait()
	}
	return outcomes
}

func runOne[T any](ctx context.Context, task Task[T]) (out Outcome[T]) {
	out.ID = task.ID
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("task %s panicked: %v\n%s", task.ID, r, debug.Stack())
		}
	}()

	out.Value, out.Err = task.Run(ctx)
	return out
}
