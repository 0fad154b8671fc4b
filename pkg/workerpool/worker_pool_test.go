// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool(nil, nil)
	require.NotNil(t, pool)
	assert.Equal(t, DefaultWorkerPoolConfig().MaxConcurrent, pool.config.MaxConcurrent)
}

func TestWorkerPool_RunTracksScript(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 2, ScriptTimeout: time.Second}, nil)

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = pool.Run(context.Background(), 42, "prolog", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	stats := pool.Stats()
	assert.Equal(t, 1, stats.ActiveWorkers)
	info, ok := stats.Running[42]
	require.True(t, ok)
	assert.Equal(t, "prolog", info.Hook)

	close(release)
	require.Eventually(t, func() bool {
		return pool.Stats().ActiveWorkers == 0
	}, time.Second, time.Millisecond)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 1, ScriptTimeout: time.Second}, nil)

	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = pool.Run(context.Background(), id, "epilog", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxObserved)
}

func TestWorkerPool_RunPropagatesError(t *testing.T) {
	pool := NewWorkerPool(nil, nil)
	wantErr := errors.New("script exited non-zero")

	err := pool.Run(context.Background(), 7, "prolog", func(ctx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestWorkerPool_RunRespectsCanceledContext(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 1, ScriptTimeout: time.Second}, nil)

	block := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), 1, "prolog", func(ctx context.Context) error {
			<-block
			return nil
		})
	}()

	require.Eventually(t, func() bool { return pool.Stats().ActiveWorkers == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Run(ctx, 2, "prolog", func(ctx context.Context) error {
		t.Fatal("should never run: pool was full and ctx already canceled")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
}

func TestWorkerPool_ScriptTimeoutCancelsContext(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 1, ScriptTimeout: 10 * time.Millisecond}, nil)

	err := pool.Run(context.Background(), 9, "epilog", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPool_ReapStale(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 2, ScriptTimeout: time.Minute}, nil)

	done := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), 3, "prolog", func(ctx context.Context) error {
			<-ctx.Done()
			close(done)
			return ctx.Err()
		})
	}()

	require.Eventually(t, func() bool { return pool.Stats().ActiveWorkers == 1 }, time.Second, time.Millisecond)

	reaped := pool.ReapStale(0)
	assert.Equal(t, 1, reaped)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaped script's context was not canceled")
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	pool := NewWorkerPool(&WorkerPoolConfig{MaxConcurrent: 1, ScriptTimeout: time.Minute}, nil)
	sup := NewSupervisor(pool, time.Millisecond, nil)
	sup.reapInterval = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), 1, "prolog", func(ctx context.Context) error {
			<-ctx.Done()
			close(done)
			return ctx.Err()
		})
	}()

	sup.Start()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not reap stale script")
	}
	sup.Stop()
}
