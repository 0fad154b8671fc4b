// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package workerpool bounds the concurrency of prolog/epilog child-process
// execution (spec §4.7): the slurmctld process launches a prolog or epilog
// script per job transition, and an unbounded fleet of those launching at
// once would starve the node of forks the way an unbounded HTTP transport
// would starve a host of sockets.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/jontk/slurm-scheduler/pkg/logging"
)

// WorkerPool bounds concurrent lifecycle-script execution and tracks the
// scripts currently in flight.
type WorkerPool struct {
	mu      sync.RWMutex
	running map[int64]*runningScript
	sem     chan struct{}
	config  *WorkerPoolConfig
	logger  logging.Logger
}

// runningScript records a single in-flight prolog or epilog invocation.
type runningScript struct {
	jobID   int64
	hook    string
	started time.Time
	cancel  context.CancelFunc
}

// WorkerPoolConfig holds configuration for the lifecycle worker pool.
type WorkerPoolConfig struct {
	// MaxConcurrent bounds the number of prolog/epilog scripts that may run
	// at once.
	MaxConcurrent int

	// ScriptTimeout is the maximum time a single script may run before its
	// context is canceled.
	ScriptTimeout time.Duration
}

// DefaultWorkerPoolConfig returns a configuration sized for a single node's
// fork budget.
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		MaxConcurrent: 10,
		ScriptTimeout: 5 * time.Minute,
	}
}

// NewWorkerPool creates a new lifecycle worker pool.
func NewWorkerPool(config *WorkerPoolConfig, logger logging.Logger) *WorkerPool {
	if config == nil {
		config = DefaultWorkerPoolConfig()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &WorkerPool{
		running: make(map[int64]*runningScript),
		sem:     make(chan struct{}, config.MaxConcurrent),
		config:  config,
		logger:  logger,
	}
}

// Run executes fn under the pool's concurrency bound and per-script timeout,
// tracking it under jobID/hook ("prolog" or "epilog") for the duration of
// the call. It blocks until a slot is free or ctx is canceled.
func (p *WorkerPool) Run(ctx context.Context, jobID int64, hook string, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	runCtx, cancel := context.WithTimeout(ctx, p.config.ScriptTimeout)
	defer cancel()

	p.mu.Lock()
	p.running[jobID] = &runningScript{
		jobID:   jobID,
		hook:    hook,
		started: time.Now(),
		cancel:  cancel,
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, jobID)
		p.mu.Unlock()
	}()

	p.logger.Info("lifecycle script started", "job_id", jobID, "hook", hook)
	err := fn(runCtx)
	if err != nil {
		p.logger.Warn("lifecycle script failed", "job_id", jobID, "hook", hook, "error", err)
	}
	return err
}

// Stats returns statistics about the worker pool's current load.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		ActiveWorkers: len(p.running),
		MaxConcurrent: p.config.MaxConcurrent,
		Running:       make(map[int64]RunningScriptInfo, len(p.running)),
	}

	for jobID, rs := range p.running {
		stats.Running[jobID] = RunningScriptInfo{
			JobID:   rs.jobID,
			Hook:    rs.hook,
			Started: rs.started,
		}
	}

	return stats
}

// ReapStale cancels any script that has been running longer than maxRunTime
// and returns the number canceled. A lifecycle script that ignores context
// cancellation (spec §4.7 says BUSY exits are retried by the caller, not
// killed harder here) will still be reaped from bookkeeping once Run's
// deferred cleanup runs.
func (p *WorkerPool) ReapStale(maxRunTime time.Duration) int {
	p.mu.RLock()
	cutoff := time.Now().Add(-maxRunTime)
	var stale []*runningScript
	for _, rs := range p.running {
		if rs.started.Before(cutoff) {
			stale = append(stale, rs)
		}
	}
	p.mu.RUnlock()

	for _, rs := range stale {
		rs.cancel()
		p.logger.Warn("reaped stale lifecycle script", "job_id", rs.jobID, "hook", rs.hook,
			"running_for", time.Since(rs.started))
	}

	return len(stale)
}

// PoolStats contains statistics about the worker pool.
type PoolStats struct {
	ActiveWorkers int
	MaxConcurrent int
	Running       map[int64]RunningScriptInfo
}

// RunningScriptInfo describes a single in-flight lifecycle script.
type RunningScriptInfo struct {
	JobID   int64
	Hook    string
	Started time.Time
}

// Supervisor periodically reaps scripts that have exceeded the pool's
// configured timeout, guarding against a hung prolog/epilog holding a slot
// forever.
type Supervisor struct {
	pool         *WorkerPool
	reapInterval time.Duration
	maxRunTime   time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       logging.Logger
}

// NewSupervisor creates a new lifecycle supervisor for pool.
func NewSupervisor(pool *WorkerPool, maxRunTime time.Duration, logger logging.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Supervisor{
		pool:         pool,
		reapInterval: 30 * time.Second,
		maxRunTime:   maxRunTime,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}
}

// Start begins the reaper routine.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.reapRoutine()
}

// Stop stops the reaper routine.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) reapRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reaped := s.pool.ReapStale(s.maxRunTime)
			if reaped > 0 {
				s.logger.Info("reaped stale lifecycle scripts", "count", reaped)
			}
		case <-s.ctx.Done():
			return
		}
	}
}
