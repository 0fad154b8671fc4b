// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lock implements the SchedulerContext described in spec Design
// Notes §9: a single value owning the job, node, and partition directories
// plus the configuration snapshot and a lock set with four independently
// acquirable read/write locks (config, jobs, nodes, partitions), acquired
// in the canonical order config → jobs → nodes → partitions (spec §5).
package lock

import (
	"sync"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/pkg/config"
)

// Mode selects how a given sub-lock should be acquired.
type Mode int

const (
	// None means the caller does not touch this sub-structure at all.
	None Mode = iota
	// Read acquires a shared (read) lock.
	Read
	// Write acquires an exclusive (write) lock.
	Write
)

// SchedulerContext owns the four directories the scheduling core mutates
// and the lock set guarding them, replacing the source's process-global
// state (spec Design Notes §9).
type SchedulerContext struct {
	configMu     sync.RWMutex
	jobsMu       sync.RWMutex
	nodesMu      sync.RWMutex
	partitionsMu sync.RWMutex

	Config     *config.Config
	Jobs       *domain.JobDirectory
	Nodes      *domain.NodeDirectory
	Partitions *domain.PartitionDirectory

	// Available is the live available-node bitmap, mutated only under
	// nodes:W (spec §5 "Shared-resource policy").
	Available domain.NodeSet

	// FrontEndAvailable models the front-end-node pre-pass gate (spec §4.5,
	// glossary "Front-end node"): on a platform with no front-end-gateway
	// concept this is simply always true.
	FrontEndAvailable bool
}

// New creates a SchedulerContext over empty directories and the given
// configuration.
func New(cfg *config.Config) *SchedulerContext {
	return &SchedulerContext{
		Config:            cfg,
		Jobs:              domain.NewJobDirectory(),
		Nodes:             domain.NewNodeDirectory(),
		Partitions:        domain.NewPartitionDirectory(),
		Available:         domain.NewNodeSet(),
		FrontEndAvailable: true,
	}
}

// Release undoes an Acquire; callers get it back from Acquire itself, this
// type exists only to give that return value a name in doc comments.
type Release func()

// Acquire locks the requested sub-structures in canonical order
// (config → jobs → nodes → partitions) and returns a function that
// releases them in reverse order. Passing None for a sub-structure skips it
// entirely — callers that don't touch partitions, say, never block on its
// lock.
func (c *SchedulerContext) Acquire(configMode, jobsMode, nodesMode, partitionsMode Mode) Release {
	lockOne(&c.configMu, configMode)
	lockOne(&c.jobsMu, jobsMode)
	lockOne(&c.nodesMu, nodesMode)
	lockOne(&c.partitionsMu, partitionsMode)

	return func() {
		unlockOne(&c.partitionsMu, partitionsMode)
		unlockOne(&c.nodesMu, nodesMode)
		unlockOne(&c.jobsMu, jobsMode)
		unlockOne(&c.configMu, configMode)
	}
}

// AcquireDispatch locks {config:R, jobs:W, nodes:W, partitions:R}, the
// dispatch loop's and set-eligibility sweep's standard acquisition (spec
// §5).
func (c *SchedulerContext) AcquireDispatch() Release {
	return c.Acquire(Read, Write, Write, Read)
}

// AcquireQueueBuild locks {jobs:R}, the queue builder's minimum requirement
// (spec §5: "callers must hold at least {jobs:R}").
func (c *SchedulerContext) AcquireQueueBuild() Release {
	return c.Acquire(None, Read, None, None)
}

// AcquireLifecyclePrepare locks {config:R, jobs:R, nodes:W} for preparing a
// prolog/epilog child launch; the caller must release before awaiting the
// child and call AcquireLifecycleApply afterward (spec §5).
func (c *SchedulerContext) AcquireLifecyclePrepare() Release {
	return c.Acquire(Read, Read, Write, None)
}

// AcquireLifecycleApply re-acquires {jobs:W, nodes:W} to apply a completed
// child's outcome to job and node state.
func (c *SchedulerContext) AcquireLifecycleApply() Release {
	return c.Acquire(None, Write, Write, None)
}

func lockOne(mu *sync.RWMutex, mode Mode) {
	switch mode {
	case Read:
		mu.RLock()
	case Write:
		mu.Lock()
	}
}

func unlockOne(mu *sync.RWMutex, mode Mode) {
	switch mode {
	case Read:
		mu.RUnlock()
	case Write:
		mu.Unlock()
	}
}
