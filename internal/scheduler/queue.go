// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/pkg/logging"
)

// QueueFilter restricts BuildJobQueue to jobs owned by UserID with name
// Name; a zero-value filter matches every job (spec §4.1 "optionally a
// filter").
type QueueFilter struct {
	UserID int32
	Name   string
}

func (f QueueFilter) empty() bool {
	return f.UserID == 0 && f.Name == ""
}

func (f QueueFilter) matches(j *domain.Job) bool {
	if f.empty() {
		return true
	}
	return j.UserID == f.UserID && j.Name == f.Name
}

// QueueBuilder implements build_job_queue (spec §4.1): from the global job
// directory, produce a fresh unordered collection of JobQueueEntry.
// Grounded on job_scheduler.c's build_job_queue/job_independent.
type QueueBuilder struct {
	dep    *DependencyEngine
	logger logging.Logger
}

// NewQueueBuilder creates a QueueBuilder backed by dep for independence
// checks.
func NewQueueBuilder(dep *DependencyEngine, logger logging.Logger) *QueueBuilder {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &QueueBuilder{dep: dep, logger: logger}
}

// Build implements build_job_queue. Callers must hold at least {jobs:R}
// (spec §5); partitions is consulted read-only to repair a dangling bound
// partition by name lookup.
func (b *QueueBuilder) Build(jobs *domain.JobDirectory, partitions *domain.PartitionDirectory, clearStartTimes bool, filter QueueFilter, now time.Time) []*domain.QueueEntry {
	var entries []*domain.QueueEntry

	for _, j := range jobs.All() {
		if !filter.matches(j) {
			continue
		}

		// Rule 1: only pending, not-completing jobs contribute.
		if j.State != domain.JobPending {
			continue
		}

		// Rule 2: clear predicted start times before evaluation.
		if clearStartTimes {
			j.StartTime = time.Time{}
		}

		independent := b.independent(j, now)

		// Rule 4: held jobs are stamped and skipped.
		if j.Held() {
			if j.StateReason != domain.ReasonHeldByUser {
				j.StateReason = domain.ReasonHeld
			}
			continue
		}

		// Rule 5: system-held (priority 1) and not independent.
		if j.SystemHeld() && !independent {
			j.StateReason = domain.ReasonWaitingDependency
		}

		// Rule 6: any non-independent job is skipped regardless of priority.
		if !independent {
			continue
		}

		entries = append(entries, b.entriesForJob(j, partitions)...)
	}

	return entries
}

// independent reports spec §4.1 rule 3: dependencies satisfied and begin
// time passed.
func (b *QueueBuilder) independent(j *domain.Job, now time.Time) bool {
	if !j.BeginTime.IsZero() && j.BeginTime.After(now) {
		return false
	}
	if b.dep == nil {
		return true
	}
	status := b.dep.Evaluate(j)
	return status == DependencySatisfied
}

// entriesForJob implements rule 7: one entry per admissible partition, with
// dangling-partition repair by name lookup.
func (b *QueueBuilder) entriesForJob(j *domain.Job, partitions *domain.PartitionDirectory) []*domain.QueueEntry {
	if len(j.PartitionNames) == 0 {
		return nil
	}

	entries := make([]*domain.QueueEntry, 0, len(j.PartitionNames))
	for _, name := range j.PartitionNames {
		p, ok := partitions.Get(name)
		if !ok {
			// Dangling reference: repair by name lookup against the
			// requested partition, logging a warning either way.
			repaired, found := partitions.Get(j.RequestedPartition)
			if !found {
				b.logger.Warn("dangling partition reference could not be repaired",
					"job_id", j.ID, "partition", name)
				continue
			}
			b.logger.Warn("repaired dangling partition reference",
				"job_id", j.ID, "partition", name, "repaired_to", repaired.Name)
			p = repaired
		}
		if !p.Enabled {
			continue
		}
		entries = append(entries, &domain.QueueEntry{Job: j, Partition: p})
	}
	return entries
}
