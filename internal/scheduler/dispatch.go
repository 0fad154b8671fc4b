// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/lock"
	"github.com/jontk/slurm-scheduler/pkg/events"
	"github.com/jontk/slurm-scheduler/pkg/logging"
	"github.com/jontk/slurm-scheduler/pkg/metrics"
)

// Dispatcher implements schedule() (spec §4.5), grounded on
// original_source's schedule()/_schedule() main loop.
type Dispatcher struct {
	queue     *QueueBuilder
	dep       *DependencyEngine
	collab    Collaborators
	hub       *events.Hub
	metrics   metrics.Collector
	logger    logging.Logger
	lifecycle *LifecycleRunner
}

// NewDispatcher creates a Dispatcher. hub, metricsCollector, and lifecycle
// may be nil (events/metrics are best-effort observability; a nil
// lifecycle means a batch job's successful selection proceeds straight to
// the launch RPC with no prolog step, as if prolog_program_path were unset).
func NewDispatcher(queue *QueueBuilder, dep *DependencyEngine, collab Collaborators, hub *events.Hub, metricsCollector metrics.Collector, logger logging.Logger, lifecycle *LifecycleRunner) *Dispatcher {
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{queue: queue, dep: dep, collab: collab, hub: hub, metrics: metricsCollector, logger: logger, lifecycle: lifecycle}
}

func (d *Dispatcher) publish(e events.Event) {
	if d.hub == nil {
		return
	}
	e.Timestamp = time.Now()
	d.hub.Publish(e)
}

// Schedule runs one dispatch pass (spec §4.5) and returns the count of jobs
// newly initiated. jobLimit of 0 uses the configured default queue depth.
func (d *Dispatcher) Schedule(ctx context.Context, sc *lock.SchedulerContext, jobLimit int) (int, error) {
	start := time.Now()
	policyName := sc.Config.SchedulerType
	passID := uuid.NewString()
	log := d.logger.With("pass_id", passID)

	release := sc.AcquireDispatch()

	// Pre-pass gates (fail fast).
	if !sc.FrontEndAvailable {
		release()
		d.metrics.RecordSkip("no-front-end")
		return 0, nil
	}
	if sc.Jobs.IsCompleting(start, sc.Config.CompleteWait()) {
		release()
		d.metrics.RecordSkip("fragmentation-avoidance")
		return 0, nil
	}
	if d.collab.InventoryRefresher != nil {
		changed, err := d.collab.InventoryRefresher.RefreshInventory(ctx)
		if err != nil {
			release()
			return 0, err
		}
		if changed {
			release()
			d.metrics.RecordSkip("inventory-refresh")
			return 0, nil
		}
	}

	params := sc.Config.ParsedParams()
	if jobLimit <= 0 {
		jobLimit = params.DefaultQueueDepth
	}

	// Pass preparation: snapshot the available bitmap and scratch state.
	savedAvailable := sc.Available.Clone()
	failedPartitions := make(map[string]struct{})

	entries := d.queue.Build(sc.Jobs, sc.Partitions, false, QueueFilter{}, start)
	SortQueue(d.collab.PreemptionPolicy, entries)

	started := 0
	considered := 0
	timeout := sc.Config.SchedTimeout()
	// batchLaunches collects batch jobs selected this pass whose prolog
	// and launch RPC must run after the dispatch lock is released (rule 9:
	// the prolog/epilog runner acquires its own, finer-grained locks and
	// must never be called while holding jobs:W/nodes:W for the pass).
	var batchLaunches []*domain.Job
	var loopErr error

	for _, entry := range entries {
		if time.Since(start) >= timeout {
			break
		}
		if jobLimit > 0 && considered >= jobLimit {
			break
		}
		considered++

		job := entry.Job
		part := entry.Partition

		// Rule 2: re-check still pending (an earlier entry in this pass may
		// have already started this job under a different partition).
		if job.State != domain.JobPending {
			continue
		}

		// Rule 3: held.
		if job.Held() {
			continue
		}

		// Rule 4: rebind to this entry's partition.
		job.RebindPartitionFirst(part.Name)

		// Rule 5: failed-partition mask.
		if job.Resources.Reservation == "" {
			if _, failed := failedPartitions[part.Name]; failed {
				job.StateReason = domain.ReasonWaitingPriority
				d.metrics.RecordSkip(string(domain.ReasonWaitingPriority))
				continue
			}
		}

		// Rule 6: disjoint-from-available check.
		if part.Nodes.IsDisjoint(sc.Available) {
			job.StateReason = domain.ReasonWaitingResources
			d.metrics.RecordSkip(string(domain.ReasonWaitingResources))
			continue
		}

		// Rule 7: license test.
		if d.collab.LicenseTester != nil {
			ok, err := d.collab.LicenseTester.TestLicenses(ctx, job, start)
			if err != nil {
				loopErr = err
				break
			}
			if !ok {
				job.StateReason = domain.ReasonWaitingLicenses
				d.metrics.RecordSkip(string(domain.ReasonWaitingLicenses))
				continue
			}
		}

		// Rule 8: association validation.
		if d.collab.AssocValidator != nil {
			ok, err := d.collab.AssocValidator.ValidateAssociation(ctx, job)
			if err != nil {
				loopErr = err
				break
			}
			if !ok {
				job.State = domain.JobFailed
				job.StateReason = domain.ReasonFailedAccount
				job.EndTime = start
				d.publish(events.Event{Type: events.TypeJobSkipped, JobID: job.ID, Reason: string(domain.ReasonFailedAccount), Partition: part.Name})
				continue
			}
		}

		// Rule 9: node selection.
		var preemptList []*domain.Job
		if d.collab.PreemptionFinder != nil {
			list, err := d.collab.PreemptionFinder.FindPreemptable(ctx, job)
			if err != nil {
				loopErr = err
				break
			}
			preemptList = list
		}

		var result SelectResult
		var selection Selection
		var err error
		if d.collab.NodeSelector != nil {
			result, selection, err = d.collab.NodeSelector.SelectNodes(ctx, job, false, preemptList)
			if err != nil {
				loopErr = err
				break
			}
		} else {
			result = SelectSuccess
		}

		switch result {
		case SelectSuccess:
			job.State = domain.JobRunning
			job.StartTime = start
			job.NodeBitmap = selection.Nodes
			job.NodeList = selection.NodeList
			job.RebindPartitionFirst(part.Name)
			started++

			switch {
			case !job.Batch:
				// Non-batch (interactive) job: signal the launch
				// collaborator directly, no prolog/epilog lifecycle.
				if d.collab.RPCAgent != nil {
					_ = d.collab.RPCAgent.QueueRequest(ctx, job)
				}
			case len(job.PoweringUpNodes) == 0:
				// Batch job with no prolog already in flight: hand off to
				// the prolog/epilog runner and then the batch-launch RPC
				// (spec §4.5 rule 9), deferred until the dispatch lock is
				// released below.
				batchLaunches = append(batchLaunches, job)
			}

			d.publish(events.Event{Type: events.TypeJobStarted, JobID: job.ID, Partition: part.Name})

		case SelectNodesBusy:
			if params.FailByPart {
				failedPartitions[part.Name] = struct{}{}
				sc.Available = sc.Available.Subtract(part.Nodes)
			}
			job.StateReason = domain.ReasonWaitingResources
			d.metrics.RecordSkip(string(domain.ReasonWaitingResources))

		case SelectReservationUnusable:
			if job.Resources.Reservation != "" {
				sc.Available = sc.Available.Subtract(selection.Nodes)
			}
			d.metrics.RecordSkip("reservation-unusable")

		case SelectPartConfigUnavailable, SelectNodeNotAvailable, SelectAccountingPolicy:
			d.metrics.RecordSkip(string(result))

		default:
			job.State = domain.JobFailed
			job.StateReason = domain.ReasonFailedBadConstraints
			job.EndTime = start
			d.publish(events.Event{Type: events.TypeJobSkipped, JobID: job.ID, Reason: string(domain.ReasonFailedBadConstraints), Partition: part.Name})
		}
	}

	sc.Available = savedAvailable
	release()

	if loopErr != nil {
		return started, loopErr
	}

	// Batch-job prolog/launch hand-off (spec §4.5 rule 9) runs outside the
	// dispatch lock: PrologSlurmctld acquires its own finer-grained
	// lifecycle locks and must never be called while jobs:W/nodes:W are
	// already held for the whole pass.
	for _, job := range batchLaunches {
		if d.lifecycle != nil {
			if err := d.lifecycle.PrologSlurmctld(ctx, sc, job); err != nil {
				// A non-nil error means the prolog could not run or the
				// kill policy failed the job; do not launch. A requeued
				// job comes back with nil and no longer running, which
				// the state check below catches.
				continue
			}
		}
		if job.State == domain.JobRunning && d.collab.RPCAgent != nil {
			_ = d.collab.RPCAgent.QueueRequest(ctx, job)
		}
	}

	d.metrics.RecordPass(policyName, time.Since(start), considered, started)
	log.Info("dispatch pass complete", "started", started, "considered", considered, "duration", time.Since(start))
	d.publish(events.Event{Type: events.TypePassComplete, Details: map[string]string{
		"pass_id":    passID,
		"started":    strconv.Itoa(started),
		"considered": strconv.Itoa(considered),
	}})

	return started, nil
}
