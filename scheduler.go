// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package slurmscheduler is the public facade over the scheduling core
// (spec §6 "Exposed to the rest of the system"): job queue construction,
// the dispatch loop, the start-time predictor, dependency management,
// feature-constraint compilation, and the prolog/epilog lifecycle runner.
package slurmscheduler

import (
	"context"
	"time"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/lock"
	"github.com/jontk/slurm-scheduler/internal/scheduler"
	"github.com/jontk/slurm-scheduler/pkg/config"
	"github.com/jontk/slurm-scheduler/pkg/events"
	"github.com/jontk/slurm-scheduler/pkg/logging"
	"github.com/jontk/slurm-scheduler/pkg/metrics"
	"github.com/jontk/slurm-scheduler/pkg/workerpool"
)

// Scheduler bundles the SchedulerContext and the scheduling core's seven
// components into the single value an embedding program drives (spec §6).
type Scheduler struct {
	Context *lock.SchedulerContext

	queue      *scheduler.QueueBuilder
	dependency *scheduler.DependencyEngine
	features   *scheduler.FeatureParser
	dispatcher *scheduler.Dispatcher
	predictor  *scheduler.Predictor
	lifecycle  *scheduler.LifecycleRunner

	collab Collaborators
}

// Collaborators re-exports internal/scheduler.Collaborators so callers never
// need to import the internal package directly to wire this facade up.
type Collaborators = scheduler.Collaborators

// New builds a Scheduler over cfg, wiring every component with the given
// collaborators, event hub, metrics collector, and logger. hub,
// metricsCollector, and logger may all be nil.
func New(cfg *config.Config, collab Collaborators, hub *events.Hub, metricsCollector metrics.Collector, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	sc := lock.New(cfg)
	dep := scheduler.NewDependencyEngine(sc.Jobs)
	features := scheduler.NewFeatureParser(scheduler.NewKnownFeatureSet(sc.Nodes))
	queue := scheduler.NewQueueBuilder(dep, logger)
	pool := workerpool.NewWorkerPool(workerpool.DefaultWorkerPoolConfig(), logger)
	lifecycle := scheduler.NewLifecycleRunner(pool, collab, hub, metricsCollector, logger)

	return &Scheduler{
		Context:    sc,
		queue:      queue,
		dependency: dep,
		features:   features,
		dispatcher: scheduler.NewDispatcher(queue, dep, collab, hub, metricsCollector, logger, lifecycle),
		predictor:  scheduler.NewPredictor(features),
		lifecycle:  lifecycle,
		collab:     collab,
	}
}

// BuildJobQueue implements build_job_queue (spec §4.1, §6): a fresh,
// unordered collection of admissible (job, partition) pairs. clearStart
// zeroes each pending job's predicted start time before evaluating it.
func (s *Scheduler) BuildJobQueue(clearStart bool, filter scheduler.QueueFilter) []*domain.QueueEntry {
	release := s.Context.AcquireQueueBuild()
	defer release()
	return s.queue.Build(s.Context.Jobs, s.Context.Partitions, clearStart, filter, time.Now())
}

// Schedule implements schedule() (spec §4.5, §6): run one dispatch pass,
// returning the number of jobs newly transitioned to running.
func (s *Scheduler) Schedule(ctx context.Context, jobLimit int) (int, error) {
	return s.dispatcher.Schedule(ctx, s.Context, jobLimit)
}

// JobStartData implements job_start_data (spec §4.6, §6): predict when job
// would start if submitted now, without mutating any persistent state.
func (s *Scheduler) JobStartData(ctx context.Context, req scheduler.WillRunRequest) (*scheduler.WillRunResponse, error) {
	release := s.Context.Acquire(lock.Read, lock.Read, lock.Read, lock.Read)
	defer release()
	return s.predictor.Predict(ctx, s.Context, s.collab, req)
}

// UpdateJobDependency implements update_job_dependency (spec §4.2, §6):
// parse text, cycle-check it, and on success replace job's dependency list
// and text. A parse or cycle failure leaves job's dependency list untouched.
func (s *Scheduler) UpdateJobDependency(job *domain.Job, text string, allowExpand bool) error {
	specs, err := s.dependency.Parse(text, job.ID, allowExpand)
	if err != nil {
		return err
	}
	if err := s.dependency.CheckCycle(job.ID, specs); err != nil {
		return err
	}
	job.Dependencies = specs
	job.DependencyText = s.dependency.Render(specs)
	return nil
}

// TestJobDependency implements test_job_dependency (spec §4.2, §6).
func (s *Scheduler) TestJobDependency(job *domain.Job) scheduler.DependencyStatus {
	return s.dependency.Evaluate(job)
}

// BuildFeatureList implements build_feature_list (spec §4.3, §6): compile
// job's feature-expression text into its structured term list.
func (s *Scheduler) BuildFeatureList(job *domain.Job) error {
	terms, err := s.features.Parse(job.Resources.FeatureExpr)
	if err != nil {
		return err
	}
	job.Resources.FeatureList = terms
	return nil
}

// PrologSlurmctld implements prolog_slurmctld (spec §4.7, §6).
func (s *Scheduler) PrologSlurmctld(ctx context.Context, job *domain.Job) error {
	return s.lifecycle.PrologSlurmctld(ctx, s.Context, job)
}

// EpilogSlurmctld implements epilog_slurmctld (spec §4.7, §6).
func (s *Scheduler) EpilogSlurmctld(ctx context.Context, job *domain.Job) error {
	return s.lifecycle.EpilogSlurmctld(ctx, s.Context, job)
}

// LaunchJob implements launch_job (spec §6): hands job itself to the agent
// queue collaborator as the request, non-blocking. No separate batch launch
// message or credential is built; a nil RPCAgent makes it a no-op.
func (s *Scheduler) LaunchJob(ctx context.Context, job *domain.Job) error {
	if s.collab.RPCAgent == nil {
		return nil
	}
	return s.collab.RPCAgent.QueueRequest(ctx, job)
}
