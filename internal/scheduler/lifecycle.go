// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/apapsch/go-jsonmerge/v2"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/lock"
	"github.com/jontk/slurm-scheduler/pkg/events"
	"github.com/jontk/slurm-scheduler/pkg/logging"
	"github.com/jontk/slurm-scheduler/pkg/metrics"
	"github.com/jontk/slurm-scheduler/pkg/workerpool"
)

// ErrJobKilled is returned by PrologSlurmctld when the failure policy
// decides to kill the job outright rather than requeue it (spec §4.7).
var ErrJobKilled = errors.New("job killed by prolog failure policy")

// LifecycleRunner implements prolog_slurmctld/epilog_slurmctld (spec §4.7),
// grounded on original_source's prolog_slurmctld/epilog_slurmctld/
// _run_prolog/_run_epilog/_build_env.
type LifecycleRunner struct {
	pool    *workerpool.WorkerPool
	collab  Collaborators
	hub     *events.Hub
	metrics metrics.Collector
	logger  logging.Logger
}

// NewLifecycleRunner creates a LifecycleRunner. pool, hub, and
// metricsCollector may be nil; a nil pool runs the child inline (still
// bounded by ctx), a nil hub/metricsCollector silently drops observability.
func NewLifecycleRunner(pool *workerpool.WorkerPool, collab Collaborators, hub *events.Hub, metricsCollector metrics.Collector, logger logging.Logger) *LifecycleRunner {
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LifecycleRunner{pool: pool, collab: collab, hub: hub, metrics: metricsCollector, logger: logger}
}

func (r *LifecycleRunner) publish(e events.Event) {
	if r.hub == nil {
		return
	}
	e.Timestamp = time.Now()
	r.hub.Publish(e)
}

// buildEnv assembles the child environment: scheduler-derived identity
// fields (job id, account, partition, constraints, node list, user/group,
// restart count) as the base, with the job's SPANK environment merged
// underneath it — SPANK variables are present, but a SPANK key that
// collides with a scheduler-set key loses, since spec §4.7 requires user
// overrides to never shadow scheduler-set variables. jsonmerge.Merge's
// second argument is the side that wins a key collision, so the
// scheduler-derived base is passed last.
func buildEnv(job *domain.Job) (map[string]string, error) {
	base := map[string]string{
		"SLURM_JOB_ID":          strconv.FormatInt(job.ID, 10),
		"SLURM_JOB_ACCOUNT":     job.Account,
		"SLURM_JOB_PARTITION":   job.BoundPartition(),
		"SLURM_JOB_CONSTRAINTS": job.Resources.FeatureExpr,
		"SLURM_JOB_NODELIST":    job.NodeList,
		"SLURM_JOB_UID":         strconv.FormatInt(int64(job.UserID), 10),
		"SLURM_JOB_GID":         strconv.FormatInt(int64(job.GroupID), 10),
		"SLURM_RESTART_COUNT":   strconv.FormatInt(int64(job.RestartCount), 10),
	}

	spankJSON, err := json.Marshal(job.SpankEnv)
	if err != nil {
		return nil, err
	}
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	merger := jsonmerge.Merger{}
	merged, err := merger.Merge(spankJSON, baseJSON)
	if err != nil {
		return nil, err
	}

	var result map[string]string
	if err := json.Unmarshal(merged, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// PrologSlurmctld runs the configured prolog program for job (spec §4.7).
// Callers must not be holding any SchedulerContext lock; the runner acquires
// and releases the lifecycle locks itself around the (non-blocking) state
// transitions, dropping every lock while the child is awaited.
func (r *LifecycleRunner) PrologSlurmctld(ctx context.Context, sc *lock.SchedulerContext, job *domain.Job) error {
	programPath := sc.Config.PrologProgramPath
	if programPath == "" {
		return nil
	}
	start := time.Now()

	prepare := sc.AcquireLifecyclePrepare()
	env, err := buildEnv(job)
	if err != nil {
		prepare()
		return err
	}
	nodes := job.NodeBitmap.Clone()
	for name := range nodes {
		if n, ok := sc.Nodes.Get(name); ok {
			n.PoweringUp = true
		}
	}
	job.PoweringUpNodes = nodes
	prepare()

	runErr := r.runChild(ctx, job.ID, "prolog", programPath, env)

	apply := sc.AcquireLifecycleApply()
	// The job pointer may have been invalidated (generation bumped, e.g.
	// cancelled-and-resubmitted) while the child ran; only clear the
	// power-up marker if it is still the same submission.
	if current, ok := sc.Jobs.Resolve(job.ID, job.Generation); ok {
		for name := range nodes {
			if n, ok := sc.Nodes.Get(name); ok {
				n.PoweringUp = false
			}
		}
		current.PoweringUpNodes = nil
	}
	apply()

	r.metrics.RecordLifecycle("prolog", time.Since(start), runErr != nil)
	r.publish(events.Event{Type: events.TypePrologRun, JobID: job.ID, Reason: errReason(runErr)})

	if runErr == nil {
		job.PrologFailedLastAttempt = false
		r.logger.Debug("prolog completed", "job_id", job.ID)
		return nil
	}

	r.logger.Warn("prolog failed", "job_id", job.ID, "error", runErr)
	return r.applyPrologFailurePolicy(job)
}

// applyPrologFailurePolicy implements spec §4.7's kill/requeue-once rule:
// a job whose immediately preceding prolog attempt also failed is killed
// outright; otherwise it is marked for one requeue attempt, and a second
// consecutive failure (caught on the next call via PrologFailedLastAttempt)
// kills it.
func (r *LifecycleRunner) applyPrologFailurePolicy(job *domain.Job) error {
	if job.PrologFailedLastAttempt || job.RequeueAttempted {
		job.State = domain.JobFailed
		job.StateReason = domain.ReasonFailedBadConstraints
		job.EndTime = time.Now()
		r.logger.Error("killing job after repeated prolog failure", "job_id", job.ID)
		return ErrJobKilled
	}

	job.PrologFailedLastAttempt = true
	job.RequeueAttempted = true
	job.State = domain.JobPending
	job.StartTime = time.Time{}
	r.logger.Warn("requeuing job after prolog failure", "job_id", job.ID)
	return nil
}

// EpilogSlurmctld runs the configured epilog program for job (spec §4.7).
// Unlike the prolog, a failure is only logged; accounting still records the
// job's completion regardless of the epilog's outcome.
func (r *LifecycleRunner) EpilogSlurmctld(ctx context.Context, sc *lock.SchedulerContext, job *domain.Job) error {
	programPath := sc.Config.EpilogProgramPath
	if programPath == "" {
		return nil
	}
	start := time.Now()

	prepare := sc.AcquireLifecyclePrepare()
	env, err := buildEnv(job)
	prepare()
	if err != nil {
		return err
	}

	runErr := r.runChild(ctx, job.ID, "epilog", programPath, env)

	r.metrics.RecordLifecycle("epilog", time.Since(start), runErr != nil)
	r.publish(events.Event{Type: events.TypeEpilogRun, JobID: job.ID, Reason: errReason(runErr)})

	if runErr != nil {
		r.logger.Error("epilog failed", "job_id", job.ID, "error", runErr)
		return nil
	}
	r.logger.Debug("epilog completed", "job_id", job.ID)
	return nil
}

// runChild bounds the script's concurrency through pool (when configured)
// and retries the wait itself if interrupted by an unrelated signal,
// surfacing only a genuine non-zero-exit/signal-termination as an error.
func (r *LifecycleRunner) runChild(ctx context.Context, jobID int64, hook, programPath string, env map[string]string) error {
	if r.collab.ScriptRunner == nil {
		return nil
	}

	run := func(runCtx context.Context) error {
		for {
			err := r.collab.ScriptRunner.Run(runCtx, programPath, env)
			if !errors.Is(err, context.Canceled) || runCtx.Err() != nil {
				return err
			}
			// Wait was interrupted by something other than our own
			// cancellation (e.g. an unrelated signal delivered to the
			// parent); retry the wait rather than treating it as failure.
		}
	}

	if r.pool == nil {
		return run(ctx)
	}
	return r.pool.Run(ctx, jobID, hook, run)
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
