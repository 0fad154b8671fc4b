// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/scheduler/schedulertest"
	"github.com/jontk/slurm-scheduler/pkg/logging"
)

func TestLifecycleRunner_EmptyProgramPathSkipsRun(t *testing.T) {
	sc := newTestContext()
	job := &domain.Job{ID: 1, State: domain.JobRunning}
	sc.Jobs.Put(job)

	runner := &schedulertest.FakeScriptRunner{}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.PrologSlurmctld(context.Background(), sc, job)
	require.NoError(t, err)
	assert.Empty(t, runner.Calls)
}

func TestLifecycleRunner_PrologSuccessClearsPowerUpMarker(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	sc.Nodes.Put(&domain.Node{Name: "n1"})
	job := &domain.Job{ID: 1, State: domain.JobRunning, NodeBitmap: domain.NewNodeSet("n1")}
	sc.Jobs.Put(job)

	runner := &schedulertest.FakeScriptRunner{}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.PrologSlurmctld(context.Background(), sc, job)
	require.NoError(t, err)
	assert.Len(t, runner.Calls, 1)
	assert.Equal(t, "1", runner.Calls[0]["SLURM_JOB_ID"])

	n, _ := sc.Nodes.Get("n1")
	assert.False(t, n.PoweringUp)
	assert.Nil(t, job.PoweringUpNodes)
	assert.False(t, job.PrologFailedLastAttempt)
}

func TestLifecycleRunner_PrologFirstFailureRequeuesOnce(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	job := &domain.Job{ID: 1, State: domain.JobRunning}
	sc.Jobs.Put(job)

	fail := errors.New("exit status 1")
	runner := &schedulertest.FakeScriptRunner{RunFunc: func(ctx context.Context, path string, env map[string]string) error { return fail }}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.PrologSlurmctld(context.Background(), sc, job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.State)
	assert.True(t, job.PrologFailedLastAttempt)
	assert.True(t, job.RequeueAttempted)
}

func TestLifecycleRunner_PrologSecondConsecutiveFailureKillsJob(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	job := &domain.Job{ID: 1, State: domain.JobPending, PrologFailedLastAttempt: true, RequeueAttempted: true}
	sc.Jobs.Put(job)

	fail := errors.New("exit status 1")
	runner := &schedulertest.FakeScriptRunner{RunFunc: func(ctx context.Context, path string, env map[string]string) error { return fail }}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.PrologSlurmctld(context.Background(), sc, job)
	require.ErrorIs(t, err, ErrJobKilled)
	assert.Equal(t, domain.JobFailed, job.State)
}

func TestLifecycleRunner_EpilogFailureIsLoggedNotReturned(t *testing.T) {
	sc := newTestContext()
	sc.Config.EpilogProgramPath = "/usr/local/sbin/epilog"
	job := &domain.Job{ID: 1, State: domain.JobComplete}
	sc.Jobs.Put(job)

	fail := errors.New("exit status 1")
	runner := &schedulertest.FakeScriptRunner{RunFunc: func(ctx context.Context, path string, env map[string]string) error { return fail }}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.EpilogSlurmctld(context.Background(), sc, job)
	require.NoError(t, err, "epilog failure policy never returns an error to the caller")
}

func TestLifecycleRunner_SpankEnvCannotShadowSchedulerVars(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	job := &domain.Job{ID: 42, State: domain.JobRunning, SpankEnv: map[string]string{"SLURM_JOB_ID": "hijacked", "MY_PLUGIN_VAR": "1"}}
	sc.Jobs.Put(job)

	runner := &schedulertest.FakeScriptRunner{}
	r := NewLifecycleRunner(nil, Collaborators{ScriptRunner: runner}, nil, nil, logging.NoOpLogger{})

	err := r.PrologSlurmctld(context.Background(), sc, job)
	require.NoError(t, err)
	require.Len(t, runner.Calls, 1)
	assert.Equal(t, "42", runner.Calls[0]["SLURM_JOB_ID"], "scheduler-set SLURM_JOB_ID must win over a colliding SPANK variable")
	assert.Equal(t, "1", runner.Calls[0]["MY_PLUGIN_VAR"])
}
