// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/lock"
	"github.com/jontk/slurm-scheduler/internal/scheduler/schedulertest"
	"github.com/jontk/slurm-scheduler/pkg/config"
	"github.com/jontk/slurm-scheduler/pkg/logging"
)

func newTestContext() *lock.SchedulerContext {
	return lock.New(config.NewDefault())
}

func TestDispatcher_SuccessfulSelectionStartsJob(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1"))}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.JobRunning, j.State)
}

func TestDispatcher_FragmentationAvoidanceGateSkipsPass(t *testing.T) {
	sc := newTestContext()
	sc.Config.CompleteWaitSeconds = 60
	now := time.Now()
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobCompleting, EndTime: now})
	sc.Jobs.Put(&domain.Job{ID: 2, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1"))}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j, _ := sc.Jobs.Get(2)
	assert.Equal(t, domain.JobPending, j.State)
}

func TestDispatcher_FrontEndUnavailableSkipsPass(t *testing.T) {
	sc := newTestContext()
	sc.FrontEndAvailable = false
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})

	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, Collaborators{}, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestDispatcher_NodesBusyMasksPartitionWhenBackfillEnabled(t *testing.T) {
	sc := newTestContext()
	sc.Config.SchedulerParams = "backfill_sched"
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})
	sc.Jobs.Put(&domain.Job{ID: 2, State: domain.JobPending, Priority: 50, PartitionNames: []string{"p"}})

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectNodesBusy, nil)}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j1, _ := sc.Jobs.Get(1)
	j2, _ := sc.Jobs.Get(2)
	assert.Equal(t, domain.ReasonWaitingResources, j1.StateReason)
	assert.Equal(t, domain.ReasonWaitingPriority, j2.StateReason, "second job in the now-failed partition is masked for this pass")
}

func TestDispatcher_FailedPartitionMaskWithBackfillDisabled(t *testing.T) {
	// spec §8 scenario 5: with backfill_sched=false and fail_by_part=true
	// (the latter true by default on any non-BlueGene platform), masking
	// still happens — it is gated on fail_by_part alone, not backfill_sched.
	sc := newTestContext()
	sc.Config.SchedulerParams = "fail_by_part"
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})
	sc.Jobs.Put(&domain.Job{ID: 2, State: domain.JobPending, Priority: 50, PartitionNames: []string{"p"}})

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectNodesBusy, nil)}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j1, _ := sc.Jobs.Get(1)
	j2, _ := sc.Jobs.Get(2)
	assert.Equal(t, domain.ReasonWaitingResources, j1.StateReason)
	assert.Equal(t, domain.ReasonWaitingPriority, j2.StateReason, "fail_by_part masks the partition regardless of backfill_sched")
}

func TestDispatcher_DisjointNodesSetsWaitingResources(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n2")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})

	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, Collaborators{}, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.ReasonWaitingResources, j.StateReason)
}

func TestDispatcher_FailedAssociationMarksJobFailed(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}, UserID: 9})

	collab := Collaborators{AssocValidator: &schedulertest.FakeAssociationValidator{DisabledUsers: map[int32]bool{9: true}}}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Equal(t, domain.ReasonFailedAccount, j.StateReason)
}

func TestDispatcher_OtherErrorMarksBadConstraints(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectOtherError, nil)}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.JobFailed, j.State)
	assert.Equal(t, domain.ReasonFailedBadConstraints, j.StateReason)
}

func TestDispatcher_JobLimitBreaksEarly(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}})
	sc.Jobs.Put(&domain.Job{ID: 2, State: domain.JobPending, Priority: 90, PartitionNames: []string{"p"}})

	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1"))}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestDispatcher_NonBatchSuccessSignalsRPCAgentDirectly(t *testing.T) {
	sc := newTestContext()
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}, Batch: false})

	rpc := &schedulertest.FakeRPCAgent{}
	collab := Collaborators{NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1")), RPCAgent: rpc}
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, nil)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Len(t, rpc.Requests, 1, "interactive job signals the launch collaborator with no prolog step")
}

func TestDispatcher_BatchSuccessRunsPrologBeforeLaunch(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}, Batch: true})

	rpc := &schedulertest.FakeRPCAgent{}
	runner := &schedulertest.FakeScriptRunner{}
	collab := Collaborators{
		NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1")),
		RPCAgent:     rpc,
		ScriptRunner: runner,
	}
	lifecycle := NewLifecycleRunner(nil, collab, nil, nil, logging.NoOpLogger{})
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, lifecycle)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Len(t, runner.Calls, 1, "batch job with no prolog in flight runs the prolog script")
	assert.Len(t, rpc.Requests, 1, "prolog succeeded, so the batch-launch RPC follows")

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.JobRunning, j.State)
}

func TestDispatcher_BatchPrologFailureSkipsLaunchAndRequeues(t *testing.T) {
	sc := newTestContext()
	sc.Config.PrologProgramPath = "/usr/local/sbin/prolog"
	sc.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	sc.Available = domain.NewNodeSet("n1")
	sc.Jobs.Put(&domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}, Batch: true})

	rpc := &schedulertest.FakeRPCAgent{}
	runner := &schedulertest.FakeScriptRunner{
		RunFunc: func(ctx context.Context, programPath string, env map[string]string) error {
			return assert.AnError
		},
	}
	collab := Collaborators{
		NodeSelector: schedulertest.AlwaysSelect(SelectSuccess, domain.NewNodeSet("n1")),
		RPCAgent:     rpc,
		ScriptRunner: runner,
	}
	lifecycle := NewLifecycleRunner(nil, collab, nil, nil, logging.NoOpLogger{})
	d := NewDispatcher(NewQueueBuilder(nil, logging.NoOpLogger{}), nil, collab, nil, nil, logging.NoOpLogger{}, lifecycle)

	started, err := d.Schedule(context.Background(), sc, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, started, "started counts the selection, independent of the later prolog outcome")
	assert.Empty(t, rpc.Requests, "a failed first prolog attempt requeues rather than launching")

	j, _ := sc.Jobs.Get(1)
	assert.Equal(t, domain.JobPending, j.State)
	assert.True(t, j.PrologFailedLastAttempt)
}
