// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package slurmscheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/scheduler"
	"github.com/jontk/slurm-scheduler/internal/scheduler/schedulertest"
	"github.com/jontk/slurm-scheduler/pkg/config"
)

func TestScheduler_EndToEndSubmitQueueDispatch(t *testing.T) {
	s := New(config.NewDefault(), Collaborators{
		NodeSelector: schedulertest.AlwaysSelect(scheduler.SelectSuccess, domain.NewNodeSet("n1")),
	}, nil, nil, nil)

	s.Context.Partitions.Put(&domain.Partition{Name: "p", Nodes: domain.NewNodeSet("n1"), Enabled: true})
	s.Context.Available = domain.NewNodeSet("n1")
	job := &domain.Job{ID: 1, State: domain.JobPending, Priority: 100, PartitionNames: []string{"p"}}
	s.Context.Jobs.Put(job)

	entries := s.BuildJobQueue(false, scheduler.QueueFilter{})
	require.Len(t, entries, 1)

	started, err := s.Schedule(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	assert.Equal(t, domain.JobRunning, job.State)
}

func TestScheduler_DependencyLifecycle(t *testing.T) {
	s := New(config.NewDefault(), Collaborators{}, nil, nil, nil)

	target := &domain.Job{ID: 10, State: domain.JobPending}
	job := &domain.Job{ID: 11, State: domain.JobPending}
	s.Context.Jobs.Put(target)
	s.Context.Jobs.Put(job)

	require.NoError(t, s.UpdateJobDependency(job, "afterok:10", false))
	assert.Equal(t, scheduler.DependencyPending, s.TestJobDependency(job))

	target.State = domain.JobComplete
	assert.Equal(t, scheduler.DependencySatisfied, s.TestJobDependency(job))
}

func TestScheduler_CircularDependencyRejected(t *testing.T) {
	s := New(config.NewDefault(), Collaborators{}, nil, nil, nil)

	j10 := &domain.Job{ID: 10, State: domain.JobPending}
	j11 := &domain.Job{ID: 11, State: domain.JobPending}
	s.Context.Jobs.Put(j10)
	s.Context.Jobs.Put(j11)

	require.NoError(t, s.UpdateJobDependency(j10, "afterok:11", false))
	err := s.UpdateJobDependency(j11, "afterok:10", false)
	require.Error(t, err)
	assert.Empty(t, j11.Dependencies)
}

func TestScheduler_BuildFeatureList(t *testing.T) {
	s := New(config.NewDefault(), Collaborators{}, nil, nil, nil)
	s.Context.Nodes.Put(&domain.Node{Name: "n1", Features: []string{"gpu"}})

	job := &domain.Job{ID: 1, Resources: domain.ResourceRequest{FeatureExpr: "gpu"}}
	require.NoError(t, s.BuildFeatureList(job))
	require.Len(t, job.Resources.FeatureList, 1)
	assert.Equal(t, "gpu", job.Resources.FeatureList[0].Name)
}

func TestScheduler_LaunchJobQueuesRPC(t *testing.T) {
	agent := &schedulertest.FakeRPCAgent{}
	s := New(config.NewDefault(), Collaborators{RPCAgent: agent}, nil, nil, nil)

	job := &domain.Job{ID: 1}
	require.NoError(t, s.LaunchJob(context.Background(), job))
	assert.Len(t, agent.Requests, 1)
}
