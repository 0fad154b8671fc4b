// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package schedulertest provides function-field fakes for the scheduler
// package's collaborator ports, grounded on the configurable-func-field
// fake pattern used throughout this module's own tests (e.g.
// worker_pool_test.go's inline closures).
package schedulertest

import (
	"context"
	"time"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/scheduler"
)

// FakeNodeSelector lets a test script select_nodes's response per call.
type FakeNodeSelector struct {
	SelectFunc func(ctx context.Context, job *domain.Job, testOnly bool, preempt []*domain.Job) (scheduler.SelectResult, scheduler.Selection, error)
}

func (f *FakeNodeSelector) SelectNodes(ctx context.Context, job *domain.Job, testOnly bool, preempt []*domain.Job) (scheduler.SelectResult, scheduler.Selection, error) {
	if f.SelectFunc != nil {
		return f.SelectFunc(ctx, job, testOnly, preempt)
	}
	return scheduler.SelectSuccess, scheduler.Selection{}, nil
}

// AlwaysSelect returns a FakeNodeSelector that always reports result with
// the given nodes on success.
func AlwaysSelect(result scheduler.SelectResult, nodes domain.NodeSet) *FakeNodeSelector {
	return &FakeNodeSelector{
		SelectFunc: func(ctx context.Context, job *domain.Job, testOnly bool, preempt []*domain.Job) (scheduler.SelectResult, scheduler.Selection, error) {
			return result, scheduler.Selection{Nodes: nodes}, nil
		},
	}
}

// FakeReservationTester always approves with no change to start.
type FakeReservationTester struct {
	TestFunc func(ctx context.Context, job *domain.Job, start time.Time, rejectRunning bool) (time.Time, domain.NodeSet, error)
}

func (f *FakeReservationTester) TestReservation(ctx context.Context, job *domain.Job, start time.Time, rejectRunning bool) (time.Time, domain.NodeSet, error) {
	if f.TestFunc != nil {
		return f.TestFunc(ctx, job, start, rejectRunning)
	}
	return start, nil, nil
}

// FakeLicenseTester always reports ok unless Deny is set.
type FakeLicenseTester struct {
	Deny bool
}

func (f *FakeLicenseTester) TestLicenses(ctx context.Context, job *domain.Job, now time.Time) (bool, error) {
	return !f.Deny, nil
}

// FakeAssociationValidator always validates unless DisabledUsers contains
// the job's user id.
type FakeAssociationValidator struct {
	DisabledUsers map[int32]bool
}

func (f *FakeAssociationValidator) ValidateAssociation(ctx context.Context, job *domain.Job) (bool, error) {
	if f.DisabledUsers != nil && f.DisabledUsers[job.UserID] {
		return false, nil
	}
	return true, nil
}

// FakePreemptionFinder returns a fixed list regardless of the job.
type FakePreemptionFinder struct {
	Jobs []*domain.Job
}

func (f *FakePreemptionFinder) FindPreemptable(ctx context.Context, job *domain.Job) ([]*domain.Job, error) {
	return f.Jobs, nil
}

// FakeRPCAgent records every request it is handed.
type FakeRPCAgent struct {
	Requests []any
}

func (f *FakeRPCAgent) QueueRequest(ctx context.Context, req any) error {
	f.Requests = append(f.Requests, req)
	return nil
}

// FakeCredentialSigner returns a fixed signature unless FailWith is set.
type FakeCredentialSigner struct {
	FailWith error
}

func (f *FakeCredentialSigner) Sign(ctx context.Context, cred scheduler.Credential) ([]byte, error) {
	if f.FailWith != nil {
		return nil, f.FailWith
	}
	return []byte("signed"), nil
}

// FakeScriptRunner lets a test script a prolog/epilog child's outcome.
type FakeScriptRunner struct {
	RunFunc func(ctx context.Context, programPath string, env map[string]string) error
	Calls   []map[string]string
}

func (f *FakeScriptRunner) Run(ctx context.Context, programPath string, env map[string]string) error {
	f.Calls = append(f.Calls, env)
	if f.RunFunc != nil {
		return f.RunFunc(ctx, programPath, env)
	}
	return nil
}

// NoPreemption is a PreemptionPolicy under which no entry ever preempts
// another.
type NoPreemption struct{}

func (NoPreemption) Compare(a, b *domain.QueueEntry) int { return 0 }

// FakePreemptionPolicy lets a test script Compare's response per call.
type FakePreemptionPolicy struct {
	CompareFunc func(a, b *domain.QueueEntry) int
}

func (f FakePreemptionPolicy) Compare(a, b *domain.QueueEntry) int {
	if f.CompareFunc != nil {
		return f.CompareFunc(a, b)
	}
	return 0
}
