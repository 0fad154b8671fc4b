// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the seven cooperating components of spec §2:
// the job queue builder, dependency engine, feature-constraint parser,
// priority comparator, dispatch loop, start-time predictor, and
// prolog/epilog runner. This file declares the ports to the collaborators
// spec §1 and §6 name as explicitly out of scope: node selection,
// reservations, licensing, accounting policy, preemption, the outbound RPC
// agent, and credential signing. Each is modeled as a small capability
// interface per Design Notes §9 ("Dynamic dispatch"), with a fake
// implementation in schedulertest for use by this package's own tests.
package scheduler

import (
	"context"
	"time"

	"github.com/jontk/slurm-scheduler/internal/domain"
)

// SelectResult is the outcome of a node-selector call (spec §6).
type SelectResult string

const (
	SelectSuccess                SelectResult = "success"
	SelectNodesBusy              SelectResult = "nodes-busy"
	SelectReservationUnusable    SelectResult = "reservation-unusable"
	SelectPartConfigUnavailable  SelectResult = "part-config-unavailable"
	SelectNodeNotAvailable       SelectResult = "node-not-available"
	SelectAccountingPolicy       SelectResult = "accounting-policy"
	SelectOtherError             SelectResult = "other-error"
)

// Selection is populated on SelectSuccess: the job's node-bitmap, node-list
// string, and per-node cpu counts (spec §6).
type Selection struct {
	Nodes    domain.NodeSet
	NodeList string
	CPUs     []int32
}

// NodeSelector is the select_nodes port (spec §1, §6).
type NodeSelector interface {
	SelectNodes(ctx context.Context, job *domain.Job, testOnly bool, preemptList []*domain.Job) (SelectResult, Selection, error)
}

// ReservationTester is the job_test_resv port (spec §6). It returns the
// earliest acceptable begin time as newStart (the start argument is passed
// by value and is not modified) and the nodes the reservation approves
// (empty means "no reservation-imposed restriction").
type ReservationTester interface {
	TestReservation(ctx context.Context, job *domain.Job, start time.Time, rejectRunning bool) (newStart time.Time, approvedNodes domain.NodeSet, err error)
}

// LicenseTester is the license_job_test port (spec §6).
type LicenseTester interface {
	TestLicenses(ctx context.Context, job *domain.Job, now time.Time) (ok bool, err error)
}

// AssociationValidator is the assoc_mgr_validate_assoc_id port (spec §6).
type AssociationValidator interface {
	ValidateAssociation(ctx context.Context, job *domain.Job) (ok bool, err error)
}

// PreemptionFinder is the slurm_find_preemptable_jobs port (spec §6).
type PreemptionFinder interface {
	FindPreemptable(ctx context.Context, job *domain.Job) ([]*domain.Job, error)
}

// RPCAgent is the agent_queue_request port: a non-blocking outbound RPC
// queue (spec §6).
type RPCAgent interface {
	QueueRequest(ctx context.Context, req any) error
}

// InventoryRefresher is the optional external-inventory-refresh pre-pass
// gate (spec §4.5: "if the platform requires an external inventory refresh
// and that refresh reports changes, return 0"). A nil InventoryRefresher on
// Collaborators skips the gate entirely.
type InventoryRefresher interface {
	RefreshInventory(ctx context.Context) (changed bool, err error)
}

// Credential is the set of fields signed for a job/step launch (spec §6
// "Credential construction").
type Credential struct {
	JobID          int64
	StepID         string
	UID            int32
	JobHostlist    string
	JobCoreBitmap  string
	JobMemLimit    int64
	JobNHosts      int32
	GRES           string
	StepHostlist   string
	StepCoreBitmap string
	StepMemLimit   int64
	CoresPerSocket int32
	SocketsPerNode int32
	RepCounts      []int32
}

// CredentialSigner signs a Credential, returning the signed bytes or an
// error that aborts the launch (spec §6).
type CredentialSigner interface {
	Sign(ctx context.Context, cred Credential) ([]byte, error)
}

// ScriptRunner launches a single prolog/epilog child in a detached process
// group with env and waits for it to exit, translating a non-zero exit or
// signal termination into a non-nil error (spec §4.7). Interruption of the
// wait itself by an unrelated signal is the runner's own concern to retry,
// not the caller's.
type ScriptRunner interface {
	Run(ctx context.Context, programPath string, env map[string]string) error
}

// PreemptionPolicy decides the outcome of comparing two queue entries for
// preemption purposes (spec §4.4 rules 1-2).
type PreemptionPolicy interface {
	// Compare returns >0 if a preempts b, <0 if b preempts a, 0 if neither.
	Compare(a, b *domain.QueueEntry) int
}

// Collaborators bundles every external port the dispatch loop and
// predictor need. A nil field is valid wherever the corresponding
// component never calls it (e.g. a PreemptionPolicy is optional).
type Collaborators struct {
	NodeSelector       NodeSelector
	ReservationTester  ReservationTester
	LicenseTester      LicenseTester
	AssocValidator     AssociationValidator
	PreemptionFinder   PreemptionFinder
	PreemptionPolicy   PreemptionPolicy
	RPCAgent           RPCAgent
	CredentialSigner   CredentialSigner
	InventoryRefresher InventoryRefresher
	ScriptRunner       ScriptRunner
}
