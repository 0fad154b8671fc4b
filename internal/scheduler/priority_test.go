// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/internal/scheduler/schedulertest"
)

func entry(id int64, priority uint32, reservation string) *domain.QueueEntry {
	return &domain.QueueEntry{Job: &domain.Job{ID: id, Priority: priority, Resources: domain.ResourceRequest{Reservation: reservation}}}
}

func TestGreater_ReservationBeatsPriority(t *testing.T) {
	a := entry(1, 10, "resv-a")
	b := entry(2, 1000, "")

	assert.True(t, Greater(nil, a, b))
	assert.False(t, Greater(nil, b, a))
}

func TestGreater_HigherPriorityWinsWithoutReservation(t *testing.T) {
	a := entry(1, 500, "")
	b := entry(2, 10, "")

	assert.True(t, Greater(nil, a, b))
}

func TestGreater_PreemptionPolicyTakesPrecedence(t *testing.T) {
	a := entry(1, 10, "")
	b := entry(2, 999, "")

	policy := schedulertest.FakePreemptionPolicy{CompareFunc: func(x, y *domain.QueueEntry) int {
		if x.Job.ID == 1 {
			return 1
		}
		return -1
	}}

	assert.True(t, Greater(policy, a, b))
}

func TestSortQueue_OrdersDescendingStably(t *testing.T) {
	entries := []*domain.QueueEntry{
		entry(1, 5, ""),
		entry(2, 9, ""),
		entry(3, 9, ""),
		entry(4, 1, ""),
	}

	SortQueue(nil, entries)

	var ids []int64
	for _, e := range entries {
		ids = append(ids, e.Job.ID)
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, ids)
}
