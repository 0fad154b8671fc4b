// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sort"

	"github.com/jontk/slurm-scheduler/internal/domain"
)

// Greater reports whether a outranks b under the total order of spec §4.4:
// preemption policy first, then reservation presence, then numeric
// priority. Ties are left to the caller's sort stability.
func Greater(policy PreemptionPolicy, a, b *domain.QueueEntry) bool {
	if policy != nil {
		switch c := policy.Compare(a, b); {
		case c > 0:
			return true
		case c < 0:
			return false
		}
	}

	aResv := a.Job.Resources.Reservation != ""
	bResv := b.Job.Resources.Reservation != ""
	if aResv != bResv {
		return aResv
	}

	return a.Job.Priority > b.Job.Priority
}

// SortQueue sorts entries into dispatch order (descending, spec §4.4) using
// a stable sort so same-rank entries keep their original relative order
// across a pass (rule 5, "ties are broken arbitrarily but stably").
func SortQueue(policy PreemptionPolicy, entries []*domain.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Greater(policy, entries[i], entries[j])
	})
}
