// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/pkg/errors"
)

// dependencyError reports a malformed dependency token for the job being
// parsed (self may be unknown for a not-yet-assigned id, in which case 0 is
// passed).
func dependencyError(self int64, tok string) error {
	return errors.NewDependencyError(self, tok)
}

// DependencyStatus is the evaluate() outcome (spec §4.2).
type DependencyStatus string

const (
	DependencySatisfied DependencyStatus = "satisfied"
	DependencyPending   DependencyStatus = "pending"
	DependencyFailed    DependencyStatus = "failed"
)

// DependencyEngine implements parse/evaluate/cycle-check (spec §4.2),
// grounded on job_mgr.c's dependency handling referenced by
// job_scheduler.c's job_independent.
type DependencyEngine struct {
	jobs *domain.JobDirectory
}

// NewDependencyEngine creates a DependencyEngine over jobs. The caller must
// hold at least {jobs:R} for evaluate/cycle-check and {jobs:W} for any
// mutation evaluate performs on a spec's owning job.
func NewDependencyEngine(jobs *domain.JobDirectory) *DependencyEngine {
	return &DependencyEngine{jobs: jobs}
}

// Parse implements the textual-grammar half of spec §4.2/§6: comma-separated
// tokens, one of singleton / after / afterany / afterok / afternotok:ID(:ID)*
// / expand:ID, plus the legacy bare-decimal-id form rewritten to afterany.
// selfID is rejected as a target; allowExpand gates the expand token.
func (e *DependencyEngine) Parse(text string, selfID int64, allowExpand bool) ([]domain.DependencySpec, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "0" {
		return nil, nil
	}

	var specs []domain.DependencySpec
	for _, tok := range strings.Split(text, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if strings.Contains(tok, "|") {
			return nil, dependencyError(selfID, tok)
		}

		kind, idPart, bare := splitToken(tok)
		if bare {
			kind = domain.DepAfterAny
		}

		switch kind {
		case domain.DepSingleton:
			if idPart != "" {
				return nil, dependencyError(selfID, tok)
			}
			specs = append(specs, domain.DependencySpec{Kind: domain.DepSingleton})
			continue
		case domain.DepAfter, domain.DepAfterAny, domain.DepAfterOK, domain.DepAfterNotOK:
			ids, err := splitIDs(idPart)
			if err != nil {
				return nil, dependencyError(selfID, tok)
			}
			for _, id := range ids {
				if id == selfID {
					return nil, dependencyError(selfID, tok)
				}
				gen := uint64(0)
				if j, ok := e.jobs.Get(id); ok {
					gen = j.Generation
				}
				specs = append(specs, domain.DependencySpec{Kind: kind, TargetID: id, TargetGeneration: gen})
			}
		case domain.DepExpand:
			if !allowExpand {
				return nil, dependencyError(selfID, tok)
			}
			ids, err := splitIDs(idPart)
			if err != nil || len(ids) != 1 {
				return nil, dependencyError(selfID, tok)
			}
			if ids[0] == selfID {
				return nil, dependencyError(selfID, tok)
			}
			gen := uint64(0)
			if j, ok := e.jobs.Get(ids[0]); ok {
				gen = j.Generation
			}
			specs = append(specs, domain.DependencySpec{Kind: domain.DepExpand, TargetID: ids[0], TargetGeneration: gen})
		default:
			return nil, dependencyError(selfID, tok)
		}
	}
	return specs, nil
}

// splitToken parses one token into (kind, id-list-text, wasBare). A bare
// decimal id returns wasBare=true with kind left zero-valued.
func splitToken(tok string) (domain.DependencyKind, string, bool) {
	if !strings.Contains(tok, ":") {
		if _, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return "", tok, true
		}
		if tok == string(domain.DepSingleton) {
			return domain.DepSingleton, "", false
		}
		return domain.DependencyKind(tok), "", false
	}
	parts := strings.SplitN(tok, ":", 2)
	return domain.DependencyKind(parts[0]), parts[1], false
}

func splitIDs(text string) ([]int64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty id list")
	}
	parts := strings.Split(text, ":")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Render renders a dependency list back to its textual form (spec §4.2
// "rewritten to drop its :id substring", §8 scenario 3's canonical
// afterany: rewrite of legacy ids).
func (e *DependencyEngine) Render(specs []domain.DependencySpec) string {
	var parts []string
	for _, s := range specs {
		if s.Kind == domain.DepSingleton {
			parts = append(parts, string(domain.DepSingleton))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d", s.Kind, s.TargetID))
	}
	return strings.Join(parts, ",")
}

// Evaluate implements spec §4.2's evaluate step for job j, mutating
// j.Dependencies/j.DependencyText in place to drop every spec that resolved
// as satisfied. Callers must hold {jobs:R} at minimum, {jobs:W} to have the
// mutation observed by later readers (it is always performed on j itself,
// which the caller already holds a pointer into under its own lock).
func (e *DependencyEngine) Evaluate(j *domain.Job) DependencyStatus {
	remaining := j.Dependencies[:0:0]
	status := DependencySatisfied

	for _, s := range j.Dependencies {
		if s.Kind == domain.DepSingleton {
			st := e.evalSingleton(j)
			if st == DependencyPending {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			} else if st == DependencyFailed {
				status = DependencyFailed
			}
			continue
		}

		target, ok := e.jobs.Resolve(s.TargetID, s.TargetGeneration)
		if !ok {
			// Dead reference: treat as satisfied and drop.
			continue
		}

		switch s.Kind {
		case domain.DepAfter:
			if target.State == domain.JobPending {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			}
		case domain.DepAfterAny:
			if !target.State.Terminal() {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			}
		case domain.DepAfterOK:
			if !target.State.Terminal() {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			} else if target.State != domain.JobComplete {
				status = DependencyFailed
			}
		case domain.DepAfterNotOK:
			if !target.State.Terminal() {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			} else if target.State == domain.JobComplete {
				status = DependencyFailed
			}
		case domain.DepExpand:
			if target.State != domain.JobRunning ||
				target.BoundPartition() != j.BoundPartition() ||
				target.QOS != j.QOS {
				remaining = append(remaining, s)
				if status == DependencySatisfied {
					status = DependencyPending
				}
			}
		}

		if status == DependencyFailed {
			j.Dependencies = remaining
			j.DependencyText = e.Render(remaining)
			return DependencyFailed
		}
	}

	j.Dependencies = remaining
	j.DependencyText = e.Render(remaining)
	return status
}

// evalSingleton scans every job for an older-or-equal pending, running, or
// suspended instance sharing j's user and name (spec §4.2).
func (e *DependencyEngine) evalSingleton(j *domain.Job) DependencyStatus {
	for _, other := range e.jobs.All() {
		if other.ID == j.ID || other.UserID != j.UserID || other.Name != j.Name {
			continue
		}
		switch other.State {
		case domain.JobPending:
			if other.ID < j.ID {
				return DependencyPending
			}
		case domain.JobRunning, domain.JobSuspended:
			return DependencyPending
		}
	}
	return DependencySatisfied
}

// CheckCycle performs the depth-first cycle-check of spec §4.2: descending
// through each target's own dependency list, success iff selfID is never
// reached. Returns an error grounded on spec §6's circular-dependency exit
// code when a cycle is found.
func (e *DependencyEngine) CheckCycle(selfID int64, specs []domain.DependencySpec) error {
	visited := map[int64]bool{}
	var visit func(id int64) error
	visit = func(id int64) error {
		if id == selfID {
			return errors.NewCircularDependencyError(selfID)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		j, ok := e.jobs.Get(id)
		if !ok {
			return nil
		}
		for _, s := range j.Dependencies {
			if s.Kind == domain.DepSingleton {
				continue
			}
			if err := visit(s.TargetID); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range specs {
		if s.Kind == domain.DepSingleton {
			continue
		}
		if err := visit(s.TargetID); err != nil {
			return err
		}
	}
	return nil
}
