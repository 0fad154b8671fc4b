// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package domain

// DependencyKind is one of the six dependency edge types (spec §3/§4.2).
type DependencyKind string

const (
	DepAfter      DependencyKind = "after"
	DepAfterAny   DependencyKind = "afterany"
	DepAfterOK    DependencyKind = "afterok"
	DepAfterNotOK DependencyKind = "afternotok"
	DepExpand     DependencyKind = "expand"
	DepSingleton  DependencyKind = "singleton"
)

// DependencySpec is a typed edge in the dependency graph (spec §3). A
// singleton spec carries no target; every other kind does. TargetGeneration
// is captured at parse time so a later Resolve can detect the target id
// having been recycled for an unrelated job (a "magic mismatch").
type DependencySpec struct {
	Kind             DependencyKind
	TargetID         int64
	TargetGeneration uint64
}
