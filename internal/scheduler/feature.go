// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"strconv"
	"strings"

	"github.com/josharian/intern"

	"github.com/jontk/slurm-scheduler/internal/domain"
	"github.com/jontk/slurm-scheduler/pkg/errors"
)

// FeatureKnownSet is the set of feature names the cluster's node inventory
// actually carries, consulted to reject an unknown name (spec §4.3).
type FeatureKnownSet interface {
	KnownFeature(name string) bool
}

// knownFeatureSet adapts a NodeDirectory into a FeatureKnownSet.
type knownFeatureSet struct {
	nodes *domain.NodeDirectory
}

// NewKnownFeatureSet builds a FeatureKnownSet over every feature name
// present on any node in nodes.
func NewKnownFeatureSet(nodes *domain.NodeDirectory) FeatureKnownSet {
	return &knownFeatureSet{nodes: nodes}
}

func (k *knownFeatureSet) KnownFeature(name string) bool {
	for _, n := range k.nodes.All() {
		if n.HasFeature(name, 0) {
			return true
		}
	}
	return false
}

// FeatureParser implements build_feature_list (spec §4.3), grounded on
// original_source's build_feature_list/_valid_feature_list/
// _valid_node_feature. Feature names are interned since the same handful of
// strings (e.g. "gpu", "infiniband") recur across every job's constraint
// expression in a running cluster.
type FeatureParser struct {
	known FeatureKnownSet
}

// NewFeatureParser creates a FeatureParser validating names against known.
// A nil known skips the unknown-feature-name check (used by tests that only
// exercise grammar, not inventory validation).
func NewFeatureParser(known FeatureKnownSet) *FeatureParser {
	return &FeatureParser{known: known}
}

// Parse compiles constraint into an ordered FeatureTerm list (spec §4.3/§6
// grammar: term := name ['*' count]; expr := term (op term)*; op := '&' |
// '|'; '[' ... ']' groups a '|'-separated set into xor; counts may not mix
// with '|'; whitespace forbidden).
func (p *FeatureParser) Parse(constraint string) ([]domain.FeatureTerm, error) {
	if constraint == "" {
		return nil, nil
	}
	if strings.ContainsAny(constraint, " \t\n\r") {
		return nil, errors.NewInvalidFeatureError(0, constraint)
	}
	if strings.Contains(constraint, ",") {
		return nil, errors.NewInvalidFeatureError(0, constraint)
	}

	hasOr := strings.ContainsAny(constraint, "|")
	hasCount := strings.Contains(constraint, "*")
	if hasOr && hasCount {
		return nil, errors.NewInvalidFeatureError(0, constraint)
	}

	var terms []domain.FeatureTerm
	bracketDepth := 0
	sawGroup := false

	i := 0
	n := len(constraint)
	for i < n {
		if constraint[i] == '[' {
			if sawGroup || bracketDepth > 0 {
				return nil, errors.NewInvalidFeatureError(0, constraint)
			}
			bracketDepth++
			i++
			continue
		}

		name, rest := readName(constraint[i:])
		if name == "" {
			return nil, errors.NewInvalidFeatureError(0, constraint)
		}
		if p.known != nil && !p.known.KnownFeature(name) {
			return nil, errors.NewInvalidFeatureError(0, constraint)
		}
		i += len(constraint[i:]) - len(rest)

		var count int32
		if i < n && constraint[i] == '*' {
			j := i + 1
			for j < n && constraint[j] >= '0' && constraint[j] <= '9' {
				j++
			}
			if j == i+1 {
				return nil, errors.NewInvalidFeatureError(0, constraint)
			}
			v, err := strconv.ParseInt(constraint[i+1:j], 10, 32)
			if err != nil {
				return nil, errors.NewInvalidFeatureError(0, constraint)
			}
			count = int32(v)
			i = j
		}

		// Consume any closing brackets immediately following this term
		// before looking for the operator that actually links it forward —
		// the term just inside a `]` is linked by whatever follows the
		// bracket, not by the bracket itself.
		for i < n && constraint[i] == ']' {
			if bracketDepth == 0 {
				return nil, errors.NewInvalidFeatureError(0, constraint)
			}
			bracketDepth--
			sawGroup = true
			i++
		}

		op := domain.FeatureOpEnd
		if i < n {
			switch constraint[i] {
			case '&':
				op = domain.FeatureOpAnd
				i++
			case '|':
				if bracketDepth > 0 {
					op = domain.FeatureOpXor
				} else {
					op = domain.FeatureOpOr
				}
				i++
			default:
				return nil, errors.NewInvalidFeatureError(0, constraint)
			}
		}

		terms = append(terms, domain.FeatureTerm{Name: intern.String(name), Count: count, Operator: op})
	}

	if bracketDepth != 0 {
		return nil, errors.NewInvalidFeatureError(0, constraint)
	}
	return terms, nil
}

// EvaluateFeatureExpr reports whether node satisfies the parsed feature
// expression terms, folding left to right: each term's Operator links it to
// the next (and/or/xor), the final term's Operator (End) terminates the
// fold. Grounded on spec §3's FeatureTerm shape; the original's bitmap-based
// evaluator has no single idiomatic Go analog, so the left-to-right fold
// described here is this package's interpretation.
func EvaluateFeatureExpr(terms []domain.FeatureTerm, node *domain.Node) bool {
	if len(terms) == 0 {
		return true
	}
	result := node.HasFeature(terms[0].Name, terms[0].Count)
	for i := 1; i < len(terms); i++ {
		match := node.HasFeature(terms[i].Name, terms[i].Count)
		switch terms[i-1].Operator {
		case domain.FeatureOpAnd:
			result = result && match
		case domain.FeatureOpOr:
			result = result || match
		case domain.FeatureOpXor:
			result = result != match
		}
	}
	return result
}

// readName consumes a leading run of feature-name characters from s,
// returning the name and the unconsumed remainder.
func readName(s string) (string, string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '&' || c == '|' || c == '*' || c == '[' || c == ']' {
			break
		}
		i++
	}
	return s[:i], s[i:]
}
