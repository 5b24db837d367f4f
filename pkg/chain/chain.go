// Package chain resolves covenant delegation chains and proves that a
// child covenant never grants more than its parent.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"covenant/pkg/ccldsl"
	"covenant/pkg/ccleval"
	"covenant/pkg/cclir"
)

// Reference links a child covenant to its parent in a delegation
// chain. Depth is the covenant's distance from its root; roots carry
// no reference at all.
type Reference struct {
	ParentID string `json:"parentId"`
	Relation string `json:"relation,omitempty"`
	Depth    int    `json:"depth,omitempty"`
}

// Covenant is the read-only view of a covenant document this package
// consumes: an opaque id, the CCL constraint source it owns, and an
// optional link to its parent. Signing and verification of the full
// document happen elsewhere.
type Covenant struct {
	ID          string     `json:"id"`
	Constraints string     `json:"constraints"`
	Chain       *Reference `json:"chain,omitempty"`
}

// Lookup retrieves covenants by id. Implementations return (nil, nil)
// when no covenant exists under the id.
type Lookup interface {
	Get(ctx context.Context, id string) (*Covenant, error)
}

var (
	// ErrParentNotFound marks a chain reference whose parent the
	// lookup could not resolve. Distinct from "no parent": a root
	// simply has no chain reference.
	ErrParentNotFound = errors.New("parent covenant not found")

	// ErrChainCycle marks a parentId graph that loops back on
	// itself. Well-formed chains are acyclic; this is a defensive
	// stop, not an expected condition.
	ErrChainCycle = errors.New("covenant chain contains a cycle")
)

// ResolveChain walks parentId links and returns the ordered ancestor
// list, nearest parent first, root last. A root covenant yields an
// empty list. On an unresolvable parent or a cycle the ancestors
// resolved so far are returned together with the error; a partial
// chain must never be treated as complete.
func ResolveChain(ctx context.Context, cov *Covenant, lookup Lookup) ([]*Covenant, error) {
	var ancestors []*Covenant
	visited := map[string]bool{cov.ID: true}
	current := cov
	for current.Chain != nil {
		parentID := current.Chain.ParentID
		if visited[parentID] {
			return ancestors, fmt.Errorf("%w: %s revisits %s", ErrChainCycle, current.ID, parentID)
		}
		parent, err := lookup.Get(ctx, parentID)
		if err != nil {
			return ancestors, fmt.Errorf("lookup %s: %w", parentID, err)
		}
		if parent == nil {
			return ancestors, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		visited[parentID] = true
		ancestors = append(ancestors, parent)
		current = parent
	}
	return ancestors, nil
}

// EffectiveConstraints merges a covenant's own constraints with those
// of its resolved ancestors into one evaluable document: own
// statements first, then nearest ancestor through root. The fold
// order fixes the deny-severity tie-break; specificity, not position,
// decides the verdict itself, which is how a narrow permit granted
// mid-chain survives a blanket deny elsewhere in the chain.
func EffectiveConstraints(cov *Covenant, ancestors []*Covenant) (*cclir.Document, error) {
	doc, err := ccldsl.Parse(cov.Constraints)
	if err != nil {
		return nil, fmt.Errorf("covenant %s: %w", cov.ID, err)
	}
	for _, anc := range ancestors {
		ancDoc, err := ccldsl.Parse(anc.Constraints)
		if err != nil {
			return nil, fmt.Errorf("covenant %s: %w", anc.ID, err)
		}
		doc = cclir.Merge(doc, ancDoc)
	}
	return doc, nil
}

// Violation identifies a child permit that exceeds the parent's grant
// and, when an explicit parent rule is responsible, that rule. Parent
// is nil when the probe fell through to the parent's default deny.
type Violation struct {
	Message string           `json:"message"`
	Child   *cclir.Statement `json:"-"`
	Parent  *cclir.Statement `json:"-"`
}

// NarrowingResult reports whether a child covenant only narrows its
// parent. Violations are data, never errors; callers decide whether a
// non-empty list is fatal.
type NarrowingResult struct {
	Valid      bool
	Violations []Violation
}

// ValidateNarrowing proves that nothing the child permits would be
// denied when evaluated against the parent alone. Each child permit
// is probed against the parent document using the permit's own action
// pattern and a resource sample derived from the permit's resource
// pattern. The check certifies only the pair it is given; chains in
// which every adjacent pair narrows then narrow transitively by
// construction.
func ValidateNarrowing(child, parent *Covenant) (*NarrowingResult, error) {
	childDoc, err := ccldsl.Parse(child.Constraints)
	if err != nil {
		return nil, fmt.Errorf("child covenant %s: %w", child.ID, err)
	}
	parentDoc, err := ccldsl.Parse(parent.Constraints)
	if err != nil {
		return nil, fmt.Errorf("parent covenant %s: %w", parent.ID, err)
	}

	var violations []Violation
	permits := childDoc.Permits()
	for i := range permits {
		permit := &permits[i]
		probe := probeResource(permit.Resource)
		verdict := ccleval.Evaluate(parentDoc, permit.Action, probe, nil)
		if verdict.Permitted {
			continue
		}
		v := Violation{Child: permit}
		if verdict.Matched != nil {
			v.Parent = verdict.Matched
			v.Message = fmt.Sprintf("child permits '%s on %s' which the parent denies via '%s on %s'",
				permit.Action, permit.Resource, verdict.Matched.Action, verdict.Matched.Resource)
		} else {
			v.Message = fmt.Sprintf("child permits '%s on %s' with no matching parent permit",
				permit.Action, permit.Resource)
		}
		violations = append(violations, v)
	}
	return &NarrowingResult{Valid: len(violations) == 0, Violations: violations}, nil
}

// probeResource builds a resource sample representative of a pattern:
// the pattern truncated at its deep wildcard. The literal prefix and
// any single-wildcard segments survive, so a pattern probes the
// broadest point it can reach; anything the parent refuses there it
// would also refuse deeper down.
func probeResource(pattern string) string {
	leading := strings.HasPrefix(pattern, "/")
	trimmed := strings.Trim(pattern, "/")
	var kept []string
	for _, part := range strings.Split(trimmed, "/") {
		if part == "**" {
			break
		}
		kept = append(kept, part)
	}
	probe := strings.Join(kept, "/")
	if leading {
		probe = "/" + probe
	}
	return probe
}
