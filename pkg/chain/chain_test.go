package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type mapLookup map[string]*Covenant

func (m mapLookup) Get(_ context.Context, id string) (*Covenant, error) {
	return m[id], nil
}

type failingLookup struct{ err error }

func (f failingLookup) Get(context.Context, string) (*Covenant, error) {
	return nil, f.err
}

func threeLevelChain() (mapLookup, *Covenant) {
	root := &Covenant{
		ID:          "root",
		Constraints: "permit file.* on '/data/**'\ndeny file.write on '/data/secrets/**' severity high",
	}
	mid := &Covenant{
		ID:          "mid",
		Constraints: "permit file.read on '/data/**'",
		Chain:       &Reference{ParentID: "root", Relation: "delegates", Depth: 1},
	}
	leaf := &Covenant{
		ID:          "leaf",
		Constraints: "permit file.read on '/data/reports/**'",
		Chain:       &Reference{ParentID: "mid", Relation: "delegates", Depth: 2},
	}
	return mapLookup{"root": root, "mid": mid, "leaf": leaf}, leaf
}

func TestResolveChain(t *testing.T) {
	lookup, leaf := threeLevelChain()
	ancestors, err := ResolveChain(context.Background(), leaf, lookup)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(ancestors) != 2 || ancestors[0].ID != "mid" || ancestors[1].ID != "root" {
		t.Fatalf("unexpected ancestor order: %v", ids(ancestors))
	}
}

func TestResolveChainRoot(t *testing.T) {
	root := &Covenant{ID: "root", Constraints: "permit * on '/**'"}
	ancestors, err := ResolveChain(context.Background(), root, mapLookup{"root": root})
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(ancestors) != 0 {
		t.Fatalf("root should have no ancestors, got %v", ids(ancestors))
	}
}

func TestResolveChainMissingParent(t *testing.T) {
	child := &Covenant{ID: "child", Chain: &Reference{ParentID: "ghost"}}
	ancestors, err := ResolveChain(context.Background(), child, mapLookup{"child": child})
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("err = %v, want ErrParentNotFound", err)
	}
	if len(ancestors) != 0 {
		t.Fatalf("unexpected partial ancestors: %v", ids(ancestors))
	}
}

func TestResolveChainLookupFailure(t *testing.T) {
	child := &Covenant{ID: "child", Chain: &Reference{ParentID: "p"}}
	boom := fmt.Errorf("connection refused")
	_, err := ResolveChain(context.Background(), child, failingLookup{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}
}

func TestResolveChainCycle(t *testing.T) {
	a := &Covenant{ID: "a", Chain: &Reference{ParentID: "b"}}
	b := &Covenant{ID: "b", Chain: &Reference{ParentID: "a"}}
	ancestors, err := ResolveChain(context.Background(), a, mapLookup{"a": a, "b": b})
	if !errors.Is(err, ErrChainCycle) {
		t.Fatalf("err = %v, want ErrChainCycle", err)
	}
	// The walk terminates with the ancestors it reached before the loop.
	if len(ancestors) != 1 || ancestors[0].ID != "b" {
		t.Fatalf("unexpected partial ancestors: %v", ids(ancestors))
	}
}

func TestResolveChainSelfCycle(t *testing.T) {
	a := &Covenant{ID: "a", Chain: &Reference{ParentID: "a"}}
	_, err := ResolveChain(context.Background(), a, mapLookup{"a": a})
	if !errors.Is(err, ErrChainCycle) {
		t.Fatalf("err = %v, want ErrChainCycle", err)
	}
}

func TestEffectiveConstraints(t *testing.T) {
	lookup, leaf := threeLevelChain()
	ancestors, err := ResolveChain(context.Background(), leaf, lookup)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	doc, err := EffectiveConstraints(leaf, ancestors)
	if err != nil {
		t.Fatalf("EffectiveConstraints: %v", err)
	}
	// Own statements first, then nearest ancestor through root.
	if len(doc.Statements) != 4 {
		t.Fatalf("statements = %d, want 4", len(doc.Statements))
	}
	if doc.Statements[0].Resource != "/data/reports/**" {
		t.Fatalf("own statement not first: %+v", doc.Statements[0])
	}
	if doc.Statements[3].Kind != "deny" {
		t.Fatalf("root deny not last: %+v", doc.Statements[3])
	}
}

func TestEffectiveConstraintsParseError(t *testing.T) {
	bad := &Covenant{ID: "bad", Constraints: "nonsense statement"}
	if _, err := EffectiveConstraints(bad, nil); err == nil {
		t.Fatalf("expected parse error")
	}
	good := &Covenant{ID: "good", Constraints: "permit a on '/a'"}
	if _, err := EffectiveConstraints(good, []*Covenant{bad}); err == nil {
		t.Fatalf("expected ancestor parse error")
	}
}

func TestValidateNarrowingAcceptsRestriction(t *testing.T) {
	parent := &Covenant{ID: "p", Constraints: "permit file.* on '/data/**'"}
	child := &Covenant{ID: "c", Constraints: "permit file.read on '/data/reports/**'"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if !res.Valid {
		t.Fatalf("restriction flagged as violation: %+v", res.Violations)
	}
}

func TestValidateNarrowingAcceptsIdenticalGrant(t *testing.T) {
	parent := &Covenant{ID: "p", Constraints: "permit file.* on '/data/*'"}
	child := &Covenant{ID: "c", Constraints: "permit file.* on '/data/*'"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if !res.Valid {
		t.Fatalf("identical grant flagged as violation: %+v", res.Violations)
	}
}

func TestValidateNarrowingDetectsBroaderResource(t *testing.T) {
	parent := &Covenant{ID: "p", Constraints: "permit file.read on '/data/reports/**'"}
	child := &Covenant{ID: "c", Constraints: "permit file.read on '/data/**'"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if res.Valid || len(res.Violations) != 1 {
		t.Fatalf("broadened resource not detected: %+v", res)
	}
	if res.Violations[0].Parent != nil {
		t.Fatalf("default-deny violation should carry no parent rule")
	}
}

func TestValidateNarrowingDetectsBroaderAction(t *testing.T) {
	parent := &Covenant{ID: "p", Constraints: "permit file.read on '/data/**'"}
	child := &Covenant{ID: "c", Constraints: "permit file.* on '/data/**'"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if res.Valid {
		t.Fatalf("broadened action not detected")
	}
}

func TestValidateNarrowingDetectsParentDeny(t *testing.T) {
	parent := &Covenant{ID: "p", Constraints: "permit file.* on '/data/**'\ndeny file.write on '/data/secrets/**' severity high"}
	child := &Covenant{ID: "c", Constraints: "permit file.write on '/data/secrets/**'"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if res.Valid || len(res.Violations) != 1 {
		t.Fatalf("parent deny not detected: %+v", res)
	}
	if res.Violations[0].Parent == nil || res.Violations[0].Parent.Kind != "deny" {
		t.Fatalf("violation should identify the parent deny: %+v", res.Violations[0])
	}
}

func TestValidateNarrowingIgnoresChildDenies(t *testing.T) {
	// Extra child denies only narrow further and are never violations.
	parent := &Covenant{ID: "p", Constraints: "permit file.read on '/data/**'"}
	child := &Covenant{ID: "c", Constraints: "permit file.read on '/data/**'\ndeny file.read on '/data/x' severity low"}
	res, err := ValidateNarrowing(child, parent)
	if err != nil {
		t.Fatalf("ValidateNarrowing: %v", err)
	}
	if !res.Valid {
		t.Fatalf("child deny flagged as violation: %+v", res.Violations)
	}
}

func TestValidateNarrowingParseError(t *testing.T) {
	good := &Covenant{ID: "g", Constraints: "permit a on '/a'"}
	bad := &Covenant{ID: "b", Constraints: "bogus"}
	if _, err := ValidateNarrowing(bad, good); err == nil {
		t.Fatalf("expected child parse error")
	}
	if _, err := ValidateNarrowing(good, bad); err == nil {
		t.Fatalf("expected parent parse error")
	}
}

func ids(covs []*Covenant) []string {
	out := make([]string, 0, len(covs))
	for _, c := range covs {
		out = append(out, c.ID)
	}
	return out
}
