package ccleval

import (
	"testing"

	"covenant/pkg/ccldsl"
	"covenant/pkg/cclir"
)

func mustParse(t *testing.T, source string) *cclir.Document {
	t.Helper()
	doc, err := ccldsl.Parse(source)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestEvaluateDefaultDeny(t *testing.T) {
	doc := mustParse(t, `permit file.read on '/data/**'`)
	v := Evaluate(doc, "file.write", "/data/x", nil)
	if v.Permitted {
		t.Fatalf("unmatched query must default deny")
	}
	if v.Matched != nil || v.Severity != "" {
		t.Fatalf("default deny must carry no rule or severity: %+v", v)
	}
	if v := Evaluate(cclir.New(nil), "anything", "/x", nil); v.Permitted {
		t.Fatalf("empty document must deny everything")
	}
}

func TestEvaluatePermit(t *testing.T) {
	doc := mustParse(t, `permit file.read on '/data/**'`)
	v := Evaluate(doc, "file.read", "/data/reports/q3.csv", nil)
	if !v.Permitted {
		t.Fatalf("expected permit, got %+v", v)
	}
	if v.Matched == nil || v.Matched.Action != "file.read" {
		t.Fatalf("winner not reported: %+v", v)
	}
}

func TestEvaluateDenyWinsAtEqualSpecificity(t *testing.T) {
	doc := mustParse(t, `
permit file.read on '/data/**'
deny file.read on '/data/**' severity high
`)
	v := Evaluate(doc, "file.read", "/data/x", nil)
	if v.Permitted {
		t.Fatalf("deny must win at equal specificity")
	}
	if v.Severity != cclir.SeverityHigh {
		t.Fatalf("severity = %q, want high", v.Severity)
	}
}

func TestEvaluateSpecificPermitBeatsBroadDeny(t *testing.T) {
	doc := mustParse(t, `
deny * on '/**' severity critical
permit file.read on '/data/reports/**'
`)
	v := Evaluate(doc, "file.read", "/data/reports/q3.csv", nil)
	if !v.Permitted {
		t.Fatalf("specific permit must beat broad deny: %+v", v)
	}
	// Outside the carve-out the blanket deny still holds.
	v = Evaluate(doc, "file.read", "/etc/passwd", nil)
	if v.Permitted || v.Severity != cclir.SeverityCritical {
		t.Fatalf("blanket deny should hold elsewhere: %+v", v)
	}
}

func TestEvaluateSpecificDenyBeatsBroadPermit(t *testing.T) {
	doc := mustParse(t, `
permit file.* on '/data/**'
deny file.write on '/data/secrets/**' severity high
`)
	v := Evaluate(doc, "file.write", "/data/secrets/key", nil)
	if v.Permitted {
		t.Fatalf("specific deny must beat broad permit")
	}
	v = Evaluate(doc, "file.write", "/data/notes", nil)
	if !v.Permitted {
		t.Fatalf("broad permit should hold outside the deny: %+v", v)
	}
}

func TestEvaluateConditionGating(t *testing.T) {
	doc := mustParse(t, `
permit deploy.run on '/svc/**' when env = 'staging'
`)
	if v := Evaluate(doc, "deploy.run", "/svc/api", map[string]interface{}{"env": "staging"}); !v.Permitted {
		t.Fatalf("condition holds, expected permit: %+v", v)
	}
	if v := Evaluate(doc, "deploy.run", "/svc/api", map[string]interface{}{"env": "prod"}); v.Permitted {
		t.Fatalf("condition fails, rule must be inert")
	}
	if v := Evaluate(doc, "deploy.run", "/svc/api", nil); v.Permitted {
		t.Fatalf("missing context must leave the rule inert")
	}
}

func TestEvaluateConditionedDenyInert(t *testing.T) {
	doc := mustParse(t, `
permit file.read on '/data/**'
deny file.read on '/data/**' when env = 'prod' severity critical
`)
	if v := Evaluate(doc, "file.read", "/data/x", map[string]interface{}{"env": "dev"}); !v.Permitted {
		t.Fatalf("unsatisfied deny must not fire: %+v", v)
	}
	if v := Evaluate(doc, "file.read", "/data/x", map[string]interface{}{"env": "prod"}); v.Permitted {
		t.Fatalf("satisfied deny must fire")
	}
}

func TestEvaluateSeverityTieBreak(t *testing.T) {
	// Two denies at top specificity: the first in source order reports.
	doc := mustParse(t, `
deny file.read on '/data/**' severity low
deny file.read on '/data/**' severity critical
`)
	v := Evaluate(doc, "file.read", "/data/x", nil)
	if v.Permitted || v.Severity != cclir.SeverityLow {
		t.Fatalf("first deny in source order should report: %+v", v)
	}
}

func TestEvaluateRequireAndLimitInert(t *testing.T) {
	doc := mustParse(t, `
require audit.log on '/**'
limit file.read 10 per 1 minute
`)
	v := Evaluate(doc, "file.read", "/data/x", nil)
	if v.Permitted {
		t.Fatalf("require and limit statements must not grant access")
	}
}

func TestEvaluateMergeOrderIndependence(t *testing.T) {
	a := mustParse(t, `permit file.read on '/data/**'`)
	b := mustParse(t, `deny file.read on '/data/secrets/**' severity high`)
	ab := Evaluate(cclir.Merge(a, b), "file.read", "/data/secrets/x", nil)
	ba := Evaluate(cclir.Merge(b, a), "file.read", "/data/secrets/x", nil)
	if ab.Permitted != ba.Permitted || ab.Severity != ba.Severity {
		t.Fatalf("verdict depends on merge order: %+v vs %+v", ab, ba)
	}
	if ab.Permitted {
		t.Fatalf("more specific deny must win regardless of order")
	}
}
