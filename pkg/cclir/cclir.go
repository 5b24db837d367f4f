// Package cclir holds the parsed representation of CCL covenant
// constraint documents: typed statements, documents with classified
// views, and the merge operation used to fold delegation chains.
package cclir

import (
	"fmt"
	"time"
)

// Kind discriminates the four CCL statement types.
type Kind string

const (
	KindPermit  Kind = "permit"
	KindDeny    Kind = "deny"
	KindRequire Kind = "require"
	KindLimit   Kind = "limit"
)

// Severity levels a deny statement may carry.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ValidSeverity reports whether s is one of the four severity levels.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ValueKind discriminates condition literal types.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
)

// Value is a typed condition literal. Comparisons are type-strict: a
// context string "true" never equals the boolean literal true.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }
func NumberValue(n float64) Value {
	return Value{Kind: ValueNumber, Num: n}
}
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// String renders the literal in CCL source form.
func (v Value) String() string {
	switch v.Kind {
	case ValueNumber:
		return trimFloat(v.Num)
	case ValueBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("'%s'", v.Str)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%v", f)
	return s
}

// Condition is a when-clause predicate: a dotted context path, a
// comparison operator and a literal value.
type Condition struct {
	Field string
	Op    string
	Value Value
}

// Statement is one parsed CCL rule. Statements are immutable once
// parsed; documents only ever append more via Merge.
type Statement struct {
	Kind      Kind
	Action    string
	Resource  string
	Condition *Condition
	Severity  string

	// Limit statements only.
	Count int
	Per   int
	Unit  string
}

// Window returns the rate-limit window for a limit statement.
func (s Statement) Window() time.Duration {
	if s.Kind != KindLimit {
		return 0
	}
	return time.Duration(s.Per) * unitDuration(s.Unit)
}

func unitDuration(unit string) time.Duration {
	switch unit {
	case "second", "seconds":
		return time.Second
	case "minute", "minutes":
		return time.Minute
	case "hour", "hours":
		return time.Hour
	case "day", "days":
		return 24 * time.Hour
	default:
		return time.Second
	}
}

// Document is an ordered sequence of statements. Its identity is the
// statement sequence: two documents with the same statements in the
// same order are interchangeable. The classified accessors are
// order-preserving filtered projections, not independent state.
type Document struct {
	Statements []Statement
}

// New builds a document over the given statement sequence.
func New(statements []Statement) *Document {
	return &Document{Statements: statements}
}

func (d *Document) filter(kind Kind) []Statement {
	var out []Statement
	for _, st := range d.Statements {
		if st.Kind == kind {
			out = append(out, st)
		}
	}
	return out
}

// Permits returns the permit statements in source order.
func (d *Document) Permits() []Statement { return d.filter(KindPermit) }

// Denies returns the deny statements in source order.
func (d *Document) Denies() []Statement { return d.filter(KindDeny) }

// Requires returns the require statements in source order.
func (d *Document) Requires() []Statement { return d.filter(KindRequire) }

// Limits returns the limit statements in source order.
func (d *Document) Limits() []Statement { return d.filter(KindLimit) }

// Merge concatenates two documents: a's statements followed by b's,
// with no deduplication. Evaluation semantics are unchanged, the
// evaluator simply sees more candidate statements; concatenation
// order matters only for the deny-severity tie-break at equal
// specificity.
func Merge(a, b *Document) *Document {
	out := make([]Statement, 0, len(a.Statements)+len(b.Statements))
	out = append(out, a.Statements...)
	out = append(out, b.Statements...)
	return New(out)
}

// MergeAll folds documents pairwise left to right.
func MergeAll(docs ...*Document) *Document {
	merged := New(nil)
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		merged = Merge(merged, doc)
	}
	return merged
}
