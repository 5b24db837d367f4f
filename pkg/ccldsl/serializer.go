package ccldsl

import (
	"fmt"
	"strings"

	"covenant/pkg/cclir"
)

// Serialize renders a document as canonical CCL source. The output is
// not guaranteed byte-identical to the text the document was parsed
// from, but re-parsing it yields a document with identical evaluation
// behavior.
func Serialize(doc *cclir.Document) string {
	lines := make([]string, 0, len(doc.Statements))
	for _, st := range doc.Statements {
		lines = append(lines, StatementText(st))
	}
	return strings.Join(lines, "\n")
}

// StatementText renders a single statement in canonical form.
func StatementText(st cclir.Statement) string {
	var b strings.Builder
	switch st.Kind {
	case cclir.KindLimit:
		fmt.Fprintf(&b, "limit %s %d per %d %s", st.Action, st.Count, st.Per, st.Unit)
		return b.String()
	default:
		fmt.Fprintf(&b, "%s %s on '%s'", st.Kind, st.Action, st.Resource)
	}
	if st.Condition != nil {
		fmt.Fprintf(&b, " when %s %s %s", st.Condition.Field, st.Condition.Op, st.Condition.Value)
	}
	if st.Severity != "" {
		fmt.Fprintf(&b, " severity %s", st.Severity)
	}
	return b.String()
}
