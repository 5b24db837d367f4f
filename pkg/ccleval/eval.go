package ccleval

import (
	"fmt"

	"covenant/pkg/cclir"
)

// Verdict is the result of evaluating a document against a query.
// Verdicts are plain values, recomputed on every call and never
// cached.
type Verdict struct {
	Permitted bool
	// Severity is set only when an explicit deny rule won; a
	// default deny carries no severity.
	Severity string
	// Matched identifies the winning rule, nil on default deny.
	Matched *cclir.Statement
	Reason  string
}

// Evaluate applies a document to an (action, resource, context) query.
//
// Every permit and deny statement that matches the query and whose
// condition is satisfied becomes a live candidate. With no candidates
// the verdict is a default deny. Otherwise only candidates at the
// maximum specificity count: if any of them is a deny, the query is
// denied with that deny's severity (the first such deny in source
// order), else it is permitted. A lower-specificity deny never
// overrides a higher-specificity permit. Require and limit statements
// are metadata for other subsystems and never participate.
func Evaluate(doc *cclir.Document, action, resource string, ctx map[string]interface{}) Verdict {
	if ctx == nil {
		ctx = map[string]interface{}{}
	}

	type candidate struct {
		st   cclir.Statement
		spec int
	}
	var live []candidate
	maxSpec := -1
	for _, st := range doc.Statements {
		if st.Kind != cclir.KindPermit && st.Kind != cclir.KindDeny {
			continue
		}
		m := MatchStatement(st.Action, st.Resource, action, resource)
		if !m.Matched || !Satisfies(st.Condition, ctx) {
			continue
		}
		live = append(live, candidate{st: st, spec: m.Specificity})
		if m.Specificity > maxSpec {
			maxSpec = m.Specificity
		}
	}

	if len(live) == 0 {
		return Verdict{Permitted: false, Reason: "no matching rule; default deny"}
	}

	var winner *cclir.Statement
	for i := range live {
		if live[i].spec != maxSpec {
			continue
		}
		if live[i].st.Kind == cclir.KindDeny {
			winner = &live[i].st
			break
		}
		if winner == nil {
			winner = &live[i].st
		}
	}

	if winner.Kind == cclir.KindDeny {
		return Verdict{
			Permitted: false,
			Severity:  winner.Severity,
			Matched:   winner,
			Reason:    fmt.Sprintf("denied by rule '%s on %s'", winner.Action, winner.Resource),
		}
	}
	return Verdict{
		Permitted: true,
		Matched:   winner,
		Reason:    fmt.Sprintf("permitted by rule '%s on %s'", winner.Action, winner.Resource),
	}
}
