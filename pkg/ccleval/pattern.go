// Package ccleval matches queries against CCL patterns and evaluates
// documents to permit/deny verdicts.
package ccleval

import "strings"

type segKind int

const (
	segLiteral segKind = iota
	segSingle          // '*': exactly one segment
	segDeep            // '**': any remaining segments, including none
)

type segment struct {
	kind segKind
	lit  string
}

const (
	literalWeight = 2
	singleWeight  = 1
)

// tokenize splits a pattern into typed segments. Separator is '.' for
// actions and '/' for resources; leading and trailing separators on
// resources are insignificant.
func tokenize(pattern, sep string) []segment {
	trimmed := strings.Trim(pattern, sep)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, sep)
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "**":
			segs = append(segs, segment{kind: segDeep})
		case "*":
			segs = append(segs, segment{kind: segSingle})
		default:
			segs = append(segs, segment{kind: segLiteral, lit: part})
		}
	}
	return segs
}

func splitQuery(value, sep string) []string {
	trimmed := strings.Trim(value, sep)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, sep)
}

// matchSegments matches tokenized pattern segments against query
// segments. A deep wildcard absorbs any number of query segments.
func matchSegments(pattern []segment, query []string) bool {
	if len(pattern) == 0 {
		return len(query) == 0
	}
	head := pattern[0]
	if head.kind == segDeep {
		if matchSegments(pattern[1:], query) {
			return true
		}
		if len(query) == 0 {
			return false
		}
		return matchSegments(pattern, query[1:])
	}
	if len(query) == 0 {
		return false
	}
	if head.kind == segLiteral && head.lit != query[0] {
		return false
	}
	return matchSegments(pattern[1:], query[1:])
}

// MatchAction reports whether a concrete action matches a dotted
// pattern. The bare pattern '*' matches any action; a '*' segment
// matches exactly one dotted segment.
func MatchAction(pattern, action string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == action {
		return true
	}
	return matchSegments(tokenize(pattern, "."), splitQuery(action, "."))
}

// MatchResource reports whether a concrete resource path matches a
// slash-separated pattern. '**' matches any remaining depth.
func MatchResource(pattern, resource string) bool {
	return matchSegments(tokenize(pattern, "/"), splitQuery(resource, "/"))
}

// Match is the outcome of matching one statement pattern pair against
// a query. Specificity is meaningful only when Matched is true.
type Match struct {
	Matched     bool
	Specificity int
}

// MatchStatement matches a statement's action and resource patterns
// against a query pair and scores the match. Each literal segment
// pins down more of the query than a single wildcard, and a deep
// wildcard pins down nothing, so literals score 2, '*' scores 1 and
// '**' scores 0, summed across both patterns.
func MatchStatement(stAction, stResource, action, resource string) Match {
	if !MatchAction(stAction, action) || !MatchResource(stResource, resource) {
		return Match{}
	}
	return Match{Matched: true, Specificity: Specificity(stAction, stResource)}
}

// Specificity scores a pattern pair. Higher scores win evaluation
// tie-breaks; a pattern with one more literal segment in place of a
// wildcard always scores strictly higher.
func Specificity(actionPattern, resourcePattern string) int {
	score := 0
	if actionPattern != "*" {
		score += scoreSegments(tokenize(actionPattern, "."))
	}
	score += scoreSegments(tokenize(resourcePattern, "/"))
	return score
}

func scoreSegments(segs []segment) int {
	score := 0
	for _, s := range segs {
		switch s.kind {
		case segLiteral:
			score += literalWeight
		case segSingle:
			score += singleWeight
		}
	}
	return score
}
