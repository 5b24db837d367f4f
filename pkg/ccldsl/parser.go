// Package ccldsl parses CCL source text into cclir documents and
// serializes documents back to canonical source.
package ccldsl

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"covenant/pkg/cclir"
)

// ParseError describes a malformed CCL statement. It carries the
// offending line so callers can surface it verbatim.
type ParseError struct {
	Line int
	Stmt string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ccl parse error at line %d: %s: %q", e.Line, e.Msg, e.Stmt)
}

var timeUnits = map[string]bool{
	"second": true, "seconds": true,
	"minute": true, "minutes": true,
	"hour": true, "hours": true,
	"day": true, "days": true,
}

var compareOps = map[string]bool{
	"=": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

// Parse parses CCL source into a document. Statements are newline
// separated; blank lines and '#' comments are skipped. Parsing is
// total and side-effect-free.
func Parse(source string) (*cclir.Document, error) {
	scanner := bufio.NewScanner(strings.NewReader(source))
	var statements []cclir.Statement
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		toks, err := splitStatement(line)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Stmt: line, Msg: err.Error()}
		}
		if len(toks) == 0 {
			continue
		}
		st, err := parseStatement(toks)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Stmt: line, Msg: err.Error()}
		}
		statements = append(statements, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cclir.New(statements), nil
}

type token struct {
	text   string
	quoted bool
}

// splitStatement tokenizes one statement line, honoring single-quoted
// literals and trailing comments.
func splitStatement(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		ch := line[i]
		if ch == ' ' || ch == '\t' {
			i++
			continue
		}
		if ch == '#' {
			break
		}
		if ch == '\'' {
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			toks = append(toks, token{text: line[i+1 : i+1+end], quoted: true})
			i += end + 2
			continue
		}
		j := i
		for j < len(line) && line[j] != ' ' && line[j] != '\t' && line[j] != '\'' && line[j] != '#' {
			j++
		}
		toks = append(toks, token{text: line[i:j]})
		i = j
	}
	return toks, nil
}

func parseStatement(toks []token) (cclir.Statement, error) {
	kw := toks[0]
	if kw.quoted {
		return cclir.Statement{}, fmt.Errorf("expected statement keyword, got quoted string")
	}
	switch strings.ToLower(kw.text) {
	case "permit":
		return parseRule(cclir.KindPermit, toks[1:])
	case "deny":
		return parseRule(cclir.KindDeny, toks[1:])
	case "require":
		return parseRequire(toks[1:])
	case "limit":
		return parseLimit(toks[1:])
	default:
		return cclir.Statement{}, fmt.Errorf("unknown keyword %q (want permit, deny, require or limit)", kw.text)
	}
}

// parseRule handles permit and deny:
//
//	permit <action> on '<pattern>' [when <path> <op> <value>] [severity <level>]
func parseRule(kind cclir.Kind, toks []token) (cclir.Statement, error) {
	action, rest, err := parseActionOn(toks)
	if err != nil {
		return cclir.Statement{}, err
	}
	resource, rest, err := parseResource(rest)
	if err != nil {
		return cclir.Statement{}, err
	}
	st := cclir.Statement{Kind: kind, Action: action, Resource: resource}
	for len(rest) > 0 {
		if rest[0].quoted {
			return cclir.Statement{}, fmt.Errorf("unexpected quoted token %q after resource", rest[0].text)
		}
		switch strings.ToLower(rest[0].text) {
		case "when":
			if st.Condition != nil {
				return cclir.Statement{}, fmt.Errorf("duplicate when clause")
			}
			cond, tail, err := parseCondition(rest[1:])
			if err != nil {
				return cclir.Statement{}, err
			}
			st.Condition = cond
			rest = tail
		case "severity":
			if st.Severity != "" {
				return cclir.Statement{}, fmt.Errorf("duplicate severity clause")
			}
			if len(rest) < 2 {
				return cclir.Statement{}, fmt.Errorf("severity clause missing level")
			}
			level := strings.ToLower(rest[1].text)
			if !cclir.ValidSeverity(level) {
				return cclir.Statement{}, fmt.Errorf("invalid severity %q (want critical, high, medium or low)", rest[1].text)
			}
			st.Severity = level
			rest = rest[2:]
		default:
			return cclir.Statement{}, fmt.Errorf("unexpected token %q after resource", rest[0].text)
		}
	}
	return st, nil
}

// parseRequire handles obligations:
//
//	require <action> on '<pattern>' [when <path> <op> <value>]
//
// Requirements are recorded as metadata and never affect verdicts.
func parseRequire(toks []token) (cclir.Statement, error) {
	action, rest, err := parseActionOn(toks)
	if err != nil {
		return cclir.Statement{}, err
	}
	resource, rest, err := parseResource(rest)
	if err != nil {
		return cclir.Statement{}, err
	}
	st := cclir.Statement{Kind: cclir.KindRequire, Action: action, Resource: resource}
	if len(rest) > 0 {
		if strings.ToLower(rest[0].text) != "when" {
			return cclir.Statement{}, fmt.Errorf("unexpected token %q after resource", rest[0].text)
		}
		cond, tail, err := parseCondition(rest[1:])
		if err != nil {
			return cclir.Statement{}, err
		}
		if len(tail) > 0 {
			return cclir.Statement{}, fmt.Errorf("unexpected token %q after condition", tail[0].text)
		}
		st.Condition = cond
	}
	return st, nil
}

// parseLimit handles rate declarations:
//
//	limit <action> <count> per <n> <unit>
func parseLimit(toks []token) (cclir.Statement, error) {
	if len(toks) != 5 {
		return cclir.Statement{}, fmt.Errorf("limit wants '<action> <count> per <n> <unit>'")
	}
	action := toks[0].text
	if err := validateAction(toks[0]); err != nil {
		return cclir.Statement{}, err
	}
	count, err := strconv.Atoi(toks[1].text)
	if err != nil || count <= 0 {
		return cclir.Statement{}, fmt.Errorf("invalid limit count %q", toks[1].text)
	}
	if strings.ToLower(toks[2].text) != "per" {
		return cclir.Statement{}, fmt.Errorf("expected 'per', got %q", toks[2].text)
	}
	per, err := strconv.Atoi(toks[3].text)
	if err != nil || per <= 0 {
		return cclir.Statement{}, fmt.Errorf("invalid limit period %q", toks[3].text)
	}
	unit := strings.ToLower(toks[4].text)
	if !timeUnits[unit] {
		return cclir.Statement{}, fmt.Errorf("invalid time unit %q (want seconds, minutes, hours or days)", toks[4].text)
	}
	return cclir.Statement{
		Kind:   cclir.KindLimit,
		Action: action,
		Count:  count,
		Per:    per,
		Unit:   unit,
	}, nil
}

func parseActionOn(toks []token) (string, []token, error) {
	if len(toks) == 0 {
		return "", nil, fmt.Errorf("missing action")
	}
	if err := validateAction(toks[0]); err != nil {
		return "", nil, err
	}
	if len(toks) < 2 || strings.ToLower(toks[1].text) != "on" || toks[1].quoted {
		return "", nil, fmt.Errorf("missing 'on' clause after action %q", toks[0].text)
	}
	return toks[0].text, toks[2:], nil
}

func parseResource(toks []token) (string, []token, error) {
	if len(toks) == 0 {
		return "", nil, fmt.Errorf("missing resource pattern")
	}
	res := toks[0].text
	if res == "" {
		return "", nil, fmt.Errorf("empty resource pattern")
	}
	return res, toks[1:], nil
}

func parseCondition(toks []token) (*cclir.Condition, []token, error) {
	if len(toks) < 3 {
		return nil, nil, fmt.Errorf("when clause wants '<path> <op> <value>'")
	}
	field := toks[0]
	if field.quoted || !validFieldPath(field.text) {
		return nil, nil, fmt.Errorf("invalid condition field %q", field.text)
	}
	op := toks[1].text
	if toks[1].quoted || !compareOps[op] {
		return nil, nil, fmt.Errorf("invalid condition operator %q", op)
	}
	value := parseValue(toks[2])
	return &cclir.Condition{Field: field.text, Op: op, Value: value}, toks[3:], nil
}

// parseValue classifies a condition literal: quoted tokens are strings,
// bare true/false are booleans, parsable numbers are numbers, and any
// other bare word is treated as a string.
func parseValue(t token) cclir.Value {
	if t.quoted {
		return cclir.StringValue(t.text)
	}
	switch t.text {
	case "true":
		return cclir.BoolValue(true)
	case "false":
		return cclir.BoolValue(false)
	}
	if n, err := strconv.ParseFloat(t.text, 64); err == nil {
		return cclir.NumberValue(n)
	}
	return cclir.StringValue(t.text)
}

// validateAction accepts a dotted identifier whose segments are
// identifiers or '*', or the bare wildcard '*'.
func validateAction(t token) error {
	if t.quoted {
		return fmt.Errorf("action must not be quoted")
	}
	if t.text == "*" {
		return nil
	}
	for _, seg := range strings.Split(t.text, ".") {
		if seg == "*" {
			continue
		}
		if seg == "" || !identLike(seg) {
			return fmt.Errorf("invalid action pattern %q", t.text)
		}
	}
	return nil
}

func validFieldPath(s string) bool {
	for _, seg := range strings.Split(s, ".") {
		if seg == "" || !identLike(seg) {
			return false
		}
	}
	return true
}

func identLike(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
