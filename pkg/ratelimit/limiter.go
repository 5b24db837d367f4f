// Package ratelimit enforces the limit statements a covenant
// declares. Limits are metadata to the evaluator; this package is the
// subsystem that actually counts calls against them.
package ratelimit

import (
	"sync"
	"time"

	"covenant/pkg/ccleval"
	"covenant/pkg/cclir"
)

// Decision is the outcome of counting one call against a limit.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts a call against a fixed window. Each limit statement
// carries its own window, so it is a per-call argument.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
}

// ForAction finds the most specific limit statement governing an
// action, if any.
func ForAction(doc *cclir.Document, action string) (cclir.Statement, bool) {
	var matched cclir.Statement
	bestSpec := -1
	for _, st := range doc.Limits() {
		if !ccleval.MatchAction(st.Action, action) {
			continue
		}
		if spec := ccleval.Specificity(st.Action, ""); spec > bestSpec {
			bestSpec = spec
			matched = st
		}
	}
	return matched, bestSpec >= 0
}

// InMemory is a single-process fixed-window limiter.
type InMemory struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]entry)}
}

func (l *InMemory) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
