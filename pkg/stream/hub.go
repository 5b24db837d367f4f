// Package stream fans evaluation verdicts out to websocket
// subscribers.
package stream

import (
	"sync"
	"time"
)

// Decision is the event published for every evaluated query. The same
// payload goes to websocket subscribers and the kafka decision topic.
type Decision struct {
	DecisionID string `json:"decision_id"`
	CovenantID string `json:"covenant_id"`
	Action     string `json:"action"`
	Resource   string `json:"resource"`
	Permitted  bool   `json:"permitted"`
	Severity   string `json:"severity,omitempty"`
	Reason     string `json:"reason,omitempty"`
	At         string `json:"at"`
}

// Hub is an in-process broadcast channel for decisions. Slow
// subscribers drop decisions rather than stalling evaluation.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Decision]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Decision]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Decision {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Decision, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Decision) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish stamps the decision time if unset and fans the decision out
// without blocking.
func (h *Hub) Publish(d Decision) {
	if d.At == "" {
		d.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- d:
		default:
		}
	}
}
