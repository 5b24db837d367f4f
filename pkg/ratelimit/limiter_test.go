package ratelimit

import (
	"testing"
	"time"

	"covenant/pkg/ccldsl"
)

func TestInMemoryAllow(t *testing.T) {
	l := NewInMemory()
	for i := 1; i <= 3; i++ {
		d := l.Allow("k", 3, time.Minute)
		if !d.Allowed {
			t.Fatalf("call %d denied under limit", i)
		}
		if d.Count != i || d.Remaining != 3-i {
			t.Fatalf("call %d: count=%d remaining=%d", i, d.Count, d.Remaining)
		}
	}
	d := l.Allow("k", 3, time.Minute)
	if d.Allowed {
		t.Fatalf("call over limit allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
}

func TestInMemoryWindowReset(t *testing.T) {
	l := NewInMemory()
	window := 10 * time.Millisecond
	_ = l.Allow("k", 1, window)
	if d := l.Allow("k", 1, window); d.Allowed {
		t.Fatalf("second call in window allowed")
	}
	time.Sleep(15 * time.Millisecond)
	if d := l.Allow("k", 1, window); !d.Allowed {
		t.Fatalf("call after window reset denied")
	}
}

func TestInMemoryKeysIndependent(t *testing.T) {
	l := NewInMemory()
	_ = l.Allow("a", 1, time.Minute)
	if d := l.Allow("b", 1, time.Minute); !d.Allowed {
		t.Fatalf("keys share a counter")
	}
}

func TestForAction(t *testing.T) {
	doc, err := ccldsl.Parse(`
limit * 1000 per 1 hour
limit api.* 100 per 1 minute
limit api.deploy 5 per 1 hour
permit api.deploy on '/svc/**'
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	st, ok := ForAction(doc, "api.deploy")
	if !ok || st.Count != 5 {
		t.Fatalf("most specific limit not chosen: %+v ok=%v", st, ok)
	}
	st, ok = ForAction(doc, "api.read")
	if !ok || st.Count != 100 {
		t.Fatalf("wildcard segment limit not chosen: %+v ok=%v", st, ok)
	}
	st, ok = ForAction(doc, "batch.run")
	if !ok || st.Count != 1000 {
		t.Fatalf("catch-all limit not chosen: %+v ok=%v", st, ok)
	}
}

func TestForActionNone(t *testing.T) {
	doc, err := ccldsl.Parse(`limit api.call 10 per 1 minute`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := ForAction(doc, "file.read"); ok {
		t.Fatalf("unrelated action matched a limit")
	}
}
