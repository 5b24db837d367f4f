package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "covenantd-test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("no shutdown function returned")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseSampler(t *testing.T) {
	cases := []struct {
		name string
		arg  string
		want trace.Sampler
	}{
		{"always_on", "", trace.AlwaysSample()},
		{"always_off", "", trace.NeverSample()},
		{"traceidratio", "0.5", trace.TraceIDRatioBased(0.5)},
		{"traceidratio", "7", trace.TraceIDRatioBased(1)},
		{"traceidratio", "-1", trace.TraceIDRatioBased(0)},
		{"", "", trace.ParentBased(trace.TraceIDRatioBased(1))},
		{"bogus", "", trace.ParentBased(trace.TraceIDRatioBased(1))},
	}
	for _, tc := range cases {
		got := parseSampler(tc.name, tc.arg)
		if got.Description() != tc.want.Description() {
			t.Fatalf("parseSampler(%q, %q) = %q, want %q", tc.name, tc.arg, got.Description(), tc.want.Description())
		}
	}
}

func TestHTTPMiddleware(t *testing.T) {
	if HTTPMiddleware("") == nil {
		t.Fatalf("middleware not built")
	}
}
