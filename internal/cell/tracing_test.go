package cell

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/mobility-controller/model"
)

func TestAnchorHandoverRecordsProcedureSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	n := newTestNet(t, anchorCell(1), anchorCell(2))
	n.tracer = tp.Tracer("test")
	src := n.start(1, DefaultConfig())
	n.start(2, DefaultConfig())
	const imsi = 9
	n.connect(1, imsi)

	src.OnSinrReport(imsi, 1, 0)
	src.OnSinrReport(imsi, 2, 20)
	n.sched.Advance(100 * time.Millisecond)

	ended := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		ended[s.Name()] = s
	}
	for _, name := range []string{"handover.source", "handover.target"} {
		s, ok := ended[name]
		if !ok {
			t.Fatalf("span %q not ended; got %v", name, keys(ended))
		}
		if s.Status().Code == codes.Error {
			t.Fatalf("span %q failed: %s", name, s.Status().Description)
		}
	}
	if dst, ok := n.ctrls[2].ContextFor(imsi); !ok || dst.Link() != model.LinkAnchor {
		t.Fatalf("terminal not on target anchor")
	}
}

func keys(m map[string]sdktrace.ReadOnlySpan) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
