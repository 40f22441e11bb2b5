package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCollectorRecordsHandoverEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}

	c.IncHandover("secondary-a", "scheduled")
	c.IncHandover("secondary-a", "scheduled")
	c.IncHandover("anchor", "completed")
	c.IncFallback("secondary-a", true)
	c.IncTimeout("handover_preparation", false)
	c.AddForwardedUnits(4)
	c.AddForwardedUnits(0)
	c.SetContexts("3", 2)
	c.ObserveStateTransition("connected_normally", "handover_preparation")
	c.ObserveTimeToTrigger("secondary-a", 127*time.Millisecond)
	c.IncX2Message("handover_request", "sent")

	if got := testutil.ToFloat64(c.Handovers.WithLabelValues("secondary-a", "scheduled")); got != 2 {
		t.Fatalf("scheduled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Fallbacks.WithLabelValues("secondary-a", "fallback")); got != 1 {
		t.Fatalf("fallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Timeouts.WithLabelValues("handover_preparation", "false")); got != 1 {
		t.Fatalf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ForwardedUnits); got != 4 {
		t.Fatalf("forwarded = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.Contexts.WithLabelValues("3")); got != 2 {
		t.Fatalf("contexts = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "ho_time_to_trigger_seconds", map[string]string{"link": "secondary-a"}); count != 1 {
		t.Fatalf("ho_time_to_trigger_seconds sample_count = %d, want 1", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *HandoverCollector
	c.IncHandover("anchor", "started")
	c.SetContexts("1", 1)
	c.IncX2Message("sinr_update", "sent")
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("first NewHandoverCollector: %v", err)
	}
	second, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("second NewHandoverCollector: %v", err)
	}
	first.IncHandover("anchor", "started")
	if got := testutil.ToFloat64(second.Handovers.WithLabelValues("anchor", "started")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/x2.v1.InterController/Deliver"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}
	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "no such cell")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("InterController", "Deliver", "OK")); got != 1 {
		t.Fatalf("x2_rpc_requests_total OK = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("InterController", "Deliver", "NotFound")); got != 1 {
		t.Fatalf("x2_rpc_requests_total NotFound = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "x2_rpc_duration_seconds", map[string]string{
		"service": "InterController",
		"method":  "Deliver",
	}); count != 2 {
		t.Fatalf("x2_rpc_duration_seconds sample_count = %d, want 2", count)
	}
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}
	delivery, err := NewDeliveryCollector(reg)
	if err != nil {
		t.Fatalf("NewDeliveryCollector: %v", err)
	}
	collector.IncHandover("anchor", "completed")
	collector.IncX2Message("data_forward", "sent")
	delivery.ObserveDelivery(false)
	delivery.ObserveDelivery(true)
	delivery.AddLost(3)
	delivery.SetPendingEvents(7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"ho_handover_events_total",
		"x2_messages_total",
		"sim_units_delivered_total",
		"sim_units_duplicated_total",
		"sim_units_lost_total 3",
		"sim_scheduler_pending_events 7",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                               {"unknown", "unknown"},
		"Deliver":                        {"unknown", "unknown"},
		"/x2.v1.InterController/Deliver": {"InterController", "Deliver"},
		"/Svc/":                          {"Svc", "unknown"},
	}
	for in, want := range cases {
		svc, method := SplitMethod(in)
		if svc != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", in, svc, method, want[0], want[1])
		}
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "handover.source")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)
	if !strings.Contains(buf.String(), "handover.source") {
		t.Fatalf("span not exported: %s", buf.String())
	}

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
	if _, err := InitTracing(context.Background(), TracingConfig{}, nil); err != nil {
		t.Fatalf("disabled InitTracing: %v", err)
	}
}

func TestTracingConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  TracingConfig
		ok   bool
	}{
		{"disabled ignores fields", TracingConfig{Exporter: "bogus", SampleRatio: 7}, true},
		{"stdout", TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 0.5}, true},
		{"otlp upper case", TracingConfig{Enabled: true, Exporter: "OTLP", SampleRatio: 1}, true},
		{"ratio above one", TracingConfig{Enabled: true, SampleRatio: 1.5}, false},
		{"unknown exporter", TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, false},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrTracingConfig) {
			t.Fatalf("%s: err = %v, want ErrTracingConfig", tc.name, err)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
