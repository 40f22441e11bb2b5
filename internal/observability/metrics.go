package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// HandoverCollector bundles the Prometheus metrics of the cell controllers
// and the inter-controller transport. It satisfies cell.MetricsRecorder and
// x2.MetricsRecorder.
type HandoverCollector struct {
	gatherer prometheus.Gatherer

	StateTransitions *prometheus.CounterVec
	Handovers        *prometheus.CounterVec
	TimeToTrigger    *prometheus.HistogramVec
	Fallbacks        *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	ForwardedUnits   prometheus.Counter
	Contexts         *prometheus.GaugeVec
	X2Messages       *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewHandoverCollector registers the handover metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewHandoverCollector(reg prometheus.Registerer) (*HandoverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ho_context_transitions_total",
		Help: "Terminal context state transitions, labeled by source and destination state.",
	}, []string{"from", "to"}), "ho_context_transitions_total")
	if err != nil {
		return nil, err
	}

	handovers, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ho_handover_events_total",
		Help: "Handover procedure events, labeled by link and stage.",
	}, []string{"link", "stage"}), "ho_handover_events_total")
	if err != nil {
		return nil, err
	}

	ttt, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ho_time_to_trigger_seconds",
		Help:    "Delay of scheduled handover events.",
		Buckets: []float64{0, 0.01, 0.025, 0.05, 0.075, 0.1, 0.125, 0.15, 0.2},
	}, []string{"link"}), "ho_time_to_trigger_seconds")
	if err != nil {
		return nil, err
	}

	fallbacks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ho_fallback_switches_total",
		Help: "Switches of a secondary link to and from the anchor path.",
	}, []string{"link", "direction"}), "ho_fallback_switches_total")
	if err != nil {
		return nil, err
	}

	timeouts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ho_timer_expiries_total",
		Help: "Procedure timer expiries, labeled by timer and whether the context was lost.",
	}, []string{"timer", "fatal"}), "ho_timer_expiries_total")
	if err != nil {
		return nil, err
	}

	forwarded, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ho_forwarded_units_total",
		Help: "Data units forwarded between cells.",
	}), "ho_forwarded_units_total")
	if err != nil {
		return nil, err
	}

	contexts, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ho_terminal_contexts",
		Help: "Live terminal contexts per cell.",
	}, []string{"cell"}), "ho_terminal_contexts")
	if err != nil {
		return nil, err
	}

	x2Messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x2_messages_total",
		Help: "Inter-controller messages offered to the transport, labeled by kind and outcome.",
	}, []string{"kind", "outcome"}), "x2_messages_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "x2_rpc_requests_total",
		Help: "Handled inter-controller RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "x2_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "x2_rpc_duration_seconds",
		Help:    "Inter-controller RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"service", "method"}), "x2_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &HandoverCollector{
		gatherer:         gatherer,
		StateTransitions: transitions,
		Handovers:        handovers,
		TimeToTrigger:    ttt,
		Fallbacks:        fallbacks,
		Timeouts:         timeouts,
		ForwardedUnits:   forwarded,
		Contexts:         contexts,
		X2Messages:       x2Messages,
		RPCRequests:      requests,
		RPCDurations:     durations,
	}, nil
}

// Gatherer returns the gatherer the collector was registered with.
func (c *HandoverCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *HandoverCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *HandoverCollector) ObserveStateTransition(from, to string) {
	if c == nil {
		return
	}
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

func (c *HandoverCollector) IncHandover(link, stage string) {
	if c == nil {
		return
	}
	c.Handovers.WithLabelValues(link, stage).Inc()
}

func (c *HandoverCollector) ObserveTimeToTrigger(link string, ttt time.Duration) {
	if c == nil {
		return
	}
	c.TimeToTrigger.WithLabelValues(link).Observe(ttt.Seconds())
}

func (c *HandoverCollector) IncFallback(link string, active bool) {
	if c == nil {
		return
	}
	direction := "recover"
	if active {
		direction = "fallback"
	}
	c.Fallbacks.WithLabelValues(link, direction).Inc()
}

func (c *HandoverCollector) IncTimeout(timer string, fatal bool) {
	if c == nil {
		return
	}
	c.Timeouts.WithLabelValues(timer, strconv.FormatBool(fatal)).Inc()
}

func (c *HandoverCollector) AddForwardedUnits(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ForwardedUnits.Add(float64(n))
}

func (c *HandoverCollector) SetContexts(cell string, n int) {
	if c == nil {
		return
	}
	c.Contexts.WithLabelValues(cell).Set(float64(n))
}

// IncX2Message counts one transport send attempt.
func (c *HandoverCollector) IncX2Message(kind, outcome string) {
	if c == nil {
		return
	}
	c.X2Messages.WithLabelValues(kind, outcome).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *HandoverCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
