package cell

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/decision"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/model"
)

var (
	// ErrIdSpaceExhausted is returned when every RNTI is held by a live context.
	ErrIdSpaceExhausted = errors.New("rnti space exhausted")
	// ErrUnknownRnti is returned for an RNTI with no context.
	ErrUnknownRnti = errors.New("unknown rnti")
	// ErrUnknownTerminal is returned for an IMSI with no context on the cell.
	ErrUnknownTerminal = errors.New("unknown terminal")
	// ErrPreambleAllocationFailed is returned when no dedicated preamble is free.
	ErrPreambleAllocationFailed = errors.New("no dedicated preamble available")
)

// EvaluationMode selects when handover decisions are evaluated.
type EvaluationMode int

const (
	// EvaluateOnReport runs the decision engine on every SINR sample.
	EvaluateOnReport EvaluationMode = iota
	// EvaluatePeriodic batches samples and evaluates on a fixed tick.
	EvaluatePeriodic
)

func (m EvaluationMode) String() string {
	if m == EvaluatePeriodic {
		return "periodic"
	}
	return "report"
}

// ParseEvaluationMode accepts "report" and "periodic".
func ParseEvaluationMode(s string) (EvaluationMode, error) {
	switch s {
	case "", "report":
		return EvaluateOnReport, nil
	case "periodic":
		return EvaluatePeriodic, nil
	default:
		return 0, fmt.Errorf("unknown evaluation mode %q", s)
	}
}

// Config holds the per-controller tunables.
type Config struct {
	Decision decision.Params
	Timeouts rrc.Timeouts

	Evaluation EvaluationMode
	// Period is the evaluation tick in periodic mode.
	Period time.Duration
	// FailureBackoff keeps a target out of the candidate set after a
	// failed handover towards it.
	FailureBackoff time.Duration
	// Preambles is the number of dedicated preambles for handover access.
	Preambles int
	// MaxRNTI bounds the RNTI space handed out by AddTerminal.
	MaxRNTI model.RNTI
	// AnchorHandover enables decisions on the anchor link.
	AnchorHandover bool
}

// DefaultConfig returns the stock controller configuration.
func DefaultConfig() Config {
	return Config{
		Decision:       decision.DefaultParams(),
		Timeouts:       rrc.DefaultTimeouts(),
		Evaluation:     EvaluateOnReport,
		Period:         1600 * time.Microsecond,
		FailureBackoff: 500 * time.Millisecond,
		Preambles:      12,
		MaxRNTI:        model.MaxRNTI,
		AnchorHandover: true,
	}
}

// MetricsRecorder receives controller level events. Implementations must
// be cheap; they run on the event loop.
type MetricsRecorder interface {
	ObserveStateTransition(from, to string)
	IncHandover(link, stage string)
	ObserveTimeToTrigger(link string, ttt time.Duration)
	IncFallback(link string, active bool)
	IncTimeout(timer string, fatal bool)
	AddForwardedUnits(n int)
	SetContexts(cell string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveStateTransition(string, string)      {}
func (nopMetrics) IncHandover(string, string)                 {}
func (nopMetrics) ObserveTimeToTrigger(string, time.Duration) {}
func (nopMetrics) IncFallback(string, bool)                   {}
func (nopMetrics) IncTimeout(string, bool)                    {}
func (nopMetrics) AddForwardedUnits(int)                      {}
func (nopMetrics) SetContexts(string, int)                    {}

// Handover stages reported through MetricsRecorder.IncHandover.
const (
	StageScheduled = "scheduled"
	StageCancelled = "cancelled"
	StageRejected  = "revalidation_rejected"
	StageStarted   = "started"
	StageCompleted = "completed"
	StageAttached  = "attached"
	StageFailed    = "failed"
	StageAdmitted  = "admitted"
	StageRefused   = "refused"
)

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer sets the tracer used for handover spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithRrcSender sets the device command sink.
func WithRrcSender(s rrc.RrcSender) Option {
	return func(c *Controller) { c.rrcSender = s }
}

// WithMac sets the radio scheduler collaborator.
func WithMac(m rrc.Mac) Option {
	return func(c *Controller) { c.mac = m }
}

// WithCoreNetwork sets the core network collaborator.
func WithCoreNetwork(cn rrc.CoreNetwork) Option {
	return func(c *Controller) { c.core = cn }
}

// WithAdmission sets the admission policy. The default admits everything.
func WithAdmission(p rrc.AdmissionPolicy) Option {
	return func(c *Controller) {
		if p != nil {
			c.admission = p
		}
	}
}

// WithFailureHandler receives timeouts and other failures the controller
// absorbs instead of returning.
func WithFailureHandler(f func(error)) Option {
	return func(c *Controller) { c.onFailure = f }
}
