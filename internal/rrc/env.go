package rrc

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

// RrcSender delivers commands to the device behind (cell, rnti).
type RrcSender interface {
	SendRrcCommand(cell model.CellID, rnti model.RNTI, cmd Command)
}

// Mac is the radio scheduler of a cell.
type Mac interface {
	NotifyBearerAdmitted(cell model.CellID, rnti model.RNTI, spec model.BearerSpec)
	NotifyBearerReleased(cell model.CellID, rnti model.RNTI, id model.BearerID)
	Transmit(cell model.CellID, rnti model.RNTI, bearer model.BearerID, units []model.DataUnit)
}

// CoreNetwork moves the terminal's downlink tunnel to a new anchor.
type CoreNetwork interface {
	RequestPathSwitch(imsi model.IMSI, cell model.CellID, rnti model.RNTI)
}

// AdmissionPolicy decides whether a cell accepts a terminal.
type AdmissionPolicy interface {
	AdmitConnection(cell model.CellID, imsi model.IMSI) bool
	AdmitHandover(cell model.CellID, req x2.HandoverRequest) bool
}

// AdmitAll accepts every request.
type AdmitAll struct{}

func (AdmitAll) AdmitConnection(model.CellID, model.IMSI) bool       { return true }
func (AdmitAll) AdmitHandover(model.CellID, x2.HandoverRequest) bool { return true }

// Observer is told about context lifecycle events. The owning controller
// implements it to keep its registry, timers and metrics in step.
type Observer interface {
	ContextStateChanged(tc *TerminalContext, from, to State)
	ContextTimedOut(tc *TerminalContext, err *TimeoutError)
	ContextDestroyed(tc *TerminalContext, cause ReleaseCause)
	UnitsForwarded(tc *TerminalContext, to model.CellID, n int)
}

// Timeouts configures the guard timers of a context. A zero duration
// disables the corresponding timer.
type Timeouts struct {
	ConnectionRequest   time.Duration `mapstructure:"connection_request" json:"connection_request"`
	ConnectionSetup     time.Duration `mapstructure:"connection_setup" json:"connection_setup"`
	ConnectionRejected  time.Duration `mapstructure:"connection_rejected" json:"connection_rejected"`
	Reconfiguration     time.Duration `mapstructure:"reconfiguration" json:"reconfiguration"`
	HandoverPreparation time.Duration `mapstructure:"handover_preparation" json:"handover_preparation"`
	HandoverJoining     time.Duration `mapstructure:"handover_joining" json:"handover_joining"`
	HandoverLeaving     time.Duration `mapstructure:"handover_leaving" json:"handover_leaving"`
	PathSwitch          time.Duration `mapstructure:"path_switch" json:"path_switch"`
}

// DefaultTimeouts returns the stock guard timer durations.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ConnectionRequest:   15 * time.Millisecond,
		ConnectionSetup:     150 * time.Millisecond,
		ConnectionRejected:  30 * time.Millisecond,
		Reconfiguration:     200 * time.Millisecond,
		HandoverPreparation: 200 * time.Millisecond,
		HandoverJoining:     45 * time.Second,
		HandoverLeaving:     45 * time.Second,
		PathSwitch:          500 * time.Millisecond,
	}
}

// Duration returns the configured duration for kind.
func (t Timeouts) Duration(kind TimerKind) time.Duration {
	switch kind {
	case TimerConnectionRequest:
		return t.ConnectionRequest
	case TimerConnectionSetup:
		return t.ConnectionSetup
	case TimerConnectionRejected:
		return t.ConnectionRejected
	case TimerReconfiguration:
		return t.Reconfiguration
	case TimerHandoverPreparation:
		return t.HandoverPreparation
	case TimerHandoverJoining:
		return t.HandoverJoining
	case TimerHandoverLeaving:
		return t.HandoverLeaving
	case TimerPathSwitch:
		return t.PathSwitch
	default:
		return 0
	}
}

// Env holds what every context of one controller shares. Nil collaborators
// are replaced with no-ops by Normalize.
type Env struct {
	Cell      model.CellID
	Scheduler sched.EventScheduler
	X2        *x2.Endpoint
	Rrc       RrcSender
	Mac       Mac
	Core      CoreNetwork
	Timeouts  Timeouts
	Observer  Observer
	Log       logging.Logger
	Tracer    trace.Tracer
}

// Normalize fills unset optional fields.
func (e *Env) Normalize() {
	if e.Rrc == nil {
		e.Rrc = nopRrc{}
	}
	if e.Mac == nil {
		e.Mac = nopMac{}
	}
	if e.Core == nil {
		e.Core = nopCore{}
	}
	if e.Observer == nil {
		e.Observer = nopObserver{}
	}
	if e.Log == nil {
		e.Log = logging.Noop()
	}
	if e.Tracer == nil {
		e.Tracer = otel.Tracer("github.com/signalsfoundry/mobility-controller/internal/rrc")
	}
}

type nopRrc struct{}

func (nopRrc) SendRrcCommand(model.CellID, model.RNTI, Command) {}

type nopMac struct{}

func (nopMac) NotifyBearerAdmitted(model.CellID, model.RNTI, model.BearerSpec)     {}
func (nopMac) NotifyBearerReleased(model.CellID, model.RNTI, model.BearerID)       {}
func (nopMac) Transmit(model.CellID, model.RNTI, model.BearerID, []model.DataUnit) {}

type nopCore struct{}

func (nopCore) RequestPathSwitch(model.IMSI, model.CellID, model.RNTI) {}

type nopObserver struct{}

func (nopObserver) ContextStateChanged(*TerminalContext, State, State) {}
func (nopObserver) ContextTimedOut(*TerminalContext, *TimeoutError)    {}
func (nopObserver) ContextDestroyed(*TerminalContext, ReleaseCause)    {}
func (nopObserver) UnitsForwarded(*TerminalContext, model.CellID, int) {}
