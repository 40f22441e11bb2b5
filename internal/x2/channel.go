package x2

import (
	"context"
	"errors"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/model"
)

var (
	// ErrLinkDown is returned when the path to the peer controller is unavailable.
	ErrLinkDown = errors.New("x2 link down")
	// ErrUnknownPeer is returned when no controller is registered for the destination cell.
	ErrUnknownPeer = errors.New("x2 unknown peer")
	// ErrAlreadyRegistered is returned when a cell registers a second handler.
	ErrAlreadyRegistered = errors.New("x2 cell already registered")
	// ErrUnknownKind is returned when decoding an unrecognised payload kind.
	ErrUnknownKind = errors.New("x2 unknown message kind")
)

// Handler receives messages addressed to a cell.
type Handler interface {
	OnInterControllerMessage(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message)

// OnInterControllerMessage calls f.
func (f HandlerFunc) OnInterControllerMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// Channel delivers messages between controllers. Send never blocks on the
// receiver; delivery happens later on the receiver's event loop, in send order
// for each ordered pair of cells.
type Channel interface {
	Register(cell model.CellID, h Handler) error
	Send(ctx context.Context, msg Message) error
}

// MetricsRecorder is notified for every message a channel accepts or refuses.
type MetricsRecorder interface {
	IncX2Message(kind string, outcome string)
}

// Endpoint is a controller's handle on a Channel. It stamps the local cell as
// sender and the procedure id carried in ctx on every message.
type Endpoint struct {
	cell model.CellID
	ch   Channel
}

// NewEndpoint binds cell to ch.
func NewEndpoint(cell model.CellID, ch Channel) *Endpoint {
	return &Endpoint{cell: cell, ch: ch}
}

// Cell returns the local cell.
func (e *Endpoint) Cell() model.CellID { return e.cell }

// Send delivers p to the controller of cell to.
func (e *Endpoint) Send(ctx context.Context, to model.CellID, p Payload) error {
	return e.ch.Send(ctx, Message{
		From:        e.cell,
		To:          to,
		ProcedureID: logging.ProcedureIDFromContext(ctx),
		Payload:     p,
	})
}

func (e *Endpoint) SendHandoverRequest(ctx context.Context, to model.CellID, req HandoverRequest) error {
	return e.Send(ctx, to, req)
}

func (e *Endpoint) SendHandoverRequestAck(ctx context.Context, to model.CellID, ack HandoverRequestAck) error {
	return e.Send(ctx, to, ack)
}

func (e *Endpoint) SendHandoverPreparationFailure(ctx context.Context, to model.CellID, f HandoverPreparationFailure) error {
	return e.Send(ctx, to, f)
}

// SendStatusTransfer carries sequence-number state for reliable bearers.
func (e *Endpoint) SendStatusTransfer(ctx context.Context, to model.CellID, st SnStatusTransfer) error {
	return e.Send(ctx, to, st)
}

func (e *Endpoint) SendContextRelease(ctx context.Context, to model.CellID, rel UeContextRelease) error {
	return e.Send(ctx, to, rel)
}

func (e *Endpoint) SendDataForward(ctx context.Context, to model.CellID, imsi model.IMSI, bearer model.BearerID, unit model.DataUnit) error {
	return e.Send(ctx, to, DataForward{IMSI: imsi, Bearer: bearer, Unit: unit})
}

func (e *Endpoint) SendSinrUpdate(ctx context.Context, to model.CellID, upd SinrUpdate) error {
	return e.Send(ctx, to, upd)
}

func (e *Endpoint) SendRlcSetupRequest(ctx context.Context, to model.CellID, req RlcSetupRequest) error {
	return e.Send(ctx, to, req)
}

func (e *Endpoint) SendRlcSetupCompleted(ctx context.Context, to model.CellID, done RlcSetupCompleted) error {
	return e.Send(ctx, to, done)
}

func (e *Endpoint) SendSecondaryHandoverRequest(ctx context.Context, to model.CellID, req SecondaryHandoverRequest) error {
	return e.Send(ctx, to, req)
}

func (e *Endpoint) SendSecondaryHandoverCompleted(ctx context.Context, to model.CellID, done SecondaryHandoverCompleted) error {
	return e.Send(ctx, to, done)
}

func (e *Endpoint) SendBufferForwardRequest(ctx context.Context, to model.CellID, req BufferForwardRequest) error {
	return e.Send(ctx, to, req)
}

func (e *Endpoint) SendSwitchConnection(ctx context.Context, to model.CellID, sw SwitchConnection) error {
	return e.Send(ctx, to, sw)
}

func (e *Endpoint) SendHandoverFailed(ctx context.Context, to model.CellID, f HandoverFailed) error {
	return e.Send(ctx, to, f)
}
