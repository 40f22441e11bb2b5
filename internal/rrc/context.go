// Package rrc implements the per-terminal connection state machine of a cell
// controller: connection setup, bearer management, reconfiguration, and both
// sides of anchor and secondary handovers.
//
// Contexts are driven from a single logical thread. Every transition happens
// inside a controller callback or a scheduler event, so nothing here locks.
package rrc

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/fwdbuf"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

// Bearer is a data radio bearer held by a context.
type Bearer struct {
	Spec   model.BearerSpec
	Buffer *fwdbuf.Buffer
}

func newBearer(spec model.BearerSpec) *Bearer {
	return &Bearer{Spec: spec, Buffer: fwdbuf.New(spec.Mode)}
}

// TerminalContext is one terminal's connection on one cell.
type TerminalContext struct {
	env *Env
	log logging.Logger

	imsi   model.IMSI
	rnti   model.RNTI
	state  State
	role   Role
	link   model.Link
	anchor model.CellID

	bearers map[model.BearerID]*Bearer
	timers  map[TimerKind]string

	// peer is the other side of the running handover: the target while
	// preparing or leaving, the source while joining.
	peer        model.CellRef
	preamble    uint8
	hasPreamble bool
	deviceReady bool

	// forwardTo, when set, receives every buffered and newly arriving unit
	// instead of the local radio.
	forwardTo model.CellID

	procedureID string
	span        trace.Span
	destroyed   bool
}

// New creates a context for a device starting random access on env.Cell.
func New(env *Env, rnti model.RNTI) *TerminalContext {
	tc := newContext(env, rnti)
	tc.arm(TimerConnectionRequest)
	return tc
}

// NewFromHandover creates the target side of an admitted handover request.
// Anchor handovers start in HandoverJoining; secondary requests start in
// PrepareSecondaryReconfiguration and leave the anchor where it is.
func NewFromHandover(ctx context.Context, env *Env, rnti model.RNTI, req x2.HandoverRequest, preamble uint8) *TerminalContext {
	tc := newContext(env, rnti)
	tc.imsi = req.IMSI
	tc.log = tc.log.With(logging.IMSI(uint64(req.IMSI)))
	tc.peer = model.CellRef{Cell: req.SourceCell, RNTI: req.SourceRNTI}
	tc.preamble, tc.hasPreamble = preamble, true
	tc.procedureID = logging.ProcedureIDFromContext(ctx)

	for _, bc := range req.Bearers {
		b := newBearer(bc.Spec)
		b.Buffer.SetNextSN(bc.NextSN)
		tc.bearers[bc.Spec.ID] = b
		env.Mac.NotifyBearerAdmitted(env.Cell, rnti, bc.Spec)
	}

	to := HandoverJoining
	if req.Secondary {
		tc.role = RoleSecondary
		tc.link = req.Link
		tc.anchor = req.AnchorCell
		to = PrepareSecondaryReconfiguration
	}
	_, tc.span = env.Tracer.Start(ctx, "handover.target", trace.WithAttributes(
		attribute.Int64("imsi", int64(req.IMSI)),
		attribute.Int("source_cell", int(req.SourceCell)),
		attribute.Int("target_cell", int(env.Cell)),
		attribute.String("link", req.Link.String()),
	))
	tc.transition(to)
	tc.arm(TimerHandoverJoining)
	return tc
}

func newContext(env *Env, rnti model.RNTI) *TerminalContext {
	return &TerminalContext{
		env:     env,
		log:     env.Log.With(logging.Cell(uint16(env.Cell)), logging.RNTI(uint16(rnti))),
		rnti:    rnti,
		state:   InitialAccess,
		link:    model.LinkAnchor,
		anchor:  env.Cell,
		bearers: make(map[model.BearerID]*Bearer),
		timers:  make(map[TimerKind]string),
	}
}

func (tc *TerminalContext) IMSI() model.IMSI         { return tc.imsi }
func (tc *TerminalContext) RNTI() model.RNTI         { return tc.rnti }
func (tc *TerminalContext) Cell() model.CellID       { return tc.env.Cell }
func (tc *TerminalContext) State() State             { return tc.state }
func (tc *TerminalContext) Role() Role               { return tc.role }
func (tc *TerminalContext) Link() model.Link         { return tc.link }
func (tc *TerminalContext) AnchorCell() model.CellID { return tc.anchor }
func (tc *TerminalContext) Peer() model.CellRef      { return tc.peer }
func (tc *TerminalContext) ForwardTo() model.CellID  { return tc.forwardTo }
func (tc *TerminalContext) ProcedureID() string      { return tc.procedureID }
func (tc *TerminalContext) Destroyed() bool          { return tc.destroyed }

// HasTimer reports whether a timer of the given kind is armed.
func (tc *TerminalContext) HasTimer(kind TimerKind) bool {
	_, ok := tc.timers[kind]
	return ok
}

// TakePreamble hands the dedicated preamble back to the caller, once.
func (tc *TerminalContext) TakePreamble() (uint8, bool) {
	p, ok := tc.preamble, tc.hasPreamble
	tc.hasPreamble = false
	return p, ok
}

// Bearer returns the bearer with the given id.
func (tc *TerminalContext) Bearer(id model.BearerID) (*Bearer, bool) {
	b, ok := tc.bearers[id]
	return b, ok
}

// BearerSpecs returns the bearer descriptors in id order.
func (tc *TerminalContext) BearerSpecs() []model.BearerSpec {
	out := make([]model.BearerSpec, 0, len(tc.bearers))
	for _, id := range tc.bearerIDs() {
		out = append(out, tc.bearers[id].Spec)
	}
	return out
}

// BearerContexts returns the bearers with their sequence counters, in id order.
func (tc *TerminalContext) BearerContexts() []x2.BearerContext {
	out := make([]x2.BearerContext, 0, len(tc.bearers))
	for _, id := range tc.bearerIDs() {
		b := tc.bearers[id]
		out = append(out, x2.BearerContext{Spec: b.Spec, NextSN: b.Buffer.NextSN()})
	}
	return out
}

// BufferedUnits returns the number of units held across all bearers.
func (tc *TerminalContext) BufferedUnits() int {
	n := 0
	for _, b := range tc.bearers {
		n += b.Buffer.Len()
	}
	return n
}

// SyncBearers makes a secondary context carry exactly specs, following the
// anchor's bearer set. Dropped bearers lose their buffered data.
func (tc *TerminalContext) SyncBearers(specs []model.BearerSpec) {
	if tc.destroyed {
		return
	}
	keep := make(map[model.BearerID]bool, len(specs))
	for _, spec := range specs {
		keep[spec.ID] = true
		if _, ok := tc.bearers[spec.ID]; !ok {
			tc.bearers[spec.ID] = newBearer(spec)
			tc.env.Mac.NotifyBearerAdmitted(tc.env.Cell, tc.rnti, spec)
		}
	}
	for _, id := range tc.bearerIDs() {
		if !keep[id] {
			tc.bearers[id].Buffer.Reset()
			delete(tc.bearers, id)
			tc.env.Mac.NotifyBearerReleased(tc.env.Cell, tc.rnti, id)
		}
	}
}

// SetAnchor records a new anchor cell for a secondary context.
func (tc *TerminalContext) SetAnchor(cell model.CellID) { tc.anchor = cell }

// ConnectionRequest answers the device's request. A refused request moves the
// context to ConnectionRejected and returns ErrAdmissionRejected; the context
// is destroyed once the reject timer fires.
func (tc *TerminalContext) ConnectionRequest(imsi model.IMSI, admitted bool) error {
	if err := tc.expect("connection request", InitialAccess); err != nil {
		return err
	}
	tc.disarm(TimerConnectionRequest)
	tc.imsi = imsi
	tc.log = tc.log.With(logging.IMSI(uint64(imsi)))

	if !admitted {
		tc.transition(ConnectionRejected)
		tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ConnectionRejectCmd{WaitTime: tc.env.Timeouts.ConnectionRejected})
		if tc.env.Timeouts.ConnectionRejected <= 0 {
			tc.transition(Releasing)
			tc.destroy(CauseRejected)
		} else {
			tc.arm(TimerConnectionRejected)
		}
		return fmt.Errorf("imsi %d at cell %d: %w", imsi, tc.env.Cell, ErrAdmissionRejected)
	}

	tc.transition(ConnectionSetup)
	tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ConnectionSetupCmd{RNTI: tc.rnti})
	tc.arm(TimerConnectionSetup)
	return nil
}

// SetupComplete finishes connection setup.
func (tc *TerminalContext) SetupComplete() error {
	if err := tc.expect("connection setup complete", ConnectionSetup); err != nil {
		return err
	}
	tc.disarm(TimerConnectionSetup)
	tc.transition(ConnectedNormally)
	return nil
}

// AddBearer admits a new bearer and reconfigures the device.
func (tc *TerminalContext) AddBearer(spec model.BearerSpec) error {
	if err := tc.expect("bearer setup", ConnectedNormally, ConnectionReconfiguration); err != nil {
		return err
	}
	if _, ok := tc.bearers[spec.ID]; ok {
		return fmt.Errorf("bearer %d on rnti %d: %w", spec.ID, tc.rnti, ErrDuplicateBearer)
	}
	tc.bearers[spec.ID] = newBearer(spec)
	tc.env.Mac.NotifyBearerAdmitted(tc.env.Cell, tc.rnti, spec)
	tc.reconfigure()
	return nil
}

// ReleaseBearer drops a bearer and its buffered data and reconfigures the device.
func (tc *TerminalContext) ReleaseBearer(id model.BearerID) error {
	if err := tc.expect("bearer release", ConnectedNormally, ConnectionReconfiguration); err != nil {
		return err
	}
	b, ok := tc.bearers[id]
	if !ok {
		return fmt.Errorf("bearer %d on rnti %d: %w", id, tc.rnti, ErrUnknownBearer)
	}
	b.Buffer.Reset()
	delete(tc.bearers, id)
	tc.env.Mac.NotifyBearerReleased(tc.env.Cell, tc.rnti, id)
	tc.reconfigure()
	return nil
}

func (tc *TerminalContext) reconfigure() {
	tc.transition(ConnectionReconfiguration)
	tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ReconfigurationCmd{Bearers: tc.BearerSpecs()})
	tc.arm(TimerReconfiguration)
}

// ReconfigurationComplete handles the device's acknowledgement. Its meaning
// depends on the state: a finished bearer change, arrival on a handover
// target, or attachment to a new secondary cell.
func (tc *TerminalContext) ReconfigurationComplete() error {
	if err := tc.alive("reconfiguration complete"); err != nil {
		return err
	}
	switch tc.state {
	case ConnectionReconfiguration:
		tc.disarm(TimerReconfiguration)
		tc.transition(ConnectedNormally)
	case HandoverJoining:
		tc.disarm(TimerHandoverJoining)
		tc.transition(HandoverPathSwitch)
		tc.env.Core.RequestPathSwitch(tc.imsi, tc.env.Cell, tc.rnti)
		tc.arm(TimerPathSwitch)
	case PrepareSecondaryReconfiguration:
		// The device beat the SN status transfer here; finish once it arrives.
		tc.deviceReady = true
	case SecondaryReconfiguration:
		tc.completeSecondary()
	default:
		return tc.stateError("reconfiguration complete")
	}
	return nil
}

// PathSwitchAck completes an anchor handover on the target and releases the
// source context.
func (tc *TerminalContext) PathSwitchAck() error {
	if err := tc.expect("path switch ack", HandoverPathSwitch); err != nil {
		return err
	}
	tc.disarm(TimerPathSwitch)
	tc.transition(ConnectedNormally)

	ctx := tc.ctx()
	rel := x2.UeContextRelease{IMSI: tc.imsi, SourceRNTI: tc.peer.RNTI, TargetRNTI: tc.rnti}
	if err := tc.env.X2.SendContextRelease(ctx, tc.peer.Cell, rel); err != nil {
		tc.log.Warn(ctx, "context release not sent", logging.Target(uint16(tc.peer.Cell)), logging.Err(err))
	}
	tc.peer = model.CellRef{}
	tc.endSpan(nil)
	return nil
}

// StatusTransfer applies the source's sequence counters. On a secondary
// target it also advances the preparation.
func (tc *TerminalContext) StatusTransfer(st x2.SnStatusTransfer) error {
	if err := tc.expect("sn status transfer",
		PrepareSecondaryReconfiguration, SecondaryReconfiguration,
		HandoverJoining, HandoverPathSwitch, ConnectedNormally); err != nil {
		return err
	}
	for _, bs := range st.Bearers {
		if b, ok := tc.bearers[bs.ID]; ok {
			b.Buffer.SetNextSN(bs.NextSN)
		}
	}
	if tc.state == PrepareSecondaryReconfiguration {
		tc.transition(SecondaryReconfiguration)
		if tc.deviceReady {
			tc.completeSecondary()
		}
	}
	return nil
}

func (tc *TerminalContext) completeSecondary() {
	tc.disarm(TimerHandoverJoining)
	tc.deviceReady = false
	tc.transition(ConnectedNormally)

	ctx := tc.ctx()
	done := x2.SecondaryHandoverCompleted{
		IMSI: tc.imsi,
		Cell: tc.env.Cell,
		RNTI: tc.rnti,
		Link: tc.link,
	}
	// The previous secondary keeps relaying until the anchor, which is still
	// forwarding to it, switches its data path and releases it.
	if tc.peer.Cell != 0 && tc.peer.Cell != tc.anchor {
		done.PreviousCell, done.PreviousRNTI = tc.peer.Cell, tc.peer.RNTI
	}
	if err := tc.env.X2.SendSecondaryHandoverCompleted(ctx, tc.anchor, done); err != nil {
		tc.log.Warn(ctx, "secondary completion not sent", logging.Target(uint16(tc.anchor)), logging.Err(err))
	}
	setup := x2.RlcSetupRequest{
		IMSI:          tc.imsi,
		SecondaryCell: tc.env.Cell,
		SecondaryRNTI: tc.rnti,
		AnchorCell:    tc.anchor,
		Link:          tc.link,
		Bearers:       tc.BearerSpecs(),
	}
	if err := tc.env.X2.SendRlcSetupRequest(ctx, tc.anchor, setup); err != nil {
		tc.log.Warn(ctx, "rlc setup request not sent", logging.Target(uint16(tc.anchor)), logging.Err(err))
	}
	tc.peer = model.CellRef{}
	tc.endSpan(nil)
}

// AttachRequest builds the request an anchor sends to add a secondary cell
// on link.
func (tc *TerminalContext) AttachRequest(link model.Link) x2.HandoverRequest {
	return x2.HandoverRequest{
		IMSI:       tc.imsi,
		SourceCell: tc.env.Cell,
		SourceRNTI: tc.rnti,
		AnchorCell: tc.env.Cell,
		Link:       link,
		Secondary:  true,
		Bearers:    tc.BearerContexts(),
	}
}

// StartHandover moves the context towards target. Anchor contexts pass the
// terminal's secondary connections so the target can take them over. If the
// request cannot be sent the context stays in ConnectedNormally.
func (tc *TerminalContext) StartHandover(ctx context.Context, target model.CellID, secondaries []x2.SecondaryRef) error {
	if err := tc.expect("handover start", ConnectedNormally); err != nil {
		return err
	}
	tc.procedureID = logging.ProcedureIDFromContext(ctx)
	if tc.procedureID == "" {
		tc.procedureID = logging.NewProcedureID()
		ctx = logging.ContextWithProcedureID(ctx, tc.procedureID)
	}
	ctx, tc.span = tc.env.Tracer.Start(ctx, "handover.source", trace.WithAttributes(
		attribute.Int64("imsi", int64(tc.imsi)),
		attribute.Int("source_cell", int(tc.env.Cell)),
		attribute.Int("target_cell", int(target)),
		attribute.String("link", tc.link.String()),
		attribute.String("procedure_id", tc.procedureID),
	))

	tc.peer = model.CellRef{Cell: target}
	tc.transition(HandoverPreparation)

	req := x2.HandoverRequest{
		IMSI:        tc.imsi,
		SourceCell:  tc.env.Cell,
		SourceRNTI:  tc.rnti,
		AnchorCell:  tc.anchor,
		Link:        tc.link,
		Secondary:   tc.role == RoleSecondary,
		Bearers:     tc.BearerContexts(),
		Secondaries: secondaries,
	}
	if err := tc.env.X2.SendHandoverRequest(ctx, target, req); err != nil {
		tc.peer = model.CellRef{}
		tc.transition(ConnectedNormally)
		tc.endSpan(err)
		return fmt.Errorf("handover request to cell %d: %w", target, err)
	}
	tc.arm(TimerHandoverPreparation)
	return nil
}

// HandoverRequestAck moves a preparing source to HandoverLeaving: it commands
// the device, transfers SN status and starts forwarding buffered data.
func (tc *TerminalContext) HandoverRequestAck(ack x2.HandoverRequestAck) error {
	if err := tc.expect("handover request ack", HandoverPreparation); err != nil {
		return err
	}
	if ack.TargetCell != tc.peer.Cell {
		return fmt.Errorf("ack from cell %d while preparing towards %d: %w", ack.TargetCell, tc.peer.Cell, ErrInvalidStateTransition)
	}
	tc.disarm(TimerHandoverPreparation)
	tc.peer.RNTI = ack.TargetRNTI
	tc.transition(HandoverLeaving)

	ctx := tc.ctx()
	if tc.role == RoleSecondary {
		tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ConnectToSecondaryCmd{
			Link:     tc.link,
			Cell:     ack.TargetCell,
			RNTI:     ack.TargetRNTI,
			Preamble: ack.Preamble,
		})
	} else {
		tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ReconfigurationCmd{
			Bearers: tc.BearerSpecs(),
			Handover: &MobilityInfo{
				TargetCell: ack.TargetCell,
				TargetRNTI: ack.TargetRNTI,
				Preamble:   ack.Preamble,
			},
		})
	}

	if err := tc.env.X2.SendStatusTransfer(ctx, ack.TargetCell, tc.StatusReport(ack.TargetRNTI)); err != nil {
		tc.log.Warn(ctx, "sn status transfer not sent", logging.Target(uint16(ack.TargetCell)), logging.Err(err))
	}
	tc.forwardTo = ack.TargetCell
	tc.drainTo(ctx, ack.TargetCell)
	tc.arm(TimerHandoverLeaving)
	return nil
}

// StatusReport builds the SN status transfer towards the context targetRNTI.
func (tc *TerminalContext) StatusReport(targetRNTI model.RNTI) x2.SnStatusTransfer {
	st := x2.SnStatusTransfer{IMSI: tc.imsi, SourceRNTI: tc.rnti, TargetRNTI: targetRNTI}
	for _, id := range tc.bearerIDs() {
		st.Bearers = append(st.Bearers, x2.BearerStatus{ID: id, NextSN: tc.bearers[id].Buffer.NextSN()})
	}
	return st
}

// HandoverPreparationFailure returns a preparing source to ConnectedNormally.
func (tc *TerminalContext) HandoverPreparationFailure(cause string) error {
	if err := tc.expect("handover preparation failure", HandoverPreparation); err != nil {
		return err
	}
	tc.disarm(TimerHandoverPreparation)
	tc.log.Info(tc.ctx(), "handover preparation failed", logging.Target(uint16(tc.peer.Cell)), logging.String("cause", cause))
	tc.peer = model.CellRef{}
	tc.transition(ConnectedNormally)
	tc.endSpan(fmt.Errorf("preparation failure: %s", cause))
	return nil
}

// ContextRelease destroys a leaving source once the target confirmed the
// terminal. Anything still buffered goes to the target first.
func (tc *TerminalContext) ContextRelease() error {
	if err := tc.expect("context release", HandoverLeaving); err != nil {
		return err
	}
	if tc.forwardTo != 0 {
		tc.drainTo(tc.ctx(), tc.forwardTo)
	}
	tc.transition(Releasing)
	tc.destroy(CauseHandoverComplete)
	return nil
}

// Release tears the context down at the controller's request.
func (tc *TerminalContext) Release() {
	if tc.destroyed {
		return
	}
	switch tc.state {
	case ConnectionSetup, ConnectedNormally, ConnectionReconfiguration, ConnectionReestablishment, HandoverPathSwitch:
		if tc.role == RoleAnchor {
			tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ConnectionReleaseCmd{})
		}
	}
	tc.transition(Releasing)
	tc.destroy(CauseRemoved)
}

// ReestablishmentRequest starts re-establishing a connection whose radio link failed.
func (tc *TerminalContext) ReestablishmentRequest() error {
	if err := tc.expect("reestablishment request", ConnectedNormally, ConnectionReconfiguration); err != nil {
		return err
	}
	tc.disarm(TimerReconfiguration)
	tc.transition(ConnectionReestablishment)
	tc.env.Rrc.SendRrcCommand(tc.env.Cell, tc.rnti, ReestablishmentCmd{})
	tc.arm(TimerConnectionSetup)
	return nil
}

// ReestablishmentComplete returns the context to ConnectedNormally.
func (tc *TerminalContext) ReestablishmentComplete() error {
	if err := tc.expect("reestablishment complete", ConnectionReestablishment); err != nil {
		return err
	}
	tc.disarm(TimerConnectionSetup)
	tc.transition(ConnectedNormally)
	return nil
}

// SetDataPath redirects the context's data to cell, or back to the local
// radio when cell is zero. Buffered units follow the redirect.
func (tc *TerminalContext) SetDataPath(ctx context.Context, cell model.CellID) {
	if tc.destroyed || cell == tc.forwardTo || cell == tc.env.Cell {
		return
	}
	tc.forwardTo = cell
	if cell != 0 {
		tc.drainTo(ctx, cell)
	}
}

// Deliver queues new downlink data on a bearer, assigning its sequence number.
func (tc *TerminalContext) Deliver(ctx context.Context, bearer model.BearerID, payload []byte) (model.DataUnit, error) {
	b, err := tc.dataBearer(bearer)
	if err != nil {
		return model.DataUnit{}, err
	}
	u := b.Buffer.Enqueue(payload)
	if tc.forwardTo != 0 {
		tc.drainBearer(ctx, bearer, b, tc.forwardTo)
	}
	return u, nil
}

// AcceptForwarded stores a unit forwarded by another cell, keeping its
// sequence number.
func (tc *TerminalContext) AcceptForwarded(ctx context.Context, bearer model.BearerID, u model.DataUnit) error {
	b, err := tc.dataBearer(bearer)
	if err != nil {
		return err
	}
	b.Buffer.Append(u)
	if tc.forwardTo != 0 {
		tc.drainBearer(ctx, bearer, b, tc.forwardTo)
	}
	return nil
}

// TransmitOpportunity hands up to n units to the MAC, lowest bearer id first,
// and returns how many were sent. Contexts that forward or are not connected
// send nothing.
func (tc *TerminalContext) TransmitOpportunity(n int) int {
	if n <= 0 || tc.forwardTo != 0 || tc.destroyed {
		return 0
	}
	switch tc.state {
	case ConnectedNormally, ConnectionReconfiguration, HandoverPathSwitch:
	default:
		return 0
	}
	sent := 0
	for _, id := range tc.bearerIDs() {
		if sent >= n {
			break
		}
		units := tc.bearers[id].Buffer.Transmit(n - sent)
		if len(units) == 0 {
			continue
		}
		tc.env.Mac.Transmit(tc.env.Cell, tc.rnti, id, units)
		sent += len(units)
	}
	return sent
}

// Ack acknowledges delivery on a bearer up to sn.
func (tc *TerminalContext) Ack(bearer model.BearerID, sn uint32) error {
	b, err := tc.dataBearer(bearer)
	if err != nil {
		return err
	}
	b.Buffer.Ack(sn)
	return nil
}

// Nack schedules sn for retransmission.
func (tc *TerminalContext) Nack(bearer model.BearerID, sn uint32) error {
	b, err := tc.dataBearer(bearer)
	if err != nil {
		return err
	}
	b.Buffer.Nack(sn)
	return nil
}

func (tc *TerminalContext) dataBearer(id model.BearerID) (*Bearer, error) {
	if tc.destroyed || tc.state == Releasing {
		return nil, ErrContextReleasing
	}
	b, ok := tc.bearers[id]
	if !ok {
		return nil, fmt.Errorf("bearer %d on rnti %d: %w", id, tc.rnti, ErrUnknownBearer)
	}
	return b, nil
}

func (tc *TerminalContext) drainTo(ctx context.Context, to model.CellID) {
	for _, id := range tc.bearerIDs() {
		tc.drainBearer(ctx, id, tc.bearers[id], to)
	}
}

func (tc *TerminalContext) drainBearer(ctx context.Context, id model.BearerID, b *Bearer, to model.CellID) {
	n, err := b.Buffer.Drain(func(u model.DataUnit) error {
		return tc.env.X2.SendDataForward(ctx, to, tc.imsi, id, u)
	})
	if n > 0 {
		tc.env.Observer.UnitsForwarded(tc, to, n)
	}
	if err != nil {
		tc.log.Warn(ctx, "data forwarding interrupted",
			logging.Target(uint16(to)), logging.Int("bearer", int(id)), logging.Err(err))
	}
}

func (tc *TerminalContext) bearerIDs() []model.BearerID {
	ids := make([]model.BearerID, 0, len(tc.bearers))
	for id := range tc.bearers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tc *TerminalContext) alive(op string) error {
	if tc.destroyed || tc.state == Releasing {
		return fmt.Errorf("%s on rnti %d: %w", op, tc.rnti, ErrContextReleasing)
	}
	return nil
}

func (tc *TerminalContext) expect(op string, states ...State) error {
	if err := tc.alive(op); err != nil {
		return err
	}
	for _, s := range states {
		if tc.state == s {
			return nil
		}
	}
	return tc.stateError(op)
}

func (tc *TerminalContext) stateError(op string) error {
	return &StateError{Op: op, State: tc.state, RNTI: tc.rnti}
}

func (tc *TerminalContext) transition(to State) {
	from := tc.state
	if from == to {
		return
	}
	tc.state = to
	tc.log.Debug(tc.ctx(), "rrc state transition",
		logging.String("from", from.String()), logging.State(to.String()))
	if tc.span != nil {
		tc.span.AddEvent("state", trace.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
	tc.env.Observer.ContextStateChanged(tc, from, to)
}

// arm starts the timer of the given kind, replacing any running one.
func (tc *TerminalContext) arm(kind TimerKind) {
	tc.disarm(kind)
	d := tc.env.Timeouts.Duration(kind)
	if d <= 0 {
		return
	}
	tc.timers[kind] = sched.After(tc.env.Scheduler, d, func() { tc.expire(kind) })
}

func (tc *TerminalContext) disarm(kind TimerKind) {
	if id, ok := tc.timers[kind]; ok {
		tc.env.Scheduler.Cancel(id)
		delete(tc.timers, kind)
	}
}

func (tc *TerminalContext) expire(kind TimerKind) {
	if tc.destroyed {
		return
	}
	if _, ok := tc.timers[kind]; !ok {
		return
	}
	delete(tc.timers, kind)

	if kind == TimerConnectionRejected {
		tc.transition(Releasing)
		tc.destroy(CauseRejected)
		return
	}

	err := &TimeoutError{
		Timer:  kind,
		State:  tc.state,
		IMSI:   tc.imsi,
		RNTI:   tc.rnti,
		Target: tc.peer.Cell,
		Fatal:  kind != TimerHandoverPreparation,
	}
	ctx := tc.ctx()
	tc.log.Warn(ctx, "rrc timer expired", logging.Err(err))

	if !err.Fatal {
		tc.peer = model.CellRef{}
		tc.transition(ConnectedNormally)
		tc.endSpan(err)
		tc.env.Observer.ContextTimedOut(tc, err)
		return
	}
	tc.endSpan(err)
	tc.env.Observer.ContextTimedOut(tc, err)
	tc.transition(Releasing)
	tc.destroy(CauseTimeout)
}

// destroy is idempotent.
func (tc *TerminalContext) destroy(cause ReleaseCause) {
	if tc.destroyed {
		return
	}
	tc.destroyed = true
	for kind := range tc.timers {
		tc.disarm(kind)
	}
	for _, id := range tc.bearerIDs() {
		tc.bearers[id].Buffer.Reset()
		tc.env.Mac.NotifyBearerReleased(tc.env.Cell, tc.rnti, id)
	}
	tc.endSpan(nil)
	tc.log.Info(tc.ctx(), "rrc context destroyed", logging.String("cause", cause.String()))
	tc.env.Observer.ContextDestroyed(tc, cause)
}

func (tc *TerminalContext) endSpan(err error) {
	if tc.span == nil {
		return
	}
	if err != nil {
		tc.span.RecordError(err)
		tc.span.SetStatus(codes.Error, err.Error())
	} else {
		tc.span.SetStatus(codes.Ok, "")
	}
	tc.span.End()
	tc.span = nil
}

func (tc *TerminalContext) ctx() context.Context {
	ctx := context.Background()
	if tc.procedureID != "" {
		ctx = logging.ContextWithProcedureID(ctx, tc.procedureID)
	}
	if tc.span != nil {
		ctx = trace.ContextWithSpan(ctx, tc.span)
	}
	return ctx
}
