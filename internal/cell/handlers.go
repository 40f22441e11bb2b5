package cell

import (
	"context"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

// OnInterControllerMessage dispatches a message from a peer controller.
// Messages for terminals the cell no longer knows are logged and dropped.
func (c *Controller) OnInterControllerMessage(ctx context.Context, msg x2.Message) {
	switch p := msg.Payload.(type) {
	case x2.HandoverRequest:
		c.handleHandoverRequest(ctx, msg.From, p)
	case x2.HandoverRequestAck:
		c.handleHandoverRequestAck(ctx, p)
	case x2.HandoverPreparationFailure:
		c.handlePreparationFailure(ctx, p)
	case x2.SnStatusTransfer:
		c.handleStatusTransfer(ctx, p)
	case x2.UeContextRelease:
		c.handleContextRelease(ctx, msg.From, p)
	case x2.DataForward:
		c.handleDataForward(ctx, p)
	case x2.SinrUpdate:
		c.handleSinrUpdate(p)
	case x2.RlcSetupRequest:
		c.handleRlcSetupRequest(ctx, msg.From, p)
	case x2.RlcSetupCompleted:
		c.handleRlcSetupCompleted(ctx, p)
	case x2.SecondaryHandoverRequest:
		c.handleSecondaryHandoverRequest(ctx, msg.From, p)
	case x2.SecondaryHandoverCompleted:
		c.handleSecondaryHandoverCompleted(ctx, p)
	case x2.BufferForwardRequest:
		c.handleBufferForwardRequest(ctx, p)
	case x2.SwitchConnection:
		c.handleSwitchConnection(ctx, msg.From, p)
	case x2.HandoverFailed:
		c.handleHandoverFailed(ctx, p)
	default:
		c.log.Warn(ctx, "unhandled x2 message", logging.String("kind", msg.Kind().String()))
	}
}

func (c *Controller) drop(ctx context.Context, what string, imsi model.IMSI, err error) {
	fields := []logging.Field{logging.IMSI(uint64(imsi))}
	if err != nil {
		fields = append(fields, logging.Err(err))
	}
	c.log.Debug(ctx, what, fields...)
}

// handleHandoverRequest admits or refuses a terminal handed over to this cell.
func (c *Controller) handleHandoverRequest(ctx context.Context, from model.CellID, req x2.HandoverRequest) {
	refuse := func(cause string) {
		f := x2.HandoverPreparationFailure{
			IMSI:       req.IMSI,
			SourceRNTI: req.SourceRNTI,
			TargetCell: c.id,
			Link:       req.Link,
			Cause:      cause,
		}
		if err := c.x2.SendHandoverPreparationFailure(ctx, from, f); err != nil {
			c.log.Warn(ctx, "preparation failure not sent", logging.Target(uint16(from)), logging.Err(err))
		}
		c.metrics.IncHandover(req.Link.String(), StageRefused)
		c.log.Info(ctx, "handover refused", logging.IMSI(uint64(req.IMSI)), logging.String("cause", cause))
	}

	switch {
	case req.Secondary != (c.info.Kind == model.CellKindSecondary):
		refuse("cell kind mismatch")
		return
	case req.Secondary && req.Link != c.info.Link:
		refuse("link not served")
		return
	}
	if _, exists := c.registry.RNTI(req.IMSI); exists {
		refuse("context already present")
		return
	}
	if !c.admission.AdmitHandover(c.id, req) {
		refuse(rrc.ErrAdmissionRejected.Error())
		return
	}
	preamble, err := c.preambles.Allocate()
	if err != nil {
		refuse(err.Error())
		return
	}
	rnti, err := c.allocateRNTI()
	if err != nil {
		c.preambles.Release(preamble)
		refuse(err.Error())
		return
	}

	tc := rrc.NewFromHandover(ctx, c.env, rnti, req, preamble)
	c.contexts[rnti] = tc
	c.registry.Bind(req.IMSI, rnti)
	c.metrics.SetContexts(c.label(), len(c.contexts))
	if !req.Secondary {
		m := c.registry.Anchor(req.IMSI, c.id, rnti)
		for _, ref := range req.Secondaries {
			ls := m.Link(ref.Link)
			ls.Cell, ls.RNTI, ls.OnFallback = ref.Cell, ref.RNTI, ref.OnFallback
		}
	}

	ack := x2.HandoverRequestAck{
		IMSI:       req.IMSI,
		SourceRNTI: req.SourceRNTI,
		TargetCell: c.id,
		TargetRNTI: rnti,
		Preamble:   preamble,
		Link:       req.Link,
		Secondary:  req.Secondary,
	}
	if err := c.x2.SendHandoverRequestAck(ctx, from, ack); err != nil {
		c.log.Warn(ctx, "handover ack not sent", logging.Target(uint16(from)), logging.Err(err))
		tc.Release()
		return
	}
	c.metrics.IncHandover(req.Link.String(), StageAdmitted)
	c.log.Info(ctx, "handover admitted",
		logging.IMSI(uint64(req.IMSI)), logging.RNTI(uint16(rnti)),
		logging.String("link", req.Link.String()), logging.Int("preamble", int(preamble)))
}

// handleHandoverRequestAck completes preparation on a local source context,
// or, for a secondary attach, commands the device through the anchor.
func (c *Controller) handleHandoverRequestAck(ctx context.Context, ack x2.HandoverRequestAck) {
	tc, ok := c.contexts[ack.SourceRNTI]
	if !ok || tc.IMSI() != ack.IMSI {
		c.drop(ctx, "handover ack for unknown context", ack.IMSI, nil)
		return
	}
	if tc.State() == rrc.HandoverPreparation {
		if err := tc.HandoverRequestAck(ack); err != nil {
			c.drop(ctx, "handover ack refused", ack.IMSI, err)
		}
		return
	}

	m, ok := c.registry.Mobility(ack.IMSI)
	if !ok || !ack.Secondary || tc.Role() != rrc.RoleAnchor {
		c.drop(ctx, "unexpected handover ack", ack.IMSI, nil)
		return
	}
	ls := m.Link(ack.Link)
	if !ls.InProgress || ls.Target != ack.TargetCell || ls.Cell != 0 {
		c.drop(ctx, "stale secondary attach ack", ack.IMSI, nil)
		return
	}
	c.env.Rrc.SendRrcCommand(c.id, tc.RNTI(), rrc.ConnectToSecondaryCmd{
		Link:     ack.Link,
		Cell:     ack.TargetCell,
		RNTI:     ack.TargetRNTI,
		Preamble: ack.Preamble,
	})
	if err := c.x2.SendStatusTransfer(ctx, ack.TargetCell, tc.StatusReport(ack.TargetRNTI)); err != nil {
		c.log.Warn(ctx, "sn status transfer not sent", logging.Target(uint16(ack.TargetCell)), logging.Err(err))
	}
}

func (c *Controller) handlePreparationFailure(ctx context.Context, f x2.HandoverPreparationFailure) {
	tc, ok := c.contexts[f.SourceRNTI]
	if !ok || tc.IMSI() != f.IMSI {
		c.drop(ctx, "preparation failure for unknown context", f.IMSI, nil)
		return
	}
	if tc.State() == rrc.HandoverPreparation {
		if err := tc.HandoverPreparationFailure(f.Cause); err != nil {
			c.drop(ctx, "preparation failure refused", f.IMSI, err)
			return
		}
		c.preparationFailed(tc, f.TargetCell, f.Cause)
		return
	}
	// A refused secondary attach.
	if m, ok := c.registry.Mobility(f.IMSI); ok {
		ls := m.Link(f.Link)
		if ls.InProgress && ls.Target == f.TargetCell {
			c.procedureFailed(ctx, f.IMSI, f.Link, ls, f.TargetCell, f.Cause)
		}
	}
}

func (c *Controller) handleStatusTransfer(ctx context.Context, st x2.SnStatusTransfer) {
	tc, ok := c.contexts[st.TargetRNTI]
	if !ok || tc.IMSI() != st.IMSI {
		c.drop(ctx, "sn status for unknown context", st.IMSI, nil)
		return
	}
	if err := tc.StatusTransfer(st); err != nil {
		c.drop(ctx, "sn status refused", st.IMSI, err)
	}
}

// handleContextRelease destroys a leaving source once the target confirmed
// the terminal, or a secondary context its anchor no longer wants.
func (c *Controller) handleContextRelease(ctx context.Context, from model.CellID, rel x2.UeContextRelease) {
	tc, ok := c.contexts[rel.SourceRNTI]
	if !ok || tc.IMSI() != rel.IMSI {
		c.drop(ctx, "release for unknown context", rel.IMSI, nil)
		return
	}
	if tc.State() == rrc.HandoverLeaving {
		if err := tc.ContextRelease(); err != nil {
			c.drop(ctx, "release refused", rel.IMSI, err)
		}
		return
	}
	if tc.Role() == rrc.RoleSecondary && from == tc.AnchorCell() {
		tc.Release()
		return
	}
	c.drop(ctx, "release in unexpected state", rel.IMSI, nil)
}

func (c *Controller) handleDataForward(ctx context.Context, df x2.DataForward) {
	tc, ok := c.ContextFor(df.IMSI)
	if !ok {
		c.drop(ctx, "forwarded data for unknown terminal", df.IMSI, nil)
		return
	}
	if err := tc.AcceptForwarded(ctx, df.Bearer, df.Unit); err != nil {
		c.drop(ctx, "forwarded data refused", df.IMSI, err)
	}
}

func (c *Controller) handleSinrUpdate(upd x2.SinrUpdate) {
	now := c.sched.Now()
	for _, s := range upd.Samples {
		c.sinr.Update(s.IMSI, upd.Cell, s.Value, now)
	}
	if c.cfg.Evaluation != EvaluateOnReport {
		return
	}
	for _, s := range upd.Samples {
		c.evaluateTerminal(s.IMSI)
	}
}

// handleRlcSetupRequest runs on both ends: a secondary learns its (new)
// anchor and bearer set, and an anchor learns that a secondary is live.
func (c *Controller) handleRlcSetupRequest(ctx context.Context, from model.CellID, req x2.RlcSetupRequest) {
	if req.SecondaryCell == c.id {
		tc, ok := c.ContextFor(req.IMSI)
		if !ok || tc.Role() != rrc.RoleSecondary {
			c.drop(ctx, "rlc setup for unknown secondary", req.IMSI, nil)
			return
		}
		tc.SetAnchor(req.AnchorCell)
		tc.SyncBearers(req.Bearers)
		done := x2.RlcSetupCompleted{IMSI: req.IMSI, Cell: c.id, RNTI: tc.RNTI()}
		if err := c.x2.SendRlcSetupCompleted(ctx, from, done); err != nil {
			c.log.Warn(ctx, "rlc setup completion not sent", logging.Target(uint16(from)), logging.Err(err))
		}
		return
	}

	m, ok := c.registry.Mobility(req.IMSI)
	if !ok {
		c.drop(ctx, "rlc setup for terminal not anchored here", req.IMSI, nil)
		return
	}
	if ls := m.Link(req.Link); ls.Cell == req.SecondaryCell {
		ls.RNTI = req.SecondaryRNTI
	}
	tc := c.anchorContext(m)
	if tc == nil {
		return
	}
	done := x2.RlcSetupCompleted{IMSI: req.IMSI, Cell: c.id, RNTI: tc.RNTI()}
	if err := c.x2.SendRlcSetupCompleted(ctx, from, done); err != nil {
		c.log.Warn(ctx, "rlc setup completion not sent", logging.Target(uint16(from)), logging.Err(err))
	}
}

func (c *Controller) handleRlcSetupCompleted(ctx context.Context, done x2.RlcSetupCompleted) {
	if m, ok := c.registry.Mobility(done.IMSI); ok {
		c.refreshDataPath(ctx, m)
	}
}

// handleSecondaryHandoverRequest starts a secondary-to-secondary handover on
// the terminal's current secondary context.
func (c *Controller) handleSecondaryHandoverRequest(ctx context.Context, from model.CellID, req x2.SecondaryHandoverRequest) {
	tc, ok := c.ContextFor(req.IMSI)
	var err error
	switch {
	case !ok:
		err = ErrUnknownTerminal
	case tc.Role() != rrc.RoleSecondary:
		err = &rrc.StateError{Op: "secondary handover on anchor context", State: tc.State(), RNTI: tc.RNTI()}
	default:
		err = tc.StartHandover(ctx, req.TargetCell, nil)
	}
	if err == nil {
		return
	}
	f := x2.HandoverFailed{IMSI: req.IMSI, SourceCell: c.id, TargetCell: req.TargetCell, Link: req.Link, Cause: err.Error()}
	if serr := c.x2.SendHandoverFailed(ctx, from, f); serr != nil {
		c.log.Warn(ctx, "handover failure not reported", logging.Target(uint16(from)), logging.Err(serr))
	}
}

func (c *Controller) handleSecondaryHandoverCompleted(ctx context.Context, done x2.SecondaryHandoverCompleted) {
	m, ok := c.registry.Mobility(done.IMSI)
	if !ok {
		c.drop(ctx, "secondary completion for terminal not anchored here", done.IMSI, nil)
		return
	}
	ls := m.Link(done.Link)
	previous := model.CellRef{Cell: done.PreviousCell, RNTI: done.PreviousRNTI}
	if previous.Cell != 0 && previous.RNTI == 0 && ls.Cell == previous.Cell {
		previous.RNTI = ls.RNTI
	}
	c.endProcedure(ls)
	ls.Cell, ls.RNTI, ls.OnFallback = done.Cell, done.RNTI, false

	if previous.Cell == 0 {
		c.metrics.IncHandover(done.Link.String(), StageAttached)
		c.log.Info(ctx, "secondary attached",
			logging.IMSI(uint64(done.IMSI)), logging.String("link", done.Link.String()), logging.Cell(uint16(done.Cell)))
		c.refreshDataPath(ctx, m)
		return
	}
	c.metrics.IncHandover(done.Link.String(), StageCompleted)
	c.log.Info(ctx, "secondary handover completed",
		logging.IMSI(uint64(done.IMSI)), logging.String("link", done.Link.String()),
		logging.Cell(uint16(done.Cell)), logging.Uint64("previous_cell", uint64(previous.Cell)))
	c.refreshDataPath(ctx, m)

	// Queued behind every unit this anchor forwarded to the previous cell, so
	// the leaving context relays all of them before it goes away.
	rel := x2.UeContextRelease{IMSI: done.IMSI, SourceRNTI: previous.RNTI, TargetRNTI: done.RNTI}
	if err := c.x2.SendContextRelease(ctx, previous.Cell, rel); err != nil {
		c.log.Warn(ctx, "context release not sent", logging.Target(uint16(previous.Cell)), logging.Err(err))
	}
}

func (c *Controller) handleBufferForwardRequest(ctx context.Context, req x2.BufferForwardRequest) {
	tc, ok := c.ContextFor(req.IMSI)
	if !ok {
		c.drop(ctx, "buffer forward for unknown terminal", req.IMSI, nil)
		return
	}
	tc.SetDataPath(ctx, req.TargetCell)
}

func (c *Controller) handleSwitchConnection(ctx context.Context, from model.CellID, sw x2.SwitchConnection) {
	tc, ok := c.ContextFor(sw.IMSI)
	if !ok {
		c.drop(ctx, "switch connection for unknown terminal", sw.IMSI, nil)
		return
	}
	if sw.UseSecondary {
		tc.SetDataPath(ctx, 0)
		return
	}
	tc.SetDataPath(ctx, from)
}

// handleHandoverFailed runs on the anchor. A zero TargetCell means the
// secondary context on SourceCell is gone.
func (c *Controller) handleHandoverFailed(ctx context.Context, f x2.HandoverFailed) {
	m, ok := c.registry.Mobility(f.IMSI)
	if !ok {
		c.drop(ctx, "handover failure for terminal not anchored here", f.IMSI, nil)
		return
	}
	ls := m.Link(f.Link)
	if f.TargetCell != 0 {
		if ls.InProgress && ls.Target == f.TargetCell {
			c.procedureFailed(ctx, f.IMSI, f.Link, ls, f.TargetCell, f.Cause)
		}
		return
	}
	switch {
	case ls.Cell == f.SourceCell:
		ls.Cell, ls.RNTI, ls.OnFallback = 0, 0, false
		c.log.Warn(ctx, "secondary lost", logging.IMSI(uint64(f.IMSI)), logging.Cell(uint16(f.SourceCell)))
		c.refreshDataPath(ctx, m)
	case ls.InProgress && ls.Target == f.SourceCell:
		c.procedureFailed(ctx, f.IMSI, f.Link, ls, f.SourceCell, f.Cause)
	}
}
