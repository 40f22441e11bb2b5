package cell

import (
	"context"
	"sort"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/decision"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

// OnSinrReport records the SINR of cell as seen by imsi. Samples of the own
// cell are shared with every other anchor.
func (c *Controller) OnSinrReport(imsi model.IMSI, cell model.CellID, value float64) {
	c.sinr.Update(imsi, cell, value, c.sched.Now())
	if cell == c.id {
		c.shareSample(imsi, value)
	}
	if c.cfg.Evaluation == EvaluateOnReport {
		c.evaluateTerminal(imsi)
	}
}

// Tick flushes batched samples and evaluates every anchored terminal. It is
// scheduled automatically in periodic mode.
func (c *Controller) Tick() {
	if len(c.outbox) > 0 {
		imsis := make([]model.IMSI, 0, len(c.outbox))
		for imsi := range c.outbox {
			imsis = append(imsis, imsi)
		}
		sort.Slice(imsis, func(i, j int) bool { return imsis[i] < imsis[j] })
		samples := make([]x2.SinrSample, 0, len(imsis))
		for _, imsi := range imsis {
			samples = append(samples, x2.SinrSample{IMSI: imsi, Value: c.outbox[imsi]})
		}
		clear(c.outbox)
		c.broadcastSinr(samples)
	}
	for _, imsi := range c.registry.Anchored() {
		c.evaluateTerminal(imsi)
	}
}

func (c *Controller) shareSample(imsi model.IMSI, value float64) {
	if c.cfg.Evaluation == EvaluatePeriodic {
		c.outbox[imsi] = value
		return
	}
	c.broadcastSinr([]x2.SinrSample{{IMSI: imsi, Value: value}})
}

func (c *Controller) broadcastSinr(samples []x2.SinrSample) {
	ctx := context.Background()
	upd := x2.SinrUpdate{Cell: c.id, Samples: samples}
	for _, anchor := range c.topo.Anchors() {
		if anchor == c.id {
			continue
		}
		if err := c.x2.SendSinrUpdate(ctx, anchor, upd); err != nil {
			c.log.Debug(ctx, "sinr update not sent", logging.Target(uint16(anchor)), logging.Err(err))
		}
	}
}

func (c *Controller) anchorContext(m *Mobility) *rrc.TerminalContext {
	ls, ok := m.Links[model.LinkAnchor]
	if !ok || ls.Cell != c.id {
		return nil
	}
	tc, ok := c.contexts[ls.RNTI]
	if !ok || tc.Role() != rrc.RoleAnchor {
		return nil
	}
	return tc
}

// evaluateTerminal runs the decision engine on every link of a terminal
// anchored here. While the anchor context is busy only secondary outages are
// acted on.
func (c *Controller) evaluateTerminal(imsi model.IMSI) {
	m, ok := c.registry.Mobility(imsi)
	if !ok {
		return
	}
	tc := c.anchorContext(m)
	if tc == nil || !tc.State().Active() {
		return
	}
	now := c.sched.Now()
	if tc.State() != rrc.ConnectedNormally {
		for _, link := range model.SecondaryLinks {
			c.fallbackOnOutage(m, link, now)
		}
		return
	}
	secondaryBusy := false
	for _, link := range model.SecondaryLinks {
		c.evaluateLink(m, link, now)
		if ls := m.Links[link]; ls != nil && ls.InProgress {
			secondaryBusy = true
		}
	}
	// Anchor moves wait until no secondary procedure is in flight.
	if c.cfg.AnchorHandover && !secondaryBusy && tc.State() == rrc.ConnectedNormally {
		c.evaluateLink(m, model.LinkAnchor, now)
	}
}

func (c *Controller) input(m *Mobility, link model.Link, ls *LinkState, now time.Time) decision.Input {
	return decision.Input{
		Link: link,
		Samples: c.sinr.Row(m.IMSI, func(cell model.CellID) bool {
			return c.topo.Serves(cell, link) && !ls.Blocked(cell, now)
		}),
		Current:    ls.Cell,
		OnFallback: ls.OnFallback,
		Pending:    ls.Pending,
		InProgress: ls.InProgress,
		Now:        now,
	}
}

func (c *Controller) evaluateLink(m *Mobility, link model.Link, now time.Time) {
	ls := m.Link(link)
	d := decision.Evaluate(c.cfg.Decision, c.input(m, link, ls, now))
	if d.Action == decision.None {
		return
	}
	ctx := context.Background()
	c.log.Debug(ctx, "handover decision",
		logging.IMSI(uint64(m.IMSI)),
		logging.String("link", link.String()),
		logging.String("action", d.Action.String()),
		logging.Target(uint16(d.Target)),
		logging.Duration("delay", d.Delay),
		logging.Float("gap_db", d.Gap),
		logging.String("reason", d.Reason),
	)

	switch d.Action {
	case decision.Cancel:
		c.cancelPending(ls)
		c.metrics.IncHandover(link.String(), StageCancelled)
	case decision.Schedule, decision.Replace:
		c.schedule(m.IMSI, link, ls, d.Target, d.Delay)
	case decision.SwitchToFallback:
		c.cancelPending(ls)
		c.switchToFallback(ctx, m, link, ls)
	case decision.Recover:
		c.cancelPending(ls)
		if d.Target == ls.Cell {
			c.resume(ctx, m, link, ls)
		} else {
			c.startSecondaryHandover(m, link, ls, d.Target)
		}
	case decision.Attach:
		c.cancelPending(ls)
		c.attachSecondary(m, link, ls, d.Target)
	}
}

// fallbackOnOutage moves a secondary link onto the anchor when every
// candidate of the link is in outage, leaving other decisions for later.
func (c *Controller) fallbackOnOutage(m *Mobility, link model.Link, now time.Time) {
	ls, ok := m.Links[link]
	if !ok || ls.Cell == 0 || ls.OnFallback {
		return
	}
	d := decision.Evaluate(c.cfg.Decision, c.input(m, link, ls, now))
	if d.Action != decision.SwitchToFallback {
		return
	}
	c.cancelPending(ls)
	c.switchToFallback(context.Background(), m, link, ls)
}

// schedule arms the handover event of (imsi, link), always cancelling the
// previous one first.
func (c *Controller) schedule(imsi model.IMSI, link model.Link, ls *LinkState, target model.CellID, delay time.Duration) {
	c.cancelPending(ls)
	fireAt := c.sched.Now().Add(delay)
	ls.Pending = &decision.Pending{Target: target, FireAt: fireAt}
	ls.eventID = c.sched.Schedule(fireAt, func() { c.fire(imsi, link, target) })
	c.metrics.IncHandover(link.String(), StageScheduled)
	c.metrics.ObserveTimeToTrigger(link.String(), delay)
}

func (c *Controller) cancelPending(ls *LinkState) {
	if ls.eventID != "" {
		c.sched.Cancel(ls.eventID)
		ls.eventID = ""
	}
	ls.Pending = nil
}

func (c *Controller) fire(imsi model.IMSI, link model.Link, target model.CellID) {
	m, ok := c.registry.Mobility(imsi)
	if !ok {
		return
	}
	ls, ok := m.Links[link]
	if !ok || ls.Pending == nil || ls.Pending.Target != target {
		return
	}
	ls.Pending = nil
	ls.eventID = ""

	ctx := context.Background()
	tc := c.anchorContext(m)
	if tc == nil || tc.State() != rrc.ConnectedNormally {
		c.metrics.IncHandover(link.String(), StageRejected)
		return
	}
	if ok, reason := decision.Revalidate(c.cfg.Decision, c.input(m, link, ls, c.sched.Now()), target); !ok {
		c.log.Debug(ctx, "handover event dropped",
			logging.IMSI(uint64(imsi)), logging.String("link", link.String()),
			logging.Target(uint16(target)), logging.String("reason", reason))
		c.metrics.IncHandover(link.String(), StageRejected)
		return
	}
	if link == model.LinkAnchor {
		c.startAnchorHandover(tc, m, target)
		return
	}
	c.startSecondaryHandover(m, link, ls, target)
}

func newProcedure() context.Context {
	return logging.ContextWithProcedureID(context.Background(), logging.NewProcedureID())
}

func (c *Controller) startAnchorHandover(tc *rrc.TerminalContext, m *Mobility, target model.CellID) {
	for _, ls := range m.Links {
		c.cancelPending(ls)
	}
	ctx := newProcedure()
	ls := m.Link(model.LinkAnchor)
	if err := tc.StartHandover(ctx, target, secondaryRefs(m)); err != nil {
		c.procedureFailed(ctx, m.IMSI, model.LinkAnchor, ls, target, err.Error())
		c.fail(err)
		return
	}
	ls.InProgress, ls.Target = true, target
	c.metrics.IncHandover(model.LinkAnchor.String(), StageStarted)
	c.log.Info(ctx, "anchor handover started", logging.IMSI(uint64(m.IMSI)), logging.Target(uint16(target)))
}

func secondaryRefs(m *Mobility) []x2.SecondaryRef {
	var refs []x2.SecondaryRef
	for _, link := range model.SecondaryLinks {
		ls := m.Links[link]
		if ls == nil || ls.Cell == 0 {
			continue
		}
		refs = append(refs, x2.SecondaryRef{Link: link, Cell: ls.Cell, RNTI: ls.RNTI, OnFallback: ls.OnFallback})
	}
	return refs
}

// startSecondaryHandover asks the current secondary to hand the terminal to
// target. Without a current secondary it attaches instead.
func (c *Controller) startSecondaryHandover(m *Mobility, link model.Link, ls *LinkState, target model.CellID) {
	if ls.Cell == 0 {
		c.attachSecondary(m, link, ls, target)
		return
	}
	ctx := newProcedure()
	req := x2.SecondaryHandoverRequest{IMSI: m.IMSI, TargetCell: target, Link: link}
	if err := c.x2.SendSecondaryHandoverRequest(ctx, ls.Cell, req); err != nil {
		c.procedureFailed(ctx, m.IMSI, link, ls, target, err.Error())
		return
	}
	c.beginProcedure(m.IMSI, link, ls, target)
	c.log.Info(ctx, "secondary handover started",
		logging.IMSI(uint64(m.IMSI)), logging.String("link", link.String()),
		logging.Cell(uint16(ls.Cell)), logging.Target(uint16(target)))
}

// attachSecondary adds target as the terminal's secondary cell on link.
func (c *Controller) attachSecondary(m *Mobility, link model.Link, ls *LinkState, target model.CellID) {
	tc := c.anchorContext(m)
	if tc == nil {
		return
	}
	ctx := newProcedure()
	if err := c.x2.SendHandoverRequest(ctx, target, tc.AttachRequest(link)); err != nil {
		c.procedureFailed(ctx, m.IMSI, link, ls, target, err.Error())
		return
	}
	c.beginProcedure(m.IMSI, link, ls, target)
	c.log.Info(ctx, "secondary attach started",
		logging.IMSI(uint64(m.IMSI)), logging.String("link", link.String()), logging.Target(uint16(target)))
}

// beginProcedure marks the link busy and arms a guard so a lost answer
// cannot keep it busy forever.
func (c *Controller) beginProcedure(imsi model.IMSI, link model.Link, ls *LinkState, target model.CellID) {
	ls.InProgress, ls.Target = true, target
	c.metrics.IncHandover(link.String(), StageStarted)
	guard := c.cfg.Timeouts.HandoverPreparation + c.cfg.Timeouts.HandoverJoining
	if guard <= 0 {
		return
	}
	ls.guardID = sched.After(c.sched, guard, func() {
		ls.guardID = ""
		if ls.InProgress && ls.Target == target {
			c.procedureFailed(context.Background(), imsi, link, ls, target, "procedure guard expired")
		}
	})
}

func (c *Controller) endProcedure(ls *LinkState) {
	ls.InProgress, ls.Target = false, 0
	if ls.guardID != "" {
		c.sched.Cancel(ls.guardID)
		ls.guardID = ""
	}
}

// procedureFailed clears the link's procedure and keeps target out of the
// candidate set for the failure backoff.
func (c *Controller) procedureFailed(ctx context.Context, imsi model.IMSI, link model.Link, ls *LinkState, target model.CellID, cause string) {
	c.endProcedure(ls)
	if target != 0 && c.cfg.FailureBackoff > 0 {
		ls.block(target, c.sched.Now().Add(c.cfg.FailureBackoff))
	}
	c.metrics.IncHandover(link.String(), StageFailed)
	c.log.Warn(ctx, "handover failed",
		logging.IMSI(uint64(imsi)), logging.String("link", link.String()),
		logging.Target(uint16(target)), logging.String("cause", cause))
}

// preparationFailed handles a failed preparation of a local source context.
// Anchor contexts update the local record; secondary contexts report to
// their anchor.
func (c *Controller) preparationFailed(tc *rrc.TerminalContext, target model.CellID, cause string) {
	ctx := logging.ContextWithProcedureID(context.Background(), tc.ProcedureID())
	if tc.Role() == rrc.RoleAnchor {
		if m, ok := c.registry.Mobility(tc.IMSI()); ok {
			c.procedureFailed(ctx, tc.IMSI(), model.LinkAnchor, m.Link(model.LinkAnchor), target, cause)
		}
		return
	}
	f := x2.HandoverFailed{IMSI: tc.IMSI(), SourceCell: c.id, TargetCell: target, Link: tc.Link(), Cause: cause}
	if err := c.x2.SendHandoverFailed(ctx, tc.AnchorCell(), f); err != nil {
		c.log.Warn(ctx, "handover failure not reported", logging.Target(uint16(tc.AnchorCell())), logging.Err(err))
	}
}

// switchToFallback moves the link's traffic to the anchor while the
// secondary is in outage. The secondary context stays in place.
func (c *Controller) switchToFallback(ctx context.Context, m *Mobility, link model.Link, ls *LinkState) {
	tc := c.anchorContext(m)
	if tc == nil || ls.Cell == 0 {
		return
	}
	ls.OnFallback = true
	c.env.Rrc.SendRrcCommand(c.id, tc.RNTI(), rrc.SwitchConnectionCmd{Link: link, Cell: ls.Cell, UseSecondary: false})
	req := x2.BufferForwardRequest{IMSI: m.IMSI, TargetCell: c.id, Link: link}
	if err := c.x2.SendBufferForwardRequest(ctx, ls.Cell, req); err != nil {
		c.log.Warn(ctx, "buffer forward request not sent", logging.Target(uint16(ls.Cell)), logging.Err(err))
	}
	c.refreshDataPath(ctx, m)
	c.metrics.IncFallback(link.String(), true)
	c.log.Info(ctx, "switched to fallback", logging.IMSI(uint64(m.IMSI)), logging.String("link", link.String()), logging.Cell(uint16(ls.Cell)))
}

// resume moves the link's traffic back to its secondary cell.
func (c *Controller) resume(ctx context.Context, m *Mobility, link model.Link, ls *LinkState) {
	tc := c.anchorContext(m)
	if tc == nil {
		return
	}
	ls.OnFallback = false
	c.env.Rrc.SendRrcCommand(c.id, tc.RNTI(), rrc.SwitchConnectionCmd{Link: link, Cell: ls.Cell, UseSecondary: true})
	sw := x2.SwitchConnection{IMSI: m.IMSI, Link: link, UseSecondary: true}
	if err := c.x2.SendSwitchConnection(ctx, ls.Cell, sw); err != nil {
		c.log.Warn(ctx, "switch connection not sent", logging.Target(uint16(ls.Cell)), logging.Err(err))
	}
	c.refreshDataPath(ctx, m)
	c.metrics.IncFallback(link.String(), false)
	c.log.Info(ctx, "recovered from fallback", logging.IMSI(uint64(m.IMSI)), logging.String("link", link.String()), logging.Cell(uint16(ls.Cell)))
}

// refreshDataPath points the anchor context at the first usable secondary,
// or at the local radio when there is none.
func (c *Controller) refreshDataPath(ctx context.Context, m *Mobility) {
	tc := c.anchorContext(m)
	if tc == nil || !tc.State().Active() {
		return
	}
	var via model.CellID
	for _, link := range model.SecondaryLinks {
		if ls := m.Links[link]; ls != nil && ls.Cell != 0 && !ls.OnFallback {
			via = ls.Cell
			break
		}
	}
	tc.SetDataPath(ctx, via)
}

func (c *Controller) dropMobility(m *Mobility) {
	for _, ls := range m.Links {
		c.cancelPending(ls)
		c.endProcedure(ls)
	}
	c.registry.Forget(m.IMSI)
	if _, ok := c.ContextFor(m.IMSI); !ok {
		c.sinr.Forget(m.IMSI)
	}
}
