// Package cell implements the controller of one radio cell. A controller
// owns the terminal contexts on its cell, keeps the identity table and the
// SINR table, runs the handover decision loop for terminals it anchors, and
// exchanges inter-controller messages with its peers.
//
// A Controller is driven from a single logical thread: its entry points are
// called by the simulation driver or by scheduler events, never concurrently.
package cell

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

// Controller is the control plane of one cell.
type Controller struct {
	id    model.CellID
	info  Info
	topo  *Topology
	sched sched.EventScheduler
	x2    *x2.Endpoint
	env   *rrc.Env

	cfg       Config
	log       logging.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
	rrcSender rrc.RrcSender
	mac       rrc.Mac
	core      rrc.CoreNetwork
	admission rrc.AdmissionPolicy
	onFailure func(error)

	contexts  map[model.RNTI]*rrc.TerminalContext
	lastRNTI  model.RNTI
	registry  *Registry
	sinr      *SinrTable
	preambles *PreamblePool

	// outbox collects own-cell samples between periodic ticks.
	outbox map[model.IMSI]float64
	tickID string
}

// New creates the controller of cell id and registers it on ch.
func New(id model.CellID, topo *Topology, s sched.EventScheduler, ch x2.Channel, opts ...Option) (*Controller, error) {
	info, ok := topo.Cell(id)
	if !ok {
		return nil, fmt.Errorf("cell %d is not part of the topology", id)
	}
	c := &Controller{
		id:        id,
		info:      info,
		topo:      topo,
		sched:     s,
		cfg:       DefaultConfig(),
		log:       logging.Noop(),
		metrics:   nopMetrics{},
		admission: rrc.AdmitAll{},
		contexts:  make(map[model.RNTI]*rrc.TerminalContext),
		registry:  NewRegistry(),
		sinr:      NewSinrTable(),
		outbox:    make(map[model.IMSI]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Decision.Validate(); err != nil {
		return nil, fmt.Errorf("cell %d: %w", id, err)
	}
	if c.cfg.MaxRNTI == 0 {
		c.cfg.MaxRNTI = model.MaxRNTI
	}
	c.log = c.log.With(logging.Cell(uint16(id)))
	c.x2 = x2.NewEndpoint(id, ch)
	c.preambles = NewPreamblePool(c.cfg.Preambles)
	c.env = &rrc.Env{
		Cell:      id,
		Scheduler: s,
		X2:        c.x2,
		Rrc:       c.rrcSender,
		Mac:       c.mac,
		Core:      c.core,
		Timeouts:  c.cfg.Timeouts,
		Observer:  observer{c},
		Log:       c.log,
		Tracer:    c.tracer,
	}
	c.env.Normalize()

	if err := ch.Register(id, c); err != nil {
		return nil, fmt.Errorf("register cell %d: %w", id, err)
	}
	return c, nil
}

// ID returns the controlled cell.
func (c *Controller) ID() model.CellID { return c.id }

// Info returns the topology entry of the controlled cell.
func (c *Controller) Info() Info { return c.info }

// Lookup exposes the identity table.
func (c *Controller) Lookup() Lookup { return c.registry }

// Start arms the periodic evaluation tick when configured.
func (c *Controller) Start() {
	if c.cfg.Evaluation == EvaluatePeriodic && c.cfg.Period > 0 && c.tickID == "" {
		c.scheduleTick()
	}
}

// Stop cancels the periodic tick.
func (c *Controller) Stop() {
	if c.tickID != "" {
		c.sched.Cancel(c.tickID)
		c.tickID = ""
	}
}

func (c *Controller) scheduleTick() {
	c.tickID = sched.After(c.sched, c.cfg.Period, func() {
		c.Tick()
		c.scheduleTick()
	})
}

// AddTerminal creates a context in InitialAccess for a device starting random
// access and returns its RNTI.
func (c *Controller) AddTerminal() (model.RNTI, error) {
	rnti, err := c.allocateRNTI()
	if err != nil {
		return 0, err
	}
	c.contexts[rnti] = rrc.New(c.env, rnti)
	c.metrics.SetContexts(c.label(), len(c.contexts))
	c.log.Debug(context.Background(), "terminal added", logging.RNTI(uint16(rnti)))
	return rnti, nil
}

// allocateRNTI searches from the last allocated id, wrapping around.
func (c *Controller) allocateRNTI() (model.RNTI, error) {
	next := c.lastRNTI
	for i := 0; i < int(c.cfg.MaxRNTI); i++ {
		next++
		if next == 0 || next > c.cfg.MaxRNTI {
			next = 1
		}
		if _, used := c.contexts[next]; !used {
			c.lastRNTI = next
			return next, nil
		}
	}
	return 0, fmt.Errorf("cell %d holds %d contexts: %w", c.id, len(c.contexts), ErrIdSpaceExhausted)
}

// RemoveTerminal destroys the context of rnti. Removing an anchor context
// also releases the terminal's secondary contexts.
func (c *Controller) RemoveTerminal(rnti model.RNTI) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d rnti %d: %w", c.id, rnti, ErrUnknownRnti)
	}
	if m, ok := c.registry.Mobility(tc.IMSI()); ok && tc.Role() == rrc.RoleAnchor {
		ctx := context.Background()
		for _, link := range model.SecondaryLinks {
			ls := m.Links[link]
			if ls == nil || ls.Cell == 0 {
				continue
			}
			rel := x2.UeContextRelease{IMSI: tc.IMSI(), SourceRNTI: ls.RNTI, TargetRNTI: rnti}
			if err := c.x2.SendContextRelease(ctx, ls.Cell, rel); err != nil {
				c.log.Warn(ctx, "secondary release not sent", logging.Target(uint16(ls.Cell)), logging.Err(err))
			}
		}
	}
	tc.Release()
	return nil
}

// Context returns the context of rnti.
func (c *Controller) Context(rnti model.RNTI) (*rrc.TerminalContext, bool) {
	tc, ok := c.contexts[rnti]
	return tc, ok
}

// ContextFor returns the context of imsi on this cell.
func (c *Controller) ContextFor(imsi model.IMSI) (*rrc.TerminalContext, bool) {
	rnti, ok := c.registry.RNTI(imsi)
	if !ok {
		return nil, false
	}
	return c.Context(rnti)
}

// Contexts returns the live contexts in RNTI order.
func (c *Controller) Contexts() []*rrc.TerminalContext {
	out := make([]*rrc.TerminalContext, 0, len(c.contexts))
	for _, tc := range c.contexts {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RNTI() < out[j].RNTI() })
	return out
}

// LinkState returns a copy of the anchor's view of (imsi, link).
func (c *Controller) LinkState(imsi model.IMSI, link model.Link) (LinkState, bool) {
	m, ok := c.registry.Mobility(imsi)
	if !ok {
		return LinkState{}, false
	}
	ls, ok := m.Links[link]
	if !ok {
		return LinkState{}, false
	}
	out := *ls
	out.blocked = nil
	if ls.Pending != nil {
		p := *ls.Pending
		out.Pending = &p
	}
	return out, true
}

// PreamblesInUse returns the number of dedicated preambles allocated.
func (c *Controller) PreamblesInUse() int { return c.preambles.InUse() }

// OnRrcMessage handles a device message received on rnti.
func (c *Controller) OnRrcMessage(rnti model.RNTI, msg rrc.Message) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d %s from rnti %d: %w", c.id, msg.MessageName(), rnti, ErrUnknownRnti)
	}
	switch m := msg.(type) {
	case rrc.ConnectionRequest:
		return c.connectionRequest(tc, m.IMSI)
	case rrc.ConnectionSetupComplete:
		return tc.SetupComplete()
	case rrc.ReconfigurationComplete:
		if err := tc.ReconfigurationComplete(); err != nil {
			return err
		}
		// The device reached the cell, so its dedicated preamble is spent.
		if p, ok := tc.TakePreamble(); ok {
			c.preambles.Release(p)
		}
		return nil
	case rrc.MeasurementReport:
		cells := make([]model.CellID, 0, len(m.Results))
		for cell := range m.Results {
			cells = append(cells, cell)
		}
		sort.Slice(cells, func(i, j int) bool { return cells[i] < cells[j] })
		for _, cell := range cells {
			c.OnSinrReport(tc.IMSI(), cell, m.Results[cell])
		}
		return nil
	case rrc.ReestablishmentRequest:
		return tc.ReestablishmentRequest()
	case rrc.ReestablishmentComplete:
		return tc.ReestablishmentComplete()
	default:
		return fmt.Errorf("cell %d: unsupported rrc message %T", c.id, msg)
	}
}

func (c *Controller) connectionRequest(tc *rrc.TerminalContext, imsi model.IMSI) error {
	// A device reconnecting from scratch replaces its old context.
	if old, ok := c.registry.RNTI(imsi); ok && old != tc.RNTI() {
		if prev, ok := c.contexts[old]; ok {
			prev.Release()
		}
	}
	admitted := c.info.Kind == model.CellKindAnchor && c.admission.AdmitConnection(c.id, imsi)
	if err := tc.ConnectionRequest(imsi, admitted); err != nil {
		return err
	}
	c.registry.Bind(imsi, tc.RNTI())
	c.registry.Anchor(imsi, c.id, tc.RNTI())
	return nil
}

// OnBearerSetupRequest admits a bearer on the anchor context of rnti and
// extends the terminal's secondary contexts with it.
func (c *Controller) OnBearerSetupRequest(rnti model.RNTI, spec model.BearerSpec) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d bearer setup on rnti %d: %w", c.id, rnti, ErrUnknownRnti)
	}
	if err := tc.AddBearer(spec); err != nil {
		return err
	}
	c.syncSecondaryBearers(tc)
	return nil
}

// OnBearerReleaseRequest drops a bearer from rnti and its secondary contexts.
func (c *Controller) OnBearerReleaseRequest(rnti model.RNTI, id model.BearerID) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d bearer release on rnti %d: %w", c.id, rnti, ErrUnknownRnti)
	}
	if err := tc.ReleaseBearer(id); err != nil {
		return err
	}
	c.syncSecondaryBearers(tc)
	return nil
}

func (c *Controller) syncSecondaryBearers(tc *rrc.TerminalContext) {
	m, ok := c.registry.Mobility(tc.IMSI())
	if !ok {
		return
	}
	c.announceAnchor(context.Background(), tc, m)
}

// announceAnchor sends the anchor's identity and bearer set to every live
// secondary of the terminal.
func (c *Controller) announceAnchor(ctx context.Context, tc *rrc.TerminalContext, m *Mobility) {
	for _, link := range model.SecondaryLinks {
		ls := m.Links[link]
		if ls == nil || ls.Cell == 0 {
			continue
		}
		req := x2.RlcSetupRequest{
			IMSI:          m.IMSI,
			SecondaryCell: ls.Cell,
			SecondaryRNTI: ls.RNTI,
			AnchorCell:    c.id,
			Link:          link,
			Bearers:       tc.BearerSpecs(),
		}
		if err := c.x2.SendRlcSetupRequest(ctx, ls.Cell, req); err != nil {
			c.log.Warn(ctx, "rlc setup request not sent", logging.Target(uint16(ls.Cell)), logging.Err(err))
		}
	}
}

// OnPathSwitchAck completes an anchor handover once the core network moved
// the terminal's downlink tunnel to this cell.
func (c *Controller) OnPathSwitchAck(imsi model.IMSI) error {
	tc, ok := c.ContextFor(imsi)
	if !ok {
		return fmt.Errorf("cell %d path switch ack for imsi %d: %w", c.id, imsi, ErrUnknownTerminal)
	}
	ctx := logging.ContextWithProcedureID(context.Background(), tc.ProcedureID())
	if err := tc.PathSwitchAck(); err != nil {
		return err
	}
	c.metrics.IncHandover(model.LinkAnchor.String(), StageCompleted)
	c.log.Info(ctx, "anchor handover completed", logging.IMSI(uint64(imsi)), logging.RNTI(uint16(tc.RNTI())))

	if m, ok := c.registry.Mobility(imsi); ok {
		c.announceAnchor(ctx, tc, m)
		c.refreshDataPath(ctx, m)
		c.evaluateTerminal(imsi)
	}
	return nil
}

// OnDownlinkData queues data arriving from the core for imsi. The anchor
// assigns the sequence number and forwards the unit when the terminal's data
// path runs through another cell.
func (c *Controller) OnDownlinkData(imsi model.IMSI, bearer model.BearerID, payload []byte) error {
	tc, ok := c.ContextFor(imsi)
	if !ok {
		return fmt.Errorf("cell %d downlink for imsi %d: %w", c.id, imsi, ErrUnknownTerminal)
	}
	_, err := tc.Deliver(context.Background(), bearer, payload)
	return err
}

// OnTransmitOpportunity lets rnti send up to n units and returns how many
// were handed to the MAC.
func (c *Controller) OnTransmitOpportunity(rnti model.RNTI, n int) int {
	tc, ok := c.contexts[rnti]
	if !ok {
		return 0
	}
	return tc.TransmitOpportunity(n)
}

// OnDeliveryAck acknowledges units up to sn on a bearer of rnti.
func (c *Controller) OnDeliveryAck(rnti model.RNTI, bearer model.BearerID, sn uint32) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d ack on rnti %d: %w", c.id, rnti, ErrUnknownRnti)
	}
	return tc.Ack(bearer, sn)
}

// OnDeliveryNack schedules a retransmission of sn on a bearer of rnti.
func (c *Controller) OnDeliveryNack(rnti model.RNTI, bearer model.BearerID, sn uint32) error {
	tc, ok := c.contexts[rnti]
	if !ok {
		return fmt.Errorf("cell %d nack on rnti %d: %w", c.id, rnti, ErrUnknownRnti)
	}
	return tc.Nack(bearer, sn)
}

func (c *Controller) label() string { return strconv.Itoa(int(c.id)) }

func (c *Controller) fail(err error) {
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

// observer adapts the controller to rrc.Observer without widening its API.
type observer struct{ c *Controller }

func (o observer) ContextStateChanged(_ *rrc.TerminalContext, from, to rrc.State) {
	o.c.metrics.ObserveStateTransition(from.String(), to.String())
}

func (o observer) ContextTimedOut(tc *rrc.TerminalContext, err *rrc.TimeoutError) {
	c := o.c
	c.metrics.IncTimeout(err.Timer.String(), err.Fatal)
	c.fail(err)
	if err.Timer == rrc.TimerHandoverPreparation {
		c.preparationFailed(tc, err.Target, "preparation timeout")
	}
}

func (o observer) ContextDestroyed(tc *rrc.TerminalContext, cause rrc.ReleaseCause) {
	c := o.c
	if cur, ok := c.contexts[tc.RNTI()]; ok && cur == tc {
		delete(c.contexts, tc.RNTI())
	}
	if imsi, ok := c.registry.IMSI(tc.RNTI()); ok && imsi == tc.IMSI() {
		c.registry.Unbind(tc.RNTI())
	}
	if p, ok := tc.TakePreamble(); ok {
		c.preambles.Release(p)
	}
	c.metrics.SetContexts(c.label(), len(c.contexts))

	switch tc.Role() {
	case rrc.RoleAnchor:
		if m, ok := c.registry.Mobility(tc.IMSI()); ok && m.Links[model.LinkAnchor].RNTI == tc.RNTI() {
			c.dropMobility(m)
		}
	case rrc.RoleSecondary:
		if cause == rrc.CauseTimeout {
			ctx := context.Background()
			lost := x2.HandoverFailed{
				IMSI:       tc.IMSI(),
				SourceCell: c.id,
				Link:       tc.Link(),
				Cause:      "secondary context lost",
			}
			if err := c.x2.SendHandoverFailed(ctx, tc.AnchorCell(), lost); err != nil {
				c.log.Warn(ctx, "context loss not reported", logging.Target(uint16(tc.AnchorCell())), logging.Err(err))
			}
		}
	}
}

func (o observer) UnitsForwarded(_ *rrc.TerminalContext, _ model.CellID, n int) {
	o.c.metrics.AddForwardedUnits(n)
}
