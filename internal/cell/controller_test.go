package cell

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/decision"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

type stageCounter struct {
	stages    map[string]int
	timeouts  int
	forwarded int
}

func newStageCounter() *stageCounter { return &stageCounter{stages: map[string]int{}} }

func (s *stageCounter) ObserveStateTransition(string, string)      {}
func (s *stageCounter) IncHandover(link, stage string)             { s.stages[link+"/"+stage]++ }
func (s *stageCounter) ObserveTimeToTrigger(string, time.Duration) {}
func (s *stageCounter) IncFallback(string, bool)                   {}
func (s *stageCounter) IncTimeout(string, bool)                    { s.timeouts++ }
func (s *stageCounter) AddForwardedUnits(n int)                    { s.forwarded += n }
func (s *stageCounter) SetContexts(string, int)                    {}

// testNet wires controllers over an in-memory bus and plays the device and
// the core network: every command is answered 1ms later.
type testNet struct {
	t        *testing.T
	sched    *sched.FakeEventScheduler
	bus      *x2.InMemoryBus
	topo     *Topology
	ctrls    map[model.CellID]*Controller
	metrics  *stageCounter
	failures []error
	cmds     []rrc.Command
	tracer   trace.Tracer
}

func newTestNet(t *testing.T, cells ...Info) *testNet {
	t.Helper()
	topo, err := NewTopology(cells...)
	if err != nil {
		t.Fatalf("NewTopology: %v", err)
	}
	s := sched.NewFakeEventScheduler(time.Unix(0, 0))
	return &testNet{
		t:       t,
		sched:   s,
		bus:     x2.NewInMemoryBus(s, x2.WithLatency(time.Millisecond)),
		topo:    topo,
		ctrls:   map[model.CellID]*Controller{},
		metrics: newStageCounter(),
	}
}

func (n *testNet) start(id model.CellID, cfg Config) *Controller {
	n.t.Helper()
	opts := []Option{
		WithConfig(cfg),
		WithRrcSender(n),
		WithCoreNetwork(n),
		WithMetricsRecorder(n.metrics),
		WithFailureHandler(func(err error) { n.failures = append(n.failures, err) }),
	}
	if n.tracer != nil {
		opts = append(opts, WithTracer(n.tracer))
	}
	c, err := New(id, n.topo, n.sched, n.bus, opts...)
	if err != nil {
		n.t.Fatalf("New(%d): %v", id, err)
	}
	n.ctrls[id] = c
	return c
}

func (n *testNet) reply(cell model.CellID, rnti model.RNTI, msg rrc.Message) {
	sched.After(n.sched, time.Millisecond, func() {
		if c, ok := n.ctrls[cell]; ok {
			_ = c.OnRrcMessage(rnti, msg)
		}
	})
}

func (n *testNet) SendRrcCommand(cell model.CellID, rnti model.RNTI, cmd rrc.Command) {
	n.cmds = append(n.cmds, cmd)
	switch c := cmd.(type) {
	case rrc.ConnectionSetupCmd:
		n.reply(cell, rnti, rrc.ConnectionSetupComplete{})
	case rrc.ReconfigurationCmd:
		if c.Handover != nil {
			n.reply(c.Handover.TargetCell, c.Handover.TargetRNTI, rrc.ReconfigurationComplete{})
		} else {
			n.reply(cell, rnti, rrc.ReconfigurationComplete{})
		}
	case rrc.ConnectToSecondaryCmd:
		n.reply(c.Cell, c.RNTI, rrc.ReconfigurationComplete{})
	}
}

func (n *testNet) RequestPathSwitch(imsi model.IMSI, cell model.CellID, _ model.RNTI) {
	sched.After(n.sched, time.Millisecond, func() {
		if err := n.ctrls[cell].OnPathSwitchAck(imsi); err != nil {
			n.t.Errorf("OnPathSwitchAck: %v", err)
		}
	})
}

func (n *testNet) connect(anchor model.CellID, imsi model.IMSI) model.RNTI {
	n.t.Helper()
	c := n.ctrls[anchor]
	rnti, err := c.AddTerminal()
	if err != nil {
		n.t.Fatalf("AddTerminal: %v", err)
	}
	if err := c.OnRrcMessage(rnti, rrc.ConnectionRequest{IMSI: imsi}); err != nil {
		n.t.Fatalf("ConnectionRequest: %v", err)
	}
	n.sched.Advance(2 * time.Millisecond)
	tc, _ := c.Context(rnti)
	if tc.State() != rrc.ConnectedNormally {
		n.t.Fatalf("terminal not connected: %s", tc.State())
	}
	return rnti
}

// activeOn counts live contexts of imsi on cells serving link.
func (n *testNet) activeOn(imsi model.IMSI, link model.Link) int {
	count := 0
	for id, c := range n.ctrls {
		if !n.topo.Serves(id, link) {
			continue
		}
		if tc, ok := c.ContextFor(imsi); ok && tc.State().Active() {
			count++
		}
	}
	return count
}

func anchorCell(id model.CellID) Info { return Info{ID: id, Kind: model.CellKindAnchor} }

func secondaryCell(id model.CellID, link model.Link) Info {
	return Info{ID: id, Kind: model.CellKindSecondary, Link: link}
}

func TestAddTerminalAllocatesUniqueIdsUntilExhausted(t *testing.T) {
	n := newTestNet(t, anchorCell(1))
	cfg := DefaultConfig()
	cfg.MaxRNTI = 4
	cfg.Timeouts.ConnectionRequest = 0
	c := n.start(1, cfg)

	seen := map[model.RNTI]bool{}
	for i := 0; i < 4; i++ {
		rnti, err := c.AddTerminal()
		if err != nil {
			t.Fatalf("AddTerminal %d: %v", i, err)
		}
		if rnti == 0 || seen[rnti] {
			t.Fatalf("AddTerminal returned %d, seen %v", rnti, seen)
		}
		seen[rnti] = true
	}
	if _, err := c.AddTerminal(); !errors.Is(err, ErrIdSpaceExhausted) {
		t.Fatalf("AddTerminal on full cell err = %v", err)
	}
	if err := c.RemoveTerminal(2); err != nil {
		t.Fatalf("RemoveTerminal: %v", err)
	}
	rnti, err := c.AddTerminal()
	if err != nil || rnti != 2 {
		t.Fatalf("AddTerminal after removal = %d, %v", rnti, err)
	}
	if err := c.RemoveTerminal(9); !errors.Is(err, ErrUnknownRnti) {
		t.Fatalf("RemoveTerminal unknown err = %v", err)
	}
}

func TestSecondaryCellRejectsConnections(t *testing.T) {
	n := newTestNet(t, anchorCell(1), secondaryCell(11, model.LinkSecondaryA))
	c := n.start(11, DefaultConfig())
	rnti, err := c.AddTerminal()
	if err != nil {
		t.Fatalf("AddTerminal: %v", err)
	}
	err = c.OnRrcMessage(rnti, rrc.ConnectionRequest{IMSI: 1})
	if !errors.Is(err, rrc.ErrAdmissionRejected) {
		t.Fatalf("ConnectionRequest err = %v", err)
	}
	n.sched.Advance(DefaultConfig().Timeouts.ConnectionRejected)
	if _, ok := c.Context(rnti); ok {
		t.Fatalf("rejected context still present")
	}
}

func TestUnknownRntiErrors(t *testing.T) {
	n := newTestNet(t, anchorCell(1))
	c := n.start(1, DefaultConfig())
	if err := c.OnRrcMessage(3, rrc.ConnectionSetupComplete{}); !errors.Is(err, ErrUnknownRnti) {
		t.Fatalf("OnRrcMessage err = %v", err)
	}
	if err := c.OnBearerSetupRequest(3, model.BearerSpec{ID: 1}); !errors.Is(err, ErrUnknownRnti) {
		t.Fatalf("OnBearerSetupRequest err = %v", err)
	}
	if err := c.OnDownlinkData(99, 1, nil); !errors.Is(err, ErrUnknownTerminal) {
		t.Fatalf("OnDownlinkData err = %v", err)
	}
}

func attach(t *testing.T, n *testNet, imsi model.IMSI, cell model.CellID, value float64) {
	t.Helper()
	n.ctrls[1].OnSinrReport(imsi, cell, value)
	n.sched.Advance(10 * time.Millisecond)
	ls, ok := n.ctrls[1].LinkState(imsi, model.LinkSecondaryA)
	if !ok || ls.Cell != cell || ls.InProgress {
		t.Fatalf("secondary attach to %d: %+v", cell, ls)
	}
}

func TestSecondaryScheduleThenReplaceScenario(t *testing.T) {
	n := newTestNet(t,
		anchorCell(1),
		secondaryCell(11, model.LinkSecondaryA),
		secondaryCell(12, model.LinkSecondaryA),
		secondaryCell(13, model.LinkSecondaryA),
	)
	for _, id := range []model.CellID{1, 11, 12, 13} {
		n.start(id, DefaultConfig())
	}
	const imsi = 42
	n.connect(1, imsi)
	attach(t, n, imsi, 11, 8)
	if got := n.activeOn(imsi, model.LinkSecondaryA); got != 1 {
		t.Fatalf("active secondary contexts = %d", got)
	}

	anchor := n.ctrls[1]
	params := decision.DefaultParams()
	now := n.sched.Now()
	anchor.OnSinrReport(imsi, 12, 14)
	ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA)
	if ls.Pending == nil || ls.Pending.Target != 12 {
		t.Fatalf("pending after B=14: %+v", ls.Pending)
	}
	if want := now.Add(127 * time.Millisecond); !ls.Pending.FireAt.Equal(want) {
		t.Fatalf("fire at %v, want %v", ls.Pending.FireAt.Sub(now), want.Sub(now))
	}

	n.sched.Advance(10 * time.Millisecond)
	now = n.sched.Now()
	anchor.OnSinrReport(imsi, 13, 20)
	ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA)
	if ls.Pending == nil || ls.Pending.Target != 13 {
		t.Fatalf("pending after C=20: %+v", ls.Pending)
	}
	if want := now.Add(params.ComputeTTT(12)); !ls.Pending.FireAt.Equal(want) {
		t.Fatalf("replacement fires at +%v, want +%v", ls.Pending.FireAt.Sub(now), params.ComputeTTT(12))
	}

	n.sched.Advance(params.ComputeTTT(12))
	ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA)
	if !ls.InProgress || ls.Target != 13 {
		t.Fatalf("handover not started: %+v", ls)
	}
	n.sched.Advance(20 * time.Millisecond)

	ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA)
	if ls.Cell != 13 || ls.InProgress || ls.OnFallback {
		t.Fatalf("after handover: %+v", ls)
	}
	if _, ok := n.ctrls[11].ContextFor(imsi); ok {
		t.Fatalf("old secondary still holds a context")
	}
	if _, ok := n.ctrls[12].ContextFor(imsi); ok {
		t.Fatalf("cancelled target holds a context")
	}
	tc, ok := n.ctrls[13].ContextFor(imsi)
	if !ok || tc.State() != rrc.ConnectedNormally || tc.AnchorCell() != 1 {
		t.Fatalf("new secondary context missing or not connected")
	}
	if got := n.activeOn(imsi, model.LinkSecondaryA); got != 1 {
		t.Fatalf("active secondary contexts = %d", got)
	}
	if n.ctrls[13].PreamblesInUse() != 0 || n.ctrls[11].PreamblesInUse() != 0 {
		t.Fatalf("preambles leaked")
	}
	if n.metrics.stages["secondary-a/attached"] != 1 || n.metrics.stages["secondary-a/completed"] != 1 {
		t.Fatalf("stages = %v", n.metrics.stages)
	}
}

func TestSecondaryHandoverKeepsForwardedData(t *testing.T) {
	n := newTestNet(t,
		anchorCell(1),
		secondaryCell(11, model.LinkSecondaryA),
		secondaryCell(12, model.LinkSecondaryA),
	)
	for _, id := range []model.CellID{1, 11, 12} {
		n.start(id, DefaultConfig())
	}
	const imsi = 42
	anchor := n.ctrls[1]
	rnti := n.connect(1, imsi)
	if err := anchor.OnBearerSetupRequest(rnti, model.BearerSpec{ID: 1, Mode: model.Reliable}); err != nil {
		t.Fatalf("OnBearerSetupRequest: %v", err)
	}
	n.sched.Advance(2 * time.Millisecond)
	attach(t, n, imsi, 11, 8)

	// Downlink keeps arriving while the secondary moves; nothing is sent over
	// the radio, so every unit must end up buffered somewhere.
	const units = 400
	for i := 0; i < units; i++ {
		sched.After(n.sched, time.Duration(i)*250*time.Microsecond, func() {
			if err := anchor.OnDownlinkData(imsi, 1, []byte{byte(i)}); err != nil {
				t.Errorf("OnDownlinkData %d: %v", i, err)
			}
		})
	}
	anchor.OnSinrReport(imsi, 12, 30)
	n.sched.Advance(150 * time.Millisecond)

	ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA)
	if ls.Cell != 12 || ls.InProgress {
		t.Fatalf("secondary-a link = %+v", ls)
	}
	if _, ok := n.ctrls[11].ContextFor(imsi); ok {
		t.Fatalf("previous secondary still holds a context")
	}
	atc, _ := anchor.ContextFor(imsi)
	if atc.ForwardTo() != 12 {
		t.Fatalf("anchor forwards to %d", atc.ForwardTo())
	}
	held := 0
	for _, c := range n.ctrls {
		if tc, ok := c.ContextFor(imsi); ok {
			held += tc.BufferedUnits()
		}
	}
	if held != units {
		t.Fatalf("buffered %d units across cells, want %d", held, units)
	}
	stc, _ := n.ctrls[12].ContextFor(imsi)
	if stc.BufferedUnits() != units {
		t.Fatalf("new secondary holds %d units", stc.BufferedUnits())
	}
	if n.metrics.stages["secondary-a/completed"] != 1 {
		t.Fatalf("stages = %v", n.metrics.stages)
	}
}

func TestAnchorHandoverMovesContextAndData(t *testing.T) {
	n := newTestNet(t, anchorCell(1), anchorCell(2))
	src := n.start(1, DefaultConfig())
	dst := n.start(2, DefaultConfig())
	const imsi = 7
	rnti := n.connect(1, imsi)
	if err := src.OnBearerSetupRequest(rnti, model.BearerSpec{ID: 1, Mode: model.Reliable}); err != nil {
		t.Fatalf("OnBearerSetupRequest: %v", err)
	}
	n.sched.Advance(2 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := src.OnDownlinkData(imsi, 1, []byte{byte(i)}); err != nil {
			t.Fatalf("OnDownlinkData: %v", err)
		}
	}

	src.OnSinrReport(imsi, 1, 0)
	src.OnSinrReport(imsi, 2, 20)
	ls, _ := src.LinkState(imsi, model.LinkAnchor)
	if ls.Pending == nil || ls.Pending.Target != 2 {
		t.Fatalf("anchor handover not scheduled: %+v", ls)
	}
	n.sched.Advance(100 * time.Millisecond)

	if _, ok := src.ContextFor(imsi); ok {
		t.Fatalf("source context survived the handover")
	}
	if _, ok := src.LinkState(imsi, model.LinkAnchor); ok {
		t.Fatalf("source kept the mobility record")
	}
	if _, ok := src.sinr.Value(imsi, 2); ok {
		t.Fatalf("source kept sinr samples of a departed terminal")
	}
	tc, ok := dst.ContextFor(imsi)
	if !ok || tc.State() != rrc.ConnectedNormally || tc.Role() != rrc.RoleAnchor {
		t.Fatalf("target context missing or not connected")
	}
	ls, ok = dst.LinkState(imsi, model.LinkAnchor)
	if !ok || ls.Cell != 2 || ls.RNTI != tc.RNTI() {
		t.Fatalf("target mobility record = %+v", ls)
	}
	if sent := dst.OnTransmitOpportunity(tc.RNTI(), 10); sent != 3 {
		t.Fatalf("target transmitted %d forwarded units, want 3", sent)
	}
	if dst.PreamblesInUse() != 0 {
		t.Fatalf("preamble not released")
	}
	if n.metrics.stages["anchor/completed"] != 1 || n.metrics.forwarded != 3 {
		t.Fatalf("stages %v forwarded %d", n.metrics.stages, n.metrics.forwarded)
	}
}

type blackhole struct{ got int }

func (b *blackhole) OnInterControllerMessage(context.Context, x2.Message) { b.got++ }

func TestPreparationTimeoutRevertsAndBacksOffTarget(t *testing.T) {
	n := newTestNet(t, anchorCell(1), anchorCell(2))
	hole := &blackhole{}
	if err := n.bus.Register(2, hole); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cfg := DefaultConfig()
	c := n.start(1, cfg)
	const imsi = 9
	n.connect(1, imsi)

	c.OnSinrReport(imsi, 1, 0)
	c.OnSinrReport(imsi, 2, 10)
	ls, _ := c.LinkState(imsi, model.LinkAnchor)
	if ls.Pending == nil {
		t.Fatalf("no event scheduled")
	}
	n.sched.AdvanceTo(ls.Pending.FireAt)
	tc, _ := c.ContextFor(imsi)
	if tc.State() != rrc.HandoverPreparation {
		t.Fatalf("state after fire = %s", tc.State())
	}

	n.sched.Advance(cfg.Timeouts.HandoverPreparation)
	if tc.State() != rrc.ConnectedNormally {
		t.Fatalf("state after preparation timeout = %s", tc.State())
	}
	ls, _ = c.LinkState(imsi, model.LinkAnchor)
	if ls.InProgress {
		t.Fatalf("anchor link still in progress")
	}
	var te *rrc.TimeoutError
	if len(n.failures) != 1 || !errors.As(n.failures[0], &te) || te.Fatal {
		t.Fatalf("failures = %v", n.failures)
	}

	c.OnSinrReport(imsi, 2, 10)
	if ls, _ = c.LinkState(imsi, model.LinkAnchor); ls.Pending != nil {
		t.Fatalf("blocked target rescheduled: %+v", ls.Pending)
	}
	n.sched.Advance(cfg.FailureBackoff)
	c.OnSinrReport(imsi, 2, 10)
	if ls, _ = c.LinkState(imsi, model.LinkAnchor); ls.Pending == nil || ls.Pending.Target != 2 {
		t.Fatalf("target not retried after backoff: %+v", ls.Pending)
	}
}

func TestFallbackAndRecoveryToSameSecondary(t *testing.T) {
	n := newTestNet(t, anchorCell(1), secondaryCell(11, model.LinkSecondaryA))
	anchor := n.start(1, DefaultConfig())
	sec := n.start(11, DefaultConfig())
	const imsi = 5
	n.connect(1, imsi)
	attach(t, n, imsi, 11, 8)

	atc, _ := anchor.ContextFor(imsi)
	stc, _ := sec.ContextFor(imsi)
	if atc.ForwardTo() != 11 || stc.ForwardTo() != 0 {
		t.Fatalf("data path before outage: anchor->%d secondary->%d", atc.ForwardTo(), stc.ForwardTo())
	}

	anchor.OnSinrReport(imsi, 11, -8)
	n.sched.Advance(2 * time.Millisecond)
	ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA)
	if !ls.OnFallback || ls.Cell != 11 {
		t.Fatalf("after outage: %+v", ls)
	}
	if atc.ForwardTo() != 0 || stc.ForwardTo() != 1 {
		t.Fatalf("data path on fallback: anchor->%d secondary->%d", atc.ForwardTo(), stc.ForwardTo())
	}
	if stc.State() != rrc.ConnectedNormally {
		t.Fatalf("secondary context changed state on fallback: %s", stc.State())
	}

	anchor.OnSinrReport(imsi, 11, -4)
	if ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA); !ls.OnFallback {
		t.Fatalf("recovered inside the margin")
	}
	anchor.OnSinrReport(imsi, 11, -2)
	n.sched.Advance(2 * time.Millisecond)
	if ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA); ls.OnFallback {
		t.Fatalf("still on fallback after recovery")
	}
	if atc.ForwardTo() != 11 || stc.ForwardTo() != 0 {
		t.Fatalf("data path after recovery: anchor->%d secondary->%d", atc.ForwardTo(), stc.ForwardTo())
	}
}

func TestFallbackWhileAnchorReconfigures(t *testing.T) {
	n := newTestNet(t,
		anchorCell(1),
		secondaryCell(11, model.LinkSecondaryA),
		secondaryCell(12, model.LinkSecondaryA),
	)
	anchor := n.start(1, DefaultConfig())
	n.start(11, DefaultConfig())
	n.start(12, DefaultConfig())
	const imsi = 5
	rnti := n.connect(1, imsi)
	attach(t, n, imsi, 11, 8)

	// The device answers the bearer reconfiguration 1ms later; until then
	// the anchor context is busy.
	if err := anchor.OnBearerSetupRequest(rnti, model.BearerSpec{ID: 1, Mode: model.Reliable}); err != nil {
		t.Fatalf("OnBearerSetupRequest: %v", err)
	}
	atc, _ := anchor.ContextFor(imsi)
	if atc.State() != rrc.ConnectionReconfiguration {
		t.Fatalf("anchor state = %s", atc.State())
	}

	anchor.OnSinrReport(imsi, 12, 20)
	if ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA); ls.Pending != nil {
		t.Fatalf("handover scheduled while the anchor reconfigures: %+v", ls.Pending)
	}

	anchor.OnSinrReport(imsi, 12, -9)
	anchor.OnSinrReport(imsi, 11, -8)
	ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA)
	if !ls.OnFallback || ls.Cell != 11 {
		t.Fatalf("outage ignored while the anchor reconfigures: %+v", ls)
	}
	if atc.ForwardTo() != 0 {
		t.Fatalf("anchor still forwards to %d", atc.ForwardTo())
	}
	cmd, ok := n.cmds[len(n.cmds)-1].(rrc.SwitchConnectionCmd)
	if !ok || cmd.UseSecondary || cmd.Link != model.LinkSecondaryA {
		t.Fatalf("last command = %#v", n.cmds[len(n.cmds)-1])
	}

	n.sched.Advance(2 * time.Millisecond)
	if atc.State() != rrc.ConnectedNormally {
		t.Fatalf("anchor state after reconfiguration = %s", atc.State())
	}
}

func TestAttachRefusedWithoutPreambles(t *testing.T) {
	n := newTestNet(t, anchorCell(1), secondaryCell(11, model.LinkSecondaryA))
	anchor := n.start(1, DefaultConfig())
	cfg := DefaultConfig()
	cfg.Preambles = 0
	sec := n.start(11, cfg)
	const imsi = 3
	n.connect(1, imsi)

	anchor.OnSinrReport(imsi, 11, 8)
	n.sched.Advance(5 * time.Millisecond)
	ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA)
	if ls.InProgress || ls.Cell != 0 {
		t.Fatalf("after refused attach: %+v", ls)
	}
	if _, ok := sec.ContextFor(imsi); ok {
		t.Fatalf("refusing cell created a context")
	}
	if n.metrics.stages["secondary-a/refused"] != 1 || n.metrics.stages["secondary-a/failed"] != 1 {
		t.Fatalf("stages = %v", n.metrics.stages)
	}
	// The refusing cell is backed off.
	anchor.OnSinrReport(imsi, 11, 9)
	if ls, _ = anchor.LinkState(imsi, model.LinkSecondaryA); ls.InProgress {
		t.Fatalf("blocked target retried immediately")
	}
}

func TestPeriodicEvaluationWaitsForTick(t *testing.T) {
	n := newTestNet(t, anchorCell(1), secondaryCell(11, model.LinkSecondaryA))
	cfg := DefaultConfig()
	cfg.Evaluation = EvaluatePeriodic
	anchor := n.start(1, cfg)
	n.start(11, DefaultConfig())
	const imsi = 8
	n.connect(1, imsi)
	anchor.Start()
	defer anchor.Stop()

	anchor.OnSinrReport(imsi, 11, 8)
	if ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA); ls.InProgress {
		t.Fatalf("evaluated before the tick")
	}
	n.sched.Advance(cfg.Period)
	if ls, _ := anchor.LinkState(imsi, model.LinkSecondaryA); !ls.InProgress || ls.Target != 11 {
		t.Fatalf("tick did not start the attach: %+v", ls)
	}
}

func TestRemoveAnchorReleasesSecondaries(t *testing.T) {
	n := newTestNet(t, anchorCell(1), secondaryCell(11, model.LinkSecondaryA))
	anchor := n.start(1, DefaultConfig())
	sec := n.start(11, DefaultConfig())
	const imsi = 6
	rnti := n.connect(1, imsi)
	attach(t, n, imsi, 11, 8)

	if err := anchor.RemoveTerminal(rnti); err != nil {
		t.Fatalf("RemoveTerminal: %v", err)
	}
	n.sched.Advance(2 * time.Millisecond)
	if _, ok := sec.ContextFor(imsi); ok {
		t.Fatalf("secondary context outlived its anchor")
	}
	if _, ok := anchor.LinkState(imsi, model.LinkAnchor); ok {
		t.Fatalf("mobility record outlived the anchor context")
	}
	if row := anchor.sinr.Row(imsi, nil); len(row) != 0 {
		t.Fatalf("sinr samples outlived the terminal: %v", row)
	}
}

func TestNewTopologyValidation(t *testing.T) {
	cases := []struct {
		name  string
		cells []Info
	}{
		{"zero id", []Info{{ID: 0, Kind: model.CellKindAnchor}}},
		{"duplicate", []Info{anchorCell(1), anchorCell(1)}},
		{"secondary on anchor link", []Info{{ID: 4, Kind: model.CellKindSecondary, Link: model.LinkAnchor}}},
	}
	for _, tc := range cases {
		if _, err := NewTopology(tc.cells...); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
