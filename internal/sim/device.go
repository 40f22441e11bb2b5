package sim

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/rrc"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

// airDelay is the time a device takes to answer an RRC command.
const airDelay = time.Millisecond

// device plays the terminal side of RRC: it answers every command after
// airDelay and remembers which contexts serve it.
type device struct {
	r        *Runtime
	imsi     model.IMSI
	home     model.CellID
	at       time.Duration
	bearers  []model.BearerSpec
	anchor   model.CellRef
	links    map[model.Link]model.CellRef
	onAnchor map[model.Link]bool

	attached  bool
	rejects   int
	handovers int
}

func newDevice(r *Runtime, t scenario.Terminal) *device {
	return &device{
		r:        r,
		imsi:     model.IMSI(t.IMSI),
		home:     model.CellID(t.Anchor),
		at:       t.AttachAt.Std(),
		bearers:  t.BearerSpecs(),
		links:    make(map[model.Link]model.CellRef),
		onAnchor: make(map[model.Link]bool),
	}
}

func (d *device) attachAt() time.Duration { return d.at }

// attach starts random access on the home cell.
func (d *device) attach() {
	ctx := context.Background()
	c := d.r.ctrls[d.home]
	rnti, err := c.AddTerminal()
	if err != nil {
		d.r.log.Warn(ctx, "random access failed", logging.IMSI(uint64(d.imsi)), logging.Err(err))
		return
	}
	d.anchor = model.CellRef{Cell: d.home, RNTI: rnti}
	if err := c.OnRrcMessage(rnti, rrc.ConnectionRequest{IMSI: d.imsi}); err != nil && !errors.Is(err, rrc.ErrAdmissionRejected) {
		d.r.log.Warn(ctx, "connection request failed", logging.IMSI(uint64(d.imsi)), logging.Err(err))
	}
}

func (d *device) send(to model.CellRef, msg rrc.Message) {
	sched.After(d.r.sched, airDelay, func() {
		c, ok := d.r.ctrls[to.Cell]
		if !ok {
			return
		}
		if err := c.OnRrcMessage(to.RNTI, msg); err != nil {
			d.r.log.Debug(context.Background(), "device message refused",
				logging.IMSI(uint64(d.imsi)),
				logging.Cell(uint16(to.Cell)),
				logging.String("message", msg.MessageName()),
				logging.Err(err),
			)
		}
	})
}

// setupBearers asks the anchor for the scenario's bearers once connected.
func (d *device) setupBearers() {
	sched.After(d.r.sched, airDelay, func() {
		c, ok := d.r.ctrls[d.anchor.Cell]
		if !ok {
			return
		}
		for _, spec := range d.bearers {
			if err := c.OnBearerSetupRequest(d.anchor.RNTI, spec); err != nil {
				d.r.log.Warn(context.Background(), "bearer setup failed",
					logging.IMSI(uint64(d.imsi)), logging.Int("bearer", int(spec.ID)), logging.Err(err))
			}
		}
	})
}

func (d *device) handle(from model.CellRef, cmd rrc.Command) {
	switch c := cmd.(type) {
	case rrc.ConnectionSetupCmd:
		d.anchor = model.CellRef{Cell: from.Cell, RNTI: c.RNTI}
		d.attached = true
		d.r.core.attach(d.imsi, from.Cell)
		d.send(d.anchor, rrc.ConnectionSetupComplete{})
		d.setupBearers()
	case rrc.ConnectionRejectCmd:
		d.rejects++
	case rrc.ReconfigurationCmd:
		if c.Handover == nil {
			d.send(from, rrc.ReconfigurationComplete{})
			return
		}
		d.anchor = model.CellRef{Cell: c.Handover.TargetCell, RNTI: c.Handover.TargetRNTI}
		d.handovers++
		d.send(d.anchor, rrc.ReconfigurationComplete{})
	case rrc.ConnectToSecondaryCmd:
		ref := model.CellRef{Cell: c.Cell, RNTI: c.RNTI}
		d.links[c.Link] = ref
		d.onAnchor[c.Link] = false
		d.send(ref, rrc.ReconfigurationComplete{})
	case rrc.SwitchConnectionCmd:
		d.onAnchor[c.Link] = !c.UseSecondary
	case rrc.ReestablishmentCmd:
		d.send(from, rrc.ReestablishmentComplete{})
	case rrc.ConnectionReleaseCmd:
		if from == d.anchor {
			d.attached = false
			return
		}
		for link, ref := range d.links {
			if ref == from {
				delete(d.links, link)
			}
		}
	}
}

// SendRrcCommand delivers a controller command to the device holding rnti.
func (r *Runtime) SendRrcCommand(id model.CellID, rnti model.RNTI, cmd rrc.Command) {
	c, ok := r.ctrls[id]
	if !ok {
		return
	}
	tc, ok := c.Context(rnti)
	if !ok {
		return
	}
	d, ok := r.devices[tc.IMSI()]
	if !ok {
		return
	}
	d.handle(model.CellRef{Cell: id, RNTI: rnti}, cmd)
}
