package sim

import (
	"context"
	"encoding/binary"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

// radio stands in for the MAC of every cell. Each slot it offers every
// context a fixed number of units; whatever it transmits reaches the device
// and is acknowledged after the configured delay.
type radio struct {
	r       *Runtime
	bearers map[model.CellID]int
}

func (m *radio) NotifyBearerAdmitted(id model.CellID, rnti model.RNTI, spec model.BearerSpec) {
	m.bearers[id]++
}

func (m *radio) NotifyBearerReleased(id model.CellID, rnti model.RNTI, bearer model.BearerID) {
	if m.bearers[id] > 0 {
		m.bearers[id]--
	}
}

func (m *radio) Transmit(id model.CellID, rnti model.RNTI, bearer model.BearerID, units []model.DataUnit) {
	c, ok := m.r.ctrls[id]
	if !ok || len(units) == 0 {
		return
	}
	tc, ok := c.Context(rnti)
	if !ok {
		return
	}
	imsi := tc.IMSI()
	now := m.r.sched.Now()
	var (
		last  uint32
		acked bool
	)
	for _, u := range units {
		seq, ok := unitSeq(u.Payload)
		if !ok {
			m.r.log.Warn(context.Background(), "unit without sequence tag", logging.IMSI(uint64(imsi)), logging.Uint64("sn", uint64(u.SN)))
			continue
		}
		dup := m.r.telemetry.Received(imsi, bearer, seq, len(u.Payload), now)
		m.r.delivery.ObserveDelivery(dup)
		if !acked || u.SN > last {
			last, acked = u.SN, true
		}
	}
	if !acked {
		return
	}
	sched.After(m.r.sched, m.r.sc.Radio.AckDelay.Std(), func() {
		// The context may have moved on; a late ack is harmless.
		_ = c.OnDeliveryAck(rnti, bearer, last)
	})
}

func (m *radio) scheduleSlot() {
	sched.After(m.r.sched, m.r.sc.Radio.Slot.Std(), func() {
		m.slot()
		m.scheduleSlot()
	})
}

func (m *radio) slot() {
	n := m.r.sc.Radio.UnitsPerSlot
	for _, id := range m.r.cells {
		c := m.r.ctrls[id]
		for _, tc := range c.Contexts() {
			c.OnTransmitOpportunity(tc.RNTI(), n)
		}
	}
}

// seqTagLen is the size of the per-flow sequence tag heading every payload.
const seqTagLen = 8

func tagPayload(seq uint64, size int) []byte {
	if size < seqTagLen {
		size = seqTagLen
	}
	p := make([]byte, size)
	binary.BigEndian.PutUint64(p, seq)
	return p
}

func unitSeq(p []byte) (uint64, bool) {
	if len(p) < seqTagLen {
		return 0, false
	}
	return binary.BigEndian.Uint64(p), true
}
