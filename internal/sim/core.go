package sim

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

var errNotAttached = errors.New("terminal not attached")

// pathSwitchDelay is the core's answer time for a path switch.
const pathSwitchDelay = 2 * time.Millisecond

// coreNetwork holds the downlink tunnel of every terminal and moves it on
// path switch requests.
type coreNetwork struct {
	r      *Runtime
	anchor map[model.IMSI]model.CellID
}

func (cn *coreNetwork) attach(imsi model.IMSI, id model.CellID) {
	cn.anchor[imsi] = id
}

// RequestPathSwitch moves the tunnel of imsi to cell and acknowledges.
func (cn *coreNetwork) RequestPathSwitch(imsi model.IMSI, id model.CellID, _ model.RNTI) {
	sched.After(cn.r.sched, pathSwitchDelay, func() {
		cn.anchor[imsi] = id
		c, ok := cn.r.ctrls[id]
		if !ok {
			return
		}
		if err := c.OnPathSwitchAck(imsi); err != nil {
			cn.r.log.Warn(context.Background(), "path switch ack refused",
				logging.IMSI(uint64(imsi)), logging.Cell(uint16(id)), logging.Err(err))
		}
	})
}

// downlink hands one unit to the terminal's current anchor.
func (cn *coreNetwork) downlink(imsi model.IMSI, bearer model.BearerID, payload []byte) error {
	id, ok := cn.anchor[imsi]
	if !ok {
		return errNotAttached
	}
	return cn.r.ctrls[id].OnDownlinkData(imsi, bearer, payload)
}

// startTraffic emits a unit every interval from the terminal's attach time
// until the traffic stops or the run ends.
func (r *Runtime) startTraffic(d *device, t scenario.Traffic) {
	bearer := model.BearerID(t.Bearer)
	stopAt := r.start.Add(r.sc.Duration.Std())
	if t.StopAt > 0 {
		stopAt = r.start.Add(t.StopAt.Std())
	}
	var seq uint64
	var emit func()
	emit = func() {
		if r.sched.Now().After(stopAt) {
			return
		}
		err := r.core.downlink(d.imsi, bearer, tagPayload(seq, t.Size))
		r.telemetry.Generated(d.imsi, bearer, err == nil)
		if err == nil {
			seq++
		}
		sched.After(r.sched, t.Interval.Std(), emit)
	}
	r.sched.Schedule(r.start.Add(d.attachAt()), emit)
}
