package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/mobility-controller/model"
)

// FlowMetrics represents delivery telemetry for one bearer of one terminal.
type FlowMetrics struct {
	IMSI   model.IMSI
	Bearer model.BearerID

	// Generated counts units the core handed to an anchor.
	Generated uint64
	// Refused counts units the anchor did not accept, e.g. while the
	// terminal had no context yet.
	Refused uint64
	// Delivered counts distinct units received by the device.
	Delivered uint64
	// Duplicates counts units the device received more than once.
	Duplicates uint64
	// BytesRx is the payload received by the device, duplicates included.
	BytesRx uint64

	LastDelivery time.Time
}

type flow struct {
	FlowMetrics
	seen map[uint64]bool
}

// Telemetry is a concurrency-safe store of per-flow delivery metrics.
type Telemetry struct {
	mu    sync.RWMutex
	flows map[string]*flow // key: "imsi/bearer"
}

// NewTelemetry creates an empty store.
func NewTelemetry() *Telemetry {
	return &Telemetry{flows: make(map[string]*flow)}
}

func flowKey(imsi model.IMSI, bearer model.BearerID) string {
	return fmt.Sprintf("%d/%d", uint64(imsi), uint8(bearer))
}

// caller must hold t.mu.
func (t *Telemetry) flowLocked(imsi model.IMSI, bearer model.BearerID) *flow {
	key := flowKey(imsi, bearer)
	f, ok := t.flows[key]
	if !ok {
		f = &flow{
			FlowMetrics: FlowMetrics{IMSI: imsi, Bearer: bearer},
			seen:        make(map[uint64]bool),
		}
		t.flows[key] = f
	}
	return f
}

// Generated records a unit accepted by the network, or refused when ok is false.
func (t *Telemetry) Generated(imsi model.IMSI, bearer model.BearerID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.flowLocked(imsi, bearer)
	if ok {
		f.Generated++
	} else {
		f.Refused++
	}
}

// Received records the arrival of unit seq at the device and reports whether
// it had already been received.
func (t *Telemetry) Received(imsi model.IMSI, bearer model.BearerID, seq uint64, size int, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.flowLocked(imsi, bearer)
	f.BytesRx += uint64(size)
	f.LastDelivery = at
	if f.seen[seq] {
		f.Duplicates++
		return true
	}
	f.seen[seq] = true
	f.Delivered++
	return false
}

// Get returns a copy of the metrics of one flow, or nil if the flow is unknown.
func (t *Telemetry) Get(imsi model.IMSI, bearer model.BearerID) *FlowMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.flows[flowKey(imsi, bearer)]
	if !ok {
		return nil
	}
	cp := f.FlowMetrics
	return &cp
}

// ListAll returns copies of every flow ordered by IMSI and bearer.
func (t *Telemetry) ListAll() []FlowMetrics {
	t.mu.RLock()
	out := make([]FlowMetrics, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f.FlowMetrics)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IMSI != out[j].IMSI {
			return out[i].IMSI < out[j].IMSI
		}
		return out[i].Bearer < out[j].Bearer
	})
	return out
}
