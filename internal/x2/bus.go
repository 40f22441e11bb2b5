package x2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

type pair struct {
	from, to model.CellID
}

// InMemoryBus is a Channel for controllers sharing one event scheduler.
// Messages are delivered as scheduler events after a configurable latency.
type InMemoryBus struct {
	sched   sched.EventScheduler
	latency time.Duration
	wire    bool
	log     logging.Logger
	metrics MetricsRecorder

	mu          sync.Mutex
	handlers    map[model.CellID]Handler
	pairLatency map[pair]time.Duration
	down        map[pair]bool
	lastAt      map[pair]time.Time
}

// BusOption configures an InMemoryBus.
type BusOption func(*InMemoryBus)

// WithLatency sets the default one-way delivery latency.
func WithLatency(d time.Duration) BusOption {
	return func(b *InMemoryBus) { b.latency = d }
}

// WithPairLatency overrides the latency in both directions between a and c.
func WithPairLatency(a, c model.CellID, d time.Duration) BusOption {
	return func(b *InMemoryBus) {
		b.pairLatency[pair{a, c}] = d
		b.pairLatency[pair{c, a}] = d
	}
}

// WithWireEncoding makes the bus encode and decode every message, so receivers
// never share memory with senders.
func WithWireEncoding() BusOption {
	return func(b *InMemoryBus) { b.wire = true }
}

// WithBusLogger sets the logger used for delivery diagnostics.
func WithBusLogger(l logging.Logger) BusOption {
	return func(b *InMemoryBus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithBusMetrics records every send outcome.
func WithBusMetrics(m MetricsRecorder) BusOption {
	return func(b *InMemoryBus) { b.metrics = m }
}

// NewInMemoryBus returns a bus delivering through s.
func NewInMemoryBus(s sched.EventScheduler, opts ...BusOption) *InMemoryBus {
	b := &InMemoryBus{
		sched:       s,
		log:         logging.Noop(),
		handlers:    make(map[model.CellID]Handler),
		pairLatency: make(map[pair]time.Duration),
		down:        make(map[pair]bool),
		lastAt:      make(map[pair]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register attaches the handler for a cell.
func (b *InMemoryBus) Register(cell model.CellID, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[cell]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cell)
	}
	b.handlers[cell] = h
	return nil
}

// SetLinkDown marks the link between a and c as unavailable in both
// directions. Messages already in flight are still delivered.
func (b *InMemoryBus) SetLinkDown(a, c model.CellID, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[pair{a, c}] = down
	b.down[pair{c, a}] = down
}

// Send schedules delivery of msg to the handler registered for msg.To.
func (b *InMemoryBus) Send(ctx context.Context, msg Message) error {
	kind := msg.Kind().String()

	b.mu.Lock()
	h, ok := b.handlers[msg.To]
	p := pair{msg.From, msg.To}
	down := b.down[p]
	b.mu.Unlock()

	switch {
	case !ok:
		b.record(kind, "unknown_peer")
		return fmt.Errorf("send %s %s->%s: %w", kind, msg.From, msg.To, ErrUnknownPeer)
	case down:
		b.record(kind, "link_down")
		return fmt.Errorf("send %s %s->%s: %w", kind, msg.From, msg.To, ErrLinkDown)
	}

	deliver := msg
	if b.wire {
		data, err := Encode(msg)
		if err != nil {
			b.record(kind, "encode_error")
			return err
		}
		if deliver, err = Decode(data); err != nil {
			b.record(kind, "encode_error")
			return err
		}
	}

	b.mu.Lock()
	latency, ok := b.pairLatency[p]
	if !ok {
		latency = b.latency
	}
	at := b.sched.Now().Add(latency)
	// A pair never delivers out of order, even when its latency shrinks.
	if last, ok := b.lastAt[p]; ok && at.Before(last) {
		at = last
	}
	b.lastAt[p] = at
	b.mu.Unlock()

	b.sched.Schedule(at, func() {
		dctx := logging.ContextWithProcedureID(context.Background(), deliver.ProcedureID)
		h.OnInterControllerMessage(dctx, deliver)
	})
	b.record(kind, "sent")
	b.log.Debug(ctx, "x2 message queued",
		logging.String("kind", kind),
		logging.Cell(uint16(msg.From)),
		logging.Target(uint16(msg.To)),
		logging.Duration("latency", latency),
	)
	return nil
}

func (b *InMemoryBus) record(kind, outcome string) {
	if b.metrics != nil {
		b.metrics.IncX2Message(kind, outcome)
	}
}
