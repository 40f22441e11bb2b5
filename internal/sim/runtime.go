// Package sim runs a scenario end to end: one controller per cell on a shared
// in-memory X2 bus, driven by a simulation clock, with simple stand-ins for
// the devices, the radio scheduler and the core network.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/mobility-controller/internal/cell"
	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/measurement"
	"github.com/signalsfoundry/mobility-controller/internal/observability"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
	"github.com/signalsfoundry/mobility-controller/timectrl"
)

// Runtime owns every component of one simulation run. All controller work
// happens on the clock's goroutine, one scheduler event at a time.
type Runtime struct {
	sc        *scenario.Scenario
	cfg       cell.Config
	log       logging.Logger
	tracer    trace.Tracer
	handovers *observability.HandoverCollector
	delivery  *observability.DeliveryCollector
	mode      timectrl.Mode
	start     time.Time
	hosted    map[model.CellID]bool
	transport func(sched.EventScheduler) (x2.Channel, error)
	forever   bool

	clock *timectrl.TimeController
	sched sched.EventScheduler
	ch    x2.Channel
	// bus is nil when controllers talk over an external transport.
	bus   *x2.InMemoryBus
	topo  *cell.Topology
	ctrls map[model.CellID]*cell.Controller
	cells []model.CellID

	devices   map[model.IMSI]*device
	core      *coreNetwork
	radio     *radio
	tally     *tally
	telemetry *Telemetry

	mu       sync.Mutex
	failures []error
	samples  int
	ran      bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithCellConfig sets the configuration shared by every controller.
func WithCellConfig(cfg cell.Config) Option {
	return func(r *Runtime) { r.cfg = cfg }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTracer enables handover spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithHandoverCollector exports controller and X2 metrics.
func WithHandoverCollector(c *observability.HandoverCollector) Option {
	return func(r *Runtime) { r.handovers = c }
}

// WithDeliveryCollector exports device-side delivery metrics.
func WithDeliveryCollector(c *observability.DeliveryCollector) Option {
	return func(r *Runtime) { r.delivery = c }
}

// WithClockMode selects accelerated (default) or wall-clock pacing.
func WithClockMode(m timectrl.Mode) Option {
	return func(r *Runtime) { r.mode = m }
}

// WithStartTime sets the simulation epoch.
func WithStartTime(t time.Time) Option {
	return func(r *Runtime) { r.start = t }
}

// WithCells restricts the run to the listed cells. Other cells of the
// scenario are expected to be served elsewhere and reached over the
// transport; terminals anchored on them are not simulated here.
func WithCells(ids ...model.CellID) Option {
	return func(r *Runtime) {
		r.hosted = make(map[model.CellID]bool, len(ids))
		for _, id := range ids {
			r.hosted[id] = true
		}
	}
}

// WithTransport replaces the in-memory bus with the channel built by f.
// X2 latency, wire encoding and outages of the scenario then do not apply.
func WithTransport(f func(sched.EventScheduler) (x2.Channel, error)) Option {
	return func(r *Runtime) { r.transport = f }
}

// WithUntilCancelled ignores the scenario duration and runs until the
// context passed to Run is cancelled.
func WithUntilCancelled() Option {
	return func(r *Runtime) { r.forever = true }
}

// New builds the controllers and models for sc and schedules the scenario's
// attaches, traffic, measurements and X2 outages.
func New(sc *scenario.Scenario, opts ...Option) (*Runtime, error) {
	if sc == nil {
		return nil, errors.New("nil scenario")
	}
	r := &Runtime{
		sc:        sc,
		cfg:       cell.DefaultConfig(),
		log:       logging.Noop(),
		mode:      timectrl.Accelerated,
		start:     time.Unix(0, 0).UTC(),
		ctrls:     make(map[model.CellID]*cell.Controller),
		devices:   make(map[model.IMSI]*device),
		telemetry: NewTelemetry(),
	}
	for _, opt := range opts {
		opt(r)
	}

	topo, err := sc.Topology()
	if err != nil {
		return nil, err
	}
	r.topo = topo
	for id := range r.hosted {
		if _, ok := topo.Cell(id); !ok {
			return nil, fmt.Errorf("hosted cell %d is not part of scenario %q", id, sc.Name)
		}
	}
	r.clock = timectrl.NewTimeController(r.start, sc.Tick.Std(), r.mode)
	r.sched = sched.NewEventScheduler(r.clock)
	r.clock.AddListener(r.onTick)

	if r.transport != nil {
		ch, err := r.transport(r.sched)
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		r.ch = ch
	} else {
		busOpts := []x2.BusOption{
			x2.WithLatency(sc.X2.Latency.Std()),
			x2.WithBusLogger(r.log),
		}
		if r.handovers != nil {
			busOpts = append(busOpts, x2.WithBusMetrics(r.handovers))
		}
		if sc.X2.WireEncoding {
			busOpts = append(busOpts, x2.WithWireEncoding())
		}
		r.bus = x2.NewInMemoryBus(r.sched, busOpts...)
		r.ch = r.bus
	}

	r.tally = newTally(r.handovers)
	r.core = &coreNetwork{r: r, anchor: make(map[model.IMSI]model.CellID)}
	r.radio = &radio{r: r, bearers: make(map[model.CellID]int)}

	for _, info := range topo.Cells() {
		if !r.hosts(info.ID) {
			continue
		}
		c, err := cell.New(info.ID, topo, r.sched, r.ch,
			cell.WithConfig(r.cfg),
			cell.WithLogger(r.log),
			cell.WithMetricsRecorder(r.tally),
			cell.WithTracer(r.tracer),
			cell.WithRrcSender(r),
			cell.WithMac(r.radio),
			cell.WithCoreNetwork(r.core),
			cell.WithFailureHandler(r.onFailure),
		)
		if err != nil {
			return nil, err
		}
		r.ctrls[info.ID] = c
		r.cells = append(r.cells, info.ID)
	}

	samples, err := sc.Trace()
	if err != nil {
		return nil, fmt.Errorf("load measurements: %w", err)
	}
	r.samples = measurement.Replay(r.sched, r.start, samples, measurement.ReporterFunc(r.report))

	for _, t := range sc.Terminals {
		if !r.hosts(model.CellID(t.Anchor)) {
			continue
		}
		d := newDevice(r, t)
		r.devices[d.imsi] = d
		r.sched.Schedule(r.start.Add(t.AttachAt.Std()), d.attach)
		if t.Traffic != nil {
			r.startTraffic(d, *t.Traffic)
		}
	}
	for _, o := range sc.X2.Outages {
		if r.bus == nil {
			break
		}
		a, b := model.CellID(o.A), model.CellID(o.B)
		r.sched.Schedule(r.start.Add(o.From.Std()), func() {
			r.log.Info(context.Background(), "x2 link down", logging.Cell(uint16(a)), logging.Target(uint16(b)))
			r.bus.SetLinkDown(a, b, true)
		})
		r.sched.Schedule(r.start.Add(o.Until.Std()), func() {
			r.log.Info(context.Background(), "x2 link restored", logging.Cell(uint16(a)), logging.Target(uint16(b)))
			r.bus.SetLinkDown(a, b, false)
		})
	}
	r.radio.scheduleSlot()
	return r, nil
}

func (r *Runtime) hosts(id model.CellID) bool {
	return r.hosted == nil || r.hosted[id]
}

// Controller returns the controller of id.
func (r *Runtime) Controller(id model.CellID) (*cell.Controller, bool) {
	c, ok := r.ctrls[id]
	return c, ok
}

// Telemetry returns the delivery store.
func (r *Runtime) Telemetry() *Telemetry { return r.telemetry }

// Now returns the simulation time.
func (r *Runtime) Now() time.Time { return r.clock.Now() }

// Run drives the clock for the scenario duration and returns the run summary.
// Cancelling ctx stops the clock early; the summary then covers the time
// simulated so far and the context error is returned with it.
func (r *Runtime) Run(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil, errors.New("runtime already ran")
	}
	r.ran = true
	r.mu.Unlock()

	for _, id := range r.cells {
		r.ctrls[id].Start()
	}
	r.log.Info(ctx, "simulation started",
		logging.String("scenario", r.sc.Name),
		logging.Int("cells", len(r.cells)),
		logging.Int("terminals", len(r.devices)),
		logging.Int("samples", r.samples),
		logging.Duration("duration", r.sc.Duration.Std()),
	)

	stop := make(chan struct{})
	duration := r.sc.Duration.Std()
	if r.forever {
		duration = 0
	}
	done := r.clock.Start(duration, stop)
	var runErr error
	select {
	case <-done:
	case <-ctx.Done():
		close(stop)
		<-done
		runErr = ctx.Err()
	}

	for _, id := range r.cells {
		r.ctrls[id].Stop()
	}
	sum := r.summarize()
	r.log.Info(ctx, "simulation finished",
		logging.String("scenario", r.sc.Name),
		logging.Uint64("generated", sum.Generated),
		logging.Uint64("delivered", sum.Delivered),
		logging.Uint64("duplicates", sum.Duplicates),
		logging.Uint64("lost", sum.Lost),
		logging.Int("failures", sum.Failures),
	)
	return sum, runErr
}

func (r *Runtime) onTick(time.Time) {
	r.sched.RunDue()
	if p, ok := r.sched.(sched.Counter); ok {
		r.delivery.SetPendingEvents(p.Pending())
	}
}

// report hands a measurement to the controller of the measured cell, which
// shares it with the anchors.
func (r *Runtime) report(imsi model.IMSI, id model.CellID, value float64) {
	c, ok := r.ctrls[id]
	if !ok {
		return
	}
	c.OnSinrReport(imsi, id, value)
}

func (r *Runtime) onFailure(err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	r.log.Warn(context.Background(), "controller failure", logging.Err(err))
}

// Failures returns the errors absorbed by the controllers so far.
func (r *Runtime) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}
