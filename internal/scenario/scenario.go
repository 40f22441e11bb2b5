// Package scenario describes a simulation run: the cell layout, the
// terminals with their bearers and traffic, and the SINR samples that drive
// mobility.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalsfoundry/mobility-controller/internal/cell"
	"github.com/signalsfoundry/mobility-controller/internal/measurement"
	"github.com/signalsfoundry/mobility-controller/model"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://signalsfoundry.dev/schemas/mobility-scenario.json"

// ErrInvalidScenario wraps every schema and consistency failure.
var ErrInvalidScenario = errors.New("invalid scenario")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Cell struct {
	ID   uint16 `json:"id"`
	Kind string `json:"kind"`
	Link string `json:"link,omitempty"`
}

type Outage struct {
	A     uint16   `json:"a"`
	B     uint16   `json:"b"`
	From  Duration `json:"from"`
	Until Duration `json:"until"`
}

type X2 struct {
	Latency      Duration `json:"latency,omitempty"`
	WireEncoding bool     `json:"wire_encoding,omitempty"`
	Outages      []Outage `json:"outages,omitempty"`
}

type Bearer struct {
	ID   uint8  `json:"id"`
	QCI  int    `json:"qci,omitempty"`
	Mode string `json:"mode,omitempty"`
	GBR  uint64 `json:"gbr,omitempty"`
	MBR  uint64 `json:"mbr,omitempty"`
}

// Traffic is a constant-rate downlink source on one bearer.
type Traffic struct {
	Bearer   uint8    `json:"bearer"`
	Interval Duration `json:"interval"`
	Size     int      `json:"size,omitempty"`
	StopAt   Duration `json:"stop_at,omitempty"`
}

type Terminal struct {
	IMSI     uint64   `json:"imsi"`
	Anchor   uint16   `json:"anchor"`
	AttachAt Duration `json:"attach_at,omitempty"`
	Bearers  []Bearer `json:"bearers,omitempty"`
	Traffic  *Traffic `json:"traffic,omitempty"`
}

// Radio models the MAC: every Slot each connected context may send
// UnitsPerSlot units, acknowledged AckDelay later.
type Radio struct {
	Slot         Duration `json:"slot,omitempty"`
	UnitsPerSlot int      `json:"units_per_slot,omitempty"`
	AckDelay     Duration `json:"ack_delay,omitempty"`
}

type Sample struct {
	At    Duration `json:"at"`
	IMSI  uint64   `json:"imsi"`
	Cell  uint16   `json:"cell"`
	Value float64  `json:"value"`
}

// Scenario is the decoded scenario document.
type Scenario struct {
	Name      string     `json:"name"`
	Duration  Duration   `json:"duration"`
	Tick      Duration   `json:"tick,omitempty"`
	Cells     []Cell     `json:"cells"`
	X2        X2         `json:"x2,omitempty"`
	Terminals []Terminal `json:"terminals"`
	Radio     Radio      `json:"radio,omitempty"`
	TraceFile string     `json:"trace_file,omitempty"`
	Samples   []Sample   `json:"samples,omitempty"`

	// dir resolves TraceFile relative to the scenario file.
	dir string
}

// Load reads, validates and decodes the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.dir = filepath.Dir(path)
	return sc, nil
}

// Parse validates data against the scenario schema, decodes it and checks
// cross references.
func Parse(data []byte) (*Scenario, error) {
	s, err := compiled()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	sc := &Scenario{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	sc.applyDefaults()
	if err := sc.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return sc, nil
}

func (sc *Scenario) applyDefaults() {
	if sc.Tick == 0 {
		sc.Tick = Duration(100 * time.Microsecond)
	}
	if sc.X2.Latency == 0 {
		sc.X2.Latency = Duration(time.Millisecond)
	}
	if sc.Radio.Slot == 0 {
		sc.Radio.Slot = Duration(time.Millisecond)
	}
	if sc.Radio.UnitsPerSlot == 0 {
		sc.Radio.UnitsPerSlot = 4
	}
	if sc.Radio.AckDelay == 0 {
		sc.Radio.AckDelay = Duration(4 * time.Millisecond)
	}
	for i := range sc.Terminals {
		if tr := sc.Terminals[i].Traffic; tr != nil && tr.Size == 0 {
			tr.Size = 1200
		}
	}
}

func (sc *Scenario) check() error {
	topo, err := sc.Topology()
	if err != nil {
		return err
	}
	imsis := make(map[uint64]bool)
	for _, t := range sc.Terminals {
		if imsis[t.IMSI] {
			return fmt.Errorf("duplicate terminal %d", t.IMSI)
		}
		imsis[t.IMSI] = true
		info, ok := topo.Cell(model.CellID(t.Anchor))
		if !ok || info.Kind != model.CellKindAnchor {
			return fmt.Errorf("terminal %d: cell %d is not an anchor", t.IMSI, t.Anchor)
		}
		bearers := make(map[uint8]bool)
		for _, b := range t.Bearers {
			if bearers[b.ID] {
				return fmt.Errorf("terminal %d: duplicate bearer %d", t.IMSI, b.ID)
			}
			bearers[b.ID] = true
		}
		if t.Traffic != nil && !bearers[t.Traffic.Bearer] {
			return fmt.Errorf("terminal %d: traffic on unknown bearer %d", t.IMSI, t.Traffic.Bearer)
		}
	}
	for _, s := range sc.Samples {
		if _, ok := topo.Cell(model.CellID(s.Cell)); !ok {
			return fmt.Errorf("sample at %s: unknown cell %d", s.At.Std(), s.Cell)
		}
	}
	for _, o := range sc.X2.Outages {
		if o.Until <= o.From {
			return fmt.Errorf("x2 outage %d-%d ends before it starts", o.A, o.B)
		}
	}
	return nil
}

// Topology builds the cell layout.
func (sc *Scenario) Topology() (*cell.Topology, error) {
	infos := make([]cell.Info, 0, len(sc.Cells))
	for _, c := range sc.Cells {
		info := cell.Info{ID: model.CellID(c.ID), Kind: model.CellKindAnchor}
		if c.Kind == "secondary" {
			info.Kind = model.CellKindSecondary
			link, err := model.ParseLink(c.Link)
			if err != nil {
				return nil, fmt.Errorf("cell %d: %w", c.ID, err)
			}
			info.Link = link
		}
		infos = append(infos, info)
	}
	return cell.NewTopology(infos...)
}

// BearerSpecs converts the bearers of t.
func (t Terminal) BearerSpecs() []model.BearerSpec {
	out := make([]model.BearerSpec, 0, len(t.Bearers))
	for i, b := range t.Bearers {
		mode := model.Reliable
		if b.Mode == "best-effort" {
			mode = model.BestEffort
		}
		qci := b.QCI
		if qci == 0 {
			qci = 9
		}
		out = append(out, model.BearerSpec{
			ID:   model.BearerID(b.ID),
			LCID: uint8(3 + i),
			TEID: uint32(t.IMSI)<<8 | uint32(b.ID),
			QCI:  qci,
			GBR:  b.GBR,
			MBR:  b.MBR,
			Mode: mode,
		})
	}
	return out
}

// Trace returns the inline samples merged with the trace file, if any.
func (sc *Scenario) Trace(opts ...measurement.LoadOption) (measurement.Trace, error) {
	inline := make(measurement.Trace, 0, len(sc.Samples))
	for _, s := range sc.Samples {
		inline = append(inline, measurement.Sample{
			At:    s.At.Std(),
			IMSI:  model.IMSI(s.IMSI),
			Cell:  model.CellID(s.Cell),
			Value: s.Value,
		})
	}
	if sc.TraceFile == "" {
		inline.Sort()
		return inline, nil
	}
	path := sc.TraceFile
	if !filepath.IsAbs(path) && sc.dir != "" {
		path = filepath.Join(sc.dir, path)
	}
	file, err := measurement.LoadXLSX(path, opts...)
	if err != nil {
		return nil, err
	}
	return file.Merge(inline), nil
}
