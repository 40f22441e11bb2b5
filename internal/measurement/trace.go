// Package measurement loads SINR traces and replays them into the cell
// controllers as measurement reports.
package measurement

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tealeg/xlsx"

	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

// ErrMalformedTrace is returned when a trace file does not follow the
// expected layout.
var ErrMalformedTrace = errors.New("malformed sinr trace")

// Sample is one SINR value of Cell as seen by IMSI, At after the start of
// the run.
type Sample struct {
	At    time.Duration `json:"at"`
	IMSI  model.IMSI    `json:"imsi"`
	Cell  model.CellID  `json:"cell"`
	Value float64       `json:"value"`
}

// Trace is a list of samples ordered by time.
type Trace []Sample

// Sort orders the trace by time, then terminal, then cell.
func (t Trace) Sort() {
	sort.SliceStable(t, func(i, j int) bool {
		a, b := t[i], t[j]
		if a.At != b.At {
			return a.At < b.At
		}
		if a.IMSI != b.IMSI {
			return a.IMSI < b.IMSI
		}
		return a.Cell < b.Cell
	})
}

// Merge returns the samples of t and other in time order.
func (t Trace) Merge(other Trace) Trace {
	out := make(Trace, 0, len(t)+len(other))
	out = append(out, t...)
	out = append(out, other...)
	out.Sort()
	return out
}

// Cells returns the distinct cells measured by the trace.
func (t Trace) Cells() []model.CellID {
	seen := make(map[model.CellID]bool)
	var out []model.CellID
	for _, s := range t {
		if !seen[s.Cell] {
			seen[s.Cell] = true
			out = append(out, s.Cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadOption adjusts how a trace file is read.
type LoadOption func(*loadOptions)

type loadOptions struct {
	lo, hi float64
	sheet  string
}

// WithClamp bounds every value to [lo, hi].
func WithClamp(lo, hi float64) LoadOption {
	return func(o *loadOptions) { o.lo, o.hi = lo, hi }
}

// WithSheet reads only the named sheet.
func WithSheet(name string) LoadOption {
	return func(o *loadOptions) { o.sheet = name }
}

// LoadXLSX reads a trace spreadsheet. The first row of each sheet is a
// header: "time_ms", "imsi", then one column per cell named by its id.
// Empty cells mean the cell was not measured at that instant.
func LoadXLSX(path string, opts ...LoadOption) (Trace, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	return fromFile(f, opts...)
}

// ParseXLSX is LoadXLSX for a spreadsheet already in memory.
func ParseXLSX(data []byte, opts ...LoadOption) (Trace, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return fromFile(f, opts...)
}

func fromFile(f *xlsx.File, opts ...LoadOption) (Trace, error) {
	o := loadOptions{lo: math.Inf(-1), hi: math.Inf(1)}
	for _, opt := range opts {
		opt(&o)
	}
	var out Trace
	for _, sheet := range f.Sheets {
		if o.sheet != "" && sheet.Name != o.sheet {
			continue
		}
		samples, err := readSheet(sheet, o)
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheet.Name, err)
		}
		out = append(out, samples...)
	}
	out.Sort()
	return out, nil
}

func readSheet(sheet *xlsx.Sheet, o loadOptions) (Trace, error) {
	if len(sheet.Rows) == 0 {
		return nil, nil
	}
	header := sheet.Rows[0].Cells
	if len(header) < 3 ||
		!strings.EqualFold(strings.TrimSpace(header[0].String()), "time_ms") ||
		!strings.EqualFold(strings.TrimSpace(header[1].String()), "imsi") {
		return nil, fmt.Errorf("%w: header must start with time_ms, imsi", ErrMalformedTrace)
	}
	cells := make([]model.CellID, len(header)-2)
	for i, h := range header[2:] {
		id, err := strconv.ParseUint(strings.TrimSpace(h.String()), 10, 16)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: column %d is not a cell id: %q", ErrMalformedTrace, i+3, h.String())
		}
		cells[i] = model.CellID(id)
	}

	var out Trace
	for n, row := range sheet.Rows[1:] {
		line := n + 2
		if len(row.Cells) < 2 || strings.TrimSpace(row.Cells[0].String()) == "" {
			continue
		}
		ms, err := row.Cells[0].Float()
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("%w: row %d: bad time %q", ErrMalformedTrace, line, row.Cells[0].String())
		}
		imsi, err := strconv.ParseUint(strings.TrimSpace(row.Cells[1].String()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: bad imsi %q", ErrMalformedTrace, line, row.Cells[1].String())
		}
		at := time.Duration(ms * float64(time.Millisecond))
		for i, c := range row.Cells[2:] {
			if i >= len(cells) {
				break
			}
			text := strings.TrimSpace(c.String())
			if text == "" {
				continue
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d cell %d: %q", ErrMalformedTrace, line, cells[i], text)
			}
			v = math.Max(o.lo, math.Min(o.hi, v))
			out = append(out, Sample{At: at, IMSI: model.IMSI(imsi), Cell: cells[i], Value: v})
		}
	}
	return out, nil
}

// WriteXLSX stores t in the layout LoadXLSX reads, one sheet named sheet.
func WriteXLSX(path, sheet string, t Trace) error {
	f := xlsx.NewFile()
	sh, err := f.AddSheet(sheet)
	if err != nil {
		return fmt.Errorf("add sheet: %w", err)
	}
	cells := t.Cells()
	col := make(map[model.CellID]int, len(cells))
	header := sh.AddRow()
	header.AddCell().SetString("time_ms")
	header.AddCell().SetString("imsi")
	for i, c := range cells {
		col[c] = i
		header.AddCell().SetString(strconv.Itoa(int(c)))
	}

	type key struct {
		at   time.Duration
		imsi model.IMSI
	}
	sorted := append(Trace(nil), t...)
	sorted.Sort()
	var (
		cur    key
		values []string
		have   bool
	)
	flush := func() {
		if !have {
			return
		}
		row := sh.AddRow()
		row.AddCell().SetFloat(float64(cur.at) / float64(time.Millisecond))
		row.AddCell().SetString(strconv.FormatUint(uint64(cur.imsi), 10))
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	for _, s := range sorted {
		k := key{s.At, s.IMSI}
		if !have || k != cur {
			flush()
			cur, have = k, true
			values = make([]string, len(cells))
		}
		values[col[s.Cell]] = strconv.FormatFloat(s.Value, 'f', -1, 64)
	}
	flush()
	return f.Save(path)
}

// Reporter receives replayed samples.
type Reporter interface {
	OnSinrReport(imsi model.IMSI, cell model.CellID, value float64)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(imsi model.IMSI, cell model.CellID, value float64)

// OnSinrReport calls f.
func (f ReporterFunc) OnSinrReport(imsi model.IMSI, cell model.CellID, value float64) {
	f(imsi, cell, value)
}

// Replay schedules every sample of t on s relative to start. Samples sharing
// a timestamp are delivered in trace order. It returns the number of samples
// scheduled.
func Replay(s sched.EventScheduler, start time.Time, t Trace, r Reporter) int {
	for _, sample := range t {
		sample := sample
		s.Schedule(start.Add(sample.At), func() {
			r.OnSinrReport(sample.IMSI, sample.Cell, sample.Value)
		})
	}
	return len(t)
}
