package cell

import (
	"time"

	"github.com/signalsfoundry/mobility-controller/model"
)

type sinrSample struct {
	value float64
	at    time.Time
}

// SinrTable holds the latest SINR of every (terminal, cell) pair the
// controller has heard of.
type SinrTable struct {
	rows map[model.IMSI]map[model.CellID]sinrSample
}

func NewSinrTable() *SinrTable {
	return &SinrTable{rows: make(map[model.IMSI]map[model.CellID]sinrSample)}
}

// Update stores a sample, replacing the previous one.
func (t *SinrTable) Update(imsi model.IMSI, cell model.CellID, value float64, at time.Time) {
	row, ok := t.rows[imsi]
	if !ok {
		row = make(map[model.CellID]sinrSample)
		t.rows[imsi] = row
	}
	row[cell] = sinrSample{value: value, at: at}
}

// Value returns the latest sample of (imsi, cell).
func (t *SinrTable) Value(imsi model.IMSI, cell model.CellID) (float64, bool) {
	s, ok := t.rows[imsi][cell]
	return s.value, ok
}

// Row copies the samples of imsi for which keep returns true. A nil keep
// copies every sample.
func (t *SinrTable) Row(imsi model.IMSI, keep func(model.CellID) bool) map[model.CellID]float64 {
	row := t.rows[imsi]
	out := make(map[model.CellID]float64, len(row))
	for cell, s := range row {
		if keep == nil || keep(cell) {
			out[cell] = s.value
		}
	}
	return out
}

// Forget drops every sample of imsi.
func (t *SinrTable) Forget(imsi model.IMSI) {
	delete(t.rows, imsi)
}
