package cell

import (
	"sort"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/decision"
	"github.com/signalsfoundry/mobility-controller/model"
)

// Lookup resolves identities without exposing the registry's bookkeeping.
type Lookup interface {
	RNTI(imsi model.IMSI) (model.RNTI, bool)
	IMSI(rnti model.RNTI) (model.IMSI, bool)
}

// LinkState is the anchor's view of one link of a terminal.
type LinkState struct {
	Cell       model.CellID
	RNTI       model.RNTI
	OnFallback bool
	// InProgress is set while a procedure towards Target runs on this link.
	InProgress bool
	Target     model.CellID
	Pending    *decision.Pending

	eventID string
	guardID string
	blocked map[model.CellID]time.Time
}

// Blocked reports whether cell is still in its failure backoff at now.
func (ls *LinkState) Blocked(cell model.CellID, now time.Time) bool {
	until, ok := ls.blocked[cell]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(ls.blocked, cell)
		return false
	}
	return true
}

func (ls *LinkState) block(cell model.CellID, until time.Time) {
	if ls.blocked == nil {
		ls.blocked = make(map[model.CellID]time.Time)
	}
	ls.blocked[cell] = until
}

// Mobility is the record an anchor keeps for a terminal it anchors.
type Mobility struct {
	IMSI  model.IMSI
	Links map[model.Link]*LinkState
}

// Link returns the state of l, creating it on first use.
func (m *Mobility) Link(l model.Link) *LinkState {
	ls, ok := m.Links[l]
	if !ok {
		ls = &LinkState{}
		m.Links[l] = ls
	}
	return ls
}

// Registry is the controller's identity table: imsi to rnti for every local
// context, plus mobility records for terminals anchored here.
type Registry struct {
	byIMSI   map[model.IMSI]model.RNTI
	byRNTI   map[model.RNTI]model.IMSI
	mobility map[model.IMSI]*Mobility
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIMSI:   make(map[model.IMSI]model.RNTI),
		byRNTI:   make(map[model.RNTI]model.IMSI),
		mobility: make(map[model.IMSI]*Mobility),
	}
}

// Bind associates imsi with rnti, dropping any earlier binding of either.
func (r *Registry) Bind(imsi model.IMSI, rnti model.RNTI) {
	if old, ok := r.byIMSI[imsi]; ok {
		delete(r.byRNTI, old)
	}
	if old, ok := r.byRNTI[rnti]; ok {
		delete(r.byIMSI, old)
	}
	r.byIMSI[imsi] = rnti
	r.byRNTI[rnti] = imsi
}

// Unbind drops the binding of rnti.
func (r *Registry) Unbind(rnti model.RNTI) {
	if imsi, ok := r.byRNTI[rnti]; ok {
		delete(r.byRNTI, rnti)
		if r.byIMSI[imsi] == rnti {
			delete(r.byIMSI, imsi)
		}
	}
}

func (r *Registry) RNTI(imsi model.IMSI) (model.RNTI, bool) {
	rnti, ok := r.byIMSI[imsi]
	return rnti, ok
}

func (r *Registry) IMSI(rnti model.RNTI) (model.IMSI, bool) {
	imsi, ok := r.byRNTI[rnti]
	return imsi, ok
}

// Anchor creates or resets the mobility record of imsi with the anchor link
// on (cell, rnti).
func (r *Registry) Anchor(imsi model.IMSI, cell model.CellID, rnti model.RNTI) *Mobility {
	m := &Mobility{IMSI: imsi, Links: make(map[model.Link]*LinkState)}
	m.Links[model.LinkAnchor] = &LinkState{Cell: cell, RNTI: rnti}
	r.mobility[imsi] = m
	return m
}

// Mobility returns the record of a terminal anchored here.
func (r *Registry) Mobility(imsi model.IMSI) (*Mobility, bool) {
	m, ok := r.mobility[imsi]
	return m, ok
}

// Forget drops the mobility record of imsi.
func (r *Registry) Forget(imsi model.IMSI) {
	delete(r.mobility, imsi)
}

// Anchored lists the terminals anchored here in imsi order.
func (r *Registry) Anchored() []model.IMSI {
	out := make([]model.IMSI, 0, len(r.mobility))
	for imsi := range r.mobility {
		out = append(out, imsi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
