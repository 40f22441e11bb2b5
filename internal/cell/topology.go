package cell

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/mobility-controller/model"
)

// Info describes one cell of the deployment.
type Info struct {
	ID   model.CellID
	Kind model.CellKind
	// Link is the secondary link a secondary cell serves. Anchor cells
	// always serve LinkAnchor.
	Link model.Link
}

// Topology is the static set of cells known to every controller.
type Topology struct {
	cells map[model.CellID]Info
}

// NewTopology validates cells and builds a Topology.
func NewTopology(cells ...Info) (*Topology, error) {
	t := &Topology{cells: make(map[model.CellID]Info, len(cells))}
	for _, c := range cells {
		if c.ID == 0 {
			return nil, fmt.Errorf("cell id 0 is reserved")
		}
		if _, dup := t.cells[c.ID]; dup {
			return nil, fmt.Errorf("duplicate cell %d", c.ID)
		}
		switch c.Kind {
		case model.CellKindAnchor:
			c.Link = model.LinkAnchor
		case model.CellKindSecondary:
			if c.Link != model.LinkSecondaryA && c.Link != model.LinkSecondaryB {
				return nil, fmt.Errorf("secondary cell %d: link %s is not a secondary link", c.ID, c.Link)
			}
		default:
			return nil, fmt.Errorf("cell %d: unknown kind %d", c.ID, c.Kind)
		}
		t.cells[c.ID] = c
	}
	return t, nil
}

// Cell returns the description of id.
func (t *Topology) Cell(id model.CellID) (Info, bool) {
	c, ok := t.cells[id]
	return c, ok
}

// Serves reports whether cell id can carry link.
func (t *Topology) Serves(id model.CellID, link model.Link) bool {
	c, ok := t.cells[id]
	return ok && c.Link == link
}

// Anchors returns the anchor cells in id order.
func (t *Topology) Anchors() []model.CellID {
	var out []model.CellID
	for id, c := range t.cells {
		if c.Kind == model.CellKindAnchor {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cells returns every cell in id order.
func (t *Topology) Cells() []Info {
	out := make([]Info, 0, len(t.cells))
	for _, c := range t.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
