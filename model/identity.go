package model

import "fmt"

// IMSI identifies a terminal across every controller in the network.
type IMSI uint64

// RNTI is the connection identifier a cell assigns to a terminal. It is only
// unique within the owning cell; zero is never assigned.
type RNTI uint16

// MaxRNTI is the highest usable connection identifier.
const MaxRNTI RNTI = 65535

// CellID identifies a cell and its controller.
type CellID uint16

// BearerID identifies a data bearer within a terminal context.
type BearerID uint8

func (i IMSI) String() string   { return fmt.Sprintf("imsi-%d", uint64(i)) }
func (c CellID) String() string { return fmt.Sprintf("cell-%d", uint16(c)) }

// CellKind tells whether a cell can anchor a terminal or only serve as a
// secondary connection.
type CellKind int

const (
	CellKindAnchor CellKind = iota
	CellKindSecondary
)

func (k CellKind) String() string {
	switch k {
	case CellKindAnchor:
		return "anchor"
	case CellKindSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Link is one of the logical connections a terminal may hold at the same
// time: the anchor connection and up to two secondary connections.
type Link int

const (
	LinkAnchor Link = iota
	LinkSecondaryA
	LinkSecondaryB
)

// SecondaryLinks lists the links evaluated by the secondary decision loop.
var SecondaryLinks = []Link{LinkSecondaryA, LinkSecondaryB}

func (l Link) String() string {
	switch l {
	case LinkAnchor:
		return "anchor"
	case LinkSecondaryA:
		return "secondary-a"
	case LinkSecondaryB:
		return "secondary-b"
	default:
		return fmt.Sprintf("link(%d)", int(l))
	}
}

// ParseLink converts the textual link name used in scenario and config files.
func ParseLink(s string) (Link, error) {
	switch s {
	case "anchor":
		return LinkAnchor, nil
	case "secondary-a", "a":
		return LinkSecondaryA, nil
	case "secondary-b", "b":
		return LinkSecondaryB, nil
	default:
		return 0, fmt.Errorf("unknown link %q", s)
	}
}

// CellRef names a terminal context on a specific cell.
type CellRef struct {
	Cell CellID
	RNTI RNTI
}

// IsZero reports whether the reference points at nothing.
func (r CellRef) IsZero() bool { return r.Cell == 0 && r.RNTI == 0 }
