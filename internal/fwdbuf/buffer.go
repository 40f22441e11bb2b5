// Package fwdbuf holds the per-bearer store-and-replay queue used while a
// terminal's data path moves from one cell to another.
package fwdbuf

import (
	"fmt"
	"sort"

	"github.com/signalsfoundry/mobility-controller/model"
)

// Buffer is the ordered queue of data units a bearer has not yet delivered.
//
// Reliable buffers track three lists: units never transmitted, units
// transmitted and awaiting acknowledgement, and units negatively acknowledged
// and awaiting retransmission. Best-effort buffers only track units never
// transmitted; anything handed to the radio is forgotten.
//
// A Buffer is owned by a single bearer and is not safe for concurrent use.
type Buffer struct {
	mode   model.DeliveryMode
	nextSN uint32

	pending  []model.DataUnit
	inFlight []model.DataUnit // ascending SN
	retx     []model.DataUnit // ascending SN
	bytes    int
}

// New returns an empty buffer for the given delivery mode.
func New(mode model.DeliveryMode) *Buffer {
	return &Buffer{mode: mode}
}

// Mode returns the delivery discipline of the buffer.
func (b *Buffer) Mode() model.DeliveryMode { return b.mode }

// NextSN returns the sequence number the next enqueued unit will receive.
func (b *Buffer) NextSN() uint32 { return b.nextSN }

// Enqueue stores a new payload at the tail and assigns it the next sequence number.
func (b *Buffer) Enqueue(payload []byte) model.DataUnit {
	u := model.DataUnit{SN: b.nextSN, Payload: payload}
	b.nextSN++
	b.pending = append(b.pending, u)
	b.bytes += len(payload)
	return u
}

// Append stores a unit that already carries a sequence number, typically one
// forwarded from another cell. Later Enqueue calls continue after the highest
// sequence number seen.
func (b *Buffer) Append(u model.DataUnit) {
	if u.SN >= b.nextSN {
		b.nextSN = u.SN + 1
	}
	b.pending = append(b.pending, u)
	b.bytes += len(u.Payload)
}

// SetNextSN aligns the sequence counter with a peer's status report. It never
// moves the counter backwards.
func (b *Buffer) SetNextSN(sn uint32) {
	if sn > b.nextSN {
		b.nextSN = sn
	}
}

// Transmit hands up to n units to the radio, retransmissions first. Reliable
// buffers keep the returned units until they are acknowledged.
func (b *Buffer) Transmit(n int) []model.DataUnit {
	if n <= 0 {
		return nil
	}
	out := make([]model.DataUnit, 0, n)

	for len(out) < n && len(b.retx) > 0 {
		u := b.retx[0]
		b.retx = b.retx[1:]
		out = append(out, u)
		b.inFlight = insertBySN(b.inFlight, u)
	}
	for len(out) < n && len(b.pending) > 0 {
		u := b.pending[0]
		b.pending = b.pending[1:]
		out = append(out, u)
		if b.mode == model.Reliable {
			b.inFlight = insertBySN(b.inFlight, u)
		} else {
			b.bytes -= len(u.Payload)
		}
	}
	return out
}

// Ack acknowledges every transmitted unit with a sequence number up to and
// including sn.
func (b *Buffer) Ack(sn uint32) {
	b.inFlight = b.dropUpTo(b.inFlight, sn)
	b.retx = b.dropUpTo(b.retx, sn)
}

// Nack marks a transmitted unit for retransmission. Unknown sequence numbers
// are ignored.
func (b *Buffer) Nack(sn uint32) {
	for i, u := range b.inFlight {
		if u.SN == sn {
			b.inFlight = append(b.inFlight[:i], b.inFlight[i+1:]...)
			b.retx = insertBySN(b.retx, u)
			return
		}
	}
}

// Len returns the number of units the buffer would replay.
func (b *Buffer) Len() int {
	return len(b.Capture())
}

// Bytes returns the payload size retained by the buffer.
func (b *Buffer) Bytes() int { return b.bytes }

// Empty reports whether nothing is retained.
func (b *Buffer) Empty() bool {
	return len(b.pending) == 0 && len(b.inFlight) == 0 && len(b.retx) == 0
}

// Capture returns the replay sequence without modifying the buffer. For
// reliable buffers, unacknowledged and retransmission units are merged by
// sequence number with duplicates removed, followed by units never transmitted.
func (b *Buffer) Capture() []model.DataUnit {
	out := make([]model.DataUnit, 0, len(b.inFlight)+len(b.retx)+len(b.pending))
	if b.mode == model.Reliable {
		out = append(out, mergeBySN(b.inFlight, b.retx)...)
	}
	return append(out, b.pending...)
}

// Drain pops every unit in replay order and hands it to deliver. It stops only
// when the buffer is empty or deliver fails; the failed unit and everything
// after it stay queued, in order, as not-yet-transmitted units.
func (b *Buffer) Drain(deliver func(model.DataUnit) error) (int, error) {
	seq := b.Capture()
	b.pending, b.inFlight, b.retx = nil, nil, nil
	b.bytes = 0

	for i, u := range seq {
		if err := deliver(u); err != nil {
			for _, rest := range seq[i:] {
				b.pending = append(b.pending, rest)
				b.bytes += len(rest.Payload)
			}
			return i, fmt.Errorf("drain at sn %d: %w", u.SN, err)
		}
	}
	return len(seq), nil
}

// Reset discards everything the buffer holds.
func (b *Buffer) Reset() {
	b.pending, b.inFlight, b.retx = nil, nil, nil
	b.bytes = 0
}

func (b *Buffer) dropUpTo(list []model.DataUnit, sn uint32) []model.DataUnit {
	i := 0
	for i < len(list) && list[i].SN <= sn {
		b.bytes -= len(list[i].Payload)
		i++
	}
	return list[i:]
}

func insertBySN(list []model.DataUnit, u model.DataUnit) []model.DataUnit {
	idx := sort.Search(len(list), func(i int) bool { return list[i].SN >= u.SN })
	if idx < len(list) && list[idx].SN == u.SN {
		list[idx] = u
		return list
	}
	list = append(list, model.DataUnit{})
	copy(list[idx+1:], list[idx:])
	list[idx] = u
	return list
}

func mergeBySN(a, b []model.DataUnit) []model.DataUnit {
	out := make([]model.DataUnit, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i].SN < b[j].SN):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j].SN < a[i].SN:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
