package cell

import "fmt"

// numPreambles is the size of the random access preamble space.
const numPreambles = 64

// PreamblePool hands out dedicated random access preambles to terminals
// joining the cell through a handover. The pool covers the top n preambles
// of the space; the rest stay available for contention based access.
type PreamblePool struct {
	first uint8
	used  []bool
}

// NewPreamblePool reserves n dedicated preambles.
func NewPreamblePool(n int) *PreamblePool {
	if n < 0 {
		n = 0
	}
	if n > numPreambles {
		n = numPreambles
	}
	return &PreamblePool{first: uint8(numPreambles - n), used: make([]bool, n)}
}

// Allocate returns a free preamble.
func (p *PreamblePool) Allocate() (uint8, error) {
	for i, u := range p.used {
		if !u {
			p.used[i] = true
			return p.first + uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%d dedicated preambles in use: %w", len(p.used), ErrPreambleAllocationFailed)
}

// Release returns a preamble to the pool. Unknown values are ignored.
func (p *PreamblePool) Release(preamble uint8) {
	if preamble < p.first {
		return
	}
	if i := int(preamble - p.first); i < len(p.used) {
		p.used[i] = false
	}
}

// InUse returns the number of allocated preambles.
func (p *PreamblePool) InUse() int {
	n := 0
	for _, u := range p.used {
		if u {
			n++
		}
	}
	return n
}
