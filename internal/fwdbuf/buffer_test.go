package fwdbuf

import (
	"errors"
	"fmt"
	"testing"

	"github.com/signalsfoundry/mobility-controller/model"
)

func payloads(units []model.DataUnit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = string(u.Payload)
	}
	return out
}

func drainAll(t *testing.T, b *Buffer) []model.DataUnit {
	t.Helper()
	var got []model.DataUnit
	if _, err := b.Drain(func(u model.DataUnit) error {
		got = append(got, u)
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return got
}

func TestDrainReplaysEnqueueOrderExactlyOnce(t *testing.T) {
	for _, mode := range []model.DeliveryMode{model.Reliable, model.BestEffort} {
		t.Run(mode.String(), func(t *testing.T) {
			b := New(mode)
			var want []string
			for i := 0; i < 10; i++ {
				p := fmt.Sprintf("pdu-%d", i)
				want = append(want, p)
				b.Enqueue([]byte(p))
			}

			got := payloads(drainAll(t, b))
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("drained %v, want %v", got, want)
			}
			if !b.Empty() || b.Bytes() != 0 {
				t.Fatalf("buffer not empty after drain")
			}
			if again := drainAll(t, b); len(again) != 0 {
				t.Fatalf("second drain returned %d units", len(again))
			}
		})
	}
}

func TestReliableCaptureMergesUnackedAndRetransmissions(t *testing.T) {
	b := New(model.Reliable)
	for i := 0; i < 6; i++ {
		b.Enqueue([]byte{byte('a' + i)})
	}

	sent := b.Transmit(4) // a b c d in flight
	if len(sent) != 4 {
		t.Fatalf("transmitted %d units, want 4", len(sent))
	}
	b.Ack(0)  // a delivered
	b.Nack(2) // c needs retransmission

	got := b.Capture()
	var sns []uint32
	for _, u := range got {
		sns = append(sns, u.SN)
	}
	if fmt.Sprint(sns) != "[1 2 3 4 5]" {
		t.Fatalf("capture SNs = %v, want [1 2 3 4 5]", sns)
	}
	if fmt.Sprint(payloads(got)) != "[b c d e f]" {
		t.Fatalf("capture payloads = %v", payloads(got))
	}
}

func TestBestEffortForgetsTransmittedUnits(t *testing.T) {
	b := New(model.BestEffort)
	for i := 0; i < 4; i++ {
		b.Enqueue([]byte{byte('a' + i)})
	}
	b.Transmit(2)

	if got := payloads(drainAll(t, b)); fmt.Sprint(got) != "[c d]" {
		t.Fatalf("drained %v, want [c d]", got)
	}
}

func TestDrainKeepsFailedUnitAtHead(t *testing.T) {
	b := New(model.Reliable)
	for i := 0; i < 3; i++ {
		b.Enqueue([]byte{byte('a' + i)})
	}

	errNotReady := errors.New("not ready")
	n, err := b.Drain(func(u model.DataUnit) error {
		if u.SN == 1 {
			return errNotReady
		}
		return nil
	})
	if n != 1 || !errors.Is(err, errNotReady) {
		t.Fatalf("Drain = (%d, %v), want (1, not ready)", n, err)
	}

	if got := payloads(drainAll(t, b)); fmt.Sprint(got) != "[b c]" {
		t.Fatalf("remaining drain %v, want [b c]", got)
	}
}

func TestAppendKeepsForwardedSequenceNumbers(t *testing.T) {
	b := New(model.Reliable)
	b.Append(model.DataUnit{SN: 40, Payload: []byte("x")})
	b.Append(model.DataUnit{SN: 41, Payload: []byte("y")})
	u := b.Enqueue([]byte("z"))
	if u.SN != 42 {
		t.Fatalf("next SN after forwarded units = %d, want 42", u.SN)
	}
	b.SetNextSN(10)
	if b.NextSN() != 43 {
		t.Fatalf("SetNextSN moved counter backwards to %d", b.NextSN())
	}
}
