package x2

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

type recorder struct {
	msgs []Message
	ctxs []context.Context
	at   []time.Time
	now  func() time.Time
}

func (r *recorder) OnInterControllerMessage(ctx context.Context, msg Message) {
	r.msgs = append(r.msgs, msg)
	r.ctxs = append(r.ctxs, ctx)
	if r.now != nil {
		r.at = append(r.at, r.now())
	}
}

type countingMetrics map[string]int

func (m countingMetrics) IncX2Message(kind, outcome string) { m[kind+"/"+outcome]++ }

func TestInMemoryBusDeliversInSendOrderPerPair(t *testing.T) {
	start := time.Unix(0, 0)
	s := sched.NewFakeEventScheduler(start)
	bus := NewInMemoryBus(s, WithLatency(2*time.Millisecond))

	rx := &recorder{now: s.Now}
	if err := bus.Register(2, rx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ep := NewEndpoint(1, bus)
	ctx := context.Background()

	if err := ep.SendHandoverRequest(ctx, 2, HandoverRequest{IMSI: 7}); err != nil {
		t.Fatalf("SendHandoverRequest: %v", err)
	}
	if err := ep.SendStatusTransfer(ctx, 2, SnStatusTransfer{IMSI: 7}); err != nil {
		t.Fatalf("SendStatusTransfer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ep.SendDataForward(ctx, 2, 7, 1, model.DataUnit{SN: uint32(i)}); err != nil {
			t.Fatalf("SendDataForward: %v", err)
		}
	}

	s.Advance(time.Millisecond)
	if len(rx.msgs) != 0 {
		t.Fatalf("messages delivered before latency elapsed")
	}
	s.Advance(time.Millisecond)
	if len(rx.msgs) != 5 {
		t.Fatalf("delivered %d messages, want 5", len(rx.msgs))
	}

	wantKinds := []Kind{KindHandoverRequest, KindSnStatusTransfer, KindDataForward, KindDataForward, KindDataForward}
	for i, k := range wantKinds {
		if rx.msgs[i].Kind() != k {
			t.Fatalf("message %d kind %s, want %s", i, rx.msgs[i].Kind(), k)
		}
		if rx.msgs[i].From != 1 || rx.msgs[i].To != 2 {
			t.Fatalf("message %d addressed %s->%s", i, rx.msgs[i].From, rx.msgs[i].To)
		}
	}
	for i := 0; i < 3; i++ {
		if sn := rx.msgs[2+i].Payload.(DataForward).Unit.SN; sn != uint32(i) {
			t.Fatalf("data forward %d carried SN %d", i, sn)
		}
	}
	if !rx.at[0].Equal(start.Add(2 * time.Millisecond)) {
		t.Fatalf("delivery time %v", rx.at[0])
	}
}

func TestInMemoryBusKeepsOrderWhenLatencyShrinks(t *testing.T) {
	s := sched.NewFakeEventScheduler(time.Unix(0, 0))
	bus := NewInMemoryBus(s, WithLatency(5*time.Millisecond))
	rx := &recorder{}
	_ = bus.Register(2, rx)
	ep := NewEndpoint(1, bus)

	_ = ep.SendContextRelease(context.Background(), 2, UeContextRelease{SourceRNTI: 1})
	bus.latency = time.Millisecond
	_ = ep.SendContextRelease(context.Background(), 2, UeContextRelease{SourceRNTI: 2})

	s.Advance(10 * time.Millisecond)
	if len(rx.msgs) != 2 || rx.msgs[0].Payload.(UeContextRelease).SourceRNTI != 1 {
		t.Fatalf("pair order violated: %+v", rx.msgs)
	}
}

func TestInMemoryBusErrors(t *testing.T) {
	s := sched.NewFakeEventScheduler(time.Unix(0, 0))
	metrics := countingMetrics{}
	bus := NewInMemoryBus(s, WithBusMetrics(metrics))
	_ = bus.Register(2, &recorder{})
	ep := NewEndpoint(1, bus)
	ctx := context.Background()

	if err := ep.SendSinrUpdate(ctx, 9, SinrUpdate{Cell: 1}); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("send to unknown cell: %v, want ErrUnknownPeer", err)
	}

	bus.SetLinkDown(1, 2, true)
	if err := ep.SendSinrUpdate(ctx, 2, SinrUpdate{Cell: 1}); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("send over down link: %v, want ErrLinkDown", err)
	}
	bus.SetLinkDown(2, 1, false)
	if err := ep.SendSinrUpdate(ctx, 2, SinrUpdate{Cell: 1}); err != nil {
		t.Fatalf("send after link restored: %v", err)
	}

	if err := bus.Register(2, &recorder{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register: %v, want ErrAlreadyRegistered", err)
	}
	if metrics["sinr_update/unknown_peer"] != 1 || metrics["sinr_update/link_down"] != 1 || metrics["sinr_update/sent"] != 1 {
		t.Fatalf("unexpected metrics %v", metrics)
	}
}

func TestInMemoryBusWireEncodingCopiesPayloads(t *testing.T) {
	s := sched.NewFakeEventScheduler(time.Unix(0, 0))
	bus := NewInMemoryBus(s, WithWireEncoding())
	rx := &recorder{}
	_ = bus.Register(2, rx)
	ep := NewEndpoint(1, bus)

	ctx := logging.ContextWithProcedureID(context.Background(), "proc-1")
	req := HandoverRequest{
		IMSI:    3,
		Bearers: []BearerContext{{Spec: model.BearerSpec{ID: 5, QCI: 9}, NextSN: 17}},
	}
	if err := ep.SendHandoverRequest(ctx, 2, req); err != nil {
		t.Fatalf("SendHandoverRequest: %v", err)
	}
	req.Bearers[0].NextSN = 99

	s.RunDue()
	if len(rx.msgs) != 1 {
		t.Fatalf("delivered %d messages", len(rx.msgs))
	}
	got := rx.msgs[0].Payload.(HandoverRequest)
	if got.Bearers[0].NextSN != 17 || got.Bearers[0].Spec.ID != 5 {
		t.Fatalf("receiver saw sender mutation: %+v", got.Bearers[0])
	}
	if id := logging.ProcedureIDFromContext(rx.ctxs[0]); id != "proc-1" {
		t.Fatalf("procedure id %q not propagated", id)
	}
}
