package sim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/mobility-controller/internal/observability"
	"github.com/signalsfoundry/mobility-controller/internal/scenario"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/internal/x2"
	"github.com/signalsfoundry/mobility-controller/model"
)

func mustScenario(t *testing.T, doc string) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return sc
}

const singleCell = `{
  "name": "single-cell",
  "duration": "200ms",
  "cells": [{ "id": 1, "kind": "anchor" }],
  "terminals": [{
    "imsi": 42, "anchor": 1,
    "bearers": [{ "id": 5, "mode": "reliable" }],
    "traffic": { "bearer": 5, "interval": "1ms", "size": 64, "stop_at": "100ms" }
  }]
}`

func TestRunDeliversTrafficOnSingleCell(t *testing.T) {
	reg := prometheus.NewRegistry()
	delivery, err := observability.NewDeliveryCollector(reg)
	if err != nil {
		t.Fatalf("NewDeliveryCollector: %v", err)
	}
	r, err := New(mustScenario(t, singleCell), WithDeliveryCollector(delivery))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Generated < 90 {
		t.Fatalf("generated = %d, want ~99", sum.Generated)
	}
	if sum.Delivered != sum.Generated || sum.Lost != 0 || sum.Buffered != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Duplicates != 0 {
		t.Fatalf("duplicates = %d", sum.Duplicates)
	}
	if got := testutil.ToFloat64(delivery.Delivered); uint64(got) != sum.Delivered {
		t.Fatalf("delivered counter = %v, summary %d", got, sum.Delivered)
	}
	if f := r.Telemetry().Get(42, 5); f == nil || f.BytesRx != 64*f.Delivered {
		t.Fatalf("flow = %+v", f)
	}

	c, _ := r.Controller(1)
	tc, ok := c.ContextFor(42)
	if !ok || !tc.State().Active() {
		t.Fatalf("terminal not connected at end of run")
	}
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatalf("second Run succeeded")
	}
}

const secondaryMoves = `{
  "name": "secondary-moves",
  "duration": "600ms",
  "cells": [
    { "id": 1, "kind": "anchor" },
    { "id": 11, "kind": "secondary", "link": "secondary-a" },
    { "id": 12, "kind": "secondary", "link": "secondary-a" },
    { "id": 13, "kind": "secondary", "link": "secondary-a" }
  ],
  "terminals": [{
    "imsi": 7, "anchor": 1,
    "bearers": [{ "id": 5 }],
    "traffic": { "bearer": 5, "interval": "2ms", "stop_at": "400ms" }
  }],
  "samples": [
    { "at": "10ms", "imsi": 7, "cell": 11, "value": 8 },
    { "at": "100ms", "imsi": 7, "cell": 12, "value": 14 },
    { "at": "150ms", "imsi": 7, "cell": 13, "value": 20 }
  ]
}`

func TestRunMovesSecondaryToStrongestCell(t *testing.T) {
	r, err := New(mustScenario(t, secondaryMoves))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	anchor, _ := r.Controller(1)
	ls, ok := anchor.LinkState(7, model.LinkSecondaryA)
	if !ok || ls.Cell != 13 {
		t.Fatalf("secondary-a link = %+v, %v", ls, ok)
	}
	for _, id := range []model.CellID{11, 12, 13} {
		c, _ := r.Controller(id)
		tc, ok := c.ContextFor(7)
		active := ok && tc.State().Active()
		if active != (id == 13) {
			t.Fatalf("cell %d active = %v", id, active)
		}
	}
	if sum.Delivered == 0 {
		t.Fatalf("nothing delivered: %+v", sum)
	}
	if sum.Completed("secondary-a") == 0 || sum.Attached("secondary-a") != 1 {
		t.Fatalf("secondary-a attached %d completed %d: %+v",
			sum.Attached("secondary-a"), sum.Completed("secondary-a"), sum.Links)
	}
	if sum.Lost != 0 {
		t.Fatalf("units lost across secondary handovers: %+v", sum)
	}

	var out bytes.Buffer
	if err := sum.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, want := range []string{"secondary-moves", "secondary-a", "lost"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("summary output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunAppliesX2Outages(t *testing.T) {
	doc := strings.Replace(secondaryMoves, `"terminals"`,
		`"x2": { "outages": [{ "a": 1, "b": 12, "from": "90ms", "until": "110ms" }] }, "terminals"`, 1)
	reg := prometheus.NewRegistry()
	collector, err := observability.NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}
	r, err := New(mustScenario(t, doc), WithHandoverCollector(collector))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(collector.X2Messages.WithLabelValues("sinr_update", "link_down")); got != 1 {
		t.Fatalf("sinr updates refused = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.X2Messages.WithLabelValues("handover_request", "sent")); got == 0 {
		t.Fatalf("no handover requests recorded")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	doc := strings.Replace(singleCell, `"200ms"`, `"1h"`, 1)
	r, err := New(mustScenario(t, doc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
	if sum == nil || sum.Simulated >= time.Hour {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestNewRejectsNilScenario(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("New(nil) succeeded")
	}
}

func TestRunHostsSubsetOverExternalTransport(t *testing.T) {
	var transport *x2.GRPCTransport
	r, err := New(mustScenario(t, secondaryMoves),
		WithCells(1),
		WithTransport(func(s sched.EventScheduler) (x2.Channel, error) {
			transport = x2.NewGRPCTransport(s)
			return transport, nil
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer transport.Close()

	if _, ok := r.Controller(11); ok {
		t.Fatalf("unhosted cell has a controller")
	}
	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Delivered == 0 || sum.Delivered != sum.Generated-sum.Buffered-sum.Lost {
		t.Fatalf("summary = %+v", sum)
	}
	anchor, _ := r.Controller(1)
	if ls, ok := anchor.LinkState(7, model.LinkSecondaryA); ok && ls.Cell != 0 {
		t.Fatalf("secondary attached without its controller: %+v", ls)
	}

	if _, err := New(mustScenario(t, secondaryMoves), WithCells(99)); err == nil {
		t.Fatalf("New with unknown hosted cell succeeded")
	}
}
