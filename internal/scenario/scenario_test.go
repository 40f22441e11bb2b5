package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/measurement"
	"github.com/signalsfoundry/mobility-controller/model"
)

const minimal = `{
  "name": "two-cells",
  "duration": "500ms",
  "cells": [
    { "id": 1, "kind": "anchor" },
    { "id": 11, "kind": "secondary", "link": "a" }
  ],
  "terminals": [
    { "imsi": 7, "anchor": 1, "bearers": [{ "id": 5 }], "traffic": { "bearer": 5, "interval": "1ms" } }
  ],
  "samples": [{ "at": "10ms", "imsi": 7, "cell": 11, "value": 4.5 }]
}`

func TestParseAppliesDefaults(t *testing.T) {
	sc, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sc.Duration.Std() != 500*time.Millisecond {
		t.Fatalf("duration = %s", sc.Duration.Std())
	}
	if sc.Tick.Std() != 100*time.Microsecond || sc.X2.Latency.Std() != time.Millisecond {
		t.Fatalf("tick/latency defaults = %s/%s", sc.Tick.Std(), sc.X2.Latency.Std())
	}
	if sc.Radio.UnitsPerSlot != 4 || sc.Terminals[0].Traffic.Size != 1200 {
		t.Fatalf("radio/traffic defaults = %+v %+v", sc.Radio, sc.Terminals[0].Traffic)
	}

	topo, err := sc.Topology()
	if err != nil {
		t.Fatalf("Topology: %v", err)
	}
	if !topo.Serves(11, model.LinkSecondaryA) || !topo.Serves(1, model.LinkAnchor) {
		t.Fatalf("topology = %+v", topo.Cells())
	}

	specs := sc.Terminals[0].BearerSpecs()
	if len(specs) != 1 || specs[0].ID != 5 || specs[0].Mode != model.Reliable || specs[0].QCI != 9 {
		t.Fatalf("bearer specs = %+v", specs)
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing cells": `{"name":"x","duration":"1s","terminals":[]}`,
		"bad duration":  strings.Replace(minimal, `"500ms"`, `"half a second"`, 1),
		"unknown kind":  strings.Replace(minimal, `"kind": "anchor"`, `"kind": "macro"`, 1),
		"extra field":   strings.Replace(minimal, `"name"`, `"colour": "red", "name"`, 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("Parse err = %v", err)
			}
		})
	}
}

func TestParseRejectsBrokenReferences(t *testing.T) {
	cases := map[string]string{
		"anchor is secondary": strings.Replace(minimal, `"anchor": 1`, `"anchor": 11`, 1),
		"unknown sample cell": strings.Replace(minimal, `"cell": 11`, `"cell": 99`, 1),
		"undeclared bearer":   strings.Replace(minimal, `"bearer": 5`, `"bearer": 6`, 1),
		"secondary no link":   strings.Replace(minimal, `, "link": "a"`, ``, 1),
		"duplicate cell":      strings.Replace(minimal, `"id": 11`, `"id": 1`, 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("Parse err = %v", err)
			}
		})
	}
}

func TestLoadMergesTraceFile(t *testing.T) {
	dir := t.TempDir()
	file := measurement.Trace{
		{At: 5 * time.Millisecond, IMSI: 7, Cell: 1, Value: 12},
		{At: 20 * time.Millisecond, IMSI: 7, Cell: 11, Value: -3},
	}
	if err := measurement.WriteXLSX(filepath.Join(dir, "sinr.xlsx"), "sinr", file); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	doc := strings.Replace(minimal, `"samples"`, `"trace_file": "sinr.xlsx", "samples"`, 1)
	path := filepath.Join(dir, "scenario.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	trace, err := sc.Trace()
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	if len(trace) != len(want) {
		t.Fatalf("trace = %+v", trace)
	}
	for i, at := range want {
		if trace[i].At != at {
			t.Fatalf("sample %d at %s, want %s", i, trace[i].At, at)
		}
	}
}

func TestBundledScenarioIsValid(t *testing.T) {
	sc, err := Load(filepath.Join("..", "..", "configs", "scenarios", "dual-connectivity.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sc.Cells) != 6 || len(sc.X2.Outages) != 1 {
		t.Fatalf("scenario = %+v", sc)
	}
	if !sc.X2.WireEncoding {
		t.Fatalf("wire encoding not set")
	}
}
