package x2

import (
	"errors"
	"reflect"
	"testing"

	"github.com/signalsfoundry/mobility-controller/model"
)

func TestCodecPreservesEnvelopeAndPayload(t *testing.T) {
	in := Message{
		From:        4,
		To:          9,
		ProcedureID: "p-1",
		Payload: RlcSetupRequest{
			IMSI:          11,
			SecondaryCell: 4,
			SecondaryRNTI: 300,
			AnchorCell:    9,
			Link:          model.LinkSecondaryB,
			Bearers:       []model.BearerSpec{{ID: 1, LCID: 3, TEID: 77, Mode: model.BestEffort}},
		},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"from":1,"to":2,"kind":"teleport","body":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Decode unknown kind: %v, want ErrUnknownKind", err)
	}
	if _, err := Encode(Message{From: 1, To: 2}); err == nil {
		t.Fatalf("Encode accepted an empty payload")
	}
}

func TestKindNamesRoundTrip(t *testing.T) {
	for k := KindHandoverRequest; k <= KindHandoverFailed; k++ {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
}
