package sim

import (
	"testing"
	"time"
)

func TestTelemetryCountsDuplicates(t *testing.T) {
	tel := NewTelemetry()
	tel.Generated(1, 5, true)
	tel.Generated(1, 5, true)
	tel.Generated(1, 5, false)
	at := time.Unix(10, 0)
	if dup := tel.Received(1, 5, 0, 100, at); dup {
		t.Fatalf("first receipt reported as duplicate")
	}
	if dup := tel.Received(1, 5, 0, 100, at); !dup {
		t.Fatalf("second receipt not reported as duplicate")
	}
	tel.Received(1, 5, 1, 100, at)

	f := tel.Get(1, 5)
	if f == nil {
		t.Fatalf("flow missing")
	}
	if f.Generated != 2 || f.Refused != 1 || f.Delivered != 2 || f.Duplicates != 1 || f.BytesRx != 300 {
		t.Fatalf("flow = %+v", f)
	}
	f.Delivered = 99
	if tel.Get(1, 5).Delivered != 2 {
		t.Fatalf("Get returned shared state")
	}
	if tel.Get(2, 5) != nil {
		t.Fatalf("unknown flow returned metrics")
	}
}

func TestTelemetryListAllIsOrdered(t *testing.T) {
	tel := NewTelemetry()
	tel.Generated(9, 1, true)
	tel.Generated(3, 7, true)
	tel.Generated(3, 2, true)
	all := tel.ListAll()
	if len(all) != 3 {
		t.Fatalf("flows = %+v", all)
	}
	if all[0].IMSI != 3 || all[0].Bearer != 2 || all[1].Bearer != 7 || all[2].IMSI != 9 {
		t.Fatalf("order = %+v", all)
	}
}

func TestPayloadTagRoundTrip(t *testing.T) {
	p := tagPayload(12345, 3)
	if len(p) != seqTagLen {
		t.Fatalf("payload len = %d", len(p))
	}
	if seq, ok := unitSeq(p); !ok || seq != 12345 {
		t.Fatalf("unitSeq = %d, %v", seq, ok)
	}
	if _, ok := unitSeq([]byte{1, 2}); ok {
		t.Fatalf("short payload accepted")
	}
}
