package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
)

func TestRoundTripEnvelopes(t *testing.T) {
	actor := actorid.New("echo-1", "127.0.0.1", 7000)
	cases := []Envelope{
		NewInvocation(actor, "greet", nil, [][]byte{[]byte(`"world"`)}),
		NewResponseOK(uuid.New(), []byte(`"hello, world"`)),
		NewResponseError(uuid.New(), "boom"),
		NewStreamStart(uuid.New(), uuid.New()),
		NewStreamData(uuid.New(), 1, []byte(`{"x":1}`)),
		NewStreamEnd(uuid.New(), ReasonCompleted),
		NewStreamError(uuid.New(), "decode failed"),
		NewStreamResume(uuid.New(), 3, actor, "observeState"),
	}

	for _, e := range cases {
		b, err := Encode(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != e.Kind || got.CallID != e.CallID || got.StreamID != e.StreamID {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, e)
		}
	}
}

func TestProtocolVersionAbsenceDefaultsToOne(t *testing.T) {
	e := Envelope{Kind: KindInvocation}
	if v := e.NegotiatedProtocolVersion(); v != 1 {
		t.Fatalf("expected absent protocolVersion to decode as 1, got %d", v)
	}
}

func TestUnknownFilterShapeRejected(t *testing.T) {
	e := Envelope{
		Kind:         KindInvocation,
		StreamFilter: &StreamFilter{Type: "custom"},
	}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected unknown filter type to be rejected")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := NewStreamData(uuid.New(), 42, []byte("payload"))
	e.Timestamp = time.Now().UTC().Truncate(time.Millisecond)

	if err := WriteEnvelope(&buf, e); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.SequenceNumber != 42 || got.StreamID != e.StreamID {
		t.Fatalf("frame round-trip mismatch: got %+v", got)
	}
}

func TestIsObserveTarget(t *testing.T) {
	if !IsObserveTarget("observeBalance") {
		t.Fatalf("expected observeBalance to be an observe target")
	}
	if IsObserveTarget("greet") {
		t.Fatalf("expected greet not to be an observe target")
	}
	if IsObserveTarget("observe") {
		t.Fatalf("bare 'observe' with no suffix should not count")
	}
}
