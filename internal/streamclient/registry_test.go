package streamclient

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

func drain(t *testing.T, ch <-chan []byte, n int) [][]byte {
	t.Helper()
	var out [][]byte
	for i := 0; i < n; i++ {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed early after %d items", i)
			}
			out = append(out, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
	return out
}

// full prefixes a payload with the server's markerFull byte, matching the
// wire format encodeForSubscriber actually produces for a non-delta value.
func full(payload string) []byte {
	return append([]byte{0x00}, []byte(payload)...)
}

func TestDeduplicationLaw(t *testing.T) {
	r := NewRegistry()
	actor := actorid.New("a1", "h", 1)
	callID := uuid.New()
	streamID, ch := r.CreateRemoteStream(callID, actor, "observeX")

	r.HandleStreamStart(wire.NewStreamStart(callID, streamID))

	// Out-of-order and duplicate sequence numbers: 1, 3, 2 (late), 3 (dup), 4.
	r.HandleStreamData(wire.NewStreamData(streamID, 1, full("v1")))
	r.HandleStreamData(wire.NewStreamData(streamID, 3, full("v3")))
	r.HandleStreamData(wire.NewStreamData(streamID, 2, full("v2-late")))
	r.HandleStreamData(wire.NewStreamData(streamID, 3, full("v3-dup")))
	r.HandleStreamData(wire.NewStreamData(streamID, 4, full("v4")))

	got := drain(t, ch, 3)
	want := []string{"v1", "v3", "v4"}
	for i, w := range want {
		if string(got[i]) != w {
			t.Fatalf("item %d = %q, want %q", i, got[i], w)
		}
	}

	cp, ok := r.Checkpoint(streamID)
	if !ok || cp.LastSequence != 4 {
		t.Fatalf("checkpoint = %+v, ok=%v", cp, ok)
	}
}

func TestStreamEndClosesChannel(t *testing.T) {
	r := NewRegistry()
	actor := actorid.New("a1", "h", 1)
	callID := uuid.New()
	streamID, ch := r.CreateRemoteStream(callID, actor, "observeX")
	r.HandleStreamStart(wire.NewStreamStart(callID, streamID))
	r.HandleStreamEnd(wire.NewStreamEnd(streamID, wire.ReasonCompleted))

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}

	if _, ok := r.Checkpoint(streamID); ok {
		t.Fatal("expected checkpoint to be removed after stream end")
	}
}

// suffixAppendCodec is a minimal DeltaCodec fake: the "delta" is just the
// bytes to append to prev, letting the test assert reconstruction without a
// real numeric/diff encoding.
type suffixAppendCodec struct{}

func (suffixAppendCodec) Apply(prev, delta []byte) ([]byte, bool) {
	return append(append([]byte{}, prev...), delta...), true
}

func TestHandleStreamDataStripsMarkerAndAppliesDelta(t *testing.T) {
	r := NewRegistry()
	actor := actorid.New("a1", "h", 1)
	r.RegisterDeltaCodec(actor, "observeX", suffixAppendCodec{})
	callID := uuid.New()
	streamID, ch := r.CreateRemoteStream(callID, actor, "observeX")
	r.HandleStreamStart(wire.NewStreamStart(callID, streamID))

	r.HandleStreamData(wire.NewStreamData(streamID, 1, full("base")))
	r.HandleStreamData(wire.NewStreamData(streamID, 2, append([]byte{0x01}, []byte("+more")...)))

	got := drain(t, ch, 2)
	if string(got[0]) != "base" {
		t.Fatalf("first value = %q, want %q (no leading marker byte)", got[0], "base")
	}
	if string(got[1]) != "base+more" {
		t.Fatalf("second value = %q, want delta-reconstructed %q", got[1], "base+more")
	}
}

func TestResumedStreamContinuesSequenceFromCheckpoint(t *testing.T) {
	r := NewRegistry()
	actor := actorid.New("a1", "h", 1)
	streamID := uuid.New()
	callID := uuid.New()
	ch := r.CreateResumedStream(callID, streamID, actor, "observeX", 10)

	// Replayed data at or below lastSeq must be dropped; only >10 delivered.
	r.HandleStreamData(wire.NewStreamData(streamID, 9, full("stale")))
	r.HandleStreamData(wire.NewStreamData(streamID, 11, full("fresh")))

	got := drain(t, ch, 1)
	if string(got[0]) != "fresh" {
		t.Fatalf("got %q, want fresh", got[0])
	}
}
