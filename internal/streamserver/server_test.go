package streamserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

type fakeRef struct {
	ch chan []byte
}

func (f *fakeRef) Invoke(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeRef) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	return f.ch, nil
}

type fakeResolver struct{ ref actor.Reference }

func (f *fakeResolver) Resolve(id actorid.ActorID) actor.Reference { return f.ref }

type recordingResponder struct {
	mu  sync.Mutex
	got []wire.Envelope
}

func (r *recordingResponder) Respond(ctx context.Context, e wire.Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingResponder) snapshot() []wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Envelope, len(r.got))
	copy(out, r.got)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDispatchObserveDeliversStreamStartThenData(t *testing.T) {
	src := make(chan []byte, 4)
	resolver := &fakeResolver{ref: &fakeRef{ch: src}}
	s := New(Config{}, resolver)

	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "observeTemp", nil, nil)
	resp := &recordingResponder{}

	s.DispatchObserve(context.Background(), transport.Message{Envelope: env, Reply: resp})
	src <- []byte("21.0")
	src <- []byte("22.0")

	waitFor(t, func() bool { return len(resp.snapshot()) >= 3 })

	got := resp.snapshot()
	if got[0].Kind != wire.KindStreamStart {
		t.Fatalf("first envelope kind = %v, want StreamStart", got[0].Kind)
	}
	if got[1].Kind != wire.KindStreamData || string(got[1].Data) != "\x0021.0" {
		t.Fatalf("second envelope = %+v", got[1])
	}
	if got[1].SequenceNumber != 1 || got[2].SequenceNumber != 2 {
		t.Fatalf("sequence numbers = %d, %d", got[1].SequenceNumber, got[2].SequenceNumber)
	}
}

func TestResumeReplaysBufferedGap(t *testing.T) {
	src := make(chan []byte, 4)
	resolver := &fakeResolver{ref: &fakeRef{ch: src}}
	s := New(Config{}, resolver)

	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "observeTemp", nil, nil)
	resp := &recordingResponder{}
	s.DispatchObserve(context.Background(), transport.Message{Envelope: env, Reply: resp})

	src <- []byte("1")
	src <- []byte("2")
	src <- []byte("3")
	waitFor(t, func() bool { return len(resp.snapshot()) >= 4 })

	streamID := resp.snapshot()[0].StreamID

	resumeResp := &recordingResponder{}
	resumeEnv := wire.NewStreamResume(streamID, 1, id, "observeTemp")
	s.DispatchResume(context.Background(), transport.Message{Envelope: resumeEnv, Reply: resumeResp})

	got := resumeResp.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 replayed entries (seq 2,3), got %d: %+v", len(got), got)
	}
	if got[0].SequenceNumber != 2 || got[1].SequenceNumber != 3 {
		t.Fatalf("replayed sequences = %d,%d", got[0].SequenceNumber, got[1].SequenceNumber)
	}
}

func TestResumeWithExpiredBufferStartsFresh(t *testing.T) {
	src := make(chan []byte, 4)
	resolver := &fakeResolver{ref: &fakeRef{ch: src}}
	s := New(Config{MaxBufferSize: 10, TTL: time.Millisecond}, resolver)

	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "observeTemp", nil, nil)
	resp := &recordingResponder{}
	s.DispatchObserve(context.Background(), transport.Message{Envelope: env, Reply: resp})
	src <- []byte("1")
	waitFor(t, func() bool { return len(resp.snapshot()) >= 2 })

	streamID := resp.snapshot()[0].StreamID
	time.Sleep(10 * time.Millisecond) // let the buffer's TTL lapse

	resumeResp := &recordingResponder{}
	resumeEnv := wire.NewStreamResume(streamID, 1, id, "observeTemp")
	s.DispatchResume(context.Background(), transport.Message{Envelope: resumeEnv, Reply: resumeResp})

	waitFor(t, func() bool { return len(resumeResp.snapshot()) >= 1 })
	start := resumeResp.snapshot()[0]
	if start.Kind != wire.KindStreamStart {
		t.Fatalf("expected fresh StreamStart after expiry, got %v", start.Kind)
	}
	if start.StreamID != streamID {
		t.Fatalf("expected the restart to reuse streamID %v, got %v", streamID, start.StreamID)
	}

	// The restarted subscription numbers from 1 again.
	src <- []byte("2")
	waitFor(t, func() bool { return len(resumeResp.snapshot()) >= 2 })
	if got := resumeResp.snapshot()[1]; got.SequenceNumber != 1 {
		t.Fatalf("expected restarted sequence to begin at 1, got %d", got.SequenceNumber)
	}
}

type countingTracker struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (c *countingTracker) TrackStreamOpened() {
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
}

func (c *countingTracker) TrackStreamClosed() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *countingTracker) snapshot() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

func TestTrackerSeesOpenThenCloseOnTopicEnd(t *testing.T) {
	src := make(chan []byte, 4)
	resolver := &fakeResolver{ref: &fakeRef{ch: src}}
	s := New(Config{}, resolver)
	tracker := &countingTracker{}
	s.SetTracker(tracker)

	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "observeTemp", nil, nil)
	resp := &recordingResponder{}
	s.DispatchObserve(context.Background(), transport.Message{Envelope: env, Reply: resp})

	waitFor(t, func() bool {
		opened, _ := tracker.snapshot()
		return opened == 1
	})

	close(src) // actor's Observe channel closing ends the topic entirely

	waitFor(t, func() bool {
		_, closed := tracker.snapshot()
		return closed == 1
	})
}
