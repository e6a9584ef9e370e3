package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/connregistry"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

type fakeRegistry struct {
	mu      sync.Mutex
	records []connregistry.Record
	removed []uuid.UUID
}

func (f *fakeRegistry) GetByActor(actor actorid.ActorID) []connregistry.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]connregistry.Record, len(f.records))
	copy(out, f.records)
	return out
}

func (f *fakeRegistry) Unregister(connectionID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, connectionID)
}

func (f *fakeRegistry) UpdateSequence(connectionID uuid.UUID, seq uint64) {}

type fakeSender struct {
	mu  sync.Mutex
	got map[uuid.UUID]int
	fail map[uuid.UUID]error
}

func (f *fakeSender) Send(ctx context.Context, connectionID uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[connectionID]; ok {
		return err
	}
	if f.got == nil {
		f.got = make(map[uuid.UUID]int)
	}
	f.got[connectionID]++
	return nil
}

func TestBridgeBroadcastsToEverySubscribedConnection(t *testing.T) {
	actor := actorid.New("a1", "h", 1)
	conn1, conn2 := uuid.New(), uuid.New()

	reg := &fakeRegistry{records: []connregistry.Record{
		{ConnectionID: conn1, ActorID: actor, StreamID: uuid.New()},
		{ConnectionID: conn2, ActorID: actor, StreamID: uuid.New()},
	}}
	sender := &fakeSender{}
	bridge := NewBridge(reg, sender, nil)

	ev := Event{ActorID: actor, NewValue: []byte("v1"), SequenceNumber: 1}
	payload, _ := json.Marshal(ev)
	msg := message.NewMessage(watermill.NewUUID(), payload)

	if err := bridge.Handle(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.got[conn1] != 1 || sender.got[conn2] != 1 {
		t.Fatalf("expected both connections to receive one message, got %v", sender.got)
	}
}

func TestBridgeIsolatesOneFailureFromOthers(t *testing.T) {
	actor := actorid.New("a1", "h", 1)
	conn1, conn2 := uuid.New(), uuid.New()

	reg := &fakeRegistry{records: []connregistry.Record{
		{ConnectionID: conn1, ActorID: actor},
		{ConnectionID: conn2, ActorID: actor},
	}}
	sender := &fakeSender{fail: map[uuid.UUID]error{
		conn1: trebuerr.New(trebuerr.ConnectionFailed, "gone"),
	}}
	bridge := NewBridge(reg, sender, nil)

	ev := Event{ActorID: actor, NewValue: []byte("v1"), SequenceNumber: 1}
	payload, _ := json.Marshal(ev)
	msg := message.NewMessage(watermill.NewUUID(), payload)

	if err := bridge.Handle(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sender.mu.Lock()
	gotConn2 := sender.got[conn2]
	sender.mu.Unlock()
	if gotConn2 != 1 {
		t.Fatalf("expected conn2 to still receive its message, got count %d", gotConn2)
	}

	reg.mu.Lock()
	removed := len(reg.removed) == 1 && reg.removed[0] == conn1
	reg.mu.Unlock()
	if !removed {
		t.Fatalf("expected conn1 to be unregistered after connectionFailed, got %v", reg.removed)
	}
}

func TestPublisherRoundTripsThroughFakePublisher(t *testing.T) {
	// Uses a hand-written publisherFunc fake rather than watermill's
	// gochannel pubsub, keeping this test focused on Publisher's own
	// encode/topic behavior.
	ch := make(chan *message.Message, 1)
	pub := publisherFunc(func(topic string, messages ...*message.Message) error {
		if topic != Topic {
			t.Fatalf("unexpected topic %q", topic)
		}
		for _, m := range messages {
			ch <- m
		}
		return nil
	})

	p := NewPublisher(pub)
	actor := actorid.New("a1", "h", 1)
	if err := p.Publish(context.Background(), Event{ActorID: actor, NewValue: []byte("v"), SequenceNumber: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.SequenceNumber != 2 {
			t.Fatalf("unexpected sequence: %d", ev.SequenceNumber)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

type publisherFunc func(topic string, messages ...*message.Message) error

func (f publisherFunc) Publish(topic string, messages ...*message.Message) error {
	return f(topic, messages...)
}

func (f publisherFunc) Close() error { return nil }
