package changefeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/statestore"
)

func TestPublishingStoreEmitsEventAfterSuccessfulSave(t *testing.T) {
	ch := make(chan *message.Message, 1)
	pub := publisherFunc(func(topic string, messages ...*message.Message) error {
		for _, m := range messages {
			ch <- m
		}
		return nil
	})

	store := NewPublishingStore(statestore.NewMemoryStore(), NewPublisher(pub))
	id := actorid.New("counter", "h", 1)

	version, err := store.Save(context.Background(), id, []byte("v1"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case msg := <-ch:
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.ActorID != id || string(ev.NewValue) != "v1" || ev.SequenceNumber != version {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published change event")
	}
}

func TestPublishingStoreDoesNotPublishOnFailedSaveIfVersion(t *testing.T) {
	ch := make(chan *message.Message, 1)
	pub := publisherFunc(func(topic string, messages ...*message.Message) error {
		for _, m := range messages {
			ch <- m
		}
		return nil
	})

	store := NewPublishingStore(statestore.NewMemoryStore(), NewPublisher(pub))
	id := actorid.New("counter", "h", 1)

	if _, err := store.SaveIfVersion(context.Background(), id, []byte("v1"), 7); err == nil {
		t.Fatal("expected a version conflict against a nonexistent key")
	}

	select {
	case msg := <-ch:
		t.Fatalf("expected no published event, got %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
