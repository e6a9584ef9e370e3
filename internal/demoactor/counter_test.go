package demoactor

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func TestCounterObserveYieldsCurrentValueThenUpdates(t *testing.T) {
	c := NewCounter()

	ch, err := c.Observe(context.Background(), "observeCount", nil)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	select {
	case v := <-ch:
		if decodeInt64(v) != 0 {
			t.Fatalf("expected initial value 0, got %d", decodeInt64(v))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial yield")
	}

	if _, err := c.Handle(context.Background(), "increment", nil, nil); err != nil {
		t.Fatalf("increment: %v", err)
	}

	select {
	case v := <-ch:
		if decodeInt64(v) != 1 {
			t.Fatalf("expected 1 after increment, got %d", decodeInt64(v))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestCounterObserveUnknownTargetFails(t *testing.T) {
	c := NewCounter()
	if _, err := c.Observe(context.Background(), "observeSomethingElse", nil); err == nil {
		t.Fatal("expected an error for an unknown streaming target")
	}
}
