package registry

import (
	"context"
	"testing"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
)

func TestMemoryRegistryRegisterThenResolve(t *testing.T) {
	r := NewMemoryRegistry()
	id := actorid.New("echo", "node-a", 7070)

	if err := r.Register(context.Background(), id, Endpoint{Host: "node-a", Port: 7070}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}

	ep, ok, err := r.Resolve(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if ep.Host != "node-a" || ep.Port != 7070 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
}

func TestMemoryRegistryResolveMissingIsNotFoundNotError(t *testing.T) {
	r := NewMemoryRegistry()
	_, ok, err := r.Resolve(context.Background(), actorid.New("ghost", "h", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an unregistered actor")
	}
}

func TestMemoryRegistryExpiresAfterTTL(t *testing.T) {
	r := NewMemoryRegistry()
	id := actorid.New("echo", "node-a", 7070)
	if err := r.Register(context.Background(), id, Endpoint{Host: "node-a", Port: 7070}, time.Millisecond); err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, ok, _ := r.Resolve(context.Background(), id); ok {
		t.Fatal("expected registration to have expired")
	}
}

func TestMemoryRegistryWatchReceivesUpdatesAndRemovals(t *testing.T) {
	r := NewMemoryRegistry()
	id := actorid.New("echo", "node-a", 7070)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := r.Watch(ctx, id)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := r.Register(context.Background(), id, Endpoint{Host: "node-a", Port: 7070}, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != WatchUpdated {
			t.Fatalf("expected WatchUpdated, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update event")
	}

	if err := r.Deregister(context.Background(), id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != WatchRemoved {
			t.Fatalf("expected WatchRemoved, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removal event")
	}
}

func TestMemoryRegistryListFiltersByPrefix(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	_ = r.Register(ctx, actorid.New("echo.1", "h", 1), Endpoint{Host: "h", Port: 1}, 0)
	_ = r.Register(ctx, actorid.New("echo.2", "h", 2), Endpoint{Host: "h", Port: 2}, 0)
	_ = r.Register(ctx, actorid.New("counter.1", "h", 3), Endpoint{Host: "h", Port: 3}, 0)

	ids, err := r.List(ctx, "echo.")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(ids))
	}
}
