package statestore

import (
	"context"
	"testing"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

func TestSaveIfVersionNewKeyRequiresZero(t *testing.T) {
	s := NewMemoryStore()
	id := actorid.New("a1", "h", 1)
	ctx := context.Background()

	v, err := s.SaveIfVersion(ctx, id, []byte("v1"), 0)
	if err != nil {
		t.Fatalf("expected success creating new key, got %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	if _, err := s.SaveIfVersion(ctx, id, []byte("v2"), 0); trebuerr.KindOf(err) != trebuerr.VersionConflict {
		t.Fatalf("expected versionConflict creating an already-existing key, got %v", err)
	}
}

func TestSaveIfVersionDetectsConflict(t *testing.T) {
	s := NewMemoryStore()
	id := actorid.New("a1", "h", 1)
	ctx := context.Background()

	if _, err := s.SaveIfVersion(ctx, id, []byte("v1"), 0); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// Stale expectedVersion: another writer already bumped it to 1.
	if _, err := s.SaveIfVersion(ctx, id, []byte("v2"), 0); trebuerr.KindOf(err) != trebuerr.VersionConflict {
		t.Fatalf("expected versionConflict, got %v", err)
	}

	v, err := s.SaveIfVersion(ctx, id, []byte("v2"), 1)
	if err != nil {
		t.Fatalf("expected success with correct expectedVersion: %v", err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
}

func TestUpdateWithRetrySucceedsAfterExternalConflict(t *testing.T) {
	s := NewMemoryStore()
	id := actorid.New("a1", "h", 1)
	ctx := context.Background()

	if _, err := s.SaveIfVersion(ctx, id, []byte("0"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	calls := 0
	transform := func(current []byte, exists bool) ([]byte, error) {
		calls++
		if calls == 1 {
			// Simulate a concurrent writer racing ahead between load and save.
			if _, err := s.SaveIfVersion(ctx, id, []byte("racing"), 1); err != nil {
				t.Fatalf("racing write: %v", err)
			}
		}
		return append(current, 'x'), nil
	}

	version, err := UpdateWithRetry(ctx, s, id, transform, 3)
	if err != nil {
		t.Fatalf("updateWithRetry: %v", err)
	}
	if version != 3 {
		t.Fatalf("version = %d, want 3 (1 seed + 1 racing + 1 retry)", version)
	}
	if calls != 2 {
		t.Fatalf("transform called %d times, want 2", calls)
	}
}

func TestUpdateWithRetryExhaustion(t *testing.T) {
	s := NewMemoryStore()
	id := actorid.New("a1", "h", 1)
	ctx := context.Background()

	if _, err := s.SaveIfVersion(ctx, id, []byte("0"), 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	transform := func(current []byte, exists bool) ([]byte, error) {
		// Unconditionally bump the version after every load, so whatever
		// expectedVersion UpdateWithRetry captured is always stale by the
		// time it calls SaveIfVersion — guaranteeing exhaustion regardless
		// of maxRetries.
		if _, err := s.Save(ctx, id, []byte("interfering")); err != nil {
			t.Fatalf("interfering save: %v", err)
		}
		return append(current, 'x'), nil
	}

	_, err := UpdateWithRetry(ctx, s, id, transform, 1)
	if trebuerr.KindOf(err) != trebuerr.MaxRetriesExceeded {
		t.Fatalf("expected maxRetriesExceeded, got %v", err)
	}
}

func TestExistsAndDelete(t *testing.T) {
	s := NewMemoryStore()
	id := actorid.New("a1", "h", 1)
	ctx := context.Background()

	if ok, _ := s.Exists(ctx, id); ok {
		t.Fatal("expected not to exist yet")
	}
	if _, err := s.Save(ctx, id, []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := s.Exists(ctx, id); !ok {
		t.Fatal("expected to exist after save")
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, id); ok {
		t.Fatal("expected not to exist after delete")
	}
}
