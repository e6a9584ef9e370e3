package actorid

import "testing"

func TestIsLocal(t *testing.T) {
	a := New("echo-1", "10.0.0.1", 7000)

	if !a.IsLocal("10.0.0.1", 7000) {
		t.Fatalf("expected %v to be local to 10.0.0.1:7000", a)
	}
	if a.IsLocal("10.0.0.1", 7001) {
		t.Fatalf("expected %v not to be local to a different port", a)
	}
	if a.IsLocal("10.0.0.2", 7000) {
		t.Fatalf("expected %v not to be local to a different host", a)
	}
}

func TestStringAndEndpoint(t *testing.T) {
	a := New("echo-1", "host", 9001)
	if got, want := a.String(), "echo-1@host:9001"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := a.Endpoint(), "host:9001"; got != want {
		t.Fatalf("Endpoint() = %q, want %q", got, want)
	}
}

func TestZero(t *testing.T) {
	var a ActorID
	if !a.Zero() {
		t.Fatalf("expected zero-value ActorID to report Zero() == true")
	}
	if New("x", "h", 1).Zero() {
		t.Fatalf("expected non-empty ActorID to report Zero() == false")
	}
}
