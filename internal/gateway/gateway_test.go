package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

func TestTokenBucketAdmitsWithinCapacityThenRejects(t *testing.T) {
	tb := NewTokenBucket(3, 0) // no refill within the test's timeframe
	for i := 0; i < 3; i++ {
		if !tb.Allow("k") {
			t.Fatalf("expected admit on request %d", i)
		}
	}
	if tb.Allow("k") {
		t.Fatal("expected rejection once capacity is exhausted")
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	if !tb.Allow("a") {
		t.Fatal("expected first key to admit")
	}
	if !tb.Allow("b") {
		t.Fatal("expected a different key to have its own bucket")
	}
	if tb.Allow("a") {
		t.Fatal("expected key a to be exhausted")
	}
}

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(time.Second, 2)
	if !sw.Allow("k") || !sw.Allow("k") {
		t.Fatal("expected first two requests to admit")
	}
	if sw.Allow("k") {
		t.Fatal("expected third request within the window to be rejected")
	}
}

func TestValidationStageRejectsOversizedPayload(t *testing.T) {
	stage := NewValidationStage(ValidationConfig{MaxPayloadBytes: 4})
	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "echo", nil, [][]byte{[]byte("too-long-payload")})
	rc := &RequestContext{Metadata: map[string]string{}}
	if err := stage.Handle(context.Background(), env, rc); err == nil {
		t.Fatal("expected validation error for oversized payload")
	}
}

func TestValidationStageRejectsBadIdentifier(t *testing.T) {
	stage := NewValidationStage(ValidationConfig{})
	id := actorid.New("bad id!", "h", 1)
	env := wire.NewInvocation(id, "echo", nil, nil)
	rc := &RequestContext{Metadata: map[string]string{}}
	if err := stage.Handle(context.Background(), env, rc); err == nil {
		t.Fatal("expected validation error for invalid actorID")
	}
}

func TestRBACWildcardMatch(t *testing.T) {
	stage := NewAuthorizationStage([]Rule{
		{Role: "admin", ActorTypePattern: "*", MethodPattern: "*"},
		{Role: "viewer", ActorTypePattern: "session-*", MethodPattern: "read*"},
	})

	id := actorid.New("session-42", "h", 1)
	env := wire.NewInvocation(id, "readState", nil, nil)

	rc := &RequestContext{Principal: &Principal{Subject: "u1", Roles: []string{"viewer"}}}
	if err := stage.Handle(context.Background(), env, rc); err != nil {
		t.Fatalf("expected viewer to be authorized: %v", err)
	}

	rc2 := &RequestContext{Principal: &Principal{Subject: "u2", Roles: []string{"nobody"}}}
	if err := stage.Handle(context.Background(), env, rc2); err == nil {
		t.Fatal("expected rejection for role with no matching rule")
	}
}

func TestGatewayShortCircuitsOnStageFailure(t *testing.T) {
	dispatchCalled := false
	dispatch := func(ctx context.Context, env wire.Envelope) wire.Envelope {
		dispatchCalled = true
		return wire.NewResponseOK(env.CallID, nil)
	}

	failing := failingStage{}
	gw := New(dispatch, nil, failing)

	id := actorid.New("a1", "h", 1)
	env := wire.NewInvocation(id, "echo", nil, nil)
	resp := gw.Handle(context.Background(), env)

	if dispatchCalled {
		t.Fatal("dispatch should not run after a stage failure")
	}
	if resp.ErrorMessage == "" {
		t.Fatal("expected an error response")
	}
}

type failingStage struct{}

func (failingStage) Name() string { return "Failing" }
func (failingStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	return rejectAs("validationError", "always fails")
}
