package demoactor

import (
	"context"
	"testing"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, e wire.Envelope, to transport.Endpoint) error { return nil }

// TestEchoRoundTrip: Echo.greet("world") -> "hello, world", end to end
// through the actor system's dispatch path.
func TestEchoRoundTrip(t *testing.T) {
	sys := actor.New(actor.Config{SelfHost: "h", SelfPort: 1}, nopSender{})
	id := actorid.New("echo1", "h", 1)
	if err := sys.Expose(id, Echo{}); err != nil {
		t.Fatalf("expose: %v", err)
	}

	env := wire.NewInvocation(id, "greet", nil, [][]byte{[]byte("world")})

	got := make(chan wire.Envelope, 1)
	responder := responderFunc(func(ctx context.Context, e wire.Envelope) error {
		got <- e
		return nil
	})

	sys.Receive(context.Background(), transport.Message{Envelope: env, Reply: responder})

	select {
	case resp := <-got:
		if resp.CallID != env.CallID {
			t.Fatalf("callID mismatch: got %s want %s", resp.CallID, env.CallID)
		}
		if string(resp.Result) != "hello, world" {
			t.Fatalf("unexpected result: %q", resp.Result)
		}
	default:
		t.Fatal("expected a synchronous response")
	}
}

type responderFunc func(ctx context.Context, e wire.Envelope) error

func (f responderFunc) Respond(ctx context.Context, e wire.Envelope) error { return f(ctx, e) }
