// Package demoactor provides small, concrete Actor implementations used to
// exercise the runtime end to end: Echo for the unary round-trip and
// Counter for the streamed-property fanout path. Neither depends on code
// generation — real actor types are meant to be produced by the surface
// CLI's codegen — so these are hand-written the way a library's own
// example package would be.
package demoactor

import (
	"context"
	"fmt"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Echo is the minimal demo actor: greet(name) returns "hello, <name>".
// It has no streamed properties.
type Echo struct{}

func (Echo) Handle(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	switch target {
	case "greet":
		if len(args) != 1 {
			return nil, trebuerr.New(trebuerr.HandlerError, "greet expects exactly one argument")
		}
		return []byte(fmt.Sprintf("hello, %s", args[0])), nil
	default:
		return nil, trebuerr.New(trebuerr.ActorNotFound, fmt.Sprintf("no method %q on Echo", target))
	}
}

func (Echo) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, trebuerr.New(trebuerr.ActorNotFound, fmt.Sprintf("no streaming method %q on Echo", target))
}

var _ actor.Actor = Echo{}
