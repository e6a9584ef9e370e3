// Package actor implements the core dispatch runtime: the table of local
// actors, the table of outstanding outgoing calls, and envelope-level
// demultiplexing. Each local actor runs a single-consumer dispatch loop,
// so method bodies on one actor never execute concurrently with each
// other.
package actor

import (
	"context"
)

// Actor is the contract a user-defined actor type implements. Handle serves
// unary (non-observe) invocations; Observe serves streaming ones, returning
// a channel of encoded values that closes when the subscription ends
// (actor shutdown, explicit unsubscribe, or error).
type Actor interface {
	Handle(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error)
	Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error)
}

// HandleFunc is a single-method unary handler; FromHandleFunc adapts one
// into an Actor with no streaming methods (Observe always fails).
type HandleFunc func(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error)

type funcActor struct{ handle HandleFunc }

func (f funcActor) Handle(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	return f.handle(ctx, target, genericSubs, args)
}

func (f funcActor) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, errNoObserve(target)
}

// FromHandleFunc builds an Actor with no streaming methods from a plain
// unary handler — useful for small demo/utility actors.
func FromHandleFunc(fn HandleFunc) Actor {
	return funcActor{handle: fn}
}
