package actor

import (
	"context"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
)

// Reference is a location-transparent handle to an actor: callers never
// branch on whether the target is local or remote.
type Reference interface {
	Invoke(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error)
	Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error)
}

// LocalReference dispatches directly to an in-process entry, bypassing the
// wire format entirely.
type LocalReference struct {
	entry *entry
}

func (r *LocalReference) Invoke(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	return r.entry.invokeHandle(ctx, target, genericSubs, args)
}

func (r *LocalReference) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	return r.entry.invokeObserve(ctx, target, args)
}

// RemoteProxy synthesizes wire envelopes for an actor hosted on another node.
type RemoteProxy struct {
	system  *System
	actorID actorid.ActorID
}

func (r *RemoteProxy) Invoke(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	return r.system.invokeRemote(ctx, r.actorID, target, genericSubs, args)
}

// Observe on a remote actor sends a streaming Invocation and returns the
// channel internal/streamclient fills as StreamStart/StreamData arrive on
// the transport's receive loop; the correlation bookkeeping itself lives
// entirely in the registered StreamClient (internal/streamclient), which
// System.SetStreamClient wires in.
func (r *RemoteProxy) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	return r.system.observeRemote(ctx, r.actorID, target, args)
}
