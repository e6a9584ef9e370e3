// Package streamserver implements the server side of streaming: one
// subscription per streamID, each backed by a ring buffer of recent
// (sequence, payload) pairs for replay after a reconnect, with optional
// predefined filters and delta encoding on the outbound path. It satisfies
// internal/actor's StreamDispatcher hook.
package streamserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// ActorResolver locates the Reference a subscription uses to open its
// underlying Observe channel. *actor.System satisfies this directly.
type ActorResolver interface {
	Resolve(id actorid.ActorID) actor.Reference
}

// StreamTracker is notified around a subscription's lifetime so a host can
// keep its health probe's activeStreams count accurate and its drain loop
// honest. *host.Host satisfies this directly.
type StreamTracker interface {
	TrackStreamOpened()
	TrackStreamClosed()
}

type noopTracker struct{}

func (noopTracker) TrackStreamOpened() {}
func (noopTracker) TrackStreamClosed() {}

type codecKey struct {
	actor    actorid.ActorID
	property string
}

// stream is one live subscription. Its pump goroutine reads the actor's
// Observe channel, assigns sequence numbers from 1, appends every value to
// the ring buffer, and writes to the subscriber's connection. A stream
// whose connection dropped stays alive and keeps buffering until its TTL
// lapses, so a resume inside the window can replay the gap.
type stream struct {
	id       uuid.UUID
	actor    actorid.ActorID
	property string

	mu         sync.Mutex
	reply      transport.Responder // nil while detached
	filter     *wire.StreamFilter
	fstate     filterState
	codec      DeltaCodec
	lastSent   []byte
	buf        *ringBuffer
	seq        uint64
	detachedAt time.Time
	ended      bool

	cancel context.CancelFunc
}

// Server owns every active stream, keyed by streamID so a StreamResume can
// locate its buffer after the original connection is gone.
type Server struct {
	resolver ActorResolver

	mu            sync.Mutex
	tracker       StreamTracker
	streams       map[uuid.UUID]*stream
	codecs        map[codecKey]DeltaCodec
	maxBufferSize int
	ttl           time.Duration
}

// Config tunes buffer size and TTL shared by every stream.
type Config struct {
	MaxBufferSize int
	TTL           time.Duration
}

// New constructs a stream server bound to resolver for opening local
// Observe channels.
func New(cfg Config, resolver ActorResolver) *Server {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Server{
		resolver:      resolver,
		tracker:       noopTracker{},
		streams:       make(map[uuid.UUID]*stream),
		codecs:        make(map[codecKey]DeltaCodec),
		maxBufferSize: cfg.MaxBufferSize,
		ttl:           ttl,
	}
}

// SetTracker wires a stream-lifetime observer, typically a *host.Host;
// until called, subscription lifecycle events are simply discarded.
func (s *Server) SetTracker(t StreamTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = t
}

func (s *Server) trackOpened() {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	t.TrackStreamOpened()
}

func (s *Server) trackClosed() {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	t.TrackStreamClosed()
}

// RegisterDeltaCodec opts a given (actorID, property) pair into delta
// encoding; call before the first subscriber arrives.
func (s *Server) RegisterDeltaCodec(id actorid.ActorID, property string, codec DeltaCodec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codecs[codecKey{actor: id, property: property}] = codec
}

// DispatchObserve serves an Invocation whose target names a streaming
// method: it opens the actor's Observe channel, sends StreamStart, then
// streams StreamData with sequence numbers from 1 until the channel closes.
func (s *Server) DispatchObserve(ctx context.Context, msg transport.Message) {
	s.dispatchObserve(ctx, msg, uuid.New())
}

// dispatchObserve opens a subscription under the given streamID. Fresh
// observations allocate one; a resume whose buffer is gone reuses the
// resumed streamID so the client can correlate the restart without a
// callID.
func (s *Server) dispatchObserve(ctx context.Context, msg transport.Message, streamID uuid.UUID) {
	env := msg.Envelope

	pumpCtx, cancel := context.WithCancel(context.Background())
	ref := s.resolver.Resolve(env.ActorID)
	ch, err := ref.Observe(pumpCtx, env.Target, env.Arguments)
	if err != nil {
		cancel()
		_ = msg.Reply.Respond(ctx, wire.NewResponseError(env.CallID, err.Error()))
		return
	}

	st := &stream{
		id:       streamID,
		actor:    env.ActorID,
		property: env.Target,
		reply:    msg.Reply,
		filter:   env.StreamFilter,
		buf:      newRingBuffer(s.maxBufferSize, s.ttl),
		cancel:   cancel,
	}
	s.mu.Lock()
	st.codec = s.codecs[codecKey{actor: env.ActorID, property: env.Target}]
	s.streams[st.id] = st
	s.mu.Unlock()

	if err := msg.Reply.Respond(ctx, wire.NewStreamStart(env.CallID, st.id)); err != nil {
		cancel()
		s.mu.Lock()
		delete(s.streams, st.id)
		s.mu.Unlock()
		return
	}
	s.trackOpened()

	go s.pump(pumpCtx, st, ch)
}

// DispatchResume serves a StreamResume: if the stream's buffer still holds
// everything past lastSequence, the gap is replayed on the existing
// streamID and the new connection takes over delivery; otherwise the stale
// stream is discarded and a fresh subscription is opened, StreamStart and
// all.
func (s *Server) DispatchResume(ctx context.Context, msg transport.Message) {
	env := msg.Envelope

	s.mu.Lock()
	st, ok := s.streams[env.StreamID]
	s.mu.Unlock()
	if !ok {
		s.dispatchObserve(ctx, msg, resumedStreamID(env))
		return
	}

	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		s.dispatchObserve(ctx, msg, resumedStreamID(env))
		return
	}
	entries, usable := st.buf.since(env.LastSequence)
	if !usable {
		st.mu.Unlock()
		st.cancel()
		s.endStream(st, wire.ReasonConnectionClosed)
		s.dispatchObserve(ctx, msg, resumedStreamID(env))
		return
	}

	st.lastSent = nil // the first send after a resume carries the full value
	for _, e := range entries {
		if !evaluate(st.filter, &st.fstate, e.payload) {
			continue
		}
		out, _ := encodeForSubscriber(st.codec, st.lastSent, e.payload)
		if err := msg.Reply.Respond(ctx, wire.NewStreamData(st.id, e.seq, out)); err != nil {
			st.mu.Unlock()
			return
		}
		st.lastSent = e.payload
	}
	prev := st.reply
	st.reply = msg.Reply
	st.detachedAt = time.Time{}
	st.mu.Unlock()

	if prev == nil {
		s.trackOpened()
	}
}

func resumedStreamID(env wire.Envelope) uuid.UUID {
	if env.StreamID != uuid.Nil {
		return env.StreamID
	}
	return uuid.New()
}

func (s *Server) pump(ctx context.Context, st *stream, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			s.endStream(st, wire.ReasonActorTerminated)
			return
		case payload, ok := <-ch:
			if !ok {
				s.endStream(st, wire.ReasonCompleted)
				return
			}
			if !s.deliver(st, payload) {
				st.cancel()
				s.endStream(st, wire.ReasonConnectionClosed)
				return
			}
		}
	}
}

// deliver buffers one value and pushes it to the attached connection, if
// any. Returns false once a detached stream has outlived the TTL and
// should be reaped.
func (s *Server) deliver(st *stream, payload []byte) bool {
	st.mu.Lock()
	st.seq++
	seq := st.seq
	st.buf.append(seq, payload)

	reply := st.reply
	if reply == nil {
		expired := !st.detachedAt.IsZero() && time.Since(st.detachedAt) > s.ttl
		st.mu.Unlock()
		return !expired
	}
	if !evaluate(st.filter, &st.fstate, payload) {
		st.mu.Unlock()
		return true
	}
	out, _ := encodeForSubscriber(st.codec, st.lastSent, payload)
	st.mu.Unlock()

	if err := reply.Respond(context.Background(), wire.NewStreamData(st.id, seq, out)); err != nil {
		s.detach(st, reply)
		return true
	}

	st.mu.Lock()
	st.lastSent = payload
	st.mu.Unlock()
	return true
}

// detach drops a failed connection from the stream without tearing the
// stream down; the buffer keeps filling so a resume inside the TTL window
// can replay the gap. The responder identity check guards against
// clobbering a connection that reattached while the failing write was in
// flight.
func (s *Server) detach(st *stream, failed transport.Responder) {
	st.mu.Lock()
	if st.reply != failed {
		st.mu.Unlock()
		return
	}
	st.reply = nil
	st.detachedAt = time.Now()
	st.mu.Unlock()
	s.trackClosed()
}

// endStream terminates a stream: the attached connection (if any) receives
// StreamEnd with the given reason and all bookkeeping is removed.
func (s *Server) endStream(st *stream, reason wire.StreamEndReason) {
	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return
	}
	st.ended = true
	reply := st.reply
	st.reply = nil
	st.mu.Unlock()

	if reply != nil {
		_ = reply.Respond(context.Background(), wire.NewStreamEnd(st.id, reason))
		s.trackClosed()
	}

	s.mu.Lock()
	delete(s.streams, st.id)
	s.mu.Unlock()
}

// Shutdown cancels every active pump so in-flight streams terminate with
// StreamEnd{actorTerminated} instead of lingering through a drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
}
