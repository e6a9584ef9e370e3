// Package streamclient implements the client side of streaming: it turns
// the wire's StreamStart/StreamData/StreamEnd events into one ordered
// channel of values per stream, absorbing out-of-order and duplicate
// events, and keeps a resumption checkpoint per active stream.
package streamclient

import (
	"container/ring"
	"sync"

	"github.com/google/uuid"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Checkpoint is the resumption state persisted per active stream.
type Checkpoint struct {
	StreamID     uuid.UUID
	LastSequence uint64
	ActorID      actorid.ActorID
	Method       string
}

const defaultMaxBufferSize = 100

// Wire markers, mirroring the encode side in internal/streamserver: the
// server prefixes every StreamData payload with one of these.
const (
	markerFull  byte = 0x00
	markerDelta byte = 0x01
)

// DeltaCodec reconstructs a full payload from the last one delivered plus a
// received delta. Registered per (actor, method), matching how the server
// registers its encoding half.
type DeltaCodec interface {
	// Apply returns the new full value given prev (the last full value
	// delivered) and delta (the decoded delta bytes), or (nil, false) if
	// the delta can't be applied.
	Apply(prev, delta []byte) ([]byte, bool)
}

type streamKey struct {
	actor  actorid.ActorID
	method string
}

// stream is one subscription's client-side state. Accepted values are
// queued under mu and handed to the consumer by a dedicated delivery
// goroutine, so a slow consumer never stalls the transport's receive loop
// and values always arrive in acceptance order.
type stream struct {
	callID uuid.UUID
	actor  actorid.ActorID
	method string

	data chan []byte // consumer-facing; closed when the stream finishes

	mu       sync.Mutex
	queue    [][]byte
	notify   chan struct{} // capacity 1; kicked on enqueue and on close
	dead     chan struct{} // closed on local unsubscribe; aborts delivery
	recent   *ring.Ring
	lastSeq  uint64
	lastFull []byte // last reconstructed full value, base for the next delta
	codec    DeltaCodec
	started  bool
	closed   bool
	deadOnce sync.Once
}

// run drains the queue into the consumer channel in order, then closes it
// once the stream has finished and the queue is empty.
func (s *stream) run() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.data <- v:
			case <-s.dead:
				close(s.data)
				return
			}
			continue
		}
		if s.closed {
			s.mu.Unlock()
			close(s.data)
			return
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.dead:
			close(s.data)
			return
		}
	}
}

func (s *stream) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Registry tracks every stream this client has open or checkpointed, keyed
// by the client-allocated streamID and, until StreamStart arrives, by the
// originating callID.
type Registry struct {
	mu            sync.Mutex
	byStream      map[uuid.UUID]*stream
	byCall        map[uuid.UUID]*stream
	deltaCodecs   map[streamKey]DeltaCodec
	maxBufferSize int
}

// NewRegistry constructs an empty client stream registry.
func NewRegistry() *Registry {
	return &Registry{
		byStream:      make(map[uuid.UUID]*stream),
		byCall:        make(map[uuid.UUID]*stream),
		deltaCodecs:   make(map[streamKey]DeltaCodec),
		maxBufferSize: defaultMaxBufferSize,
	}
}

// RegisterDeltaCodec opts a given (actor, method) pair into delta
// reconstruction; call before CreateRemoteStream/CreateResumedStream opens
// a stream for that pair.
func (r *Registry) RegisterDeltaCodec(actor actorid.ActorID, method string, codec DeltaCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltaCodecs[streamKey{actor: actor, method: method}] = codec
}

func (r *Registry) newStream(callID uuid.UUID, actor actorid.ActorID, method string, lastSeq uint64) *stream {
	s := &stream{
		callID:  callID,
		actor:   actor,
		method:  method,
		data:    make(chan []byte, 16),
		notify:  make(chan struct{}, 1),
		dead:    make(chan struct{}),
		recent:  ring.New(r.maxBufferSize),
		lastSeq: lastSeq,
		codec:   r.deltaCodecs[streamKey{actor: actor, method: method}],
	}
	go s.run()
	return s
}

// CreateRemoteStream allocates a client-side streamID for a fresh
// observation request and returns the channel the caller ranges over.
func (r *Registry) CreateRemoteStream(callID uuid.UUID, actor actorid.ActorID, method string) (uuid.UUID, <-chan []byte) {
	streamID := uuid.New()

	r.mu.Lock()
	s := r.newStream(callID, actor, method, 0)
	r.byCall[callID] = s
	r.byStream[streamID] = s
	r.mu.Unlock()

	return streamID, s.data
}

// CreateResumedStream re-registers continuation state for an existing
// streamID recovered from a prior checkpoint, so replayed data (and a
// possible fresh StreamStart) can be correlated back to the same consumer.
func (r *Registry) CreateResumedStream(callID, streamID uuid.UUID, actor actorid.ActorID, method string, lastSeq uint64) <-chan []byte {
	r.mu.Lock()
	s := r.newStream(callID, actor, method, lastSeq)
	s.started = true
	r.byCall[callID] = s
	r.byStream[streamID] = s
	r.mu.Unlock()

	return s.data
}

// HandleStreamStart maps callID to streamID once the server confirms it,
// aliasing the provisional client streamID used in CreateRemoteStream. A
// StreamStart carrying no known callID but an already-known streamID is a
// server-side restart (a resume past the buffer window): sequence
// numbering begins again at 1, so the checkpoint resets rather than the
// restarted data being discarded as duplicates.
func (r *Registry) HandleStreamStart(env wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byCall[env.CallID]; ok {
		delete(r.byCall, env.CallID)
		s.started = true
		r.byStream[env.StreamID] = s
		return
	}

	if s, ok := r.byStream[env.StreamID]; ok {
		s.mu.Lock()
		s.started = true
		s.lastSeq = 0
		s.lastFull = nil
		s.mu.Unlock()
	}
}

// HandleStreamData accepts one value exactly once per distinct
// sequenceNumber per stream, in strictly ascending order; events at or
// below the stored lastSequence are dropped. Every payload carries a
// leading full/delta marker byte; this strips it and, for a delta,
// reconstructs the full value via the registered DeltaCodec before
// anything reaches the consumer or the recent-items ring.
func (r *Registry) HandleStreamData(env wire.Envelope) {
	r.mu.Lock()
	s, ok := r.byStream[env.StreamID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if len(env.Data) == 0 {
		return
	}
	marker, body := env.Data[0], env.Data[1:]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || env.SequenceNumber <= s.lastSeq {
		return
	}

	full := body
	if marker == markerDelta && s.codec != nil {
		if applied, ok := s.codec.Apply(s.lastFull, body); ok {
			full = applied
		}
		// Codec declined the delta: deliver it raw, the best available
		// without a prior full value to reconstruct from.
	}

	s.lastSeq = env.SequenceNumber
	s.lastFull = full
	s.recent.Value = full
	s.recent = s.recent.Next()
	s.queue = append(s.queue, full)
	s.kick()
}

// HandleStreamEnd finishes the sequence: queued values still reach the
// consumer, then the channel closes.
func (r *Registry) HandleStreamEnd(env wire.Envelope) {
	r.finish(env.StreamID, false)
}

// HandleStreamError finishes the sequence the same way StreamEnd does;
// both are terminal.
func (r *Registry) HandleStreamError(env wire.Envelope) {
	r.finish(env.StreamID, false)
}

// RemoveStream cancels and drops all state for streamID without waiting
// for a terminal wire event, used when the caller unsubscribes locally;
// undelivered values are discarded.
func (r *Registry) RemoveStream(streamID uuid.UUID) {
	r.finish(streamID, true)
}

func (r *Registry) finish(streamID uuid.UUID, abandon bool) {
	r.mu.Lock()
	s, ok := r.byStream[streamID]
	if ok {
		delete(r.byStream, streamID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if abandon {
		s.deadOnce.Do(func() { close(s.dead) })
		return
	}
	s.kick()
}

// Checkpoint returns the persisted resumption state for streamID, or false
// if no such stream is tracked.
func (r *Registry) Checkpoint(streamID uuid.UUID) (Checkpoint, bool) {
	r.mu.Lock()
	s, ok := r.byStream[streamID]
	r.mu.Unlock()
	if !ok {
		return Checkpoint{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Checkpoint{
		StreamID:     streamID,
		LastSequence: s.lastSeq,
		ActorID:      s.actor,
		Method:       s.method,
	}, true
}
