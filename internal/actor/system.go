package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Sender is the subset of a transport a System needs to deliver outbound
// envelopes; satisfied by *transport.FramedTransport and test doubles.
type Sender interface {
	Send(ctx context.Context, e wire.Envelope, to transport.Endpoint) error
}

// StreamDispatcher serves the server side of streaming: an Invocation whose
// target is an observe-method, or a StreamResume request. Implemented by
// internal/streamserver and wired in by internal/host so this package stays
// free of a dependency on the stream-buffer implementation.
type StreamDispatcher interface {
	DispatchObserve(ctx context.Context, msg transport.Message)
	DispatchResume(ctx context.Context, msg transport.Message)
}

// StreamClient is the client side of streaming correlation: learning a
// server streamID for a callID, and receiving data/terminal events.
// Implemented by internal/streamclient.
type StreamClient interface {
	HandleStreamStart(env wire.Envelope)
	HandleStreamData(env wire.Envelope)
	HandleStreamEnd(env wire.Envelope)
	HandleStreamError(env wire.Envelope)

	// CreateRemoteStream registers the consumer channel for a fresh
	// observation before its Invocation is sent, so a StreamStart arriving
	// concurrently with the send always finds somewhere to deliver.
	CreateRemoteStream(callID uuid.UUID, actor actorid.ActorID, method string) (uuid.UUID, <-chan []byte)

	// CreateResumedStream re-registers the consumer channel under a
	// checkpointed streamID ahead of the StreamResume send, for the same
	// reason.
	CreateResumedStream(callID, streamID uuid.UUID, actor actorid.ActorID, method string, lastSeq uint64) <-chan []byte
}

type pendingCall struct {
	done chan wire.Envelope
}

// System owns the table of local actors, the table of outstanding outgoing
// calls, and the connecting logic between envelopes and actor dispatch.
// It is the only mutable global-like state in the runtime; there is no
// package-level registry.
type System struct {
	self    actorid.ActorID // host/port identity used for locality checks
	mailbox int

	actors      sync.Map // actorid.ActorID -> *entry
	outstanding sync.Map // uuid.UUID -> *pendingCall

	sender Sender

	mu               sync.Mutex
	streamDispatcher StreamDispatcher
	streamClient     StreamClient

	versions VersionRange
}

// Config collects a System's construction-time parameters.
type Config struct {
	SelfHost       string
	SelfPort       uint16
	MailboxSize    int // default 1024
	ProtocolRange  VersionRange
}

// New constructs a System bound to the given transport sender.
func New(cfg Config, sender Sender) *System {
	if cfg.MailboxSize == 0 {
		cfg.MailboxSize = 1024
	}
	if cfg.ProtocolRange == (VersionRange{}) {
		cfg.ProtocolRange = VersionRange{Min: 1, Max: wire.CurrentProtocolVersion}
	}
	return &System{
		self:     actorid.New("", cfg.SelfHost, cfg.SelfPort),
		mailbox:  cfg.MailboxSize,
		sender:   sender,
		versions: cfg.ProtocolRange,
	}
}

// SetStreamDispatcher wires the server-side streaming handler.
func (s *System) SetStreamDispatcher(d StreamDispatcher) {
	s.mu.Lock()
	s.streamDispatcher = d
	s.mu.Unlock()
}

// SetStreamClient wires the client-side streaming correlator.
func (s *System) SetStreamClient(c StreamClient) {
	s.mu.Lock()
	s.streamClient = c
	s.mu.Unlock()
}

// Expose registers actor under id. id must be unique among local actors.
func (s *System) Expose(id actorid.ActorID, a Actor) error {
	e := newEntry(id, a, s.mailbox)
	if _, loaded := s.actors.LoadOrStore(id, e); loaded {
		e.stop()
		return trebuerr.New(trebuerr.InvalidEnvelope, fmt.Sprintf("actor %s already exposed", id))
	}
	return nil
}

// Withdraw stops and removes a local actor, emitting StreamEnd{actorTerminated}
// to its live streams is the caller's responsibility via the stream server
// (this call only tears down dispatch).
func (s *System) Withdraw(id actorid.ActorID) {
	if v, ok := s.actors.LoadAndDelete(id); ok {
		v.(*entry).stop()
	}
}

// IsLocal reports whether id names an actor hosted on this system's endpoint.
func (s *System) IsLocal(id actorid.ActorID) bool {
	return id.IsLocal(s.self.Host, s.self.Port)
}

// Resolve returns a Reference for id: a LocalReference dispatching directly
// if id is hosted here, otherwise a RemoteProxy synthesizing envelopes.
func (s *System) Resolve(id actorid.ActorID) Reference {
	if s.IsLocal(id) {
		if v, ok := s.actors.Load(id); ok {
			return &LocalReference{entry: v.(*entry)}
		}
	}
	return &RemoteProxy{system: s, actorID: id}
}

// invokeRemote is the internal entrypoint proxies use for unary calls: it
// allocates a callID, registers a resumer, sends via the transport, and
// awaits the Response or cancellation.
func (s *System) invokeRemote(ctx context.Context, id actorid.ActorID, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	env := wire.NewInvocation(id, target, genericSubs, args)

	pc := &pendingCall{done: make(chan wire.Envelope, 1)}
	s.outstanding.Store(env.CallID, pc)
	defer s.outstanding.Delete(env.CallID)

	if err := s.sender.Send(ctx, env, transport.Endpoint{Host: id.Host, Port: id.Port}); err != nil {
		return nil, err
	}

	select {
	case resp := <-pc.done:
		if resp.ErrorMessage != "" {
			return nil, trebuerr.New(trebuerr.HandlerError, resp.ErrorMessage)
		}
		return resp.Result, nil
	case <-ctx.Done():
		// The callID is forgotten via defer above; a late Response for this
		// callID will find no pending entry and be dropped by Receive.
		return nil, trebuerr.Wrap(trebuerr.Timeout, "call cancelled", ctx.Err())
	}
}

// sendRemoteInvocation puts one Invocation envelope on the wire to id's
// owning node, used both for unary calls and for opening a remote stream.
func (s *System) sendRemoteInvocation(ctx context.Context, env wire.Envelope, id actorid.ActorID) error {
	return s.sender.Send(ctx, env, transport.Endpoint{Host: id.Host, Port: id.Port})
}

// observeRemote opens a streamed property on a remote actor: it registers
// the consumer channel with the StreamClient before sending the Invocation,
// so the StreamStart/StreamData that come back on the transport's receive
// loop always have somewhere to land, then returns that channel directly —
// the actual data flow is driven by the StreamClient's own bookkeeping
// (see internal/streamclient), not by anything returned here.
func (s *System) observeRemote(ctx context.Context, id actorid.ActorID, target string, args [][]byte) (<-chan []byte, error) {
	s.mu.Lock()
	c := s.streamClient
	s.mu.Unlock()
	if c == nil {
		return nil, trebuerr.New(trebuerr.InvalidEnvelope, "no stream client configured for remote observe")
	}

	env := wire.NewInvocation(id, target, nil, args)
	_, ch := c.CreateRemoteStream(env.CallID, id, target)

	if err := s.sendRemoteInvocation(ctx, env, id); err != nil {
		return nil, err
	}
	return ch, nil
}

// ResumeStream re-establishes a checkpointed observation after a
// reconnect: the consumer channel is re-registered under the prior
// streamID before the StreamResume envelope is sent, so replayed data (or
// the fresh StreamStart a server with an expired buffer answers with)
// always has somewhere to land. Callers resume every checkpointed stream
// before opening new observers for the same logical view.
func (s *System) ResumeStream(ctx context.Context, streamID uuid.UUID, lastSeq uint64, id actorid.ActorID, method string) (<-chan []byte, error) {
	s.mu.Lock()
	c := s.streamClient
	s.mu.Unlock()
	if c == nil {
		return nil, trebuerr.New(trebuerr.InvalidEnvelope, "no stream client configured for resume")
	}

	callID := uuid.New()
	ch := c.CreateResumedStream(callID, streamID, id, method, lastSeq)

	env := wire.NewStreamResume(streamID, lastSeq, id, method)
	if err := s.sendRemoteInvocation(ctx, env, id); err != nil {
		return nil, err
	}
	return ch, nil
}

// Receive demultiplexes one inbound envelope by Kind. It is itself a
// transport.Handler and is typically passed directly to a transport's
// Listen call.
func (s *System) Receive(ctx context.Context, msg transport.Message) {
	env := msg.Envelope

	switch env.Kind {
	case wire.KindInvocation:
		if wire.IsObserveTarget(env.Target) {
			s.mu.Lock()
			d := s.streamDispatcher
			s.mu.Unlock()
			if d == nil {
				s.respondError(ctx, msg, env.CallID, "no stream dispatcher configured")
				return
			}
			d.DispatchObserve(ctx, msg)
			return
		}
		s.dispatchSync(ctx, msg)

	case wire.KindResponse:
		s.deliverResponse(env)

	case wire.KindStreamStart:
		s.mu.Lock()
		c := s.streamClient
		s.mu.Unlock()
		if c != nil {
			c.HandleStreamStart(env)
		}

	case wire.KindStreamData:
		s.mu.Lock()
		c := s.streamClient
		s.mu.Unlock()
		if c != nil {
			c.HandleStreamData(env)
		}

	case wire.KindStreamEnd:
		s.mu.Lock()
		c := s.streamClient
		s.mu.Unlock()
		if c != nil {
			c.HandleStreamEnd(env)
		}

	case wire.KindStreamError:
		s.mu.Lock()
		c := s.streamClient
		s.mu.Unlock()
		if c != nil {
			c.HandleStreamError(env)
		}

	case wire.KindStreamResume:
		s.mu.Lock()
		d := s.streamDispatcher
		s.mu.Unlock()
		if d != nil {
			d.DispatchResume(ctx, msg)
		}

	default:
		// Unidentifiable envelope: dropped here without a reply or a log
		// entry; Receive returns nothing, so its caller does not learn of it.
	}
}

func (s *System) dispatchSync(ctx context.Context, msg transport.Message) {
	env := msg.Envelope
	v, ok := s.actors.Load(env.ActorID)
	if !ok {
		s.respondError(ctx, msg, env.CallID, "actorNotFound")
		return
	}
	e := v.(*entry)

	result, err := e.invokeHandle(ctx, env.Target, env.GenericSubstitutions, env.Arguments)
	if err != nil {
		s.respondError(ctx, msg, env.CallID, err.Error())
		return
	}
	resp := wire.NewResponseOK(env.CallID, result)
	_ = msg.Reply.Respond(ctx, resp)
}

func (s *System) respondError(ctx context.Context, msg transport.Message, callID uuid.UUID, message string) {
	resp := wire.NewResponseError(callID, message)
	_ = msg.Reply.Respond(ctx, resp)
}

func (s *System) deliverResponse(env wire.Envelope) {
	if v, ok := s.outstanding.LoadAndDelete(env.CallID); ok {
		pc := v.(*pendingCall)
		select {
		case pc.done <- env:
		default:
			// Caller already gave up; drop, matching "response with unknown
			// callID is dropped" / late-response-after-cancel semantics.
		}
	}
	// Unknown callID: dropped.
}

// Shutdown stops every local actor's dispatch loop. Emitting
// StreamEnd{actorTerminated} to live streams is the stream server's job,
// invoked by the host before calling this.
func (s *System) Shutdown() {
	s.actors.Range(func(key, value any) bool {
		value.(*entry).stop()
		s.actors.Delete(key)
		return true
	})
}
