// Package connregistry implements the connection registry stateless,
// function-style hosts need, since there is no long-lived actor process
// holding subscriber continuations: a connectionID-keyed record table with
// an actorID secondary index and a janitor that evicts records whose TTL,
// counted from ConnectedAt, has elapsed.
package connregistry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Record is one live connection's subscription bookkeeping.
type Record struct {
	ConnectionID uuid.UUID
	ActorID      actorid.ActorID
	StreamID     uuid.UUID
	LastSequence uint64
	ConnectedAt  time.Time
	TTL          time.Duration
}

func (r Record) expired(now time.Time) bool {
	return r.TTL > 0 && now.Sub(r.ConnectedAt) > r.TTL
}

// Registry persists connection records keyed by connectionID, with a
// secondary index by actorID for change-feed fanout lookups.
type Registry struct {
	mu        sync.RWMutex
	byConn    map[uuid.UUID]*Record
	byActor   map[actorid.ActorID]map[uuid.UUID]struct{}
	evictStop chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// New builds an empty registry and, when evictionInterval is positive,
// starts its TTL-eviction janitor. A record's age is measured from
// ConnectedAt; later activity (UpdateSequence) does not extend it.
func New(evictionInterval time.Duration, opts ...Option) *Registry {
	r := &Registry{
		byConn:    make(map[uuid.UUID]*Record),
		byActor:   make(map[actorid.ActorID]map[uuid.UUID]struct{}),
		evictStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if evictionInterval > 0 {
		go r.runEvictor(evictionInterval)
	}
	return r
}

// Register inserts a new connection record with no subscription yet.
func (r *Registry) Register(connectionID uuid.UUID, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connectionID] = &Record{ConnectionID: connectionID, ConnectedAt: time.Now(), TTL: ttl}
}

// Subscribe attaches a (actorID, streamID, sequence) subscription to an
// already-registered connection.
func (r *Registry) Subscribe(connectionID uuid.UUID, actor actorid.ActorID, streamID uuid.UUID, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byConn[connectionID]
	if !ok {
		return trebuerr.New(trebuerr.ActorNotFound, "connection not registered")
	}
	rec.ActorID = actor
	rec.StreamID = streamID
	rec.LastSequence = seq

	set, ok := r.byActor[actor]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.byActor[actor] = set
	}
	set[connectionID] = struct{}{}
	return nil
}

// Unregister removes a connection and its secondary-index entry.
func (r *Registry) Unregister(connectionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)
	if set, ok := r.byActor[rec.ActorID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byActor, rec.ActorID)
		}
	}
}

// UpdateSequence advances a connection's last delivered sequence number,
// used after a successful send so a later resume checkpoint is accurate.
func (r *Registry) UpdateSequence(connectionID uuid.UUID, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byConn[connectionID]; ok {
		rec.LastSequence = seq
	}
}

// GetByActor returns a snapshot of every live record subscribed to actor.
func (r *Registry) GetByActor(actor actorid.ActorID) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byActor[actor]
	out := make([]Record, 0, len(set))
	for connID := range set {
		if rec, ok := r.byConn[connID]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (r *Registry) runEvictor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.evictStop:
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Registry) evictExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.byConn {
		if rec.expired(now) {
			delete(r.byConn, id)
			if set, ok := r.byActor[rec.ActorID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byActor, rec.ActorID)
				}
			}
		}
	}
}

// Shutdown stops the eviction janitor.
func (r *Registry) Shutdown() {
	select {
	case <-r.evictStop:
	default:
		close(r.evictStop)
	}
}

// Sender is the send fabric: delivering one message to a named
// downstream connection. Implementations map this onto whatever server-push
// primitive the hosting platform offers (gRPC stream, websocket, SSE).
type Sender interface {
	Send(ctx context.Context, connectionID uuid.UUID, payload []byte) error
}
