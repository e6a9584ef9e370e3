// Package registry defines the service-registry contract the actor system
// consumes to resolve a remote ActorID to a live endpoint. The registry
// itself — service discovery, health heartbeats, DNS/k8s backing — is an
// external collaborator; this package is the thin interface plus an
// in-memory reference implementation so callers have something concrete to
// compile and test against.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Endpoint is the network location and metadata a registration advertises.
type Endpoint struct {
	Host     string
	Port     uint16
	Metadata map[string]string
}

// WatchEventKind discriminates a watch stream event.
type WatchEventKind string

const (
	WatchUpdated WatchEventKind = "updated"
	WatchRemoved WatchEventKind = "removed"
)

// WatchEvent is one change to a watched actorID's registration.
type WatchEvent struct {
	Kind     WatchEventKind
	Endpoint Endpoint
}

// Registry is the external service-registry contract: register, resolve,
// watch, deregister, heartbeat, and prefix listing.
type Registry interface {
	Register(ctx context.Context, id actorid.ActorID, ep Endpoint, ttl time.Duration) error
	Resolve(ctx context.Context, id actorid.ActorID) (Endpoint, bool, error)
	ResolveAll(ctx context.Context, id actorid.ActorID) ([]Endpoint, error)
	Watch(ctx context.Context, id actorid.ActorID) (<-chan WatchEvent, error)
	Deregister(ctx context.Context, id actorid.ActorID) error
	Heartbeat(ctx context.Context, id actorid.ActorID) error
	List(ctx context.Context, prefix string) ([]actorid.ActorID, error)
}

type registration struct {
	endpoints map[string]Endpoint // keyed by host:port, for ResolveAll's multi-instance case
	expiresAt time.Time
	ttl       time.Duration
}

func (r registration) expired(now time.Time) bool {
	return r.ttl > 0 && now.After(r.expiresAt)
}

// MemoryRegistry is an in-process Registry for tests and single-node
// demos: a mutex-guarded map plus a fan-out channel set per watched id.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[actorid.ActorID]*registration
	watchers map[actorid.ActorID][]chan WatchEvent
}

// NewMemoryRegistry builds an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[actorid.ActorID]*registration),
		watchers: make(map[actorid.ActorID][]chan WatchEvent),
	}
}

func endpointKey(ep Endpoint) string {
	return ep.Host + ":" + portString(ep.Port)
}

func portString(p uint16) string {
	if p == 0 {
		return "0"
	}
	digits := "0123456789"
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

func (m *MemoryRegistry) Register(ctx context.Context, id actorid.ActorID, ep Endpoint, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.entries[id]
	if !ok {
		reg = &registration{endpoints: make(map[string]Endpoint)}
		m.entries[id] = reg
	}
	reg.endpoints[endpointKey(ep)] = ep
	reg.ttl = ttl
	if ttl > 0 {
		reg.expiresAt = time.Now().Add(ttl)
	}
	m.notify(id, WatchEvent{Kind: WatchUpdated, Endpoint: ep})
	return nil
}

func (m *MemoryRegistry) Resolve(ctx context.Context, id actorid.ActorID) (Endpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.entries[id]
	if !ok || reg.expired(time.Now()) || len(reg.endpoints) == 0 {
		return Endpoint{}, false, nil
	}
	for _, ep := range reg.endpoints {
		return ep, true, nil
	}
	return Endpoint{}, false, nil
}

func (m *MemoryRegistry) ResolveAll(ctx context.Context, id actorid.ActorID) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.entries[id]
	if !ok || reg.expired(time.Now()) {
		return nil, nil
	}
	out := make([]Endpoint, 0, len(reg.endpoints))
	for _, ep := range reg.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, id actorid.ActorID) (<-chan WatchEvent, error) {
	ch := make(chan WatchEvent, 8)

	m.mu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[id]
		for i, w := range watchers {
			if w == ch {
				m.watchers[id] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, id actorid.ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return trebuerr.New(trebuerr.ActorNotFound, "not registered")
	}
	delete(m.entries, id)
	m.notify(id, WatchEvent{Kind: WatchRemoved})
	return nil
}

func (m *MemoryRegistry) Heartbeat(ctx context.Context, id actorid.ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.entries[id]
	if !ok {
		return trebuerr.New(trebuerr.ActorNotFound, "not registered")
	}
	if reg.ttl > 0 {
		reg.expiresAt = time.Now().Add(reg.ttl)
	}
	return nil
}

func (m *MemoryRegistry) List(ctx context.Context, prefix string) ([]actorid.ActorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []actorid.ActorID
	for id, reg := range m.entries {
		if reg.expired(now) {
			continue
		}
		if strings.HasPrefix(id.ID, prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

// notify must be called with m.mu held.
func (m *MemoryRegistry) notify(id actorid.ActorID, ev WatchEvent) {
	for _, ch := range m.watchers[id] {
		select {
		case ch <- ev:
		default:
		}
	}
}
