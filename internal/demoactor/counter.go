package demoactor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Counter is a streamed-property demo actor: its count field is read
// directly by "get" and written by "increment"/"reset", each write fanning
// out the new value to every observeCount() subscriber. Because the
// actor's dispatch loop (internal/actor.entry) serializes Handle and
// Observe calls, the write-then-notify ordering invariant holds without
// any locking inside the actor itself; only the subscriber list needs a
// mutex, since the fanout must never block the setter on a slow
// subscriber.
type Counter struct {
	mu    sync.Mutex
	value int64
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	ch chan []byte
}

// NewCounter builds a Counter starting at zero.
func NewCounter() *Counter {
	return &Counter{subs: make(map[*subscriber]struct{})}
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func (c *Counter) Handle(ctx context.Context, target string, genericSubs []string, args [][]byte) ([]byte, error) {
	switch target {
	case "get":
		c.mu.Lock()
		v := c.value
		c.mu.Unlock()
		return encodeInt64(v), nil
	case "increment":
		c.mu.Lock()
		c.value++
		v := c.value
		c.mu.Unlock()
		c.notify(v)
		return encodeInt64(v), nil
	case "reset":
		c.mu.Lock()
		c.value = 0
		c.mu.Unlock()
		c.notify(0)
		return encodeInt64(0), nil
	default:
		return nil, trebuerr.New(trebuerr.ActorNotFound, fmt.Sprintf("no method %q on Counter", target))
	}
}

func (c *Counter) Observe(ctx context.Context, target string, args [][]byte) (<-chan []byte, error) {
	if target != "observeCount" {
		ch := make(chan []byte)
		close(ch)
		return ch, trebuerr.New(trebuerr.ActorNotFound, fmt.Sprintf("no streaming method %q on Counter", target))
	}

	sub := &subscriber{ch: make(chan []byte, 16)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	current := c.value
	c.mu.Unlock()

	// Initial yield on subscription is the current value.
	sub.ch <- encodeInt64(current)

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, sub)
		close(sub.ch)
		c.mu.Unlock()
	}()
	return sub.ch, nil
}

// notify pushes the new value to every subscriber's buffered channel
// without blocking; a subscriber that can't keep up drops the intermediate
// value rather than stalling the actor's dispatch loop (the consumer side,
// internal/streamserver, reads this channel off-loop and assigns its own
// monotonic sequence numbers, so a dropped intermediate here is simply a
// larger sequence gap, not a correctness violation). The sends happen
// under the same mutex that guards unsubscription, so a channel is never
// closed out from under an in-flight send.
func (c *Counter) notify(v int64) {
	encoded := encodeInt64(v)
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		select {
		case s.ch <- encoded:
		default:
		}
	}
}

var _ actor.Actor = (*Counter)(nil)
