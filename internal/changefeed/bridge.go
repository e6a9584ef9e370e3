// Package changefeed implements the change-feed bridge: a state-store
// mutation stream rebroadcast as StreamData to every connection-registry
// record subscribed to the mutated actor, for multi-instance
// synchronization in stateless (function-style) deployments. Transport for
// the feed itself is github.com/ThreeDotsLabs/watermill, so the in-process
// pubsub used on a single node and the AMQP binding used across nodes are
// interchangeable behind the same Publisher/Subscriber interfaces.
package changefeed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/connregistry"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Topic is the default watermill topic the bridge publishes to and
// consumes from; callers wiring a real broker (AMQP exchange, etc.) may
// bind a different topic name at the subscriber-provider layer instead.
const Topic = "trebuchet.state_changes"

// Event is one state-store mutation. The sequence is the record's version
// counter, or a hashed stream token if the backing store exposes one
// instead.
type Event struct {
	ActorID        actorid.ActorID `json:"actorId"`
	NewValue       []byte          `json:"newValue"`
	SequenceNumber uint64          `json:"sequenceNumber"`
}

// Publisher emits change events onto the feed. A statestore.Store wrapper
// (or the call site performing a save) constructs one Event per successful
// write and calls Publish; the bridge that consumes them runs on every
// node, not just the one that performed the write.
type Publisher struct {
	pub message.Publisher
}

// NewPublisher wraps a watermill message.Publisher (in-memory gochannel for
// single-node demos, AMQP for multi-instance deployments — both satisfy the
// same interface).
func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// Publish encodes ev and sends it on Topic.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return trebuerr.Wrap(trebuerr.HandlerError, "encode change event", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := p.pub.Publish(Topic, msg); err != nil {
		return trebuerr.Wrap(trebuerr.HandlerError, "publish change event", err)
	}
	return nil
}

// ConnRegistry is the subset of *connregistry.Registry the bridge needs;
// *connregistry.Registry satisfies it directly.
type ConnRegistry interface {
	GetByActor(actor actorid.ActorID) []connregistry.Record
	Unregister(connectionID uuid.UUID)
	UpdateSequence(connectionID uuid.UUID, seq uint64)
}

// Bridge consumes change events and rebroadcasts each to every connection
// registry record subscribed to the mutated actor.
type Bridge struct {
	registry ConnRegistry
	sender   connregistry.Sender
	logger   *slog.Logger
}

// NewBridge builds a Bridge delivering through sender, looking up live
// subscriptions in registry.
func NewBridge(registry ConnRegistry, sender connregistry.Sender, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: registry, sender: sender, logger: logger}
}

// Handle is a watermill message.NoPublishHandlerFunc: decode failures are
// logged and acked rather than retried forever, so one poison message
// can't wedge the feed.
func (b *Bridge) Handle(msg *message.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.logger.Error("change-feed decode failed", "err", err, "msgId", msg.UUID)
		return nil
	}
	b.broadcast(msg.Context(), ev)
	return nil
}

// broadcast delivers ev to every record subscribed to ev.ActorID,
// concurrently and in isolation: one failing send never blocks or cancels
// delivery to the others.
func (b *Bridge) broadcast(ctx context.Context, ev Event) {
	records := b.registry.GetByActor(ev.ActorID)
	if len(records) == 0 {
		return
	}

	var g errgroup.Group
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			env := wire.NewStreamData(rec.StreamID, ev.SequenceNumber, ev.NewValue)
			payload, err := wire.Encode(env)
			if err != nil {
				b.logger.Error("change-feed encode failed", "err", err)
				return nil
			}

			if err := b.sender.Send(ctx, rec.ConnectionID, payload); err != nil {
				if trebuerr.KindOf(err) == trebuerr.ConnectionFailed {
					b.registry.Unregister(rec.ConnectionID)
				} else {
					b.logger.Warn("change-feed send failed, will retry on next event",
						"connectionID", rec.ConnectionID, "err", err)
				}
				return nil
			}

			b.registry.UpdateSequence(rec.ConnectionID, ev.SequenceNumber)
			return nil
		})
	}
	_ = g.Wait()
}

// RegisterHandler wires Handle into router as a no-publisher handler
// consuming Topic from sub, one route per topic.
func RegisterHandler(router *message.Router, sub message.Subscriber, bridge *Bridge) {
	router.AddNoPublisherHandler(
		"changefeed_bridge",
		Topic,
		sub,
		bridge.Handle,
	)
}
