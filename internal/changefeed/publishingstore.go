package changefeed

import (
	"context"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/statestore"
)

// PublishingStore wraps a statestore.Store so every successful versioned
// write also emits an Event on the change feed; the consumer half is
// Bridge.Handle, wired via RegisterHandler. Load/GetVersion/Delete/Exists
// pass straight through; only Save and SaveIfVersion publish.
type PublishingStore struct {
	statestore.Store
	publisher *Publisher
}

// NewPublishingStore wraps store so its writes flow through publisher.
func NewPublishingStore(store statestore.Store, publisher *Publisher) *PublishingStore {
	return &PublishingStore{Store: store, publisher: publisher}
}

func (s *PublishingStore) Save(ctx context.Context, id actorid.ActorID, payload []byte) (uint64, error) {
	version, err := s.Store.Save(ctx, id, payload)
	if err != nil {
		return version, err
	}
	s.publish(ctx, id, payload, version)
	return version, nil
}

func (s *PublishingStore) SaveIfVersion(ctx context.Context, id actorid.ActorID, payload []byte, expectedVersion uint64) (uint64, error) {
	version, err := s.Store.SaveIfVersion(ctx, id, payload, expectedVersion)
	if err != nil {
		return version, err
	}
	s.publish(ctx, id, payload, version)
	return version, nil
}

// Close forwards to the wrapped store when it is a closer (e.g. BuntStore);
// embedding statestore.Store alone wouldn't promote this since Close isn't
// part of that interface.
func (s *PublishingStore) Close() error {
	if closer, ok := s.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// publish best-efforts the change event: a broker outage must not fail a
// write that has already durably landed in the state store.
func (s *PublishingStore) publish(ctx context.Context, id actorid.ActorID, payload []byte, version uint64) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, Event{
		ActorID:        id,
		NewValue:       payload,
		SequenceNumber: version,
	})
}
