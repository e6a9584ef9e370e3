// Package statestore implements the persistent state contract: an
// interface mapping actorID to a versioned payload, with optimistic
// concurrency via SaveIfVersion. The in-memory implementation serves tests
// and single-node demos; the buntdb implementation persists across
// restarts.
package statestore

import (
	"context"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Record is one actor's persisted state: payload bytes, version, and the
// wall-clock time of the last write.
type Record struct {
	Payload   []byte
	Version   uint64
	UpdatedAt time.Time
}

// Store is the contract every persistence backend implements. Version 0
// denotes "not yet created"; a successful save's resulting version is
// expectedVersion+1 for an existing key or 1 for a new key.
type Store interface {
	Load(ctx context.Context, id actorid.ActorID) (Record, bool, error)
	Save(ctx context.Context, id actorid.ActorID, payload []byte) (uint64, error)
	SaveIfVersion(ctx context.Context, id actorid.ActorID, payload []byte, expectedVersion uint64) (uint64, error)
	GetVersion(ctx context.Context, id actorid.ActorID) (uint64, bool, error)
	Delete(ctx context.Context, id actorid.ActorID) error
	Exists(ctx context.Context, id actorid.ActorID) (bool, error)
}

// Transform computes a new payload from the current one (nil if the key
// doesn't exist yet) for UpdateWithRetry.
type Transform func(current []byte, exists bool) ([]byte, error)

// UpdateWithRetry implements load -> transform -> saveIfVersion, retrying
// on version conflict up to maxRetries times before failing with
// maxRetriesExceeded.
func UpdateWithRetry(ctx context.Context, s Store, id actorid.ActorID, transform Transform, maxRetries int) (uint64, error) {
	for attempt := 0; ; attempt++ {
		rec, exists, err := s.Load(ctx, id)
		if err != nil {
			return 0, err
		}
		var current []byte
		expected := uint64(0)
		if exists {
			current = rec.Payload
			expected = rec.Version
		}

		next, err := transform(current, exists)
		if err != nil {
			return 0, err
		}

		version, err := s.SaveIfVersion(ctx, id, next, expected)
		if err == nil {
			return version, nil
		}
		if trebuerr.KindOf(err) != trebuerr.VersionConflict {
			return 0, err
		}
		if attempt >= maxRetries {
			return 0, trebuerr.New(trebuerr.MaxRetriesExceeded, "updateWithRetry exhausted retries")
		}
	}
}
