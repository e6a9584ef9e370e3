package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// MemoryStore is an in-process Store for tests and single-node demos: a
// plain mutex guarding a map rather than an LRU, since eviction isn't part
// of this contract.
type MemoryStore struct {
	mu      sync.Mutex
	records map[actorid.ActorID]Record
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[actorid.ActorID]Record)}
}

func (m *MemoryStore) Load(ctx context.Context, id actorid.ActorID) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *MemoryStore) Save(ctx context.Context, id actorid.ActorID, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.Payload = payload
	rec.Version++
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return rec.Version, nil
}

func (m *MemoryStore) SaveIfVersion(ctx context.Context, id actorid.ActorID, payload []byte, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if expectedVersion == 0 {
		if exists {
			return 0, trebuerr.New(trebuerr.VersionConflict, "key already exists")
		}
	} else if !exists || rec.Version != expectedVersion {
		actual := uint64(0)
		if exists {
			actual = rec.Version
		}
		return 0, versionConflictErr(expectedVersion, actual)
	}

	rec.Payload = payload
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now()
	m.records[id] = rec
	return rec.Version, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, id actorid.ActorID) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec.Version, ok, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id actorid.ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, id actorid.ActorID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok, nil
}

func versionConflictErr(expected, actual uint64) error {
	return trebuerr.New(trebuerr.VersionConflict, fmt.Sprintf("expected version %d, actual %d", expected, actual))
}
