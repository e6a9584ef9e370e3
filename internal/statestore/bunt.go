package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// record is the JSON envelope persisted per key in buntdb.
type record struct {
	Payload   []byte    `json:"payload"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BuntStore is the persistent Store implementation backed by
// github.com/tidwall/buntdb, an embedded, transactional, versionable KV
// store; saveIfVersion is implemented as a db.Update transaction acting as
// a compare-and-swap over the stored version field.
type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore opens (or creates) a buntdb file at path. Pass ":memory:"
// for an ephemeral store.
func OpenBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, trebuerr.Wrap(trebuerr.HandlerError, "open buntdb", err)
	}
	return &BuntStore{db: db}, nil
}

// Close releases the underlying database file.
func (b *BuntStore) Close() error {
	return b.db.Close()
}

func keyFor(id actorid.ActorID) string {
	return id.String()
}

func (b *BuntStore) Load(ctx context.Context, id actorid.ActorID) (Record, bool, error) {
	var rec record
	var found bool
	err := b.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(keyFor(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(val), &rec)
	})
	if err != nil {
		return Record{}, false, trebuerr.Wrap(trebuerr.HandlerError, "load", err)
	}
	if !found {
		return Record{}, false, nil
	}
	return Record{Payload: rec.Payload, Version: rec.Version, UpdatedAt: rec.UpdatedAt}, true, nil
}

func (b *BuntStore) Save(ctx context.Context, id actorid.ActorID, payload []byte) (uint64, error) {
	var version uint64
	err := b.db.Update(func(tx *buntdb.Tx) error {
		var rec record
		if val, err := tx.Get(keyFor(id)); err == nil {
			_ = json.Unmarshal([]byte(val), &rec)
		} else if err != buntdb.ErrNotFound {
			return err
		}
		rec.Payload = payload
		rec.Version++
		rec.UpdatedAt = time.Now()
		version = rec.Version

		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(keyFor(id), string(encoded), nil)
		return err
	})
	if err != nil {
		return 0, trebuerr.Wrap(trebuerr.HandlerError, "save", err)
	}
	return version, nil
}

// SaveIfVersion performs the conditional write inside a single buntdb
// transaction: the read, the version comparison, and the write all happen
// under the same tx, giving the compare-and-swap its atomicity.
func (b *BuntStore) SaveIfVersion(ctx context.Context, id actorid.ActorID, payload []byte, expectedVersion uint64) (uint64, error) {
	var version uint64
	var conflictErr error

	err := b.db.Update(func(tx *buntdb.Tx) error {
		var rec record
		var exists bool
		if val, err := tx.Get(keyFor(id)); err == nil {
			exists = true
			if jerr := json.Unmarshal([]byte(val), &rec); jerr != nil {
				return jerr
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}

		if expectedVersion == 0 {
			if exists {
				conflictErr = trebuerr.New(trebuerr.VersionConflict, "key already exists")
				return nil
			}
		} else if !exists || rec.Version != expectedVersion {
			actual := uint64(0)
			if exists {
				actual = rec.Version
			}
			conflictErr = versionConflictErr(expectedVersion, actual)
			return nil
		}

		rec.Payload = payload
		rec.Version = expectedVersion + 1
		rec.UpdatedAt = time.Now()
		version = rec.Version

		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(keyFor(id), string(encoded), nil)
		return err
	})
	if conflictErr != nil {
		return 0, conflictErr
	}
	if err != nil {
		return 0, trebuerr.Wrap(trebuerr.HandlerError, "saveIfVersion", err)
	}
	return version, nil
}

func (b *BuntStore) GetVersion(ctx context.Context, id actorid.ActorID) (uint64, bool, error) {
	rec, ok, err := b.Load(ctx, id)
	if err != nil || !ok {
		return 0, ok, err
	}
	return rec.Version, true, nil
}

func (b *BuntStore) Delete(ctx context.Context, id actorid.ActorID) error {
	err := b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keyFor(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return trebuerr.Wrap(trebuerr.HandlerError, "delete", err)
	}
	return nil
}

func (b *BuntStore) Exists(ctx context.Context, id actorid.ActorID) (bool, error) {
	_, ok, err := b.Load(ctx, id)
	return ok, err
}
