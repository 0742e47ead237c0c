package persistence

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

var (
	snapshotKey   = []byte("bot_snapshot")
	pendingPrefix = []byte("pending/")
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db}, nil
}

// SaveSnapshot atomically saves the full trading state under a single key.
func (r *badgerRepository) SaveSnapshot(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
}

// LoadSnapshot loads the trading state from storage.
// If the snapshot key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadSnapshot() (*Snapshot, error) {
	var snap Snapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snap)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // This is the expected "no state found" case.
	}
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

// AppendPending journals one unconfirmed remote write under its own key.
func (r *badgerRepository) AppendPending(entry PendingEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := append(append([]byte{}, pendingPrefix...), []byte(entry.ID)...)
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// PendingEntries returns all journaled writes ordered by enqueue time.
func (r *badgerRepository) PendingEntries() ([]PendingEntry, error) {
	var entries []PendingEntry

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(pendingPrefix); it.ValidForPrefix(pendingPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e PendingEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	return entries, nil
}

// RemovePending drops a journal entry. Unknown ids are ignored.
func (r *badgerRepository) RemovePending(id string) error {
	key := append(append([]byte{}, pendingPrefix...), []byte(id)...)
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
