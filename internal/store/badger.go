package store

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/edgecli/peerlink/internal/registry"
)

var (
	authPrefix     = []byte("auth/")
	rejectedPrefix = []byte("rejected/")
)

// BadgerStore keeps each record under auth/<uuid> and each rejection
// under rejected/<uuid>.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dir))
}

// OpenBadgerInMemory opens a throwaway in-memory database.
func OpenBadgerInMemory() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load reads every record and rejection.
func (b *BadgerStore) Load() (registry.Snapshot, error) {
	var doc document
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(authPrefix); it.ValidForPrefix(authPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var r record
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			doc.Records = append(doc.Records, r)
		}

		for it.Seek(rejectedPrefix); it.ValidForPrefix(rejectedPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			doc.Rejected = append(doc.Rejected, string(key[len(rejectedPrefix):]))
		}
		return nil
	})
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("load auth registry: %w", err)
	}
	return doc.toSnapshot()
}

// Save replaces the stored contents with s in one transaction.
func (b *BadgerStore) Save(s registry.Snapshot) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, authPrefix); err != nil {
			return err
		}
		if err := deletePrefix(txn, rejectedPrefix); err != nil {
			return err
		}

		for _, r := range s.Records {
			val, err := json.Marshal(fromRecord(r))
			if err != nil {
				return err
			}
			if err := txn.Set(append(append([]byte{}, authPrefix...), r.UUID...), val); err != nil {
				return err
			}
		}
		for _, id := range s.Rejected {
			if err := txn.Set(append(append([]byte{}, rejectedPrefix...), id...), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
