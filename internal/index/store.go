// Package index persists each plugin's searchable item table on disk as
// a flat (plugin_id, item_id) -> IndexedItem table in Badger: a single-byte
// key prefix namespaces the item table within a shared Badger instance,
// and Badger's value-log + WAL keeps readers from ever observing a torn
// snapshot while writers serialize per plugin.
package index

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/model"
)

// Single-byte key prefixes namespacing the shared Badger instance.
const (
	prefixItem   = byte(0x01) // prefixItem pluginID NUL itemID -> JSON(IndexedItem)
	prefixPlugin = byte(0x02) // reserved; no key under this prefix is written
)

// Store is the on-disk index over every plugin's IndexedItem table.
type Store struct {
	db   *badger.DB
	owns bool
}

// Options configures Store.
type Options struct {
	// Dir is the on-disk directory for the Badger files. Required unless
	// InMemory is set.
	Dir string
	// InMemory runs the store with no persistence, for tests.
	InMemory bool
}

// Open opens (creating if absent) a dedicated Badger instance for the index
// store. Prefer NewStore when a Badger handle is already open, so the index
// and frecency tables share one instance's crash recovery and compaction.
func Open(opts Options) (*Store, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open index store", err)
	}
	return &Store{db: db, owns: true}, nil
}

// NewStore wraps an already-open Badger handle, the same sharing pattern
// frecency.NewStore uses (internal/frecency/store.go): one Badger instance
// backs both the item table (prefixItem here) and the frecency
// table (its own keyPrefix), so the daemon opens Badger exactly once.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close flushes and closes the underlying database. A Store built with
// NewStore doesn't own its handle and leaves closing it to the caller.
func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

func itemKey(pluginID, itemID string) []byte {
	return append([]byte{prefixItem}, []byte(pluginID+"\x00"+itemID)...)
}

func itemPrefix(pluginID string) []byte {
	return append([]byte{prefixItem}, []byte(pluginID+"\x00")...)
}

// FullReplace atomically replaces plugin_id's entire item slice: one
// Badger transaction deletes the plugin's existing keys and writes the
// new ones, giving readers an all-or-nothing view.
func (s *Store) FullReplace(pluginID string, items []model.IndexedItem) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := deletePluginKeysLocked(txn, pluginID); err != nil {
			return err
		}
		for _, item := range items {
			item.PluginID = pluginID
			if err := putItemLocked(txn, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Incremental merges added/updated items and removes the given IDs.
// Removed IDs missing from the table are ignored.
func (s *Store) Incremental(pluginID string, addedOrUpdated []model.IndexedItem, removed []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, item := range addedOrUpdated {
			item.PluginID = pluginID
			if err := putItemLocked(txn, item); err != nil {
				return err
			}
		}
		for _, id := range removed {
			if err := txn.Delete(itemKey(pluginID, id)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func putItemLocked(txn *badger.Txn, item model.IndexedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return txn.Set(itemKey(item.PluginID, item.ID), data)
}

func deletePluginKeysLocked(txn *badger.Txn, pluginID string) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := itemPrefix(pluginID)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Iter returns all of pluginID's items.
func (s *Store) Iter(pluginID string) ([]model.IndexedItem, error) {
	var out []model.IndexedItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := itemPrefix(pluginID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item model.IndexedItem
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &item)
			}); err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// IterAll returns every item across every plugin, used by the query
// engine's always-on index scan.
func (s *Store) IterAll() ([]model.IndexedItem, error) {
	var out []model.IndexedItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{prefixItem}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item model.IndexedItem
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &item)
			}); err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// Drop removes every item belonging to pluginID, used on unregister and
// uninstall.
func (s *Store) Drop(pluginID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deletePluginKeysLocked(txn, pluginID)
	})
}
