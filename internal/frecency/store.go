// Package frecency tracks per-scope usage counts and recency, and the
// learned-shortcut terms that earn an item a ranking boost.
package frecency

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/launchkitd/launchkitd/internal/apperr"
)

const maxRecentTerms = 5

// Entry is one scope's frecency state.
type Entry struct {
	ScopeKey    string   `json:"scopeKey"`
	Count       int64    `json:"count"`
	LastUsedMs  int64    `json:"lastUsedMs"`
	RecentTerms []string `json:"recentTerms"`
}

// keyPrefix namespaces frecency keys within the shared Badger instance the
// daemon opens.
const keyPrefix = byte(0x10)

// Store persists FrecencyEntry keyed by scope_key.
type Store struct {
	db *badger.DB
}

// NewStore wraps an already-open Badger handle. The daemon opens one
// Badger instance for both the index and frecency stores, sharing crash
// recovery and compaction rather than running two separate databases.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func entryKey(scopeKey string) []byte {
	return append([]byte{keyPrefix}, []byte(scopeKey)...)
}

// Get returns scopeKey's entry, or a zero Entry if none exists yet.
func (s *Store) Get(scopeKey string) (Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(scopeKey))
		if err == badger.ErrKeyNotFound {
			e = Entry{ScopeKey: scopeKey}
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if err != nil {
		return Entry{}, apperr.Wrap(apperr.Internal, "read frecency entry", err)
	}
	return e, nil
}

// RecordSelection applies a successful item selection to scopeKey: count
// increments, last-used moves forward (never backward), and the query
// joins the most recent up-to-5 distinct terms. now is passed in rather
// than read from time.Now so callers (and tests) control the clock.
func (s *Store) RecordSelection(scopeKey, query string, now time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var e Entry
		item, err := txn.Get(entryKey(scopeKey))
		switch {
		case err == badger.ErrKeyNotFound:
			e = Entry{ScopeKey: scopeKey}
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
		}

		e.Count++
		nowMs := now.UnixMilli()
		if nowMs > e.LastUsedMs {
			e.LastUsedMs = nowMs
		}
		if query != "" {
			e.RecentTerms = pushRecentTerm(e.RecentTerms, query)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(scopeKey), data)
	})
}

// pushRecentTerm prepends term, dedupes, and caps the list at
// maxRecentTerms.
func pushRecentTerm(terms []string, term string) []string {
	out := make([]string, 0, maxRecentTerms)
	out = append(out, term)
	for _, t := range terms {
		if t == term {
			continue
		}
		out = append(out, t)
		if len(out) == maxRecentTerms {
			break
		}
	}
	return out
}

// Prune deletes entries whose last use predates cutoff and whose count
// is at or below countFloor, reclaiming space from scope keys for
// uninstalled plugins or items while sparing heavily-used entries that
// merely went quiet. A negative countFloor prunes on age alone.
func (s *Store) Prune(cutoff time.Time, countFloor int64) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	var toDelete [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{keyPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if e.LastUsedMs < cutoffMs && (countFloor < 0 || e.Count <= countFloor) {
				toDelete = append(toDelete, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

// Count returns the number of scope keys currently tracked, used by
// status() for frecency-store size observability.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{keyPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// TopByCount returns up to limit entries sorted by count descending, used
// by the query engine to pick empty-query suggestions.
func (s *Store) TopByCount(limit int) ([]Entry, error) {
	var all []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte{keyPrefix}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			all = append(all, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
