// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

package mirror

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Migration is one schema step. Its version is its position in the list
// plus one.
type Migration struct {
	Name string
	Up   func(m *Migrator) error
}

// Migrator edits collections inside the transaction of one migration step.
// All of its operations are idempotent.
type Migrator struct {
	txn         *badger.Txn
	collections map[string]struct{}
}

// CreateCollection adds a collection if it does not exist.
func (m *Migrator) CreateCollection(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m.collections[name] = struct{}{}
	return nil
}

// HasCollection reports whether the collection exists at this step.
func (m *Migrator) HasCollection(name string) bool {
	_, ok := m.collections[name]
	return ok
}

// DropCollection removes a collection and all of its records.
func (m *Migrator) DropCollection(name string) error {
	if _, ok := m.collections[name]; !ok {
		return nil
	}
	keys, err := m.keys(name)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.txn.Delete(k); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	delete(m.collections, name)
	return nil
}

// Rewrite passes every record of a collection through fn. A nil result
// deletes the record.
func (m *Migrator) Rewrite(name string, fn func(id string, value json.RawMessage) (json.RawMessage, error)) error {
	if _, ok := m.collections[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	keys, err := m.keys(name)
	if err != nil {
		return err
	}
	prefixLen := len(collectionPrefix(name))

	for _, k := range keys {
		item, err := m.txn.Get(k)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", k, err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", k, err)
		}
		out, err := fn(string(k[prefixLen:]), val)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", k, err)
		}
		if out == nil {
			err = m.txn.Delete(k)
		} else {
			err = m.txn.Set(k, out)
		}
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", k, err)
		}
	}
	return nil
}

func (m *Migrator) keys(collection string) ([][]byte, error) {
	return recordKeys(m.txn, collection), nil
}

// recordKeys collects record keys first; Badger does not allow writes while
// an iterator is open on the same transaction.
func recordKeys(txn *badger.Txn, collection string) [][]byte {
	prefix := collectionPrefix(collection)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
