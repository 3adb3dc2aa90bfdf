// Lenssync - Client Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenssync

// Package mirror is the local durable copy of server entities.
//
// Records live in named collections keyed by entity id. The set of
// collections is defined by an ordered list of migrations; migration i has
// version i+1 and runs exactly once, when the stored version is below it.
// A separate key space holds small string values such as the credential
// token.
//
// Key layout in BadgerDB:
//
//	meta:version            stored schema version (decimal)
//	meta:collections        JSON array of collection names
//	rec:<collection>/<id>   JSON record
//	kv:<key>                raw string value
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/lenssync/internal/logging"
	"github.com/tomtom215/lenssync/internal/metrics"
)

const (
	metaVersionKey     = "meta:version"
	metaCollectionsKey = "meta:collections"
	recordPrefix       = "rec:"
	valuePrefix        = "kv:"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("mirror: record not found")
	ErrUnknownCollection = errors.New("mirror: unknown collection")
	ErrInvalidName       = errors.New("mirror: invalid collection name")
	ErrSchemaTooNew      = errors.New("mirror: stored schema is newer than this client")
)

// Config configures the BadgerDB backing store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory. Used by tests and ephemeral clients.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Compression enables Snappy block compression.
	Compression bool
}

// Record is one stored entity.
type Record struct {
	ID    string
	Value json.RawMessage
}

// Mirror is a BadgerDB-backed keyed object store.
type Mirror struct {
	db  *badger.DB
	log zerolog.Logger

	mu          sync.RWMutex
	collections map[string]struct{}
	version     int
}

// Open opens the store and applies pending migrations in ascending order.
func Open(cfg Config, migrations []Migration) (*Mirror, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.Compression {
		opts.Compression = options.Snappy
	} else {
		opts.Compression = options.None
	}
	// Badger's default logger writes to stderr; the mirror logs through zerolog instead.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open mirror at %q: %w", cfg.Path, err)
	}

	m := &Mirror{
		db:          db,
		log:         logging.WithComponent("mirror"),
		collections: make(map[string]struct{}),
	}

	if err := m.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := m.migrate(migrations); err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics.MirrorSchemaVersion.Set(float64(m.version))
	m.log.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Int("version", m.version).
		Strs("collections", m.Collections()).
		Msg("Mirror opened")
	return m, nil
}

func (m *Mirror) loadMeta() error {
	return m.db.View(func(txn *badger.Txn) error {
		version, err := readVersion(txn)
		if err != nil {
			return err
		}
		names, err := readCollections(txn)
		if err != nil {
			return err
		}
		m.version = version
		for _, n := range names {
			m.collections[n] = struct{}{}
		}
		return nil
	})
}

func (m *Mirror) migrate(migrations []Migration) error {
	if m.version > len(migrations) {
		return fmt.Errorf("%w: stored version %d, known migrations %d", ErrSchemaTooNew, m.version, len(migrations))
	}

	for i := m.version; i < len(migrations); i++ {
		mig := migrations[i]
		target := i + 1

		err := m.db.Update(func(txn *badger.Txn) error {
			mg := &Migrator{txn: txn, collections: m.snapshotCollections()}
			if err := mig.Up(mg); err != nil {
				return err
			}
			if err := writeCollections(txn, mg.collections); err != nil {
				return err
			}
			if err := txn.Set([]byte(metaVersionKey), []byte(strconv.Itoa(target))); err != nil {
				return fmt.Errorf("set version: %w", err)
			}
			m.mu.Lock()
			m.collections = mg.collections
			m.mu.Unlock()
			return nil
		})
		if err != nil {
			// Reload so the in-memory view matches the last committed step.
			m.mu.Lock()
			m.collections = make(map[string]struct{})
			m.mu.Unlock()
			if rerr := m.loadMeta(); rerr != nil {
				m.log.Error().Err(rerr).Msg("Reloading mirror metadata failed")
			}
			return fmt.Errorf("migration %d (%s): %w", target, mig.Name, err)
		}

		m.version = target
		m.log.Info().Int("version", target).Str("migration", mig.Name).Msg("Mirror migration applied")
	}
	return nil
}

func (m *Mirror) snapshotCollections() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.collections))
	for k := range m.collections {
		out[k] = struct{}{}
	}
	return out
}

// Version returns the applied schema version.
func (m *Mirror) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Collections returns the collection names in sorted order.
func (m *Mirror) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.collections))
	for k := range m.collections {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Mirror) checkCollection(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.collections[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return nil
}

// Get decodes the record id of collection into v.
func (m *Mirror) Get(ctx context.Context, collection, id string, v any) (err error) {
	defer m.observe("get", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkCollection(collection); err != nil {
		return err
	}

	return m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(collection, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", collection, id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Put stores v as the record id of collection, replacing any previous value.
func (m *Mirror) Put(ctx context.Context, collection, id string, v any) (err error) {
	defer m.observe("put", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkCollection(collection); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(collection, id), data)
	})
}

// PutMany stores several records of one collection in a single commit.
func (m *Mirror) PutMany(ctx context.Context, collection string, records map[string]any) (err error) {
	defer m.observe("put_many", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkCollection(collection); err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(records))
	for id, v := range records {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
		}
		encoded[id] = data
	}
	return m.db.Update(func(txn *badger.Txn) error {
		for id, data := range encoded {
			if err := txn.Set(recordKey(collection, id), data); err != nil {
				return fmt.Errorf("set %s/%s: %w", collection, id, err)
			}
		}
		return nil
	})
}

// Replace makes records the entire content of collection in one commit.
// Records whose ids are not in records are deleted.
func (m *Mirror) Replace(ctx context.Context, collection string, records map[string]any) (err error) {
	defer m.observe("replace", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkCollection(collection); err != nil {
		return err
	}

	encoded := make(map[string][]byte, len(records))
	for id, v := range records {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
		}
		encoded[id] = data
	}
	prefixLen := len(collectionPrefix(collection))
	return m.db.Update(func(txn *badger.Txn) error {
		for _, k := range recordKeys(txn, collection) {
			if _, keep := encoded[string(k[prefixLen:])]; keep {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		for id, data := range encoded {
			if err := txn.Set(recordKey(collection, id), data); err != nil {
				return fmt.Errorf("set %s/%s: %w", collection, id, err)
			}
		}
		return nil
	})
}

// Clear removes every record of collection. The collection stays defined.
func (m *Mirror) Clear(ctx context.Context, collection string) error {
	return m.Replace(ctx, collection, nil)
}

// Delete removes a record. Deleting a missing record is not an error.
func (m *Mirror) Delete(ctx context.Context, collection, id string) (err error) {
	defer m.observe("delete", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkCollection(collection); err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(collection, id))
	})
}

// GetAll returns every record of collection ordered by id.
func (m *Mirror) GetAll(ctx context.Context, collection string) (records []Record, err error) {
	defer m.observe("get_all", collection, time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkCollection(collection); err != nil {
		return nil, err
	}

	prefix := collectionPrefix(collection)
	err = m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			records = append(records, Record{
				ID:    string(item.Key()[len(prefix):]),
				Value: val,
			})
		}
		return nil
	})
	return records, err
}

// GetAllInto decodes every record of collection into a slice of T.
func GetAllInto[T any](ctx context.Context, m *Mirror, collection string) ([]T, error) {
	records, err := m.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetValue reads a string from the value key space.
func (m *Mirror) GetValue(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var value string
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(valuePrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get value %q: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			found = true
			return nil
		})
	})
	return value, found, err
}

// SetValue writes a string to the value key space.
func (m *Mirror) SetValue(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(valuePrefix+key), []byte(value))
	})
}

// RemoveValue deletes a key from the value key space.
func (m *Mirror) RemoveValue(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(valuePrefix + key))
	})
}

// CollectGarbage runs value log GC until Badger finds nothing to rewrite and
// returns the number of files rewritten. It is a no-op for in-memory stores.
func (m *Mirror) CollectGarbage(discardRatio float64) (rewritten int, err error) {
	defer m.observe("gc", "", time.Now(), &err)
	for {
		err = m.db.RunValueLogGC(discardRatio)
		switch {
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return rewritten, nil
		case err != nil:
			return rewritten, fmt.Errorf("value log gc: %w", err)
		}
		rewritten++
	}
}

// Close closes the database.
func (m *Mirror) Close() error {
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("close mirror: %w", err)
	}
	return nil
}

func (m *Mirror) observe(op, collection string, start time.Time, errp *error) {
	err := *errp
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	metrics.RecordMirrorOp(op, collection, time.Since(start), err)
}

func collectionPrefix(collection string) []byte {
	return []byte(recordPrefix + collection + "/")
}

func recordKey(collection, id string) []byte {
	return []byte(recordPrefix + collection + "/" + id)
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/:")
}

func readVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(metaVersionKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	var version int
	err = item.Value(func(val []byte) error {
		v, perr := strconv.Atoi(string(val))
		version = v
		return perr
	})
	if err != nil {
		return 0, fmt.Errorf("parse version: %w", err)
	}
	return version, nil
}

func readCollections(txn *badger.Txn) ([]string, error) {
	item, err := txn.Get([]byte(metaCollectionsKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read collections: %w", err)
	}
	var names []string
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &names) }); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	return names, nil
}

func writeCollections(txn *badger.Txn, set map[string]struct{}) error {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal collections: %w", err)
	}
	if err := txn.Set([]byte(metaCollectionsKey), data); err != nil {
		return fmt.Errorf("set collections: %w", err)
	}
	return nil
}
