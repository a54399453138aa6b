// Package storage wraps goleveldb as the embedded KV engine backing the
// Controller's queue/registry/job index and the Ledger's account/
// transaction/epoch store, the same role github.com/syndtr/goleveldb
// plays as geth's canonical on-disk key-value store (ethdb/leveldb).
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by GetJSON when key is absent, re-exported so
// callers don't need to import goleveldb directly just to check it.
var ErrNotFound = leveldb.ErrNotFound

// DB is a thin, typed convenience layer over a goleveldb handle. It does
// not itself know about jobs, accounts, or epochs — those packages define
// their own key schemes and call PutJSON/GetJSON/NewIteratorWithPrefix
// directly.
type DB struct {
	ldb *leveldb.DB
}

// Open opens (creating if needed) a leveldb database at path. Pass ""
// for an in-memory store, used by tests and by single-process demos that
// don't need durability across restarts.
func Open(path string) (*DB, error) {
	var (
		ldb *leveldb.DB
		err error
	)
	if path == "" {
		ldb, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		ldb, err = leveldb.OpenFile(path, &opt.Options{})
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return &DB{ldb: ldb}, nil
}

// Close releases the underlying leveldb handle.
func (db *DB) Close() error { return db.ldb.Close() }

// PutJSON marshals v and stores it under key.
func (db *DB) PutJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	return db.ldb.Put(key, raw, nil)
}

// GetJSON loads the value under key into v. It returns leveldb.ErrNotFound
// (unwrapped, so callers can use errors.Is) when the key is absent.
func (db *DB) GetJSON(key []byte, v interface{}) error {
	raw, err := db.ldb.Get(key, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Has reports whether key exists.
func (db *DB) Has(key []byte) (bool, error) {
	return db.ldb.Has(key, nil)
}

// Delete removes key. Deleting an absent key is a no-op, matching
// leveldb's own semantics.
func (db *DB) Delete(key []byte) error {
	return db.ldb.Delete(key, nil)
}

// NewIteratorWithPrefix returns a leveldb iterator restricted to keys
// sharing prefix, used for range scans such as "all job records" or "all
// transactions".
func (db *DB) NewIteratorWithPrefix(prefix []byte) iterator.Iterator {
	rng := &util.Range{Start: prefix, Limit: upperBound(prefix)}
	return db.ldb.NewIterator(rng, nil)
}

// upperBound returns the smallest key that sorts after every key sharing
// prefix, by incrementing the last byte (carrying as needed). A nil
// result means "no upper bound" (prefix was all 0xFF).
func upperBound(prefix []byte) []byte {
	limit := append([]byte(nil), prefix...)
	for i := len(limit) - 1; i >= 0; i-- {
		if limit[i] < 0xff {
			limit[i]++
			return limit[:i+1]
		}
	}
	return nil
}

// Batch groups multiple writes into one atomic goleveldb batch, so that
// several keys can be updated as a single commit.
type Batch struct {
	b *leveldb.Batch
}

// NewBatch starts an empty batch.
func (db *DB) NewBatch() *Batch { return &Batch{b: new(leveldb.Batch)} }

// PutJSON stages a write in the batch.
func (b *Batch) PutJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	b.b.Put(key, raw)
	return nil
}

// Delete stages a delete in the batch.
func (b *Batch) Delete(key []byte) { b.b.Delete(key) }

// Commit writes every staged operation atomically.
func (db *DB) Commit(b *Batch) error {
	return db.ldb.Write(b.b, nil)
}

// KeyPrefix builds a "<prefix>:<parts...>" key, the convention every
// caller in this module uses so key layouts stay greppable in a raw
// leveldb dump.
func KeyPrefix(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(':')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}
