// Package kv adapts BadgerDB into the abstract "KV engine" the rest of this
// core programs against: named tables with multi-table ACID transactions and
// deadlock/conflict retry semantics (spec.md §1, §5).
//
// BadgerDB has no notion of separate tables, so each table is a single-byte
// key prefix, exactly the scheme the teacher's badger.go uses for its
// nodes/edges/indexes. A Txn here is a thin wrapper over *badger.Txn; callers
// never see badger types directly, so the rest of the core could be ported to
// a different embedded KV store by reimplementing this package alone.
package kv

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Table identifies one of the repository's logical tables. Table values are
// single-byte prefixes prepended to every key written under that table.
type Table byte

const (
	TableStrings      Table = 0x01 // string-id -> raw bytes (one value per string, see internal/strpool)
	TableReps         Table = 0x02 // rep-id -> skel(representation)
	TableNodes        Table = 0x03 // node-rev-id -> skel(node-revision)
	TableTxns         Table = 0x04 // txn-id -> skel(transaction)
	TableRevisions    Table = 0x05 // revision number -> skel(revision)
	TableCopies       Table = 0x06 // copy-id -> skel(copy)
	TableChanges      Table = 0x07 // txn-id:seq -> skel(change)   (duplicate-key table, see note below)
	TableLocks        Table = 0x08 // path -> skel(lock)
	TableLockTokens   Table = 0x09 // token -> path
	TableMisc         Table = 0x0A // small fixed keys: format version, uuid, counters
	TableAllocCounter Table = 0x0B // allocator name -> monotonic counter (badger Sequence backing)
)

// Changes is logically a "duplicate keys on some tables" table per spec.md
// §1: many change records share a txn-id. Badger has no native duplicate-key
// support, so each change record's key is txn-id plus a monotonically
// increasing per-txn sequence number, and changes are recovered in order via
// a prefix scan (see internal/changes).

// ErrRetryable classifies an error the trail machinery should retry rather
// than propagate to the caller (spec.md §5, §7).
var ErrRetryable = errors.New("kv: retryable conflict")

// IsRetryable reports whether err represents a transaction conflict or
// timeout that the trail's retry loop should absorb, rather than a durable
// failure.
func IsRetryable(err error) bool {
	return errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, ErrRetryable)
}

// DB is the opened repository's key-value engine.
type DB struct {
	bdb *badger.DB
}

// Options configures the underlying BadgerDB instance.
type Options struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	Logger     badger.Logger
}

// Open opens (creating if necessary) the BadgerDB-backed KV engine at the
// given options.
func Open(opts Options) (*DB, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	bopts = bopts.WithInMemory(opts.InMemory)
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(nil)
	}
	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kv: open: %w", err)
	}
	return &DB{bdb: bdb}, nil
}

// Close releases the underlying BadgerDB handle.
func (d *DB) Close() error {
	if err := d.bdb.Close(); err != nil {
		return fmt.Errorf("kv: close: %w", err)
	}
	return nil
}

// Begin starts a fresh read-write transaction. The caller is responsible for
// calling Commit or Discard exactly once; this is the low-level handle the
// trail abstraction (internal/trail) drives its retry loop around.
func (d *DB) Begin() *Txn {
	return &Txn{bt: d.bdb.NewTransaction(true)}
}

// View runs fn in a read-only transaction. Read-only transactions never
// conflict, so View does not retry.
func (d *DB) View(fn func(txn *Txn) error) error {
	return d.bdb.View(func(bt *badger.Txn) error {
		return fn(&Txn{bt: bt})
	})
}

// Sequence returns a counter-backed monotonic sequence stored under name in
// TableAllocCounter, used by internal/ids to allocate node/copy/txn IDs
// without a full table scan.
func (d *DB) Sequence(name string, bandwidth uint64) (*Sequence, error) {
	seq, err := d.bdb.GetSequence(tableKey(TableAllocCounter, []byte(name)), bandwidth)
	if err != nil {
		return nil, fmt.Errorf("kv: sequence %q: %w", name, err)
	}
	return &Sequence{s: seq}, nil
}

// Sequence wraps badger's Sequence, handing out a monotonically increasing
// uint64 per call to Next, cached in batches of the configured bandwidth.
type Sequence struct {
	s *badger.Sequence
}

// Next returns the next value in the sequence.
func (s *Sequence) Next() (uint64, error) {
	v, err := s.s.Next()
	if err != nil {
		return 0, fmt.Errorf("kv: sequence next: %w", err)
	}
	return v, nil
}

// Release returns any unused pre-fetched values to the store.
func (s *Sequence) Release() error {
	return s.s.Release()
}

// Txn is a transaction scoped to one or more tables.
type Txn struct {
	bt *badger.Txn
}

func tableKey(t Table, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(t)
	copy(out[1:], key)
	return out
}

// Get reads the value for key in table. Returns ErrKeyNotFound (wrapped) if
// absent.
func (t *Txn) Get(table Table, key []byte) ([]byte, error) {
	item, err := t.bt.Get(tableKey(table, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("kv: get value: %w", err)
	}
	return val, nil
}

// Has reports whether key exists in table.
func (t *Txn) Has(table Table, key []byte) (bool, error) {
	_, err := t.Get(table, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Set writes key -> val in table.
func (t *Txn) Set(table Table, key, val []byte) error {
	if err := t.bt.Set(tableKey(table, key), val); err != nil {
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

// Delete removes key from table. Deleting an absent key is not an error.
func (t *Txn) Delete(table Table, key []byte) error {
	if err := t.bt.Delete(tableKey(table, key)); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// ScanPrefix invokes fn for every key in table whose suffix (key with the
// table prefix stripped) starts with prefix, in ascending key order. fn's
// key and val slices are only valid for the duration of the call.
func (t *Txn) ScanPrefix(table Table, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := t.bt.NewIterator(opts)
	defer it.Close()

	seek := tableKey(table, prefix)
	for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("kv: scan value: %w", err)
		}
		key := item.KeyCopy(nil)[1:] // strip table prefix
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

// Commit finalizes the transaction. A conflict is reported as a wrapped
// ErrRetryable-compatible error (IsRetryable returns true for it).
func (t *Txn) Commit() error {
	if err := t.bt.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("kv: commit conflict: %w", err)
		}
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

// Discard aborts the transaction, releasing its resources without applying
// any of its writes.
func (t *Txn) Discard() {
	t.bt.Discard()
}

// ErrKeyNotFound is returned by Get/Has for an absent key.
var ErrKeyNotFound = errors.New("kv: key not found")
