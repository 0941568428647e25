// Package txnstore implements the transaction store (spec.md §4.1 component
// list, §3 "transaction"): active/committed/dead bookkeeping, the txn's
// property list, its base revision and current/base root node-revision IDs,
// and the list of copy-IDs minted inside the txn.
package txnstore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
)

// State is a transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateDead
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	default:
		return "dead"
	}
}

// Record is one transaction's persisted state.
type Record struct {
	BaseRev  ids.Revision
	Root     noderev.ID
	BaseRoot noderev.ID
	Props    map[string]string
	Copies   []ids.CopyID
	State    State
}

var (
	ErrNotFound     = errors.New("txnstore: not found")
	ErrCorrupt      = errors.New("txnstore: corrupt record")
	ErrNotActive    = errors.New("txnstore: transaction is not active")
	ErrAlreadyEnded = errors.New("txnstore: transaction already committed or dead")
)

// Store is the transaction table.
type Store struct{}

// Open returns a ready-to-use transaction store.
func Open() *Store { return &Store{} }

func recordToSkel(r *Record) *skel.Skel {
	propItems := make([]*skel.Skel, 0, len(r.Props)*2)
	for k, v := range r.Props {
		propItems = append(propItems, skel.Atom(k), skel.Atom(v))
	}
	copyItems := make([]*skel.Skel, 0, len(r.Copies))
	for _, c := range r.Copies {
		copyItems = append(copyItems, skel.Atom(string(c)))
	}
	return skel.List(
		skel.Atom("transaction"),
		skel.Atom(strconv.FormatInt(int64(r.BaseRev), 10)),
		skel.Atom(r.Root.String()),
		skel.Atom(r.BaseRoot.String()),
		skel.List(propItems...),
		skel.List(copyItems...),
		skel.Atom(r.State.String()),
	)
}

func recordFromSkel(s *skel.Skel) (*Record, error) {
	if !s.IsList() || s.Len() != 7 || s.At(0).Str() != "transaction" {
		return nil, ErrCorrupt
	}
	baseRev, err := strconv.ParseInt(s.At(1).Str(), 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	root, err := noderev.ParseID(s.At(2).Str())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	baseRoot, err := noderev.ParseID(s.At(3).Str())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	props := map[string]string{}
	plist := s.At(4)
	for i := 0; i+1 < plist.Len(); i += 2 {
		props[plist.At(i).Str()] = plist.At(i + 1).Str()
	}
	copies := make([]ids.CopyID, 0, s.At(5).Len())
	for _, item := range s.At(5).Items() {
		copies = append(copies, ids.CopyID(item.Str()))
	}
	var state State
	switch s.At(6).Str() {
	case "active":
		state = StateActive
	case "committed":
		state = StateCommitted
	case "dead":
		state = StateDead
	default:
		return nil, ErrCorrupt
	}
	return &Record{
		BaseRev:  ids.Revision(baseRev),
		Root:     root,
		BaseRoot: baseRoot,
		Props:    props,
		Copies:   copies,
		State:    state,
	}, nil
}

// GetTransaction reads txn's record.
func (s *Store) GetTransaction(tr *trail.Trail, txn ids.TxnID) (*Record, error) {
	raw, err := tr.Txn().Get(kv.TableTxns, []byte(txn))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("txnstore: get %s: %w", txn, ErrNotFound)
		}
		return nil, fmt.Errorf("txnstore: get: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("txnstore: get %s: %w", txn, err)
	}
	return recordFromSkel(sk)
}

// PutTransaction writes (creating or overwriting) txn's record.
func (s *Store) PutTransaction(tr *trail.Trail, txn ids.TxnID, rec *Record) error {
	if err := tr.Txn().Set(kv.TableTxns, []byte(txn), skel.Unparse(recordToSkel(rec))); err != nil {
		return fmt.Errorf("txnstore: put: %w", err)
	}
	return nil
}

// BeginTxn allocates a fresh txn ID and writes its initial record: root and
// base-root both equal to baseRoot (no clone has happened yet — spec.md §3
// invariant), state active.
func BeginTxn(tr *trail.Trail, store *Store, alloc *ids.Allocator, baseRev ids.Revision, baseRoot noderev.ID) (ids.TxnID, error) {
	txn, err := alloc.NextTxnID()
	if err != nil {
		return "", err
	}
	rec := &Record{
		BaseRev:  baseRev,
		Root:     baseRoot,
		BaseRoot: baseRoot,
		Props:    map[string]string{},
		Copies:   nil,
		State:    StateActive,
	}
	if err := store.PutTransaction(tr, txn, rec); err != nil {
		return "", err
	}
	return txn, nil
}

// AddCopyID appends a newly minted copy-ID to txn's copy list.
func (s *Store) AddCopyID(tr *trail.Trail, txn ids.TxnID, copy ids.CopyID) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	if rec.State != StateActive {
		return fmt.Errorf("txnstore: add copy to %s: %w", txn, ErrNotActive)
	}
	rec.Copies = append(rec.Copies, copy)
	return s.PutTransaction(tr, txn, rec)
}

// SetRoot updates txn's current root node-revision ID, e.g. after
// clone_root or clone_child install a new mutable root.
func (s *Store) SetRoot(tr *trail.Trail, txn ids.TxnID, root noderev.ID) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	rec.Root = root
	return s.PutTransaction(tr, txn, rec)
}

// RebaseTarget advances txn's notion of its base revision/root mid-merge-
// retry-loop (spec.md §4.6 commit algorithm step 2: "set T.base = Y and
// T.base-root-id = Y.root").
func (s *Store) RebaseTarget(tr *trail.Trail, txn ids.TxnID, baseRev ids.Revision, baseRoot noderev.ID) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	rec.BaseRev = baseRev
	rec.BaseRoot = baseRoot
	return s.PutTransaction(tr, txn, rec)
}

// SetProp sets (or, if value is nil, deletes) a transaction property.
func (s *Store) SetProp(tr *trail.Trail, txn ids.TxnID, name string, value *string) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	if value == nil {
		delete(rec.Props, name)
	} else {
		rec.Props[name] = *value
	}
	return s.PutTransaction(tr, txn, rec)
}

// MarkCommitted transitions txn to the committed state. Per spec.md §3 a
// txn becomes committed or dead exactly once.
func (s *Store) MarkCommitted(tr *trail.Trail, txn ids.TxnID) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	if rec.State != StateActive {
		return fmt.Errorf("txnstore: commit %s: %w", txn, ErrAlreadyEnded)
	}
	rec.State = StateCommitted
	return s.PutTransaction(tr, txn, rec)
}

// MarkDead transitions txn to the dead state (used by abort_txn once the
// DAG layer has rolled back its mutable subtree).
func (s *Store) MarkDead(tr *trail.Trail, txn ids.TxnID) error {
	rec, err := s.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	if rec.State != StateActive {
		return fmt.Errorf("txnstore: abort %s: %w", txn, ErrAlreadyEnded)
	}
	rec.State = StateDead
	return s.PutTransaction(tr, txn, rec)
}

// DeleteTransaction removes txn's record entirely (spec.md §4.6 commit
// algorithm step 4, "Delete the txn record").
func (s *Store) DeleteTransaction(tr *trail.Trail, txn ids.TxnID) error {
	if err := tr.Txn().Delete(kv.TableTxns, []byte(txn)); err != nil {
		return fmt.Errorf("txnstore: delete: %w", err)
	}
	return nil
}
