// Package changes implements the changes log (spec.md §4.1 component list,
// §3 "change record"): an append-only per-txn log of path-change records,
// and the commit-time fold that coalesces it into a per-revision change
// summary (spec.md §4.6 "Change-log coalescing").
package changes

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
)

// revisionPrefix namespaces per-revision coalesced-summary keys so they
// never collide with a txn-ID's log keys (txn IDs are always "t"+base36).
const revisionPrefix = "R"

// Kind is a change record's kind.
type Kind int

const (
	KindAdd Kind = iota
	KindDelete
	KindReplace
	KindModify
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	case KindReplace:
		return "replace"
	case KindModify:
		return "modify"
	default:
		return "reset"
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "add":
		return KindAdd, nil
	case "delete":
		return KindDelete, nil
	case "replace":
		return KindReplace, nil
	case "modify":
		return KindModify, nil
	case "reset":
		return KindReset, nil
	default:
		return 0, fmt.Errorf("changes: unknown kind %q", s)
	}
}

// Record is one path-change event appended to a txn's log.
type Record struct {
	Path    string
	NodeRev noderev.ID
	Kind    Kind
	TextMod bool
	PropMod bool
}

func recordToSkel(r Record) *skel.Skel {
	return skel.List(
		skel.Atom("change"),
		skel.Atom(r.Path),
		skel.Atom(r.NodeRev.String()),
		skel.Atom(r.Kind.String()),
		skel.Atom(boolAtom(r.TextMod)),
		skel.Atom(boolAtom(r.PropMod)),
	)
}

func recordFromSkel(s *skel.Skel) (Record, error) {
	if !s.IsList() || s.Len() != 6 || s.At(0).Str() != "change" {
		return Record{}, fmt.Errorf("changes: corrupt record")
	}
	id, err := noderev.ParseID(s.At(2).Str())
	if err != nil {
		return Record{}, fmt.Errorf("changes: corrupt node-rev id: %w", err)
	}
	kind, err := parseKind(s.At(3).Str())
	if err != nil {
		return Record{}, err
	}
	return Record{
		Path:    s.At(1).Str(),
		NodeRev: id,
		Kind:    kind,
		TextMod: s.At(4).Str() == "1",
		PropMod: s.At(5).Str() == "1",
	}, nil
}

func boolAtom(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Store is the append-only changes table, keyed by (txn-ID, sequence,
// path) so that multiple records for the same path accumulate rather than
// overwrite (spec.md §3: "Appended during txn").
type Store struct{}

// Open returns a ready-to-use changes store.
func Open() *Store { return &Store{} }

func entryKey(txn ids.TxnID, seq uint64, path string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", txn, seq, path))
}

func txnPrefix(txn ids.TxnID) []byte {
	return []byte(string(txn) + "\x00")
}

// Append adds rec to txn's change log. seq must be a monotonically
// increasing per-txn sequence number (the caller — the tree layer — owns
// a simple in-trail counter) so records replay in mutation order, which
// the coalescing fold depends on.
func (s *Store) Append(tr *trail.Trail, txn ids.TxnID, seq uint64, rec Record) error {
	if err := tr.Txn().Set(kv.TableChanges, entryKey(txn, seq, rec.Path), skel.Unparse(recordToSkel(rec))); err != nil {
		return fmt.Errorf("changes: append: %w", err)
	}
	return nil
}

// NextSeq returns the trail-scratch sequence counter for txn, starting
// at 0 and incrementing on each call. It lives in the trail's scratch
// space so that a single commit's retry loop resets it per attempt.
func NextSeq(tr *trail.Trail, txn ids.TxnID) uint64 {
	key := "changes-seq:" + string(txn)
	scratch := tr.Scratch()
	n, _ := scratch[key].(uint64)
	scratch[key] = n + 1
	return n
}

// rawRecord pairs a decoded Record with the sequence it was appended at,
// so the fold can process a path's records in append order.
type rawRecord struct {
	seq uint64
	rec Record
}

// ReadAll returns every change record appended under txn, in append order.
func (s *Store) ReadAll(tr *trail.Trail, txn ids.TxnID) ([]Record, error) {
	var raws []rawRecord
	prefix := txnPrefix(txn)
	err := tr.Txn().ScanPrefix(kv.TableChanges, prefix, func(key, val []byte) error {
		sk, err := skel.Parse(val)
		if err != nil {
			return fmt.Errorf("changes: scan: %w", err)
		}
		rec, err := recordFromSkel(sk)
		if err != nil {
			return err
		}
		seq, err := seqFromKey(key, prefix)
		if err != nil {
			return err
		}
		raws = append(raws, rawRecord{seq: seq, rec: rec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].seq < raws[j].seq })
	out := make([]Record, len(raws))
	for i, r := range raws {
		out[i] = r.rec
	}
	return out, nil
}

func seqFromKey(key, prefix []byte) (uint64, error) {
	rest := key[len(prefix):]
	for i, b := range rest {
		if b == 0 {
			n, err := strconv.ParseUint(string(rest[:i]), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("changes: malformed key")
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("changes: malformed key")
}

// DeleteAll removes every change record appended under txn (called once
// the txn's log has been folded into a revision's change summary, or when
// the txn is aborted).
func (s *Store) DeleteAll(tr *trail.Trail, txn ids.TxnID) error {
	prefix := txnPrefix(txn)
	var keys [][]byte
	err := tr.Txn().ScanPrefix(kv.TableChanges, prefix, func(key, val []byte) error {
		k := make([]byte, len(key))
		copy(k, key)
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tr.Txn().Delete(kv.TableChanges, k); err != nil {
			return fmt.Errorf("changes: delete: %w", err)
		}
	}
	return nil
}

func revisionKey(rev ids.Revision, path string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", revisionPrefix, rev, path))
}

func revisionPrefixKey(rev ids.Revision) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00", revisionPrefix, rev))
}

// PutRevisionSummary persists rev's coalesced change summary (spec.md
// §4.6 commit step 4's change-log fold), so paths_changed(rev) can later
// retrieve it without the txn's (by-then-deleted) log.
func (s *Store) PutRevisionSummary(tr *trail.Trail, rev ids.Revision, summary map[string]Record) error {
	for path, rec := range summary {
		if err := tr.Txn().Set(kv.TableChanges, revisionKey(rev, path), skel.Unparse(recordToSkel(rec))); err != nil {
			return fmt.Errorf("changes: put summary: %w", err)
		}
	}
	return nil
}

// PathsChanged returns rev's coalesced change summary (spec.md §6
// "paths_changed"), keyed by path.
func (s *Store) PathsChanged(tr *trail.Trail, rev ids.Revision) (map[string]Record, error) {
	out := map[string]Record{}
	prefix := revisionPrefixKey(rev)
	err := tr.Txn().ScanPrefix(kv.TableChanges, prefix, func(key, val []byte) error {
		sk, err := skel.Parse(val)
		if err != nil {
			return err
		}
		rec, err := recordFromSkel(sk)
		if err != nil {
			return err
		}
		out[rec.Path] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Coalesce folds an ordered per-path sequence of change records into at
// most one summary record per path, per spec.md §4.6 "Change-log
// coalescing":
//
//   - add then delete    -> removed entirely
//   - delete then add    -> replace
//   - consecutive modify -> one modify, OR'ing text-mod/prop-mod
//   - reset              -> cancels the immediately prior record on that path
//
// The result is deterministic and idempotent under replay: folding an
// already-folded summary again yields the same summary.
func Coalesce(records []Record) map[string]Record {
	order := make([]string, 0)
	pending := make(map[string][]Record)
	for _, r := range records {
		if _, ok := pending[r.Path]; !ok {
			order = append(order, r.Path)
		}
		if r.Kind == KindReset {
			if cur := pending[r.Path]; len(cur) > 0 {
				pending[r.Path] = cur[:len(cur)-1]
			}
			continue
		}
		pending[r.Path] = append(pending[r.Path], r)
	}

	out := make(map[string]Record)
	for _, path := range order {
		folded := foldPath(pending[path])
		if folded != nil {
			out[path] = *folded
		}
	}
	return out
}

func foldPath(recs []Record) *Record {
	if len(recs) == 0 {
		return nil
	}
	acc := recs[0]
	for _, r := range recs[1:] {
		switch {
		case acc.Kind == KindAdd && r.Kind == KindDelete:
			return nil
		case acc.Kind == KindDelete && r.Kind == KindAdd:
			acc = Record{Path: r.Path, NodeRev: r.NodeRev, Kind: KindReplace, TextMod: r.TextMod, PropMod: r.PropMod}
		case acc.Kind == KindModify && r.Kind == KindModify:
			acc.NodeRev = r.NodeRev
			acc.TextMod = acc.TextMod || r.TextMod
			acc.PropMod = acc.PropMod || r.PropMod
		case acc.Kind == KindAdd && r.Kind == KindModify:
			acc.NodeRev = r.NodeRev
			acc.TextMod = acc.TextMod || r.TextMod
			acc.PropMod = acc.PropMod || r.PropMod
		default:
			acc = r
		}
	}
	return &acc
}
