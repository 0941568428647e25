// Package noderev implements the node-revision store (spec.md §4.4): the
// table mapping node-revision IDs to their header (kind, predecessor,
// predecessor count, created-path, copy-root) and property/data/edit
// representation slots.
//
// The node-revision ID is the `<node-id>.<copy-id>.<txn-id>` triple
// (spec.md §6); it is its own type here per the "Opaque key strings as
// identifiers" design note (spec.md §9) so a node-rev ID can never be
// confused with a bare NodeID, CopyID, or TxnID.
package noderev

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
)

// Kind is the node-revision's entry type.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindFile {
		return "file"
	}
	return "dir"
}

// ID is the (node-ID, copy-ID, txn-ID) triple identifying one node-revision
// (spec.md §3).
type ID struct {
	Node ids.NodeID
	Copy ids.CopyID
	Txn  ids.TxnID
}

// String renders the ID in its canonical "<node-id>.<copy-id>.<txn-id>"
// textual form (spec.md §6).
func (id ID) String() string {
	return fmt.Sprintf("%s.%s.%s", id.Node, id.Copy, id.Txn)
}

// ParseID parses the canonical textual form produced by String.
func ParseID(s string) (ID, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("noderev: malformed node-rev id %q", s)
	}
	return ID{Node: ids.NodeID(parts[0]), Copy: ids.CopyID(parts[1]), Txn: ids.TxnID(parts[2])}, nil
}

// IsMutableIn reports whether id is mutable within txn — true exactly when
// id's txn component matches txn (spec.md §3 invariant: "A node-revision is
// mutable iff its txn-ID equals some active txn's ID").
func (id ID) IsMutableIn(txn ids.TxnID) bool {
	return id.Txn == txn
}

// CopyRoot records where a history-preserving copy's destination node
// points back to (spec.md §3).
type CopyRoot struct {
	Rev  ids.Revision
	Path string
}

// UncommittedRev is the sentinel CommittedRev value for a node-revision that
// has not yet been stabilized by a commit.
const UncommittedRev ids.Revision = -1

// Record is one node-revision's persisted header plus its property, data
// and (file-only, mid-write) edit-data representation slots.
type Record struct {
	Kind             Kind
	Predecessor      *ID // nil if none
	PredecessorCount int64
	CreatedPath      string
	CopyRoot         *CopyRoot // nil if this node-rev is not a copy destination
	CommittedRev     ids.Revision

	PropRep     ids.RepID // "" if none
	DataRep     ids.RepID // "" if none
	EditDataRep ids.RepID // "" if no write is in progress
}

var (
	ErrNotFound = errors.New("noderev: not found")
	ErrCorrupt  = errors.New("noderev: corrupt record")
)

// Store is the node-revision table.
type Store struct{}

// Open returns a ready-to-use node-revision store; there is no
// store-specific allocator state (ID allocation is internal/ids'
// responsibility).
func Open() *Store { return &Store{} }

func recordToSkel(r *Record) *skel.Skel {
	predAtom := skel.Atom("")
	if r.Predecessor != nil {
		predAtom = skel.Atom(r.Predecessor.String())
	}
	revAtom := skel.Atom("")
	if r.CommittedRev != UncommittedRev {
		revAtom = skel.Atom(strconv.FormatInt(int64(r.CommittedRev), 10))
	}

	headerItems := []*skel.Skel{
		skel.Atom(r.Kind.String()),
		predAtom,
		skel.Atom(strconv.FormatInt(r.PredecessorCount, 10)),
		skel.Atom(r.CreatedPath),
		revAtom,
	}
	if r.CopyRoot != nil {
		headerItems = append(headerItems,
			skel.Atom(strconv.FormatInt(int64(r.CopyRoot.Rev), 10)),
			skel.Atom(r.CopyRoot.Path),
		)
	}

	return skel.List(
		skel.List(headerItems...),
		skel.Atom(string(r.PropRep)),
		skel.Atom(string(r.DataRep)),
		skel.Atom(string(r.EditDataRep)),
	)
}

func recordFromSkel(s *skel.Skel) (*Record, error) {
	if !s.IsList() || s.Len() != 4 {
		return nil, ErrCorrupt
	}
	header := s.At(0)
	if !header.IsList() || (header.Len() != 5 && header.Len() != 7) {
		return nil, ErrCorrupt
	}

	var kind Kind
	switch header.At(0).Str() {
	case "file":
		kind = KindFile
	case "dir":
		kind = KindDir
	default:
		return nil, ErrCorrupt
	}

	var pred *ID
	if p := header.At(1).Str(); p != "" {
		id, err := ParseID(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		pred = &id
	}

	predCount, err := strconv.ParseInt(header.At(2).Str(), 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}

	createdPath := header.At(3).Str()

	rec := &Record{
		Kind:             kind,
		Predecessor:      pred,
		PredecessorCount: predCount,
		CreatedPath:      createdPath,
		CommittedRev:     UncommittedRev,
	}
	if revStr := header.At(4).Str(); revStr != "" {
		rev, err := strconv.ParseInt(revStr, 10, 64)
		if err != nil {
			return nil, ErrCorrupt
		}
		rec.CommittedRev = ids.Revision(rev)
	}
	if header.Len() == 7 {
		rev, err := strconv.ParseInt(header.At(5).Str(), 10, 64)
		if err != nil {
			return nil, ErrCorrupt
		}
		rec.CopyRoot = &CopyRoot{Rev: ids.Revision(rev), Path: header.At(6).Str()}
	}

	rec.PropRep = ids.RepID(s.At(1).Str())
	rec.DataRep = ids.RepID(s.At(2).Str())
	rec.EditDataRep = ids.RepID(s.At(3).Str())
	return rec, nil
}

// GetNodeRevision reads and decodes the record for id.
func (s *Store) GetNodeRevision(tr *trail.Trail, id ID) (*Record, error) {
	raw, err := tr.Txn().Get(kv.TableNodes, []byte(id.String()))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("noderev: get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("noderev: get: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("noderev: get %s: %w", id, err)
	}
	rec, err := recordFromSkel(sk)
	if err != nil {
		return nil, fmt.Errorf("noderev: get %s: %w", id, err)
	}
	return rec, nil
}

// PutNodeRevision writes (creating or overwriting) the record for id.
func (s *Store) PutNodeRevision(tr *trail.Trail, id ID, rec *Record) error {
	if err := tr.Txn().Set(kv.TableNodes, []byte(id.String()), skel.Unparse(recordToSkel(rec))); err != nil {
		return fmt.Errorf("noderev: put: %w", err)
	}
	return nil
}

// DeleteNodesEntry removes id's record. Callers must have already confirmed
// id is mutable in the current txn (spec.md §4.4).
func (s *Store) DeleteNodesEntry(tr *trail.Trail, id ID) error {
	if err := tr.Txn().Delete(kv.TableNodes, []byte(id.String())); err != nil {
		return fmt.Errorf("noderev: delete: %w", err)
	}
	return nil
}

// NewNodeID allocates a brand-new node-revision ID rooted at a freshly
// allocated node ID (spec.md §4.4 "new_node_id").
func NewNodeID(alloc *ids.Allocator, copy ids.CopyID, txn ids.TxnID) (ID, error) {
	node, err := alloc.NextNodeID()
	if err != nil {
		return ID{}, err
	}
	return ID{Node: node, Copy: copy, Txn: txn}, nil
}

// NewSuccessorID computes the ID of a successor of old: same node-ID,
// explicit copy (or old's copy-ID if copy is empty), and the given txn
// (spec.md §4.4 "new_successor_id").
func NewSuccessorID(old ID, copy ids.CopyID, txn ids.TxnID) ID {
	cid := copy
	if cid == "" {
		cid = old.Copy
	}
	return ID{Node: old.Node, Copy: cid, Txn: txn}
}
