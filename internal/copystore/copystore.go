// Package copystore implements the copy table (spec.md §3 "copy", §6
// record format "Copy"): bookkeeping for every copy-ID minted when a copy
// crosses lines of history, whether a real copy or the soft/implicit copy
// recorded by clone_child's copy-ID inheritance (spec.md §4.5).
package copystore

import (
	"errors"
	"fmt"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
)

// Kind distinguishes a real copy from a soft/implicit one.
type Kind int

const (
	KindReal Kind = iota
	KindSoft
)

func (k Kind) String() string {
	if k == KindReal {
		return "real"
	}
	return "soft"
}

// Record is one copy-ID's bookkeeping entry.
type Record struct {
	Kind       Kind
	SrcPath    string
	SrcTxn     ids.TxnID
	DstNodeRev noderev.ID
}

var ErrNotFound = errors.New("copystore: not found")

// Store is the copies table.
type Store struct{}

// Open returns a ready-to-use copy store.
func Open() *Store { return &Store{} }

func recordToSkel(r *Record) *skel.Skel {
	return skel.List(
		skel.Atom("copy"),
		skel.Atom(r.Kind.String()),
		skel.Atom(r.SrcPath),
		skel.Atom(string(r.SrcTxn)),
		skel.Atom(r.DstNodeRev.String()),
	)
}

func recordFromSkel(s *skel.Skel) (*Record, error) {
	if !s.IsList() || s.Len() != 5 || s.At(0).Str() != "copy" {
		return nil, fmt.Errorf("copystore: corrupt record")
	}
	var kind Kind
	switch s.At(1).Str() {
	case "real":
		kind = KindReal
	case "soft":
		kind = KindSoft
	default:
		return nil, fmt.Errorf("copystore: corrupt kind")
	}
	dst, err := noderev.ParseID(s.At(4).Str())
	if err != nil {
		return nil, fmt.Errorf("copystore: corrupt dst id: %w", err)
	}
	return &Record{
		Kind:       kind,
		SrcPath:    s.At(2).Str(),
		SrcTxn:     ids.TxnID(s.At(3).Str()),
		DstNodeRev: dst,
	}, nil
}

// GetCopy reads copy-ID id's record.
func (s *Store) GetCopy(tr *trail.Trail, id ids.CopyID) (*Record, error) {
	raw, err := tr.Txn().Get(kv.TableCopies, []byte(id))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("copystore: get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("copystore: get: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("copystore: get %s: %w", id, err)
	}
	return recordFromSkel(sk)
}

// PutCopy writes (creating or overwriting) copy-ID id's record.
func (s *Store) PutCopy(tr *trail.Trail, id ids.CopyID, rec *Record) error {
	if err := tr.Txn().Set(kv.TableCopies, []byte(id), skel.Unparse(recordToSkel(rec))); err != nil {
		return fmt.Errorf("copystore: put: %w", err)
	}
	return nil
}
