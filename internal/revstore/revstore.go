// Package revstore implements the revision store (spec.md §4.1 component
// list, §3 "revision"): the table mapping a committed revision number to its
// root node-revision ID and revision property list, plus the youngest-
// revision counter that anchors optimistic concurrency (spec.md §5).
package revstore

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

// Record is a committed revision's root pointer and property list.
type Record struct {
	Root  noderev.ID
	Props map[string]string
}

var ErrNotFound = errors.New("revstore: not found")

const youngestKey = "youngest-rev"

// Store is the revision table.
type Store struct{}

// Open returns a ready-to-use revision store.
func Open() *Store { return &Store{} }

func recordToSkel(r *Record) *skel.Skel {
	propItems := make([]*skel.Skel, 0, len(r.Props)*2)
	for k, v := range r.Props {
		propItems = append(propItems, skel.Atom(k), skel.Atom(v))
	}
	return skel.List(skel.Atom("revision"), skel.Atom(r.Root.String()), skel.List(propItems...))
}

func recordFromSkel(s *skel.Skel) (*Record, error) {
	if !s.IsList() || s.Len() != 3 || s.At(0).Str() != "revision" {
		return nil, fmt.Errorf("revstore: corrupt record")
	}
	root, err := noderev.ParseID(s.At(1).Str())
	if err != nil {
		return nil, fmt.Errorf("revstore: corrupt root id: %w", err)
	}
	props := map[string]string{}
	plist := s.At(2)
	for i := 0; i+1 < plist.Len(); i += 2 {
		props[plist.At(i).Str()] = plist.At(i + 1).Str()
	}
	return &Record{Root: root, Props: props}, nil
}

func revKey(rev ids.Revision) []byte {
	return []byte(strconv.FormatInt(int64(rev), 10))
}

// GetRevision reads revision rev's record.
func (s *Store) GetRevision(tr *trail.Trail, rev ids.Revision) (*Record, error) {
	raw, err := tr.Txn().Get(kv.TableRevisions, revKey(rev))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("revstore: get %d: %w", rev, ErrNotFound)
		}
		return nil, fmt.Errorf("revstore: get: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("revstore: get %d: %w", rev, err)
	}
	return recordFromSkel(sk)
}

// PutRevision writes rev's record and advances the youngest-revision counter
// if rev is newer than the current youngest. Called once per commit, inside
// the same trail that locks the revisions table (spec.md §4.6 commit
// algorithm step 4).
func (s *Store) PutRevision(tr *trail.Trail, rev ids.Revision, rec *Record) error {
	if err := tr.Txn().Set(kv.TableRevisions, revKey(rev), skel.Unparse(recordToSkel(rec))); err != nil {
		return fmt.Errorf("revstore: put: %w", err)
	}
	youngest, err := s.youngestLocked(tr)
	if err != nil {
		return err
	}
	if rev > youngest {
		if err := tr.Txn().Set(kv.TableMisc, []byte(youngestKey), []byte(strconv.FormatInt(int64(rev), 10))); err != nil {
			return fmt.Errorf("revstore: advance youngest: %w", err)
		}
	}
	return nil
}

func (s *Store) youngestLocked(tr *trail.Trail) (ids.Revision, error) {
	raw, err := tr.Txn().Get(kv.TableMisc, []byte(youngestKey))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return -1, nil
		}
		return 0, fmt.Errorf("revstore: youngest: %w", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("revstore: youngest: corrupt counter")
	}
	return ids.Revision(n), nil
}

// YoungestRev returns the highest revision number committed so far, or -1 if
// no revision (not even revision 0) has been created yet.
func (s *Store) YoungestRev(tr *trail.Trail) (ids.Revision, error) {
	return s.youngestLocked(tr)
}
