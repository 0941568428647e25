// Package tree implements the tree layer (spec.md §4.6): the path-based
// API built on top of the DAG layer, including parent-path walking with
// copy-ID inheritance, make-path-mutable, and the commit algorithm's
// merge-and-retry loop.
package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dagfs/core/internal/cache"
	"github.com/dagfs/core/internal/copystore"
	"github.com/dagfs/core/internal/dag"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/locks"
	"github.com/dagfs/core/internal/merge"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/internal/txnstore"
)

var (
	ErrNotFound  = errors.New("tree: not found")
	ErrNotMutable = errors.New("tree: not mutable")
	ErrOutOfDate = errors.New("tree: transaction base is out of date")
)

// Entry is one resolved path component (spec.md §4.6 "parent_path").
type Entry struct {
	Node      noderev.ID // zero value if this is a trailing "last optional" miss
	Name      string
	ParentDir noderev.ID
}

// Tree wires the DAG, merge, changes, txn, revision and lock stores
// together into path-based operations.
type Tree struct {
	DAG     *dag.DAG
	Merger  *merge.Merger
	Txns    *txnstore.Store
	Revs    *revstore.Store
	Copies  *copystore.Store
	Locks   *locks.Store
	Alloc   *ids.Allocator
	PathCache *cache.PathCache
}

// New wires a Tree over its component stores.
func New(d *dag.DAG, m *merge.Merger, txns *txnstore.Store, revs *revstore.Store, copies *copystore.Store, lockStore *locks.Store, alloc *ids.Allocator) *Tree {
	return &Tree{DAG: d, Merger: m, Txns: txns, Revs: revs, Copies: copies, Locks: lockStore, Alloc: alloc, PathCache: cache.NewPathCache(4096)}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// ParentPath walks from root along path, returning one Entry per path
// component (root is not included). If lastOptional is true and the final
// component is missing, the returned slice's last entry has a zero Node
// instead of returning ErrNotFound.
func (t *Tree) ParentPath(tr *trail.Trail, root noderev.ID, path string, lastOptional bool) ([]Entry, error) {
	components := splitPath(path)
	entries := make([]Entry, 0, len(components))
	cur := root
	accum := ""
	for i, name := range components {
		accum += "/" + name
		cacheKey := root.String() + accum
		var childID noderev.ID
		if cached, ok := t.PathCache.Get(cacheKey); ok {
			childID = cached.(noderev.ID)
		} else {
			h, err := t.DAG.Open(tr, cur, name)
			if err != nil {
				if errors.Is(err, dag.ErrNotFound) && lastOptional && i == len(components)-1 {
					entries = append(entries, Entry{Name: name, ParentDir: cur})
					return entries, nil
				}
				if errors.Is(err, dag.ErrNotFound) {
					return nil, fmt.Errorf("tree: %s: %w", path, ErrNotFound)
				}
				return nil, err
			}
			childID = h.ID
			t.PathCache.Put(cacheKey, childID)
		}
		entries = append(entries, Entry{Node: childID, Name: name, ParentDir: cur})
		cur = childID
	}
	return entries, nil
}

// invalidate drops every cached path under root from the path cache, at
// once and again via a trail completion callback, whenever a trail makes a
// node mutable, per spec.md §5's shared-resource policy. The whole root is
// dropped because cloning path's ancestors leaves their cached IDs stale as
// well as path's own.
func (t *Tree) invalidate(tr *trail.Trail, root noderev.ID, path string) {
	t.PathCache.RemovePrefix(root.String())
	tr.OnComplete(func() { t.PathCache.RemovePrefix(root.String()) })
}

// computeCopyID resolves clone_child's copy-ID inheritance decision
// (spec.md §4.5 inheritance table) for the child found at parentEntry ->
// childEntry. Returns the copy-ID to use and whether a new soft/implicit
// copy record must be created for it.
func (t *Tree) computeCopyID(tr *trail.Trail, txn ids.TxnID, parent, child noderev.ID) (ids.CopyID, bool, error) {
	if child.IsMutableIn(txn) {
		return child.Copy, false, nil
	}
	if child.Copy == ids.NoCopyID {
		return parent.Copy, false, nil
	}
	if child.Copy == parent.Copy {
		return parent.Copy, false, nil
	}
	copyRec, err := t.Copies.GetCopy(tr, child.Copy)
	if err == nil && copyRec.DstNodeRev == child {
		return child.Copy, false, nil
	}
	if err != nil && !errors.Is(err, copystore.ErrNotFound) {
		return "", false, err
	}
	return "", true, nil
}

// MakePathMutable ensures every component named by parentPath is mutable
// in txn, cloning as needed and recording soft copies per the inheritance
// table (spec.md §4.6 "make_path_mutable"). root must already be txn's
// (cloned) root.
func (t *Tree) MakePathMutable(tr *trail.Trail, txn ids.TxnID, root noderev.ID, parentPath []Entry) (noderev.ID, error) {
	parentID := root
	for _, entry := range parentPath {
		if (entry.Node == noderev.ID{}) {
			break // trailing "last optional" miss; nothing further to clone
		}
		if entry.Node.IsMutableIn(txn) {
			parentID = entry.Node
			continue
		}
		copyID, isSoft, err := t.computeCopyID(tr, txn, parentID, entry.Node)
		if err != nil {
			return noderev.ID{}, err
		}
		if isSoft {
			copyID, err = t.Alloc.NextCopyID()
			if err != nil {
				return noderev.ID{}, err
			}
		}
		childRec, err := t.DAG.Nodes.GetNodeRevision(tr, entry.Node)
		if err != nil {
			return noderev.ID{}, err
		}
		h, err := t.DAG.CloneChild(tr, txn, parentID, entry.Name, copyID)
		if err != nil {
			return noderev.ID{}, err
		}
		if isSoft {
			if err := t.Copies.PutCopy(tr, copyID, &copystore.Record{
				Kind:       copystore.KindSoft,
				SrcPath:    childRec.CreatedPath,
				SrcTxn:     txn,
				DstNodeRev: h.ID,
			}); err != nil {
				return noderev.ID{}, err
			}
			if err := t.Txns.AddCopyID(tr, txn, copyID); err != nil {
				return noderev.ID{}, err
			}
		}
		parentID = h.ID
	}
	return parentID, nil
}

// OpenMutable resolves path from txn's root, cloning every ancestor (and
// the target itself, if it exists) mutable, and returns the target's
// parent directory ID plus the final path component's name and current
// (possibly missing) node ID.
func (t *Tree) OpenMutable(tr *trail.Trail, txn ids.TxnID, path string) (parent noderev.ID, name string, target noderev.ID, err error) {
	root, err := t.DAG.CloneRoot(tr, txn)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	components := splitPath(path)
	if len(components) == 0 {
		return noderev.ID{}, "", root.ID, nil
	}
	parentPath, err := t.ParentPath(tr, root.ID, path, true)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	last := parentPath[len(parentPath)-1]
	ancestors := parentPath[:len(parentPath)-1]
	newParent, err := t.MakePathMutable(tr, txn, root.ID, ancestors)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	t.invalidate(tr, root.ID, path)
	if (last.Node == noderev.ID{}) {
		return newParent, last.Name, noderev.ID{}, nil
	}
	if last.Node.IsMutableIn(txn) {
		return newParent, last.Name, last.Node, nil
	}
	copyID, isSoft, err := t.computeCopyID(tr, txn, newParent, last.Node)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	if isSoft {
		if copyID, err = t.Alloc.NextCopyID(); err != nil {
			return noderev.ID{}, "", noderev.ID{}, err
		}
	}
	lastRec, err := t.DAG.Nodes.GetNodeRevision(tr, last.Node)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	h, err := t.DAG.CloneChild(tr, txn, newParent, last.Name, copyID)
	if err != nil {
		return noderev.ID{}, "", noderev.ID{}, err
	}
	if isSoft {
		if err := t.Copies.PutCopy(tr, copyID, &copystore.Record{
			Kind:       copystore.KindSoft,
			SrcPath:    lastRec.CreatedPath,
			SrcTxn:     txn,
			DstNodeRev: h.ID,
		}); err != nil {
			return noderev.ID{}, "", noderev.ID{}, err
		}
		if err := t.Txns.AddCopyID(tr, txn, copyID); err != nil {
			return noderev.ID{}, "", noderev.ID{}, err
		}
	}
	return newParent, last.Name, h.ID, nil
}

// CheckPath resolves path from root and reports its kind, or ErrNotFound.
func (t *Tree) CheckPath(tr *trail.Trail, root noderev.ID, path string) (noderev.Kind, error) {
	components := splitPath(path)
	if len(components) == 0 {
		h, err := t.DAG.GetNode(tr, root)
		if err != nil {
			return 0, err
		}
		return h.Kind, nil
	}
	entries, err := t.ParentPath(tr, root, path, false)
	if err != nil {
		return 0, err
	}
	h, err := t.DAG.GetNode(tr, entries[len(entries)-1].Node)
	if err != nil {
		return 0, err
	}
	return h.Kind, nil
}

// YoungestRev returns the highest committed revision.
func (t *Tree) YoungestRev(tr *trail.Trail) (ids.Revision, error) {
	return t.Revs.YoungestRev(tr)
}

// BeginTxn opens a new transaction based on the given revision.
func (t *Tree) BeginTxn(tr *trail.Trail, baseRev ids.Revision) (ids.TxnID, error) {
	revRec, err := t.Revs.GetRevision(tr, baseRev)
	if err != nil {
		return "", err
	}
	return txnstore.BeginTxn(tr, t.Txns, t.Alloc, baseRev, revRec.Root)
}

// AbortTxn rolls back txn: deletes its mutable subtree and its record.
func (t *Tree) AbortTxn(tr *trail.Trail, txn ids.TxnID) error {
	rec, err := t.Txns.GetTransaction(tr, txn)
	if err != nil {
		return err
	}
	if rec.Root != rec.BaseRoot {
		if err := t.DAG.Nodes.DeleteNodesEntry(tr, rec.Root); err != nil && !errors.Is(err, noderev.ErrNotFound) {
			return err
		}
	}
	if err := t.Txns.MarkDead(tr, txn); err != nil {
		return err
	}
	return t.Txns.DeleteTransaction(tr, txn)
}
