// Package history implements the history traversal engine (spec.md §4.8):
// walking a path backward through revisions and across copy operations,
// using copy-ID bookkeeping rather than textual diffing or scanning.
package history

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dagfs/core/internal/copystore"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/internal/tree"
)

// ErrDone is returned once a History has no further predecessors to offer.
var ErrDone = errors.New("history: no more predecessors")

// Location is one (path, revision) point on a node's history.
type Location struct {
	Path string
	Rev  ids.Revision
}

// History is a lazy (path, rev) sequence produced by repeated calls to
// Prev, per spec.md §4.8. It reports the node's own location first, then
// walks predecessor links, stopping at an unreported copy boundary unless
// cross_copies was requested.
type History struct {
	tree        *tree.Tree
	path        string
	rev         ids.Revision
	crossCopies bool

	cur      noderev.ID
	resolved bool
	reported bool
	done     bool
}

// NodeHistory begins a history walk for path as it existed at rev.
func NodeHistory(t *tree.Tree, path string, rev ids.Revision, crossCopies bool) *History {
	return &History{tree: t, path: path, rev: rev, crossCopies: crossCopies}
}

// Location returns h's current (path, revision) point without advancing.
func (h *History) Location() Location {
	return Location{Path: h.path, Rev: h.rev}
}

// Prev advances the history one step and returns the location reached, per
// spec.md §4.8 history_prev. It returns ErrDone once the walk is exhausted:
// the node was created with no predecessor, or a copy boundary was reached
// with cross_copies false.
func (h *History) Prev(tr *trail.Trail) (Location, error) {
	for {
		if h.done {
			return Location{}, ErrDone
		}

		if !h.resolved {
			root, err := h.tree.DAG.RevisionRoot(tr, h.rev)
			if err != nil {
				return Location{}, err
			}
			node, err := h.resolve(tr, root.ID, h.path)
			if err != nil {
				return Location{}, err
			}
			h.cur = node
			h.resolved = true
		}

		nodeRec, err := h.tree.DAG.Nodes.GetNodeRevision(tr, h.cur)
		if err != nil {
			return Location{}, err
		}

		if !h.reported {
			h.reported = true
			h.path = nodeRec.CreatedPath
			h.rev = nodeRec.CommittedRev
			return Location{Path: h.path, Rev: h.rev}, nil
		}

		if nodeRec.Predecessor == nil {
			h.done = true
			continue
		}

		crosses, err := h.crossesCopy(tr, nodeRec.CommittedRev, h.path, h.cur)
		if err != nil {
			return Location{}, err
		}
		if crosses && !h.crossCopies {
			h.done = true
			continue
		}

		h.cur = *nodeRec.Predecessor
		h.reported = false
	}
}

func (h *History) resolve(tr *trail.Trail, root noderev.ID, path string) (noderev.ID, error) {
	if path == "/" {
		return root, nil
	}
	entries, err := h.tree.ParentPath(tr, root, path, false)
	if err != nil {
		return noderev.ID{}, err
	}
	return entries[len(entries)-1].Node, nil
}

// crossesCopy reports whether the predecessor step about to be taken from
// cur (currently found at path@rev) crosses a real copy (spec.md §4.8 step
// 4). It walks path's full node chain from root down to and including cur,
// looking for the deepest entry backed by a real copy record (the "last
// real copy that dominates the current node"); if that entry's copy-ID
// equals cur's own copy-ID, cur is either itself a real copy's destination
// or inherits a real-copy ancestor's copy-ID (the soft-copy case) — either
// way, following cur's predecessor link crosses into a different line of
// history.
func (h *History) crossesCopy(tr *trail.Trail, rev ids.Revision, path string, cur noderev.ID) (bool, error) {
	root, err := h.tree.DAG.RevisionRoot(tr, rev)
	if err != nil {
		return false, err
	}
	dom, err := h.dominatingRealCopyID(tr, root.ID, path)
	if err != nil {
		return false, err
	}
	return dom != "" && dom == cur.Copy, nil
}

func (h *History) dominatingRealCopyID(tr *trail.Trail, root noderev.ID, path string) (ids.CopyID, error) {
	var dom ids.CopyID
	check := func(id noderev.ID) error {
		if id.Copy == ids.NoCopyID {
			return nil
		}
		rec, err := h.tree.Copies.GetCopy(tr, id.Copy)
		if err != nil {
			if errors.Is(err, copystore.ErrNotFound) {
				return nil
			}
			return err
		}
		if rec.Kind == copystore.KindReal && rec.DstNodeRev == id {
			dom = id.Copy
		}
		return nil
	}

	if err := check(root); err != nil {
		return "", err
	}
	cur := root
	for _, name := range splitPath(path) {
		entries, err := h.tree.DAG.DirEntries(tr, cur)
		if err != nil {
			return "", err
		}
		e, ok := entries[name]
		if !ok {
			return "", fmt.Errorf("history: %s: %w", path, tree.ErrNotFound)
		}
		if err := check(e.ID); err != nil {
			return "", err
		}
		cur = e.ID
	}
	return dom, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// HistoryLocation resolves the (path, rev) a given node-revision was
// created at (spec.md §6 "history_location" surface operation).
func HistoryLocation(tr *trail.Trail, t *tree.Tree, node noderev.ID) (Location, error) {
	rec, err := t.DAG.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return Location{}, err
	}
	return Location{Path: rec.CreatedPath, Rev: rec.CommittedRev}, nil
}
