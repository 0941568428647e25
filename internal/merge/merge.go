// Package merge implements the bubble-up three-way merge algorithm used by
// commit (spec.md §4.6 "Three-way merge"): reconciling a txn's mutable
// root against the latest committed revision when they share an older
// common ancestor.
package merge

import (
	"fmt"

	"github.com/dagfs/core/internal/dag"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/trail"
)

// ConflictError is raised with the conflicting path attached.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("merge: conflict at %s", e.Path) }

// Merger runs three-way merges against a DAG.
type Merger struct {
	DAG *dag.DAG
}

// New wires a Merger over d.
func New(d *dag.DAG) *Merger {
	return &Merger{DAG: d}
}

// Merge reconciles target (the txn's root, mutable) against source (the
// latest committed revision's corresponding node) with ancestor as their
// common base, per spec.md §4.6. targetPath is used only to report
// conflicts. txn is the active transaction owning target.
func (m *Merger) Merge(tr *trail.Trail, txn ids.TxnID, targetPath string, target, source, ancestor noderev.ID) error {
	if target == ancestor || source == target {
		return nil
	}
	if ancestor == source {
		return nil
	}

	targetRec, err := m.DAG.Nodes.GetNodeRevision(tr, target)
	if err != nil {
		return err
	}
	sourceRec, err := m.DAG.Nodes.GetNodeRevision(tr, source)
	if err != nil {
		return err
	}
	ancestorRec, err := m.DAG.Nodes.GetNodeRevision(tr, ancestor)
	if err != nil {
		return err
	}
	if targetRec.Kind != noderev.KindDir || sourceRec.Kind != noderev.KindDir || ancestorRec.Kind != noderev.KindDir {
		return &ConflictError{Path: targetPath}
	}

	if targetRec.PropRep != ancestorRec.PropRep {
		return &ConflictError{Path: targetPath}
	}
	if sourceRec.PropRep != ancestorRec.PropRep {
		return &ConflictError{Path: targetPath}
	}

	targetEntries, err := m.DAG.DirEntries(tr, target)
	if err != nil {
		return err
	}
	sourceEntries, err := m.DAG.DirEntries(tr, source)
	if err != nil {
		return err
	}
	ancestorEntries, err := m.DAG.DirEntries(tr, ancestor)
	if err != nil {
		return err
	}

	for name, ancestorEntry := range ancestorEntries {
		childPath := joinPath(targetPath, name)
		targetEntry, inTarget := targetEntries[name]
		sourceEntry, inSource := sourceEntries[name]

		switch {
		case inTarget && inSource:
			if sourceEntry.ID == ancestorEntry.ID {
				continue
			}
			ancIsAncOfTarget, err := m.isAncestor(tr, ancestorEntry.ID, targetEntry.ID)
			if err != nil {
				return err
			}
			targetIsAncOfSource, err := m.isAncestor(tr, targetEntry.ID, sourceEntry.ID)
			if err != nil {
				return err
			}
			if targetEntry.ID == ancestorEntry.ID || (ancIsAncOfTarget && targetIsAncOfSource) {
				if err := m.DAG.SetEntry(tr, txn, target, name, sourceEntry.ID, sourceEntry.Kind); err != nil {
					return err
				}
				continue
			}
			sourceIsAncOfTarget, err := m.isAncestor(tr, sourceEntry.ID, targetEntry.ID)
			if err != nil {
				return err
			}
			if sourceIsAncOfTarget {
				continue
			}
			if targetEntry.Kind != noderev.KindDir || sourceEntry.Kind != noderev.KindDir || ancestorEntry.Kind != noderev.KindDir {
				return &ConflictError{Path: childPath}
			}
			mutableChild, err := m.DAG.CloneChild(tr, txn, target, name, "")
			if err != nil {
				return err
			}
			if err := m.Merge(tr, txn, childPath, mutableChild.ID, sourceEntry.ID, ancestorEntry.ID); err != nil {
				return err
			}
			if err := m.absorb(tr, mutableChild.ID, sourceEntry.ID); err != nil {
				return err
			}

		case inSource && !inTarget:
			if sourceEntry.ID != ancestorEntry.ID {
				return &ConflictError{Path: childPath}
			}

		case inTarget && !inSource:
			if targetEntry.ID == ancestorEntry.ID {
				if err := m.DAG.Delete(tr, txn, target, name); err != nil {
					return err
				}
				continue
			}
			related, err := m.isRelated(tr, targetEntry.ID, ancestorEntry.ID)
			if err != nil {
				return err
			}
			if related {
				return &ConflictError{Path: childPath}
			}
			// double-delete: target already has a different (unrelated) node
			// there, and source deleted the ancestor's node too; target's
			// entry is kept as it is and no change record is written here.
		}
	}

	for name, sourceEntry := range sourceEntries {
		if _, inAncestor := ancestorEntries[name]; inAncestor {
			continue
		}
		targetEntry, inTarget := targetEntries[name]
		if !inTarget {
			if err := m.DAG.SetEntry(tr, txn, target, name, sourceEntry.ID, sourceEntry.Kind); err != nil {
				return err
			}
			continue
		}
		isAnc, err := m.isAncestor(tr, sourceEntry.ID, targetEntry.ID)
		if err != nil {
			return err
		}
		if !isAnc {
			return &ConflictError{Path: joinPath(targetPath, name)}
		}
	}

	return nil
}

// absorb records that source has been folded into child's ancestry
// (spec.md §4.6: "update target[E]'s ancestry pointer ... predecessor-id
// <- source's entry.id, predecessor-count <- source's predecessor-count +
// 1").
func (m *Merger) absorb(tr *trail.Trail, child, source noderev.ID) error {
	childRec, err := m.DAG.Nodes.GetNodeRevision(tr, child)
	if err != nil {
		return err
	}
	sourceRec, err := m.DAG.Nodes.GetNodeRevision(tr, source)
	if err != nil {
		return err
	}
	count := sourceRec.PredecessorCount
	if count >= 0 {
		count++
	}
	childRec.Predecessor = &source
	childRec.PredecessorCount = count
	return m.DAG.Nodes.PutNodeRevision(tr, child, childRec)
}

// isAncestor reports whether a is reachable from b by walking predecessor
// links (spec.md §4.6: "X is an ancestor of Y").
func (m *Merger) isAncestor(tr *trail.Trail, a, b noderev.ID) (bool, error) {
	cur := b
	for i := 0; i < 10000; i++ {
		if cur == a {
			return true, nil
		}
		rec, err := m.DAG.Nodes.GetNodeRevision(tr, cur)
		if err != nil {
			return false, err
		}
		if rec.Predecessor == nil {
			return false, nil
		}
		cur = *rec.Predecessor
	}
	return false, fmt.Errorf("merge: predecessor chain too long walking from %s", b)
}

// isRelated reports whether two node-revisions share a node-ID (spec.md
// §4.6: "two distinct node-revisions with the same node-ID are treated as
// related").
func (m *Merger) isRelated(tr *trail.Trail, a, b noderev.ID) (bool, error) {
	return a.Node == b.Node, nil
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
