package dag

import (
	"errors"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/reps"
	"github.com/dagfs/core/internal/trail"
)

// SkipDeltaDistances returns the predecessor distances to offer for
// deltification when finalizing a node-revision with predecessor-count k,
// per spec.md §4.7's skip-delta policy: the immediate predecessor (distance
// 1) is always offered; additionally, once k >= 32, distance 2^i is
// offered for every i >= 2 such that 2^i < k, skipping i = 1.
func SkipDeltaDistances(k int64) []int64 {
	if k <= 0 {
		return nil
	}
	distances := []int64{1}
	if k < 32 {
		return distances
	}
	for dist := int64(4); dist < k; dist *= 2 {
		distances = append(distances, dist)
	}
	return distances
}

// walkPredecessor follows id's predecessor chain back `distance` steps and
// returns the node-revision found there, or (ok=false) if the chain is
// shorter than that.
func (d *DAG) walkPredecessor(tr *trail.Trail, id noderev.ID, distance int64) (noderev.ID, *noderev.Record, bool, error) {
	cur := id
	for i := int64(0); i < distance; i++ {
		rec, err := d.Nodes.GetNodeRevision(tr, cur)
		if err != nil {
			if errors.Is(err, noderev.ErrNotFound) {
				return noderev.ID{}, nil, false, nil
			}
			return noderev.ID{}, nil, false, err
		}
		if rec.Predecessor == nil {
			return noderev.ID{}, nil, false, nil
		}
		cur = *rec.Predecessor
	}
	rec, err := d.Nodes.GetNodeRevision(tr, cur)
	if err != nil {
		if errors.Is(err, noderev.ErrNotFound) {
			return noderev.ID{}, nil, false, nil
		}
		return noderev.ID{}, nil, false, err
	}
	return cur, rec, true, nil
}

// Stabilize recursively makes every mutable node-revision and every
// mutable rep reachable from root immutable, stamping newRev as each
// node-revision's committed-rev, and offers skip-delta deltification
// against each eligible predecessor (spec.md §4.5 "commit_txn", §4.7).
func (d *DAG) Stabilize(tr *trail.Trail, txn ids.TxnID, root noderev.ID, newRev ids.Revision) error {
	return d.stabilizeNode(tr, txn, root, newRev)
}

func (d *DAG) stabilizeNode(tr *trail.Trail, txn ids.TxnID, id noderev.ID, newRev ids.Revision) error {
	if !id.IsMutableIn(txn) {
		return nil
	}
	rec, err := d.Nodes.GetNodeRevision(tr, id)
	if err != nil {
		return err
	}

	if rec.Kind == noderev.KindDir && rec.DataRep != "" {
		children, err := d.readEntries(tr, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.ID.IsMutableIn(txn) {
				if err := d.stabilizeNode(tr, txn, c.ID, newRev); err != nil {
					return err
				}
			}
		}
	}

	if rec.PropRep != "" {
		if err := d.Reps.MakeRepImmutable(tr, rec.PropRep); err != nil {
			return err
		}
	}
	if rec.DataRep != "" {
		if err := d.Reps.MakeRepImmutable(tr, rec.DataRep); err != nil {
			return err
		}
	}
	rec.CommittedRev = newRev
	if err := d.Nodes.PutNodeRevision(tr, id, rec); err != nil {
		return err
	}

	return d.offerDeltify(tr, id, rec)
}

// offerDeltify offers id's data-rep for deltification against its
// skip-delta-eligible predecessors (spec.md §4.7), given id's already-loaded
// record.
func (d *DAG) offerDeltify(tr *trail.Trail, id noderev.ID, rec *noderev.Record) error {
	if rec.Predecessor == nil || rec.PredecessorCount <= 0 || rec.DataRep == "" {
		return nil
	}
	for _, dist := range SkipDeltaDistances(rec.PredecessorCount) {
		predID, predRec, ok, err := d.walkPredecessor(tr, id, dist)
		if err != nil {
			return err
		}
		if !ok || predRec.DataRep == "" || predID == id {
			continue
		}
		if predRec.Predecessor == nil {
			// The chain's oldest revision is kept as fulltext (spec.md §4.7).
			continue
		}
		if err := d.Reps.RepDeltify(tr, predRec.DataRep, rec.DataRep); err != nil {
			if errors.Is(err, reps.ErrDeltifyRefused) || errors.Is(err, reps.ErrSameRep) {
				continue
			}
			return err
		}
	}
	return nil
}

// DeltifyRevisionNode re-offers an already-committed node-revision for
// skip-delta deltification (spec.md §12 "deltify_revision" maintenance
// operation, grounded on libsvn_fs's deltify.c): unlike the automatic offer
// made at commit time, this can be invoked later — e.g. after a predecessor
// that was previously out of window distance has rotated into one — to
// bring an older revision's storage back in line with the current policy.
func (d *DAG) DeltifyRevisionNode(tr *trail.Trail, id noderev.ID) error {
	rec, err := d.Nodes.GetNodeRevision(tr, id)
	if err != nil {
		return err
	}
	return d.offerDeltify(tr, id, rec)
}
