package dag

import (
	"testing"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/trail"
	"github.com/stretchr/testify/require"
)

func TestSkipDeltaDistances_BelowThresholdOnlyImmediatePredecessor(t *testing.T) {
	require.Equal(t, []int64{1}, SkipDeltaDistances(1))
	require.Equal(t, []int64{1}, SkipDeltaDistances(31))
}

func TestSkipDeltaDistances_AtThresholdAddsPowersOfTwoSkippingOne(t *testing.T) {
	dists := SkipDeltaDistances(32)
	require.Equal(t, []int64{1, 4, 8, 16}, dists)
}

func TestSkipDeltaDistances_ZeroOrNegativeIsEmpty(t *testing.T) {
	require.Nil(t, SkipDeltaDistances(0))
	require.Nil(t, SkipDeltaDistances(-1))
}

// commitChurn writes content into /churn.txt (creating it on the first
// call) within a fresh txn based on baseRev, stabilizes it as the next
// revision, and returns that revision plus the file's node-revision ID.
func commitChurn(t *testing.T, db *kv.DB, d *DAG, baseRev ids.Revision, content string) (ids.Revision, noderev.ID) {
	t.Helper()
	txn := beginTxnAt(t, db, d, baseRev)
	var fileID noderev.ID

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		if err != nil {
			return err
		}
		entries, err := d.DirEntries(tr, root.ID)
		if err != nil {
			return err
		}
		var h *Handle
		if _, ok := entries["churn.txt"]; ok {
			h, err = d.CloneChild(tr, txn, root.ID, "churn.txt", ids.NoCopyID)
		} else {
			h, err = d.MakeFile(tr, txn, root.ID, "churn.txt", "/churn.txt")
		}
		if err != nil {
			return err
		}
		fileID = h.ID
		editRep, err := d.GetEditStream(tr, txn, fileID)
		if err != nil {
			return err
		}
		if err := d.WriteEditStream(tr, editRep, []byte(content)); err != nil {
			return err
		}
		return d.FinalizeEdits(tr, fileID, nil)
	})
	require.NoError(t, err)

	newRev := baseRev + 1
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		if err != nil {
			return err
		}
		if err := d.Stabilize(tr, txn, root.ID, newRev); err != nil {
			return err
		}
		return d.Revs.PutRevision(tr, newRev, &revstore.Record{Root: root.ID, Props: nil})
	})
	require.NoError(t, err)

	var committedID noderev.ID
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.RevisionRoot(tr, newRev)
		if err != nil {
			return err
		}
		entries, err := d.DirEntries(tr, root.ID)
		if err != nil {
			return err
		}
		committedID = entries["churn.txt"].ID
		return nil
	})
	require.NoError(t, err)
	return newRev, committedID
}

func TestDeltifyRevisionNode_NoErrorAcrossManyRevisions(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	rev := ids.Revision(0)
	var lastFileID noderev.ID
	for i := 0; i < 40; i++ {
		rev, lastFileID = commitChurn(t, db, d, rev, string(rune('a'+i%26)))
	}

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return d.DeltifyRevisionNode(tr, lastFileID)
	})
	require.NoError(t, err)
}
