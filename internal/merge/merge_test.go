package merge

import (
	"testing"

	"github.com/dagfs/core/internal/copystore"
	"github.com/dagfs/core/internal/dag"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/reps"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/strpool"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/internal/txnstore"
	"github.com/stretchr/testify/require"
)

func openTestRig(t *testing.T) (*kv.DB, *dag.DAG, *Merger) {
	t.Helper()
	db, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	strs, err := strpool.Open(db)
	require.NoError(t, err)
	t.Cleanup(strs.Close)

	repsStore, err := reps.Open(db, strs)
	require.NoError(t, err)
	t.Cleanup(repsStore.Close)

	alloc, err := ids.NewAllocator(db)
	require.NoError(t, err)
	t.Cleanup(alloc.Close)

	d := dag.New(noderev.Open(), repsStore, copystore.Open(), txnstore.Open(), revstore.Open(), alloc)
	return db, d, New(d)
}

func beginTxnAt(t *testing.T, db *kv.DB, d *dag.DAG, baseRev ids.Revision) ids.TxnID {
	t.Helper()
	var txn ids.TxnID
	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		revRec, err := d.Revs.GetRevision(tr, baseRev)
		if err != nil {
			return err
		}
		txn, err = txnstore.BeginTxn(tr, d.Txns, d.Alloc, baseRev, revRec.Root)
		return err
	})
	require.NoError(t, err)
	return txn
}

// commitFast stabilizes and records rev without going through the tree
// layer's merge-retry loop, since these tests exercise Merge directly.
func commitFast(t *testing.T, db *kv.DB, d *dag.DAG, txn ids.TxnID, newRev ids.Revision) noderev.ID {
	t.Helper()
	var root noderev.ID
	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		txnRec, err := d.Txns.GetTransaction(tr, txn)
		if err != nil {
			return err
		}
		if err := d.Stabilize(tr, txn, txnRec.Root, newRev); err != nil {
			return err
		}
		if err := d.Revs.PutRevision(tr, newRev, &revstore.Record{Root: txnRec.Root, Props: map[string]string{}}); err != nil {
			return err
		}
		root = txnRec.Root
		return nil
	})
	require.NoError(t, err)
	return root
}

func TestMerge_NoOpWhenTargetEqualsAncestor(t *testing.T) {
	db, d, m := openTestRig(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		rev, err := d.RevisionRoot(tr, 0)
		require.NoError(t, err)
		return m.Merge(tr, ids.TxnID("t0"), "/", rev.ID, rev.ID, rev.ID)
	})
	require.NoError(t, err)
}

func TestMerge_DisjointAdds_BothSurvive(t *testing.T) {
	db, d, m := openTestRig(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txnA := beginTxnAt(t, db, d, 0)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txnA)
		require.NoError(t, err)
		_, err = d.MakeFile(tr, txnA, root.ID, "a.txt", "/a.txt")
		return err
	})
	require.NoError(t, err)
	rev1Root := commitFast(t, db, d, txnA, 1)

	txnB := beginTxnAt(t, db, d, 0)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txnB)
		require.NoError(t, err)
		_, err = d.MakeFile(tr, txnB, root.ID, "b.txt", "/b.txt")
		return err
	})
	require.NoError(t, err)

	var txnBRoot noderev.ID
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		txnRec, err := d.Txns.GetTransaction(tr, txnB)
		require.NoError(t, err)
		txnBRoot = txnRec.Root
		return m.Merge(tr, txnB, "/", txnRec.Root, rev1Root, txnRec.BaseRoot)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		entries, err := d.DirEntries(tr, txnBRoot)
		require.NoError(t, err)
		require.Contains(t, entries, "a.txt")
		require.Contains(t, entries, "b.txt")
		return nil
	})
	require.NoError(t, err)
}

func TestMerge_ConflictingAddSamePath(t *testing.T) {
	db, d, m := openTestRig(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txnA := beginTxnAt(t, db, d, 0)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txnA)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txnA, root.ID, "same.txt", "/same.txt")
		require.NoError(t, err)
		editRep, err := d.GetEditStream(tr, txnA, h.ID)
		require.NoError(t, err)
		return d.WriteEditStream(tr, editRep, []byte("from A"))
	})
	require.NoError(t, err)
	rev1Root := commitFast(t, db, d, txnA, 1)

	txnB := beginTxnAt(t, db, d, 0)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txnB)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txnB, root.ID, "same.txt", "/same.txt")
		require.NoError(t, err)
		editRep, err := d.GetEditStream(tr, txnB, h.ID)
		require.NoError(t, err)
		return d.WriteEditStream(tr, editRep, []byte("from B"))
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		txnRec, err := d.Txns.GetTransaction(tr, txnB)
		require.NoError(t, err)
		return m.Merge(tr, txnB, "/", txnRec.Root, rev1Root, txnRec.BaseRoot)
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "/same.txt", ce.Path)
}

func TestMerge_DeleteWithUnchangedSourceIsConflictFree(t *testing.T) {
	db, d, m := openTestRig(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	var origID noderev.ID
	txn0 := beginTxnAt(t, db, d, 0)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn0)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn0, root.ID, "f.txt", "/f.txt")
		require.NoError(t, err)
		origID = h.ID
		return nil
	})
	require.NoError(t, err)
	rev1Root := commitFast(t, db, d, txn0, 1)
	_ = origID

	txnA := beginTxnAt(t, db, d, 1)
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txnA)
		require.NoError(t, err)
		return d.Delete(tr, txnA, root.ID, "f.txt")
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		txnRec, err := d.Txns.GetTransaction(tr, txnA)
		require.NoError(t, err)
		return m.Merge(tr, txnA, "/", txnRec.Root, rev1Root, txnRec.BaseRoot)
	})
	require.NoError(t, err)
}
