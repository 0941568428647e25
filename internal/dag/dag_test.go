package dag

import (
	"testing"

	"github.com/dagfs/core/internal/copystore"
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

func openTestDAG(t *testing.T) (*kv.DB, *DAG) {
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

	d := New(noderev.Open(), repsStore, copystore.Open(), txnstore.Open(), revstore.Open(), alloc)
	return db, d
}

func beginTxnAt(t *testing.T, db *kv.DB, d *DAG, baseRev ids.Revision) ids.TxnID {
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

func TestInitFS_CreatesEmptyRootAtRevZero(t *testing.T) {
	db, d := openTestDAG(t)

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		return d.InitFS(tr, "2026-01-01T00:00:00Z")
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		h, err := d.RevisionRoot(tr, 0)
		require.NoError(t, err)
		require.Equal(t, noderev.KindDir, h.Kind)
		entries, err := d.DirEntries(tr, h.ID)
		require.NoError(t, err)
		require.Empty(t, entries)
		return nil
	})
	require.NoError(t, err)
}

func TestMakeFile_AppearsInDirEntries(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		_, err = d.MakeFile(tr, txn, root.ID, "hello.txt", "/hello.txt")
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		require.NoError(t, err)
		entries, err := d.DirEntries(tr, root.ID)
		require.NoError(t, err)
		require.Contains(t, entries, "hello.txt")
		require.Equal(t, noderev.KindFile, entries["hello.txt"].Kind)
		return nil
	})
	require.NoError(t, err)
}

func TestMakeFile_DuplicateNameFails(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		if _, err := d.MakeFile(tr, txn, root.ID, "a.txt", "/a.txt"); err != nil {
			return err
		}
		_, err = d.MakeFile(tr, txn, root.ID, "a.txt", "/a.txt")
		return err
	})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestWriteAndReadContents_RoundTrip(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	var fileID noderev.ID
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "a.txt", "/a.txt")
		require.NoError(t, err)
		fileID = h.ID
		editRep, err := d.GetEditStream(tr, txn, fileID)
		require.NoError(t, err)
		require.NoError(t, d.WriteEditStream(tr, editRep, []byte("hello world")))
		return d.FinalizeEdits(tr, fileID, nil)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		content, err := d.GetContents(tr, fileID)
		require.NoError(t, err)
		require.Equal(t, "hello world", string(content))
		length, err := d.FileLength(tr, fileID)
		require.NoError(t, err)
		require.EqualValues(t, len("hello world"), length)
		return nil
	})
	require.NoError(t, err)
}

func TestFinalizeEdits_ChecksumMismatchFails(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "a.txt", "/a.txt")
		require.NoError(t, err)
		editRep, err := d.GetEditStream(tr, txn, h.ID)
		require.NoError(t, err)
		require.NoError(t, d.WriteEditStream(tr, editRep, []byte("hello")))
		var wrong [16]byte
		return d.FinalizeEdits(tr, h.ID, &wrong)
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDelete_RemovesEntryAndSubtree(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		sub, err := d.MakeDir(tr, txn, root.ID, "sub", "/sub")
		require.NoError(t, err)
		_, err = d.MakeFile(tr, txn, sub.ID, "leaf.txt", "/sub/leaf.txt")
		require.NoError(t, err)
		return d.Delete(tr, txn, root.ID, "sub")
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		require.NoError(t, err)
		entries, err := d.DirEntries(tr, root.ID)
		require.NoError(t, err)
		require.NotContains(t, entries, "sub")
		return nil
	})
	require.NoError(t, err)
}

func TestCloneChild_IsIdempotentWithinSameTxn(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		_, err = d.MakeDir(tr, txn, root.ID, "sub", "/sub")
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		require.NoError(t, err)
		first, err := d.CloneChild(tr, txn, root.ID, "sub", ids.NoCopyID)
		require.NoError(t, err)
		second, err := d.CloneChild(tr, txn, root.ID, "sub", ids.NoCopyID)
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestCopy_PreserveHistory_RecordsCopyRoot(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	var srcID noderev.ID
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "orig.txt", "/orig.txt")
		require.NoError(t, err)
		srcID = h.ID
		return nil
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		require.NoError(t, err)
		return d.Copy(tr, txn, root.ID, "copy.txt", srcID, true, 0, "/orig.txt", "/copy.txt")
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.TxnRoot(tr, txn)
		require.NoError(t, err)
		entries, err := d.DirEntries(tr, root.ID)
		require.NoError(t, err)
		dstID := entries["copy.txt"].ID
		cr, err := d.CopiedFrom(tr, dstID)
		require.NoError(t, err)
		require.NotNil(t, cr)
		require.Equal(t, "/orig.txt", cr.Path)
		require.EqualValues(t, 0, cr.Rev)
		return nil
	})
	require.NoError(t, err)
}

func TestCopy_WithoutPreserveHistory_RequiresImmutableSource(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)
	txn := beginTxnAt(t, db, d, 0)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "mutable.txt", "/mutable.txt")
		require.NoError(t, err)
		return d.Copy(tr, txn, root.ID, "link.txt", h.ID, false, 0, "/mutable.txt", "/link.txt")
	})
	require.ErrorIs(t, err, ErrNotALink)
}
