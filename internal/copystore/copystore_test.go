package copystore

import (
	"testing"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/trail"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetCopy_RealRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := Open()
	dst := noderev.ID{Node: "5", Copy: "2", Txn: "t1"}

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.PutCopy(tr, ids.CopyID("2"), &Record{
			Kind:       KindReal,
			SrcPath:    "/trunk/foo.txt",
			SrcTxn:     ids.TxnID("t1"),
			DstNodeRev: dst,
		})
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		rec, err := store.GetCopy(tr, ids.CopyID("2"))
		require.NoError(t, err)
		require.Equal(t, KindReal, rec.Kind)
		require.Equal(t, "/trunk/foo.txt", rec.SrcPath)
		require.Equal(t, dst, rec.DstNodeRev)
		return nil
	})
	require.NoError(t, err)
}

func TestPutGetCopy_SoftRoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := Open()
	dst := noderev.ID{Node: "9", Copy: "3", Txn: "t2"}

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.PutCopy(tr, ids.CopyID("3"), &Record{
			Kind:       KindSoft,
			SrcPath:    "/branches/x/bar.txt",
			SrcTxn:     ids.TxnID("t2"),
			DstNodeRev: dst,
		})
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		rec, err := store.GetCopy(tr, ids.CopyID("3"))
		require.NoError(t, err)
		require.Equal(t, KindSoft, rec.Kind)
		return nil
	})
	require.NoError(t, err)
}

func TestGetCopy_NotFound(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.GetCopy(tr, ids.CopyID("99"))
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}
