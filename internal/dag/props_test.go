package dag

import (
	"testing"

	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/trail"
	"github.com/stretchr/testify/require"
)

func TestChangeNodeProp_SetThenGet(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txn := beginTxnAt(t, db, d, 0)
	var fileID noderev.ID

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "hello.txt", "/hello.txt")
		require.NoError(t, err)
		fileID = h.ID
		v := "text/plain"
		return d.ChangeNodeProp(tr, h.ID, "mime-type", &v)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		v, ok, err := d.GetProp(tr, fileID, "mime-type")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "text/plain", v)
		return nil
	})
	require.NoError(t, err)
}

func TestChangeNodeProp_RemoveByNilValue(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txn := beginTxnAt(t, db, d, 0)
	var fileID noderev.ID

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "hello.txt", "/hello.txt")
		require.NoError(t, err)
		fileID = h.ID
		v := "en-US"
		if err := d.ChangeNodeProp(tr, h.ID, "lang", &v); err != nil {
			return err
		}
		return d.ChangeNodeProp(tr, h.ID, "lang", nil)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, ok, err := d.GetProp(tr, fileID, "lang")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestGetProplist_EmptyForFreshNode(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txn := beginTxnAt(t, db, d, 0)
	var fileID noderev.ID

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "hello.txt", "/hello.txt")
		fileID = h.ID
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		props, err := d.GetProplist(tr, fileID)
		require.NoError(t, err)
		require.Empty(t, props)
		return nil
	})
	require.NoError(t, err)
}

func TestChangeNodeProp_MultipleKeysSurviveRoundTrip(t *testing.T) {
	db, d := openTestDAG(t)
	err := trail.RetryTxn(db, func(tr *trail.Trail) error { return d.InitFS(tr, "") })
	require.NoError(t, err)

	txn := beginTxnAt(t, db, d, 0)
	var fileID noderev.ID

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := d.CloneRoot(tr, txn)
		require.NoError(t, err)
		h, err := d.MakeFile(tr, txn, root.ID, "hello.txt", "/hello.txt")
		require.NoError(t, err)
		fileID = h.ID
		a, b := "alpha", "beta"
		if err := d.ChangeNodeProp(tr, h.ID, "a", &a); err != nil {
			return err
		}
		return d.ChangeNodeProp(tr, h.ID, "b", &b)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		props, err := d.GetProplist(tr, fileID)
		require.NoError(t, err)
		require.Equal(t, map[string]string{"a": "alpha", "b": "beta"}, props)
		return nil
	})
	require.NoError(t, err)
}
