package changes

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

func nodeRev(n string) noderev.ID {
	return noderev.ID{Node: ids.NodeID(n), Copy: ids.NoCopyID, Txn: ids.TxnID("t1")}
}

func TestAppendAndReadAll_PreservesOrder(t *testing.T) {
	db := openTestDB(t)
	store := Open()
	txn := ids.TxnID("t1")

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		for i, rec := range []Record{
			{Path: "/a", NodeRev: nodeRev("1"), Kind: KindAdd},
			{Path: "/b", NodeRev: nodeRev("2"), Kind: KindAdd},
			{Path: "/a", NodeRev: nodeRev("1"), Kind: KindModify, TextMod: true},
		} {
			if err := store.Append(tr, txn, uint64(i), rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		all, err := store.ReadAll(tr, txn)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "/a", all[0].Path)
		require.Equal(t, "/b", all[1].Path)
		require.Equal(t, "/a", all[2].Path)
		require.Equal(t, KindModify, all[2].Kind)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteAll_RemovesAllRecordsForTxn(t *testing.T) {
	db := openTestDB(t)
	store := Open()
	txn := ids.TxnID("t1")

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.Append(tr, txn, 0, Record{Path: "/a", NodeRev: nodeRev("1"), Kind: KindAdd})
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.DeleteAll(tr, txn)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		all, err := store.ReadAll(tr, txn)
		require.NoError(t, err)
		require.Empty(t, all)
		return nil
	})
	require.NoError(t, err)
}

func TestCoalesce_AddThenDelete_RemovedEntirely(t *testing.T) {
	out := Coalesce([]Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindAdd},
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindDelete},
	})
	require.NotContains(t, out, "/a")
}

func TestCoalesce_DeleteThenAdd_BecomesReplace(t *testing.T) {
	out := Coalesce([]Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindDelete},
		{Path: "/a", NodeRev: nodeRev("2"), Kind: KindAdd},
	})
	require.Contains(t, out, "/a")
	require.Equal(t, KindReplace, out["/a"].Kind)
	require.Equal(t, nodeRev("2"), out["/a"].NodeRev)
}

func TestCoalesce_AddThenModify_StaysAdd(t *testing.T) {
	out := Coalesce([]Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindAdd},
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindModify, TextMod: true},
	})
	require.Contains(t, out, "/a")
	rec := out["/a"]
	require.Equal(t, KindAdd, rec.Kind)
	require.True(t, rec.TextMod)
}

func TestCoalesce_ConsecutiveModifies_ORFlags(t *testing.T) {
	out := Coalesce([]Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindModify, TextMod: true, PropMod: false},
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindModify, TextMod: false, PropMod: true},
	})
	require.Contains(t, out, "/a")
	rec := out["/a"]
	require.Equal(t, KindModify, rec.Kind)
	require.True(t, rec.TextMod)
	require.True(t, rec.PropMod)
}

func TestCoalesce_ResetCancelsPriorRecord(t *testing.T) {
	out := Coalesce([]Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindAdd},
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindDelete},
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindReset},
	})
	require.Contains(t, out, "/a")
	require.Equal(t, KindAdd, out["/a"].Kind)
}

func TestCoalesce_IdempotentUnderReplay(t *testing.T) {
	records := []Record{
		{Path: "/a", NodeRev: nodeRev("1"), Kind: KindDelete},
		{Path: "/a", NodeRev: nodeRev("2"), Kind: KindAdd},
	}
	first := Coalesce(records)
	flattened := make([]Record, 0, len(first))
	for _, path := range []string{"/a"} {
		flattened = append(flattened, first[path])
	}
	second := Coalesce(flattened)
	require.Equal(t, first, second)
}
