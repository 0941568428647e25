package strpool

import (
	"testing"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/trail"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*kv.DB, *Store) {
	t.Helper()
	db, err := kv.Open(kv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := Open(db)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return db, store
}

func TestStore_NewAppendRead(t *testing.T) {
	db, store := openTestStore(t)

	var sid ids.StringID
	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		newID, err := store.New(tr)
		require.NoError(t, err)
		sid = newID

		require.NoError(t, store.Append(tr, newID, []byte("hello ")))
		require.NoError(t, store.Append(tr, newID, []byte("world")))
		return nil
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		n, err := store.Size(tr, sid)
		require.NoError(t, err)
		require.EqualValues(t, 11, n)

		b, err := store.Read(tr, sid, 0, 5)
		require.NoError(t, err)
		require.Equal(t, "hello", string(b))

		b, err = store.Read(tr, sid, 6, 100)
		require.NoError(t, err)
		require.Equal(t, "world", string(b))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ClearAndDelete(t *testing.T) {
	db, store := openTestStore(t)
	var sid ids.StringID

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		id, err := store.New(tr)
		require.NoError(t, err)
		sid = id
		return store.Append(tr, id, []byte("data"))
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.Clear(tr, sid)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		n, err := store.Size(tr, sid)
		require.NoError(t, err)
		require.EqualValues(t, 0, n)
		return store.Delete(tr, sid)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Size(tr, sid)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}
