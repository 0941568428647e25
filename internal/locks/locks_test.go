package locks

import (
	"testing"
	"time"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
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

func TestLock_GeneratesTokenWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	var l *Lock
	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		var err error
		l, err = store.Lock(tr, "/a.txt", "", "alice", "editing", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, l.Token)
}

func TestLock_RefusesWhenAlreadyLocked(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "bob", "", time.Time{}, 0, 0, false)
		return err
	})
	require.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestLock_StealReplacesOwner(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "bob", "", time.Time{}, 0, 0, true)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		l, err := store.GetLock(tr, "/a.txt")
		require.NoError(t, err)
		require.Equal(t, "bob", l.Owner)
		return nil
	})
	require.NoError(t, err)
}

func TestLock_OutOfDate(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 5, 3, false)
		return err
	})
	require.ErrorIs(t, err, ErrOutOfDateLock)
}

func TestUnlock_RequiresMatchingToken(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	var token ids.LockToken
	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		l, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 0, 0, false)
		if err != nil {
			return err
		}
		token = l.Token
		return nil
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.Unlock(tr, "/a.txt", "wrong-token", false)
	})
	require.ErrorIs(t, err, ErrBadLockToken)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.Unlock(tr, "/a.txt", token, false)
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.GetLock(tr, "/a.txt")
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnlock_BreakBypassesToken(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.Unlock(tr, "/a.txt", "", true)
	})
	require.NoError(t, err)
}

func TestGetLocks_Recurse(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		if _, err := store.Lock(tr, "/dir/a.txt", "", "alice", "", time.Time{}, 0, 0, false); err != nil {
			return err
		}
		_, err := store.Lock(tr, "/dir/sub/b.txt", "", "alice", "", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		var paths []string
		err := store.GetLocks(tr, "/dir", true, func(l *Lock) error {
			paths = append(paths, l.Path)
			return nil
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"/dir/a.txt", "/dir/sub/b.txt"}, paths)
		return nil
	})
	require.NoError(t, err)
}

func TestAllowLockedOperation_MismatchFails(t *testing.T) {
	db := openTestDB(t)
	store := Open()

	err := trail.RetryTxn(db, func(tr *trail.Trail) error {
		_, err := store.Lock(tr, "/a.txt", "", "alice", "", time.Time{}, 0, 0, false)
		return err
	})
	require.NoError(t, err)

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return store.AllowLockedOperation(tr, "/a.txt", false, "bob", nil)
	})
	require.ErrorIs(t, err, ErrLockOwnerMismatch)
}
