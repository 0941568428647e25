// Package locks implements the per-path advisory lock store (spec.md §4.9,
// §4.1 component list "Locks store"): lock/unlock, recursive lock lookup,
// and the allow_locked_operation enforcement helper every mutating tree
// operation must pass through.
package locks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
	"github.com/google/uuid"
)

// Lock is one advisory lock on a path.
type Lock struct {
	Path           string
	Token          ids.LockToken
	Owner          string
	Comment        string
	IsDAVComment   bool
	CreationDate   time.Time
	ExpirationDate time.Time // zero value means no expiration
}

var (
	ErrNotFound          = errors.New("locks: not found")
	ErrAlreadyLocked     = errors.New("locks: path already locked")
	ErrNotLocked         = errors.New("locks: not locked")
	ErrBadLockToken      = errors.New("locks: bad lock token")
	ErrLockOwnerMismatch = errors.New("locks: lock owner mismatch")
	ErrOutOfDateLock     = errors.New("locks: out of date")
	ErrCorrupt           = errors.New("locks: corrupt record")
)

// Store is the locks table plus its token-to-path index.
type Store struct{}

// Open returns a ready-to-use lock store.
func Open() *Store { return &Store{} }

func lockToSkel(l *Lock) *skel.Skel {
	exp := ""
	if !l.ExpirationDate.IsZero() {
		exp = strconv.FormatInt(l.ExpirationDate.UnixNano(), 10)
	}
	return skel.List(
		skel.Atom("lock"),
		skel.Atom(l.Path),
		skel.Atom(string(l.Token)),
		skel.Atom(l.Owner),
		skel.Atom(l.Comment),
		skel.Atom(boolAtom(l.IsDAVComment)),
		skel.Atom(strconv.FormatInt(l.CreationDate.UnixNano(), 10)),
		skel.Atom(exp),
	)
}

func lockFromSkel(s *skel.Skel) (*Lock, error) {
	if !s.IsList() || s.Len() != 8 || s.At(0).Str() != "lock" {
		return nil, ErrCorrupt
	}
	created, err := strconv.ParseInt(s.At(6).Str(), 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	var exp time.Time
	if e := s.At(7).Str(); e != "" {
		n, err := strconv.ParseInt(e, 10, 64)
		if err != nil {
			return nil, ErrCorrupt
		}
		exp = time.Unix(0, n)
	}
	return &Lock{
		Path:           s.At(1).Str(),
		Token:          ids.LockToken(s.At(2).Str()),
		Owner:          s.At(3).Str(),
		Comment:        s.At(4).Str(),
		IsDAVComment:   s.At(5).Str() == "1",
		CreationDate:   time.Unix(0, created),
		ExpirationDate: exp,
	}, nil
}

func boolAtom(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) getRaw(tr *trail.Trail, path string) (*Lock, error) {
	raw, err := tr.Txn().Get(kv.TableLocks, []byte(path))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("locks: get %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("locks: get: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("locks: get %s: %w", path, err)
	}
	return lockFromSkel(sk)
}

// GetLock returns the lock on path, if any and not expired.
func (s *Store) GetLock(tr *trail.Trail, path string) (*Lock, error) {
	l, err := s.getRaw(tr, path)
	if err != nil {
		return nil, err
	}
	if isExpired(l) {
		return nil, fmt.Errorf("locks: get %s: %w", path, ErrNotFound)
	}
	return l, nil
}

func isExpired(l *Lock) bool {
	return !l.ExpirationDate.IsZero() && l.ExpirationDate.Before(timeNow())
}

// timeNow is the only clock read in this package; kept as a var so the
// tree/fs layer can inject a fixed clock in tests if it ever needs to.
var timeNow = time.Now

// Lock creates (or, with steal=true, replaces) a lock on path.
//
// createdRev is the revision the path was last modified at and currentRev
// is the caller's view of HEAD; if currentRev < createdRev the lock request
// is stale (spec.md §4.9).
func (s *Store) Lock(tr *trail.Trail, path string, token ids.LockToken, owner, comment string, expiration time.Time, createdRev, currentRev ids.Revision, steal bool) (*Lock, error) {
	if currentRev < createdRev {
		return nil, fmt.Errorf("locks: lock %s: %w", path, ErrOutOfDateLock)
	}
	existing, err := s.GetLock(tr, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && !steal {
		return nil, fmt.Errorf("locks: lock %s: %w", path, ErrAlreadyLocked)
	}
	if existing != nil {
		if err := s.removeTokenIndex(tr, existing.Token); err != nil {
			return nil, err
		}
	}
	if token == "" {
		token = ids.LockToken("opaquelocktoken:" + uuid.NewString())
	}
	l := &Lock{
		Path:           path,
		Token:          token,
		Owner:          owner,
		Comment:        comment,
		CreationDate:   timeNow(),
		ExpirationDate: expiration,
	}
	if err := tr.Txn().Set(kv.TableLocks, []byte(path), skel.Unparse(lockToSkel(l))); err != nil {
		return nil, fmt.Errorf("locks: put: %w", err)
	}
	if err := tr.Txn().Set(kv.TableLockTokens, []byte(token), []byte(path)); err != nil {
		return nil, fmt.Errorf("locks: put token index: %w", err)
	}
	return l, nil
}

func (s *Store) removeTokenIndex(tr *trail.Trail, token ids.LockToken) error {
	if err := tr.Txn().Delete(kv.TableLockTokens, []byte(token)); err != nil {
		return fmt.Errorf("locks: delete token index: %w", err)
	}
	return nil
}

// Unlock removes the lock on path. If brk is true, ownership/token checks
// are bypassed (spec.md §4.9 "break").
func (s *Store) Unlock(tr *trail.Trail, path string, token ids.LockToken, brk bool) error {
	l, err := s.GetLock(tr, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("locks: unlock %s: %w", path, ErrNotLocked)
		}
		return err
	}
	if !brk && l.Token != token {
		return fmt.Errorf("locks: unlock %s: %w", path, ErrBadLockToken)
	}
	if err := tr.Txn().Delete(kv.TableLocks, []byte(path)); err != nil {
		return fmt.Errorf("locks: delete: %w", err)
	}
	return s.removeTokenIndex(tr, l.Token)
}

// GetLocks enumerates locks at path and, if recurse, beneath it, invoking cb
// for each. A non-nil error from cb stops enumeration and is returned.
func (s *Store) GetLocks(tr *trail.Trail, path string, recurse bool, cb func(*Lock) error) error {
	if !recurse {
		l, err := s.GetLock(tr, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		return cb(l)
	}
	prefix := []byte(path)
	return tr.Txn().ScanPrefix(kv.TableLocks, prefix, func(key, val []byte) error {
		if !(string(key) == path || strings.HasPrefix(string(key), path+"/")) {
			return nil
		}
		sk, err := skel.Parse(val)
		if err != nil {
			return err
		}
		l, err := lockFromSkel(sk)
		if err != nil {
			return err
		}
		if isExpired(l) {
			return nil
		}
		return cb(l)
	})
}

// AllowLockedOperation enforces spec.md §4.9's allow_locked_operation: for
// every lock covering path (itself, or beneath it when recurse is true),
// the accessing user must match the lock owner and present the matching
// token, else the operation is refused.
func (s *Store) AllowLockedOperation(tr *trail.Trail, path string, recurse bool, user string, tokens map[ids.LockToken]struct{}) error {
	return s.GetLocks(tr, path, recurse, func(l *Lock) error {
		if l.Owner != user {
			return fmt.Errorf("locks: %s: %w", l.Path, ErrLockOwnerMismatch)
		}
		if _, ok := tokens[l.Token]; !ok {
			return fmt.Errorf("locks: %s: %w", l.Path, ErrBadLockToken)
		}
		return nil
	})
}
