package tree

import (
	"errors"

	"github.com/dagfs/core/internal/changes"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/merge"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/trail"
)

// ConflictError is returned by CommitTxn when the merge step detects a
// genuine conflict; the transaction is left active so the caller can
// inspect or abort it.
type ConflictError = merge.ConflictError

// clock abstracts "now" for revision creation-date stamping; tests may
// replace it with a fixed value.
var clock = func() string { return "" }

// SetClock overrides the creation-date clock (test hook).
func SetClock(fn func() string) { clock = fn }

// CommitTxn runs spec.md §4.6's commit algorithm: attempt a fast-path
// commit if txn's base is still youngest; otherwise merge against
// youngest and retry until no one commits concurrently, then stabilize,
// allocate the new revision, fold the change log, and delete the txn
// record. The whole algorithm runs inside a single trail (and so a single
// KV transaction) — see DESIGN.md for why that satisfies spec.md §4.6 step
// 4's "atomically under a KV transaction that locks the revisions table"
// without a separate explicit lock primitive.
func (t *Tree) CommitTxn(tr *trail.Trail, changesStore *changes.Store, txn ids.TxnID) (ids.Revision, error) {
	for {
		txnRec, err := t.Txns.GetTransaction(tr, txn)
		if err != nil {
			return 0, err
		}
		youngest, err := t.Revs.YoungestRev(tr)
		if err != nil {
			return 0, err
		}

		if youngest != txnRec.BaseRev {
			youngestRec, err := t.Revs.GetRevision(tr, youngest)
			if err != nil {
				return 0, err
			}
			if err := t.Merger.Merge(tr, txn, "/", txnRec.Root, youngestRec.Root, txnRec.BaseRoot); err != nil {
				var ce *ConflictError
				if errors.As(err, &ce) {
					return 0, err
				}
				return 0, err
			}
			if err := t.Txns.RebaseTarget(tr, txn, youngest, youngestRec.Root); err != nil {
				return 0, err
			}
			continue
		}

		newRev := youngest + 1
		if err := t.DAG.Stabilize(tr, txn, txnRec.Root, newRev); err != nil {
			return 0, err
		}

		props := txnRec.Props
		if props == nil {
			props = map[string]string{}
		}
		props["svn:date"] = clock()
		if err := t.Revs.PutRevision(tr, newRev, &revstore.Record{Root: txnRec.Root, Props: props}); err != nil {
			return 0, err
		}

		if err := t.foldChangeLog(tr, changesStore, txn, newRev); err != nil {
			return 0, err
		}

		if err := t.Txns.DeleteTransaction(tr, txn); err != nil {
			return 0, err
		}
		return newRev, nil
	}
}

func (t *Tree) foldChangeLog(tr *trail.Trail, changesStore *changes.Store, txn ids.TxnID, rev ids.Revision) error {
	all, err := changesStore.ReadAll(tr, txn)
	if err != nil {
		return err
	}
	summary := changes.Coalesce(all)
	if err := changesStore.PutRevisionSummary(tr, rev, summary); err != nil {
		return err
	}
	return changesStore.DeleteAll(tr, txn)
}
