// Package trail implements the scoped unit-of-work abstraction spec.md §5
// calls a "trail": a KV-engine transaction, a scratch arena for temporary
// per-attempt state, and an undo stack that restores in-memory caches if the
// attempt is abandoned and retried.
//
// Every persistent mutation in this core runs inside RetryTxn. Body
// functions are straight-line code: spec.md §5 is explicit that no
// cooperative suspension happens inside a trail, so there is nothing here
// resembling context cancellation mid-body — cancellation is a concern for
// the caller between RetryTxn calls, not within one.
package trail

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/dagfs/core/internal/kv"
)

// logger is the trail package's structured logger, scoped to the one place
// in this core where a bare log.Printf can't express the fields worth
// having (attempt count, error class) without ad-hoc string formatting.
var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "trail").Logger()

// Trail bundles one attempt's KV transaction, scratch arena, and callback
// stacks.
type Trail struct {
	txn      *kv.Txn
	undo     []func()
	complete []func()
	scratch  map[string]interface{}
}

// Txn returns the trail's KV transaction. All table reads/writes within a
// body go through this handle.
func (t *Trail) Txn() *kv.Txn { return t.txn }

// OnUndo registers a callback run, in reverse registration order, if this
// attempt is abandoned because of a retryable conflict. Register an undo
// hook whenever a body mutates an in-memory cache so that cache reflects
// reality again after the attempt is thrown away.
func (t *Trail) OnUndo(fn func()) {
	t.undo = append(t.undo, fn)
}

// OnComplete registers a callback run once this trail finishes, whatever the
// outcome (committed, retried, or failed outright). Use this to drop cached
// node-revision records that a mutation may have invalidated, regardless of
// whether the mutation ultimately stuck (spec.md §5, "Shared-resource
// policy").
func (t *Trail) OnComplete(fn func()) {
	t.complete = append(t.complete, fn)
}

// Scratch returns a per-attempt map for temporary allocations that must not
// survive a retry (spec.md's "arena"). Each RetryTxn attempt gets a fresh,
// empty map.
func (t *Trail) Scratch() map[string]interface{} {
	return t.scratch
}

func (t *Trail) runUndo() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *Trail) runComplete() {
	for _, fn := range t.complete {
		fn()
	}
}

// RetryTxn implements spec.md §5's retry_txn: it opens a trail, invokes
// body, and on a retryable KV conflict discards the attempt, runs undo
// hooks, and retries with a fresh trail. Retries are unbounded in count;
// any non-retryable error (including one raised deliberately by body, such
// as Conflict or NotFound) unwinds immediately and propagates to the
// caller.
func RetryTxn(db *kv.DB, body func(t *Trail) error) error {
	for attempt := 1; ; attempt++ {
		tr := &Trail{txn: db.Begin(), scratch: make(map[string]interface{})}

		if err := body(tr); err != nil {
			tr.txn.Discard()
			if kv.IsRetryable(err) {
				tr.runUndo()
				tr.runComplete()
				logger.Warn().Int("attempt", attempt).Err(err).Msg("retrying after conflict in trail body")
				continue
			}
			tr.runUndo()
			tr.runComplete()
			return err
		}

		if err := tr.txn.Commit(); err != nil {
			if kv.IsRetryable(err) {
				tr.runUndo()
				tr.runComplete()
				logger.Warn().Int("attempt", attempt).Err(err).Msg("retrying after conflict on commit")
				continue
			}
			tr.runUndo()
			tr.runComplete()
			return err
		}

		tr.runComplete()
		return nil
	}
}
