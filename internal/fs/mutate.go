package fs

import (
	"time"

	"github.com/dagfs/core/internal/changes"
	"github.com/dagfs/core/internal/dag"
	"github.com/dagfs/core/internal/delta"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/locks"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/trail"
)

// log appends one change record to txn's log. It performs no lock check of
// its own; the callers that check locks do so through guardLock first.
func (f *FS) log(tr *trail.Trail, txn ids.TxnID, path string, node noderev.ID, kind changes.Kind, textMod, propMod bool) error {
	seq := changes.NextSeq(tr, txn)
	return f.Changes.Append(tr, txn, seq, changes.Record{
		Path: path, NodeRev: node, Kind: kind, TextMod: textMod, PropMod: propMod,
	})
}

func (f *FS) guardLock(tr *trail.Trail, path string, user string, tokens map[ids.LockToken]struct{}) error {
	return f.Tree.Locks.AllowLockedOperation(tr, path, false, user, tokens)
}

// MakeDir creates an empty directory at path, mutable in txn (spec.md §6
// "make_dir").
func (f *FS) MakeDir(tr *trail.Trail, txn ids.TxnID, path, user string, tokens map[ids.LockToken]struct{}) error {
	if err := f.guardLock(tr, path, user, tokens); err != nil {
		return err
	}
	parent, name, _, err := f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return err
	}
	h, err := f.Tree.DAG.MakeDir(tr, txn, parent, name, path)
	if err != nil {
		return err
	}
	return f.log(tr, txn, path, h.ID, changes.KindAdd, false, false)
}

// MakeFile creates an empty file at path, mutable in txn, with no contents
// until ApplyText/ApplyTextDelta writes to it (spec.md §6 "make_file").
func (f *FS) MakeFile(tr *trail.Trail, txn ids.TxnID, path, user string, tokens map[ids.LockToken]struct{}) (noderev.ID, error) {
	if err := f.guardLock(tr, path, user, tokens); err != nil {
		return noderev.ID{}, err
	}
	parent, name, _, err := f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return noderev.ID{}, err
	}
	h, err := f.Tree.DAG.MakeFile(tr, txn, parent, name, path)
	if err != nil {
		return noderev.ID{}, err
	}
	if err := f.log(tr, txn, path, h.ID, changes.KindAdd, false, false); err != nil {
		return noderev.ID{}, err
	}
	return h.ID, nil
}

// Delete removes path and its subtree, mutable in txn (spec.md §6
// "delete").
func (f *FS) Delete(tr *trail.Trail, txn ids.TxnID, path, user string, tokens map[ids.LockToken]struct{}) error {
	if err := f.guardLock(tr, path, user, tokens); err != nil {
		return err
	}
	parent, name, target, err := f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return err
	}
	if err := f.Tree.DAG.Delete(tr, txn, parent, name); err != nil {
		return err
	}
	return f.log(tr, txn, path, target, changes.KindDelete, false, false)
}

// Copy copies fromPath as it existed under fromRoot to toPath under toTxn,
// preserving history (spec.md §6 "copy"). fromRoot must be a revision root.
func (f *FS) Copy(tr *trail.Trail, fromRoot Root, fromPath string, toTxn ids.TxnID, toPath, user string, tokens map[ids.LockToken]struct{}) error {
	return f.copy(tr, fromRoot, fromPath, toTxn, toPath, true, user, tokens)
}

// RevisionLink copies fromPath to toPath without recording copy provenance
// (spec.md §6 "revision_link") — a historyless link, used internally by
// callers that want to graft a subtree without it showing up in
// node_history.
func (f *FS) RevisionLink(tr *trail.Trail, fromRoot Root, fromPath string, toTxn ids.TxnID, toPath, user string, tokens map[ids.LockToken]struct{}) error {
	return f.copy(tr, fromRoot, fromPath, toTxn, toPath, false, user, tokens)
}

func (f *FS) copy(tr *trail.Trail, fromRoot Root, fromPath string, toTxn ids.TxnID, toPath string, preserveHistory bool, user string, tokens map[ids.LockToken]struct{}) error {
	if err := f.guardLock(tr, toPath, user, tokens); err != nil {
		return err
	}
	srcID, err := f.NodeID(tr, fromRoot, fromPath)
	if err != nil {
		return err
	}
	parent, name, _, err := f.Tree.OpenMutable(tr, toTxn, toPath)
	if err != nil {
		return err
	}
	if err := f.Tree.DAG.Copy(tr, toTxn, parent, name, srcID, preserveHistory, fromRoot.Rev, fromPath, toPath); err != nil {
		return err
	}
	entries, err := f.Tree.DAG.DirEntries(tr, parent)
	if err != nil {
		return err
	}
	return f.log(tr, toTxn, toPath, entries[name].ID, changes.KindAdd, true, true)
}

// NodeProp returns a single property value (spec.md §6 "node_prop").
func (f *FS) NodeProp(tr *trail.Trail, node noderev.ID, name string) (string, bool, error) {
	return f.Tree.DAG.GetProp(tr, node, name)
}

// NodeProplist returns a node's full property list (spec.md §6
// "node_proplist").
func (f *FS) NodeProplist(tr *trail.Trail, node noderev.ID) (map[string]string, error) {
	return f.Tree.DAG.GetProplist(tr, node)
}

// ChangeNodeProp sets or (value == nil) removes a single property on the
// node at path, mutable in txn (spec.md §6 "change_node_prop").
func (f *FS) ChangeNodeProp(tr *trail.Trail, txn ids.TxnID, path, name string, value *string, user string, tokens map[ids.LockToken]struct{}) error {
	if err := f.guardLock(tr, path, user, tokens); err != nil {
		return err
	}
	_, _, target, err := f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return err
	}
	if err := f.Tree.DAG.ChangeNodeProp(tr, target, name, value); err != nil {
		return err
	}
	return f.log(tr, txn, path, target, changes.KindModify, false, true)
}

// ApplyText replaces a mutable file's entire contents in one shot (spec.md
// §6 "apply_text"), verifying expectedMD5 if non-nil.
func (f *FS) ApplyText(tr *trail.Trail, txn ids.TxnID, path string, contents []byte, expectedMD5 *[16]byte, user string, tokens map[ids.LockToken]struct{}) error {
	if err := f.guardLock(tr, path, user, tokens); err != nil {
		return err
	}
	_, _, target, err := f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return err
	}
	editRep, err := f.Tree.DAG.GetEditStream(tr, txn, target)
	if err != nil {
		return err
	}
	if err := f.Tree.DAG.WriteEditStream(tr, editRep, contents); err != nil {
		return err
	}
	if err := f.Tree.DAG.FinalizeEdits(tr, target, expectedMD5); err != nil {
		return err
	}
	return f.log(tr, txn, path, target, changes.KindModify, true, false)
}

// ApplyTextDelta opens a mutable file's edit stream for windowed delta
// application (spec.md §6 "apply_textdelta"). base is the file's current
// fulltext (as returned by FileContents), against which windows will be
// replayed; the caller writes the reconstructed result with
// WriteDeltaWindows.
func (f *FS) ApplyTextDelta(tr *trail.Trail, txn ids.TxnID, path string) (target noderev.ID, editRep ids.RepID, err error) {
	_, _, target, err = f.Tree.OpenMutable(tr, txn, path)
	if err != nil {
		return noderev.ID{}, "", err
	}
	editRep, err = f.Tree.DAG.GetEditStream(tr, txn, target)
	return target, editRep, err
}

// WriteDeltaWindows reconstructs a file's new fulltext by replaying windows
// against base and writes it into editRep (spec.md §6 "apply_textdelta";
// the delta library's own window algebra is implemented in internal/delta).
func (f *FS) WriteDeltaWindows(tr *trail.Trail, editRep ids.RepID, base []byte, windows []delta.Window) error {
	tgt, err := delta.Apply(base, windows)
	if err != nil {
		return err
	}
	return f.Tree.DAG.WriteEditStream(tr, editRep, tgt)
}

// FinalizeEdits commits a file's pending edit stream as its new data,
// verifying expectedMD5 if non-nil, and logs the change record (spec.md §6
// "apply_textdelta" completion).
func (f *FS) FinalizeEdits(tr *trail.Trail, txn ids.TxnID, path string, target noderev.ID, expectedMD5 *[16]byte) error {
	if err := f.Tree.DAG.FinalizeEdits(tr, target, expectedMD5); err != nil {
		return err
	}
	return f.log(tr, txn, path, target, changes.KindModify, true, false)
}

// Lock creates (or steals) a lock on path (spec.md §4.9/§6 "lock"). root
// supplies the current revision used for the out-of-date check against
// path's created-rev.
func (f *FS) Lock(tr *trail.Trail, root Root, path string, token ids.LockToken, owner, comment string, expiration time.Time, steal bool) (*locks.Lock, error) {
	createdNode, err := f.NodeID(tr, root, path)
	if err != nil {
		return nil, err
	}
	kind, err := f.CheckPath(tr, root, path)
	if err != nil {
		return nil, err
	}
	if kind != noderev.KindFile {
		return nil, dag.ErrNotFile
	}
	createdRev, err := f.NodeCreatedRev(tr, createdNode)
	if err != nil {
		return nil, err
	}
	return f.Tree.Locks.Lock(tr, path, token, owner, comment, expiration, createdRev, root.Rev, steal)
}

// Unlock removes a lock (spec.md §6 "unlock").
func (f *FS) Unlock(tr *trail.Trail, path string, token ids.LockToken, brk bool) error {
	return f.Tree.Locks.Unlock(tr, path, token, brk)
}

// GetLock returns path's lock, if any (spec.md §6 "get_lock").
func (f *FS) GetLock(tr *trail.Trail, path string) (*locks.Lock, error) {
	return f.Tree.Locks.GetLock(tr, path)
}

// GetLocks enumerates locks at or beneath path (spec.md §6 "get_locks").
func (f *FS) GetLocks(tr *trail.Trail, path string, recurse bool, cb func(*locks.Lock) error) error {
	return f.Tree.Locks.GetLocks(tr, path, recurse, cb)
}
