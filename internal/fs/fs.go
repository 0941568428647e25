// Package fs wires the DAG, tree, changes, history and locks layers into
// the authoritative operation surface spec.md §6 lists as what "the tree
// layer exposes to external callers": open_fs/create_fs, revision and txn
// roots, path resolution, directory/file/property mutation, history
// traversal, locking, and the deltify_revision maintenance operation.
//
// Every method takes a *trail.Trail supplied by the caller via
// trail.RetryTxn, exactly like every lower layer in this module — fs adds
// no transaction management of its own, only composition.
package fs

import (
	"fmt"

	"github.com/dagfs/core/internal/changes"
	"github.com/dagfs/core/internal/copystore"
	"github.com/dagfs/core/internal/dag"
	"github.com/dagfs/core/internal/history"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/locks"
	"github.com/dagfs/core/internal/merge"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/reps"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/strpool"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/internal/tree"
	"github.com/dagfs/core/internal/txnstore"
)

// FS is a single open repository.
type FS struct {
	DB      *kv.DB
	Tree    *tree.Tree
	Changes *changes.Store

	strs  *strpool.Store
	reps  *reps.Store
	alloc *ids.Allocator
}

// Root is either a revision root or a txn root (spec.md §6 "revision_root"
// / "txn_root"): a resolved node-revision ID for "/" plus enough context to
// tell which kind it is.
type Root struct {
	ID  noderev.ID
	Rev ids.Revision // meaningful only if Txn == ""
	Txn ids.TxnID    // empty for a revision root
}

func (r Root) IsTxn() bool { return r.Txn != "" }

// Open wires a new FS over db, which must already contain a repository
// created by Create (or be freshly empty, in which case the caller should
// call Create before using the FS).
func Open(db *kv.DB) (*FS, error) {
	strs, err := strpool.Open(db)
	if err != nil {
		return nil, fmt.Errorf("fs: open: %w", err)
	}
	repsStore, err := reps.Open(db, strs)
	if err != nil {
		return nil, fmt.Errorf("fs: open: %w", err)
	}
	alloc, err := ids.NewAllocator(db)
	if err != nil {
		return nil, fmt.Errorf("fs: open: %w", err)
	}

	d := dag.New(noderev.Open(), repsStore, copystore.Open(), txnstore.Open(), revstore.Open(), alloc)
	m := merge.New(d)
	t := tree.New(d, m, txnstore.Open(), revstore.Open(), copystore.Open(), locks.Open(), alloc)

	return &FS{DB: db, Tree: t, Changes: changes.Open(), strs: strs, reps: repsStore, alloc: alloc}, nil
}

// Close releases the FS's own sequence handles. It does not close db; the
// caller opened it and owns its lifetime.
func (f *FS) Close() {
	f.strs.Close()
	f.reps.Close()
	f.alloc.Close()
}

// Create initializes a fresh repository: an empty root directory at
// revision 0 (spec.md §6 "create_fs").
func (f *FS) Create(tr *trail.Trail, creationDate string) error {
	return f.Tree.DAG.InitFS(tr, creationDate)
}

// YoungestRev returns the highest committed revision (spec.md §6
// "youngest_rev").
func (f *FS) YoungestRev(tr *trail.Trail) (ids.Revision, error) {
	return f.Tree.YoungestRev(tr)
}

// RevisionRoot resolves rev's root (spec.md §6 "revision_root").
func (f *FS) RevisionRoot(tr *trail.Trail, rev ids.Revision) (Root, error) {
	h, err := f.Tree.DAG.RevisionRoot(tr, rev)
	if err != nil {
		return Root{}, err
	}
	return Root{ID: h.ID, Rev: rev}, nil
}

// TxnRoot resolves txn's current (possibly still base, unmodified) root
// (spec.md §6 "txn_root").
func (f *FS) TxnRoot(tr *trail.Trail, txn ids.TxnID) (Root, error) {
	h, err := f.Tree.DAG.TxnRoot(tr, txn)
	if err != nil {
		return Root{}, err
	}
	return Root{ID: h.ID, Txn: txn}, nil
}

// BeginTxn opens a new transaction based on baseRev (spec.md §6
// "begin_txn").
func (f *FS) BeginTxn(tr *trail.Trail, baseRev ids.Revision) (ids.TxnID, error) {
	return f.Tree.BeginTxn(tr, baseRev)
}

// CommitTxn merges and commits txn, retrying against intervening revisions
// as needed, and returns the new revision number (spec.md §6 "commit_txn").
func (f *FS) CommitTxn(tr *trail.Trail, txn ids.TxnID) (ids.Revision, error) {
	return f.Tree.CommitTxn(tr, f.Changes, txn)
}

// AbortTxn discards txn without committing (spec.md §6 "abort_txn").
func (f *FS) AbortTxn(tr *trail.Trail, txn ids.TxnID) error {
	return f.Tree.AbortTxn(tr, txn)
}

// CheckPath resolves path under root and reports its kind, or
// tree.ErrNotFound (spec.md §6 "check_path").
func (f *FS) CheckPath(tr *trail.Trail, root Root, path string) (noderev.Kind, error) {
	return f.Tree.CheckPath(tr, root.ID, path)
}

// NodeID resolves path under root to its node-revision ID (spec.md §6
// "node_id").
func (f *FS) NodeID(tr *trail.Trail, root Root, path string) (noderev.ID, error) {
	if path == "" || path == "/" {
		return root.ID, nil
	}
	entries, err := f.Tree.ParentPath(tr, root.ID, path, false)
	if err != nil {
		return noderev.ID{}, err
	}
	return entries[len(entries)-1].Node, nil
}

// NodeCreatedRev returns the revision a node-revision was created at
// (spec.md §6 "node_created_rev").
func (f *FS) NodeCreatedRev(tr *trail.Trail, node noderev.ID) (ids.Revision, error) {
	rec, err := f.Tree.DAG.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return 0, err
	}
	return rec.CommittedRev, nil
}

// NodeCreatedPath returns the path a node-revision was created at (spec.md
// §6 "node_created_path").
func (f *FS) NodeCreatedPath(tr *trail.Trail, node noderev.ID) (string, error) {
	rec, err := f.Tree.DAG.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return "", err
	}
	return rec.CreatedPath, nil
}

// DirEntries returns dir's entry set (spec.md §6 "dir_entries").
func (f *FS) DirEntries(tr *trail.Trail, dir noderev.ID) (map[string]dag.Dirent, error) {
	return f.Tree.DAG.DirEntries(tr, dir)
}

// FileLength returns file's byte length (spec.md §6 "file_length").
func (f *FS) FileLength(tr *trail.Trail, file noderev.ID) (int64, error) {
	return f.Tree.DAG.FileLength(tr, file)
}

// FileMD5Checksum returns file's content MD5 (spec.md §6
// "file_md5_checksum").
func (f *FS) FileMD5Checksum(tr *trail.Trail, file noderev.ID) ([16]byte, error) {
	return f.Tree.DAG.FileMD5(tr, file)
}

// FileContents returns file's full contents (spec.md §6 "file_contents").
func (f *FS) FileContents(tr *trail.Trail, file noderev.ID) ([]byte, error) {
	return f.Tree.DAG.GetContents(tr, file)
}

// PathsChanged returns rev's coalesced change summary (spec.md §6
// "paths_changed").
func (f *FS) PathsChanged(tr *trail.Trail, rev ids.Revision) (map[string]changes.Record, error) {
	return f.Changes.PathsChanged(tr, rev)
}

// NodeHistory begins a history walk for path as it existed under root
// (spec.md §6 "node_history"). root must be a revision root: history is
// only meaningful over committed state.
func (f *FS) NodeHistory(root Root, path string, crossCopies bool) *history.History {
	return history.NodeHistory(f.Tree, path, root.Rev, crossCopies)
}

// HistoryLocation resolves the (path, rev) a node-revision was created at
// (spec.md §6 "history_location").
func (f *FS) HistoryLocation(tr *trail.Trail, node noderev.ID) (history.Location, error) {
	return history.HistoryLocation(tr, f.Tree, node)
}

// DeltifyRevision re-offers every path changed in rev for skip-delta
// deltification (spec.md §12 "deltify_revision").
func (f *FS) DeltifyRevision(tr *trail.Trail, rev ids.Revision) error {
	summary, err := f.Changes.PathsChanged(tr, rev)
	if err != nil {
		return err
	}
	for _, rec := range summary {
		if rec.Kind == changes.KindDelete {
			continue
		}
		if err := f.Tree.DAG.DeltifyRevisionNode(tr, rec.NodeRev); err != nil {
			return fmt.Errorf("fs: deltify revision %d path %s: %w", rev, rec.Path, err)
		}
	}
	return nil
}

// PathCacheLen exposes the tree layer's parent-path cache size, for tests
// and diagnostics (spec.md §5 "caches attached to long-lived objects").
func (f *FS) PathCacheLen() int { return f.Tree.PathCache.Len() }
