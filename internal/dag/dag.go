// Package dag implements the DAG layer (spec.md §4.5): node handles over
// the node-revision store, directory-entry manipulation, copy-on-write
// representation sharing, and txn stabilization at commit.
package dag

import (
	"crypto/md5"
	"errors"
	"fmt"
	"sort"

	"github.com/dagfs/core/internal/copystore"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/noderev"
	"github.com/dagfs/core/internal/reps"
	"github.com/dagfs/core/internal/revstore"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/internal/txnstore"
)

// Dirent is one directory entry: the child's node-revision ID and kind,
// cached alongside the name so dir_entries never needs a child fetch.
type Dirent struct {
	ID   noderev.ID
	Kind noderev.Kind
}

// Handle is an opaque node handle (spec.md §4.5: "{fs, id, kind,
// cached-record?}"). The cached record is not retained across trails —
// spec.md §5's shared-resource policy requires record caches tied to a
// trail's lifetime, so Handle always re-reads within the trail it is
// used in.
type Handle struct {
	ID   noderev.ID
	Kind noderev.Kind
}

var (
	ErrNotFound      = errors.New("dag: not found")
	ErrNotDirectory  = errors.New("dag: not a directory")
	ErrNotFile       = errors.New("dag: not a file")
	ErrNotMutable    = errors.New("dag: not mutable in this transaction")
	ErrAlreadyExists = errors.New("dag: already exists")
	ErrNoEditStream  = errors.New("dag: no edit stream in progress")
	ErrChecksumMismatch = errors.New("dag: checksum mismatch")
	ErrNotALink      = errors.New("dag: source must be immutable for a history link")
)

// DAG wires together the node-revision, representation, copy, revision and
// transaction stores into the operations spec.md §4.5 names.
type DAG struct {
	Nodes *noderev.Store
	Reps  *reps.Store
	Copies *copystore.Store
	Txns  *txnstore.Store
	Revs  *revstore.Store
	Alloc *ids.Allocator
}

// New wires a DAG from its component stores.
func New(nodes *noderev.Store, repsStore *reps.Store, copies *copystore.Store, txns *txnstore.Store, revs *revstore.Store, alloc *ids.Allocator) *DAG {
	return &DAG{Nodes: nodes, Reps: repsStore, Copies: copies, Txns: txns, Revs: revs, Alloc: alloc}
}

func toHandle(id noderev.ID, rec *noderev.Record) *Handle {
	return &Handle{ID: id, Kind: rec.Kind}
}

// GetNode reads id's record and returns a handle.
func (d *DAG) GetNode(tr *trail.Trail, id noderev.ID) (*Handle, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, id)
	if err != nil {
		return nil, err
	}
	return toHandle(id, rec), nil
}

// InitFS creates revision 0, whose root is an empty directory node-revision
// "0.0.0", and records its creation-date property (spec.md §4.5).
func (d *DAG) InitFS(tr *trail.Trail, creationDate string) error {
	rootID := noderev.ID{Node: "0", Copy: ids.NoCopyID, Txn: "0"}
	rec := &noderev.Record{
		Kind:         noderev.KindDir,
		CreatedPath:  "/",
		CommittedRev: 0,
	}
	if err := d.Nodes.PutNodeRevision(tr, rootID, rec); err != nil {
		return err
	}
	return d.Revs.PutRevision(tr, 0, &revstore.Record{
		Root:  rootID,
		Props: map[string]string{"svn:date": creationDate},
	})
}

// RevisionRoot returns a handle for revision rev's root.
func (d *DAG) RevisionRoot(tr *trail.Trail, rev ids.Revision) (*Handle, error) {
	revRec, err := d.Revs.GetRevision(tr, rev)
	if err != nil {
		return nil, err
	}
	return d.GetNode(tr, revRec.Root)
}

// TxnRoot returns a handle for txn's current root.
func (d *DAG) TxnRoot(tr *trail.Trail, txn ids.TxnID) (*Handle, error) {
	txnRec, err := d.Txns.GetTransaction(tr, txn)
	if err != nil {
		return nil, err
	}
	return d.GetNode(tr, txnRec.Root)
}

// TxnBaseRoot returns a handle for txn's base-root (the root of its base
// revision, unaffected by any cloning that has happened inside the txn).
func (d *DAG) TxnBaseRoot(tr *trail.Trail, txn ids.TxnID) (*Handle, error) {
	txnRec, err := d.Txns.GetTransaction(tr, txn)
	if err != nil {
		return nil, err
	}
	return d.GetNode(tr, txnRec.BaseRoot)
}

// CloneRoot clones txn's root into a mutable successor on first write
// (spec.md §4.5 "clone_root"); a no-op returning the existing root if it
// has already been cloned.
func (d *DAG) CloneRoot(tr *trail.Trail, txn ids.TxnID) (*Handle, error) {
	txnRec, err := d.Txns.GetTransaction(tr, txn)
	if err != nil {
		return nil, err
	}
	if txnRec.Root != txnRec.BaseRoot {
		return d.GetNode(tr, txnRec.Root)
	}
	baseRec, err := d.Nodes.GetNodeRevision(tr, txnRec.BaseRoot)
	if err != nil {
		return nil, err
	}
	newID := noderev.NewSuccessorID(txnRec.BaseRoot, "", txn)
	newRec := successorRecord(baseRec, &txnRec.BaseRoot)
	if err := d.Nodes.PutNodeRevision(tr, newID, newRec); err != nil {
		return nil, err
	}
	if err := d.Txns.SetRoot(tr, txn, newID); err != nil {
		return nil, err
	}
	return toHandle(newID, newRec), nil
}

func successorRecord(old *noderev.Record, oldID *noderev.ID) *noderev.Record {
	count := old.PredecessorCount
	if count >= 0 {
		count++
	}
	return &noderev.Record{
		Kind:             old.Kind,
		Predecessor:      oldID,
		PredecessorCount: count,
		CreatedPath:      old.CreatedPath,
		CopyRoot:         old.CopyRoot,
		CommittedRev:     noderev.UncommittedRev,
		PropRep:          old.PropRep,
		DataRep:          old.DataRep,
	}
}

// readEntries parses dir's entries list. A directory with no data-rep yet
// (freshly created) has an empty entry set.
func (d *DAG) readEntries(tr *trail.Trail, dirID noderev.ID) (map[string]Dirent, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, dirID)
	if err != nil {
		return nil, err
	}
	if rec.Kind != noderev.KindDir {
		return nil, fmt.Errorf("dag: read entries of %s: %w", dirID, ErrNotDirectory)
	}
	if rec.DataRep == "" {
		return map[string]Dirent{}, nil
	}
	raw, err := d.Reps.RepContents(tr, rec.DataRep)
	if err != nil {
		return nil, err
	}
	return parseEntries(raw)
}

func parseEntries(raw []byte) (map[string]Dirent, error) {
	out := map[string]Dirent{}
	if len(raw) == 0 {
		return out, nil
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dag: corrupt entries list: %w", err)
	}
	for _, item := range sk.Items() {
		if !item.IsList() || item.Len() != 3 {
			return nil, fmt.Errorf("dag: corrupt entries list")
		}
		id, err := noderev.ParseID(item.At(2).Str())
		if err != nil {
			return nil, fmt.Errorf("dag: corrupt entries list: %w", err)
		}
		var kind noderev.Kind
		switch item.At(1).Str() {
		case "file":
			kind = noderev.KindFile
		case "dir":
			kind = noderev.KindDir
		default:
			return nil, fmt.Errorf("dag: corrupt entries list kind")
		}
		out[item.At(0).Str()] = Dirent{ID: id, Kind: kind}
	}
	return out, nil
}

func marshalEntries(entries map[string]Dirent) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]*skel.Skel, 0, len(names))
	for _, name := range names {
		e := entries[name]
		items = append(items, skel.List(skel.Atom(name), skel.Atom(e.Kind.String()), skel.Atom(e.ID.String())))
	}
	return skel.Unparse(skel.List(items...))
}

// writeEntries installs a fresh entries list for dir, obtaining a mutable
// data-rep first if the current one is absent or immutable (spec.md §4.5
// "set_entry").
func (d *DAG) writeEntries(tr *trail.Trail, dirID noderev.ID, entries map[string]Dirent) error {
	rec, err := d.Nodes.GetNodeRevision(tr, dirID)
	if err != nil {
		return err
	}
	mutableRep, err := d.Reps.GetMutableRep(tr, rec.DataRep)
	if err != nil {
		return err
	}
	if mutableRep != rec.DataRep {
		rec.DataRep = mutableRep
		if err := d.Nodes.PutNodeRevision(tr, dirID, rec); err != nil {
			return err
		}
	}
	if err := d.Reps.RepContentsClear(tr, mutableRep); err != nil {
		return err
	}
	return d.Reps.RepContentsWriteStream(tr, mutableRep, marshalEntries(entries))
}

// Open reads parent's directory entries and returns a handle for name.
func (d *DAG) Open(tr *trail.Trail, parent noderev.ID, name string) (*Handle, error) {
	entries, err := d.readEntries(tr, parent)
	if err != nil {
		return nil, err
	}
	e, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("dag: open %s: %w", name, ErrNotFound)
	}
	return d.GetNode(tr, e.ID)
}

// DirEntries returns dir's full entry set.
func (d *DAG) DirEntries(tr *trail.Trail, dir noderev.ID) (map[string]Dirent, error) {
	return d.readEntries(tr, dir)
}

// SetEntry installs name -> id in dir's entries list. dir must be mutable.
func (d *DAG) SetEntry(tr *trail.Trail, txn ids.TxnID, dir noderev.ID, name string, id noderev.ID, kind noderev.Kind) error {
	if !dir.IsMutableIn(txn) {
		return fmt.Errorf("dag: set entry %s: %w", name, ErrNotMutable)
	}
	entries, err := d.readEntries(tr, dir)
	if err != nil {
		return err
	}
	entries[name] = Dirent{ID: id, Kind: kind}
	return d.writeEntries(tr, dir, entries)
}

// deleteEntry removes name from dir's entries list.
func (d *DAG) deleteEntry(tr *trail.Trail, dir noderev.ID, name string) error {
	entries, err := d.readEntries(tr, dir)
	if err != nil {
		return err
	}
	delete(entries, name)
	return d.writeEntries(tr, dir, entries)
}

// CloneChild clones parent's child entry "name" into a mutable successor,
// computing its copy-ID per the inheritance decision the tree layer made
// (spec.md §4.5 "clone_child" and the copy-ID inheritance table).
func (d *DAG) CloneChild(tr *trail.Trail, txn ids.TxnID, parent noderev.ID, name string, copyID ids.CopyID) (*Handle, error) {
	if !parent.IsMutableIn(txn) {
		return nil, fmt.Errorf("dag: clone child %s: %w", name, ErrNotMutable)
	}
	entries, err := d.readEntries(tr, parent)
	if err != nil {
		return nil, err
	}
	child, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("dag: clone child %s: %w", name, ErrNotFound)
	}
	if child.ID.IsMutableIn(txn) {
		return d.GetNode(tr, child.ID)
	}
	oldRec, err := d.Nodes.GetNodeRevision(tr, child.ID)
	if err != nil {
		return nil, err
	}
	newID := noderev.NewSuccessorID(child.ID, copyID, txn)
	oldID := child.ID
	newRec := successorRecord(oldRec, &oldID)
	if err := d.Nodes.PutNodeRevision(tr, newID, newRec); err != nil {
		return nil, err
	}
	entries[name] = Dirent{ID: newID, Kind: oldRec.Kind}
	if err := d.writeEntries(tr, parent, entries); err != nil {
		return nil, err
	}
	return toHandle(newID, newRec), nil
}

// MakeFile and MakeDir allocate a new, empty node-revision and link it
// into parent under name (spec.md §4.5).
func (d *DAG) MakeFile(tr *trail.Trail, txn ids.TxnID, parent noderev.ID, name, createdPath string) (*Handle, error) {
	return d.makeNode(tr, txn, parent, name, createdPath, noderev.KindFile)
}

func (d *DAG) MakeDir(tr *trail.Trail, txn ids.TxnID, parent noderev.ID, name, createdPath string) (*Handle, error) {
	return d.makeNode(tr, txn, parent, name, createdPath, noderev.KindDir)
}

func (d *DAG) makeNode(tr *trail.Trail, txn ids.TxnID, parent noderev.ID, name, createdPath string, kind noderev.Kind) (*Handle, error) {
	if !parent.IsMutableIn(txn) {
		return nil, fmt.Errorf("dag: make %s: %w", name, ErrNotMutable)
	}
	entries, err := d.readEntries(tr, parent)
	if err != nil {
		return nil, err
	}
	if _, exists := entries[name]; exists {
		return nil, fmt.Errorf("dag: make %s: %w", name, ErrAlreadyExists)
	}
	newID, err := noderev.NewNodeID(d.Alloc, ids.NoCopyID, txn)
	if err != nil {
		return nil, err
	}
	rec := &noderev.Record{Kind: kind, CreatedPath: createdPath, CommittedRev: noderev.UncommittedRev}
	if err := d.Nodes.PutNodeRevision(tr, newID, rec); err != nil {
		return nil, err
	}
	entries[name] = Dirent{ID: newID, Kind: kind}
	if err := d.writeEntries(tr, parent, entries); err != nil {
		return nil, err
	}
	return toHandle(newID, rec), nil
}

// Delete unlinks name from parent, recursively deleting any mutable
// descendants and their mutable reps (spec.md §4.5 "delete").
func (d *DAG) Delete(tr *trail.Trail, txn ids.TxnID, parent noderev.ID, name string) error {
	if !parent.IsMutableIn(txn) {
		return fmt.Errorf("dag: delete %s: %w", name, ErrNotMutable)
	}
	entries, err := d.readEntries(tr, parent)
	if err != nil {
		return err
	}
	child, ok := entries[name]
	if !ok {
		return fmt.Errorf("dag: delete %s: %w", name, ErrNotFound)
	}
	if child.ID.IsMutableIn(txn) {
		if err := d.deleteMutableSubtree(tr, txn, child.ID); err != nil {
			return err
		}
	}
	delete(entries, name)
	return d.writeEntries(tr, parent, entries)
}

func (d *DAG) deleteMutableSubtree(tr *trail.Trail, txn ids.TxnID, id noderev.ID) error {
	rec, err := d.Nodes.GetNodeRevision(tr, id)
	if err != nil {
		return err
	}
	if rec.Kind == noderev.KindDir && rec.DataRep != "" {
		children, err := d.readEntries(tr, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.ID.IsMutableIn(txn) {
				if err := d.deleteMutableSubtree(tr, txn, c.ID); err != nil {
					return err
				}
			}
		}
	}
	if err := d.Reps.DeleteRepIfMutable(tr, rec.PropRep); err != nil {
		return err
	}
	if err := d.Reps.DeleteRepIfMutable(tr, rec.DataRep); err != nil {
		return err
	}
	if rec.EditDataRep != "" {
		if err := d.Reps.DeleteRepIfMutable(tr, rec.EditDataRep); err != nil {
			return err
		}
	}
	return d.Nodes.DeleteNodesEntry(tr, id)
}

// GetContents returns file's full data bytes (spec.md §4.5
// "get_contents" — simplified to whole-buffer rather than a stream, same
// simplification reps.RepContents already makes for rep_contents).
func (d *DAG) GetContents(tr *trail.Trail, file noderev.ID) ([]byte, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, file)
	if err != nil {
		return nil, err
	}
	if rec.Kind != noderev.KindFile {
		return nil, fmt.Errorf("dag: get contents %s: %w", file, ErrNotFile)
	}
	if rec.DataRep == "" {
		return nil, nil
	}
	return d.Reps.RepContents(tr, rec.DataRep)
}

// GetEditStream destroys any prior in-progress edit and allocates a fresh
// mutable fulltext edit rep, returning its ID to write into (spec.md §4.5
// "get_edit_stream").
func (d *DAG) GetEditStream(tr *trail.Trail, txn ids.TxnID, file noderev.ID) (ids.RepID, error) {
	if !file.IsMutableIn(txn) {
		return "", fmt.Errorf("dag: get edit stream %s: %w", file, ErrNotMutable)
	}
	rec, err := d.Nodes.GetNodeRevision(tr, file)
	if err != nil {
		return "", err
	}
	if rec.Kind != noderev.KindFile {
		return "", fmt.Errorf("dag: get edit stream %s: %w", file, ErrNotFile)
	}
	if rec.EditDataRep != "" {
		if err := d.Reps.DeleteRepIfMutable(tr, rec.EditDataRep); err != nil {
			return "", err
		}
	}
	editRep, err := d.Reps.GetMutableRep(tr, "")
	if err != nil {
		return "", err
	}
	rec.EditDataRep = editRep
	if err := d.Nodes.PutNodeRevision(tr, file, rec); err != nil {
		return "", err
	}
	return editRep, nil
}

// WriteEditStream appends data to file's in-progress edit rep.
func (d *DAG) WriteEditStream(tr *trail.Trail, editRep ids.RepID, data []byte) error {
	return d.Reps.RepContentsWriteStream(tr, editRep, data)
}

// FinalizeEdits moves the edit-data-rep into the data-rep slot, discarding
// the old data-rep, and validates md5 if supplied (spec.md §4.5
// "finalize_edits").
func (d *DAG) FinalizeEdits(tr *trail.Trail, file noderev.ID, expectedMD5 *[16]byte) error {
	rec, err := d.Nodes.GetNodeRevision(tr, file)
	if err != nil {
		return err
	}
	if rec.EditDataRep == "" {
		return fmt.Errorf("dag: finalize edits %s: %w", file, ErrNoEditStream)
	}
	if expectedMD5 != nil {
		content, err := d.Reps.RepContents(tr, rec.EditDataRep)
		if err != nil {
			return err
		}
		if got := md5.Sum(content); got != *expectedMD5 {
			return fmt.Errorf("dag: finalize edits %s: %w", file, ErrChecksumMismatch)
		}
	}
	oldData := rec.DataRep
	rec.DataRep = rec.EditDataRep
	rec.EditDataRep = ""
	if err := d.Nodes.PutNodeRevision(tr, file, rec); err != nil {
		return err
	}
	if oldData != "" {
		if err := d.Reps.DeleteRepIfMutable(tr, oldData); err != nil {
			return err
		}
	}
	return nil
}

// FileLength returns file's data-rep size.
func (d *DAG) FileLength(tr *trail.Trail, file noderev.ID) (int64, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, file)
	if err != nil {
		return 0, err
	}
	if rec.DataRep == "" {
		return 0, nil
	}
	return d.Reps.RepContentsSize(tr, rec.DataRep)
}

// FileMD5 returns the MD5 checksum of file's full contents.
func (d *DAG) FileMD5(tr *trail.Trail, file noderev.ID) ([16]byte, error) {
	content, err := d.GetContents(tr, file)
	if err != nil {
		return [16]byte{}, err
	}
	return md5.Sum(content), nil
}

// Copy installs from_node at to_dir[entry]. With preserve_history it mints
// a brand-new node-revision recording the copy-root and a fresh real copy
// record; without, it installs from_node directly as a history "link",
// which requires from_node to be immutable (spec.md §4.5 "copy"). destPath
// is the full path of to_dir[entry] (distinct from from_path, the copy's
// source) — it becomes the new node-revision's created-path, which the
// history engine relies on to report the path a node-revision actually
// lived at.
func (d *DAG) Copy(tr *trail.Trail, txn ids.TxnID, toDir noderev.ID, entry string, fromNode noderev.ID, preserveHistory bool, fromRev ids.Revision, fromPath, destPath string) error {
	if !toDir.IsMutableIn(txn) {
		return fmt.Errorf("dag: copy to %s: %w", entry, ErrNotMutable)
	}
	entries, err := d.readEntries(tr, toDir)
	if err != nil {
		return err
	}
	if !preserveHistory {
		if fromNode.IsMutableIn(txn) {
			return fmt.Errorf("dag: copy to %s: %w", entry, ErrNotALink)
		}
		fromRec, err := d.Nodes.GetNodeRevision(tr, fromNode)
		if err != nil {
			return err
		}
		entries[entry] = Dirent{ID: fromNode, Kind: fromRec.Kind}
		return d.writeEntries(tr, toDir, entries)
	}

	fromRec, err := d.Nodes.GetNodeRevision(tr, fromNode)
	if err != nil {
		return err
	}
	copyID, err := d.Alloc.NextCopyID()
	if err != nil {
		return err
	}
	newID, err := noderev.NewNodeID(d.Alloc, copyID, txn)
	if err != nil {
		return err
	}
	count := fromRec.PredecessorCount
	if count >= 0 {
		count++
	}
	newRec := &noderev.Record{
		Kind:             fromRec.Kind,
		Predecessor:      &fromNode,
		PredecessorCount: count,
		CreatedPath:      destPath,
		CopyRoot:         &noderev.CopyRoot{Rev: fromRev, Path: fromPath},
		CommittedRev:     noderev.UncommittedRev,
		PropRep:          fromRec.PropRep,
		DataRep:          fromRec.DataRep,
	}
	if err := d.Nodes.PutNodeRevision(tr, newID, newRec); err != nil {
		return err
	}
	if err := d.Copies.PutCopy(tr, copyID, &copystore.Record{
		Kind:       copystore.KindReal,
		SrcPath:    fromPath,
		SrcTxn:     fromNode.Txn,
		DstNodeRev: newID,
	}); err != nil {
		return err
	}
	if err := d.Txns.AddCopyID(tr, txn, copyID); err != nil {
		return err
	}
	entries[entry] = Dirent{ID: newID, Kind: newRec.Kind}
	return d.writeEntries(tr, toDir, entries)
}

// CopiedFrom reads node's copy-root fields, if any.
func (d *DAG) CopiedFrom(tr *trail.Trail, node noderev.ID) (*noderev.CopyRoot, error) {
	rec, err := d.Nodes.GetNodeRevision(tr, node)
	if err != nil {
		return nil, err
	}
	return rec.CopyRoot, nil
}
