// Package reps implements the representation store (spec.md §4.3): the
// indirection between a node-revision's property or data slot and its
// substrate bytes, either a fulltext pointing at one string or a chain of
// delta windows over other representations.
//
// Grounded on the teacher's badger.go/badger_serialization.go pairing of a
// typed record with explicit (de)serialize functions, retargeted from
// JSON-encoded graph nodes to skel-encoded representation records
// (spec.md §6).
package reps

import (
	"crypto/md5"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dagfs/core/internal/delta"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/skel"
	"github.com/dagfs/core/internal/strpool"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/pkg/cache"
)

// Kind distinguishes a fulltext representation from a delta one.
type Kind int

const (
	KindFulltext Kind = iota
	KindDelta
)

// Window is one entry of a delta representation's window list: a target
// byte range reconstructed by applying svndiff instructions (held in
// StringID) against SourceRep (spec.md §3, §6).
type Window struct {
	TargetOffset int64
	TargetLength int64
	SourceRep    ids.RepID
	MD5          [16]byte
	StringID     ids.StringID
}

// Rep is one representation record.
type Rep struct {
	Kind    Kind
	Mutable bool

	// Fulltext only.
	StringID ids.StringID

	// Delta only, ordered by TargetOffset.
	Windows []Window
}

var (
	ErrNotFound       = errors.New("reps: not found")
	ErrNotMutable     = errors.New("reps: representation is not mutable")
	ErrDeltifyRefused = errors.New("reps: deltification refused: not smaller than current storage")
	ErrSameRep        = errors.New("reps: target and source are the same representation")
	ErrCorrupt        = errors.New("reps: corrupt representation record")
)

// Store is the representation table, backed by a string store for substrate
// bytes.
type Store struct {
	seq     *kv.Sequence
	strings *strpool.Store

	// contents caches reconstructed fulltext for immutable reps, so that
	// RepContents doesn't re-walk a skip-delta chain on every read of a
	// node-revision deep in one (spec.md §4.7). Only immutable reps are
	// ever inserted: a mutable rep's bytes can still change underneath a
	// cached entry.
	contents *cache.RepCache
}

// Open prepares the representation store's ID sequence.
func Open(db *kv.DB, strings *strpool.Store) (*Store, error) {
	seq, err := db.Sequence("rep-id", 1)
	if err != nil {
		return nil, fmt.Errorf("reps: open: %w", err)
	}
	return &Store{seq: seq, strings: strings, contents: cache.NewRepCache(4096, 10*time.Minute)}, nil
}

// Close releases the store's ID sequence.
func (s *Store) Close() { _ = s.seq.Release() }

func repToSkel(r *Rep) *skel.Skel {
	mutAtom := []*skel.Skel{skel.Atom(kindName(r.Kind))}
	if r.Mutable {
		mutAtom = append(mutAtom, skel.Atom("mutable"))
	}
	header := skel.List(mutAtom...)

	if r.Kind == KindFulltext {
		return skel.List(header, skel.Atom(string(r.StringID)))
	}
	items := []*skel.Skel{header}
	for _, w := range r.Windows {
		items = append(items, skel.List(
			skel.Atom(fmt.Sprintf("%d", w.TargetOffset)),
			skel.List(
				skel.Atom(fmt.Sprintf("%d", w.TargetLength)),
				skel.List(skel.Atom("md5"), skel.AtomBytes(w.MD5[:])),
				skel.Atom(string(w.SourceRep)),
				skel.List(skel.Atom("svndiff"), skel.Atom(string(w.StringID))),
			),
		))
	}
	return skel.List(items...)
}

func kindName(k Kind) string {
	if k == KindFulltext {
		return "fulltext"
	}
	return "delta"
}

func repFromSkel(s *skel.Skel) (*Rep, error) {
	if !s.IsList() || s.Len() < 1 {
		return nil, ErrCorrupt
	}
	header := s.At(0)
	if !header.IsList() || header.Len() < 1 {
		return nil, ErrCorrupt
	}
	kindStr := header.At(0).Str()
	mutable := header.Len() > 1 && header.At(1).Str() == "mutable"

	switch kindStr {
	case "fulltext":
		if s.Len() != 2 {
			return nil, ErrCorrupt
		}
		return &Rep{Kind: KindFulltext, Mutable: mutable, StringID: ids.StringID(s.At(1).Str())}, nil
	case "delta":
		windows := make([]Window, 0, s.Len()-1)
		for i := 1; i < s.Len(); i++ {
			item := s.At(i)
			if !item.IsList() || item.Len() != 2 {
				return nil, ErrCorrupt
			}
			offset := item.At(0).Str()
			body := item.At(1)
			if !body.IsList() || body.Len() != 4 {
				return nil, ErrCorrupt
			}
			length := body.At(0).Str()
			md5Skel := body.At(1)
			if !md5Skel.IsList() || md5Skel.Len() != 2 || md5Skel.At(0).Str() != "md5" {
				return nil, ErrCorrupt
			}
			var sum [16]byte
			copy(sum[:], md5Skel.At(1).AtomBytes())
			sourceRep := body.At(2).Str()
			svndiffSkel := body.At(3)
			if !svndiffSkel.IsList() || svndiffSkel.Len() != 2 || svndiffSkel.At(0).Str() != "svndiff" {
				return nil, ErrCorrupt
			}
			var off, ln int64
			if _, err := fmt.Sscanf(offset, "%d", &off); err != nil {
				return nil, ErrCorrupt
			}
			if _, err := fmt.Sscanf(length, "%d", &ln); err != nil {
				return nil, ErrCorrupt
			}
			windows = append(windows, Window{
				TargetOffset: off,
				TargetLength: ln,
				SourceRep:    ids.RepID(sourceRep),
				MD5:          sum,
				StringID:     ids.StringID(svndiffSkel.At(1).Str()),
			})
		}
		return &Rep{Kind: KindDelta, Mutable: mutable, Windows: windows}, nil
	default:
		return nil, ErrCorrupt
	}
}

// ReadRep fetches and decodes the representation record for id.
func (s *Store) ReadRep(tr *trail.Trail, id ids.RepID) (*Rep, error) {
	raw, err := tr.Txn().Get(kv.TableReps, []byte(id))
	if err != nil {
		if err == kv.ErrKeyNotFound {
			return nil, fmt.Errorf("reps: read %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reps: read: %w", err)
	}
	sk, err := skel.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("reps: read %s: %w", id, err)
	}
	rep, err := repFromSkel(sk)
	if err != nil {
		return nil, fmt.Errorf("reps: read %s: %w", id, err)
	}
	return rep, nil
}

// WriteRep overwrites the record for an existing rep ID.
func (s *Store) WriteRep(tr *trail.Trail, id ids.RepID, rep *Rep) error {
	if err := tr.Txn().Set(kv.TableReps, []byte(id), skel.Unparse(repToSkel(rep))); err != nil {
		return fmt.Errorf("reps: write: %w", err)
	}
	return nil
}

// WriteNewRep allocates a fresh rep ID and stores rep under it.
func (s *Store) WriteNewRep(tr *trail.Trail, rep *Rep) (ids.RepID, error) {
	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("reps: allocate id: %w", err)
	}
	id := ids.RepID(fmt.Sprintf("r%x", n+1))
	if err := s.WriteRep(tr, id, rep); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteRep removes the rep record without touching its substrate strings.
func (s *Store) DeleteRep(tr *trail.Trail, id ids.RepID) error {
	if err := tr.Txn().Delete(kv.TableReps, []byte(id)); err != nil {
		return fmt.Errorf("reps: delete: %w", err)
	}
	return nil
}

// RepContentsSize returns the reconstructed byte length of id without
// materializing it: the string's size for a fulltext, or the highest
// target-offset+target-length over the window list for a delta.
func (s *Store) RepContentsSize(tr *trail.Trail, id ids.RepID) (int64, error) {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return 0, err
	}
	if rep.Kind == KindFulltext {
		return s.strings.Size(tr, rep.StringID)
	}
	var max int64
	for _, w := range rep.Windows {
		if end := w.TargetOffset + w.TargetLength; end > max {
			max = end
		}
	}
	return max, nil
}

// RepContents reconstructs the full bytes of id.
//
// For a delta, this recursively reconstructs each window's source rep in
// full before replaying the window's instructions — the "simple
// implementation" spec.md §4.3 calls out explicitly, at the cost of
// re-reading shared source ranges once per window that references them.
func (s *Store) RepContents(tr *trail.Trail, id ids.RepID) ([]byte, error) {
	if cached, ok := s.contents.Get(string(id)); ok {
		return cached, nil
	}
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return nil, err
	}
	data, err := s.repContents(tr, rep)
	if err != nil {
		return nil, err
	}
	if !rep.Mutable {
		s.contents.Put(string(id), data)
	}
	return data, nil
}

func (s *Store) repContents(tr *trail.Trail, rep *Rep) ([]byte, error) {
	if rep.Kind == KindFulltext {
		size, err := s.strings.Size(tr, rep.StringID)
		if err != nil {
			return nil, err
		}
		return s.strings.Read(tr, rep.StringID, 0, size)
	}

	windows := make([]Window, len(rep.Windows))
	copy(windows, rep.Windows)
	sort.Slice(windows, func(i, j int) bool { return windows[i].TargetOffset < windows[j].TargetOffset })

	var total int64
	for _, w := range windows {
		if end := w.TargetOffset + w.TargetLength; end > total {
			total = end
		}
	}
	out := make([]byte, total)

	for _, w := range windows {
		srcBytes, err := s.RepContents(tr, w.SourceRep)
		if err != nil {
			return nil, fmt.Errorf("reps: reconstruct source %s: %w", w.SourceRep, err)
		}
		winSize, err := s.strings.Size(tr, w.StringID)
		if err != nil {
			return nil, err
		}
		encoded, err := s.strings.Read(tr, w.StringID, 0, winSize)
		if err != nil {
			return nil, err
		}
		win, err := delta.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("reps: decode window: %w", err)
		}
		produced, err := delta.Apply(srcBytes, []delta.Window{win})
		if err != nil {
			return nil, fmt.Errorf("reps: apply window: %w", err)
		}
		if got := md5.Sum(produced); got != w.MD5 {
			return nil, fmt.Errorf("reps: window md5 mismatch for target offset %d: %w", w.TargetOffset, ErrCorrupt)
		}
		copy(out[w.TargetOffset:w.TargetOffset+w.TargetLength], produced)
	}
	return out, nil
}

// RepContentsWriteStream appends data to the mutable fulltext rep id.
// id must name a mutable fulltext representation.
func (s *Store) RepContentsWriteStream(tr *trail.Trail, id ids.RepID, data []byte) error {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return err
	}
	if !rep.Mutable || rep.Kind != KindFulltext {
		return fmt.Errorf("reps: write stream %s: %w", id, ErrNotMutable)
	}
	return s.strings.Append(tr, rep.StringID, data)
}

// RepContentsClear empties a mutable fulltext rep's contents, or (in the
// tolerated-but-unexpected case of a mutable delta) replaces it with an
// empty fulltext and deletes its substrate strings — spec.md §4.3 notes
// mutable deltas are not normally reachable in this core.
func (s *Store) RepContentsClear(tr *trail.Trail, id ids.RepID) error {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return err
	}
	if !rep.Mutable {
		return fmt.Errorf("reps: clear %s: %w", id, ErrNotMutable)
	}
	if rep.Kind == KindFulltext {
		return s.strings.Clear(tr, rep.StringID)
	}
	for _, w := range rep.Windows {
		_ = s.strings.Delete(tr, w.StringID)
	}
	newStr, err := s.strings.New(tr)
	if err != nil {
		return err
	}
	return s.WriteRep(tr, id, &Rep{Kind: KindFulltext, Mutable: true, StringID: newStr})
}

// GetMutableRep returns id unchanged if it already names a mutable rep,
// deep-copies an immutable rep into a fresh mutable fulltext, or allocates a
// brand-new empty mutable fulltext if id is empty — the copy-on-write
// primitive behind property and directory-entry mutation (spec.md §4.3).
func (s *Store) GetMutableRep(tr *trail.Trail, id ids.RepID) (ids.RepID, error) {
	if id == "" {
		newStr, err := s.strings.New(tr)
		if err != nil {
			return "", err
		}
		return s.WriteNewRep(tr, &Rep{Kind: KindFulltext, Mutable: true, StringID: newStr})
	}

	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return "", err
	}
	if rep.Mutable {
		return id, nil
	}

	contents, err := s.repContents(tr, rep)
	if err != nil {
		return "", err
	}
	newStr, err := s.strings.New(tr)
	if err != nil {
		return "", err
	}
	if len(contents) > 0 {
		if err := s.strings.Append(tr, newStr, contents); err != nil {
			return "", err
		}
	}
	return s.WriteNewRep(tr, &Rep{Kind: KindFulltext, Mutable: true, StringID: newStr})
}

// MakeRepImmutable clears the mutable flag on id. It is a no-op if id is
// already immutable.
func (s *Store) MakeRepImmutable(tr *trail.Trail, id ids.RepID) error {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return err
	}
	if !rep.Mutable {
		return nil
	}
	rep.Mutable = false
	return s.WriteRep(tr, id, rep)
}

// DeleteRepIfMutable deletes id and its substrate strings if it is mutable,
// and is a no-op otherwise (immutable reps may be shared by other
// node-revisions — spec.md §3, "Ownership").
func (s *Store) DeleteRepIfMutable(tr *trail.Trail, id ids.RepID) error {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !rep.Mutable {
		return nil
	}
	if rep.Kind == KindFulltext {
		if err := s.strings.Delete(tr, rep.StringID); err != nil {
			return err
		}
	} else {
		for _, w := range rep.Windows {
			_ = s.strings.Delete(tr, w.StringID)
		}
	}
	return s.DeleteRep(tr, id)
}

func (s *Store) storageSize(tr *trail.Trail, rep *Rep) (int64, error) {
	if rep.Kind == KindFulltext {
		return s.strings.Size(tr, rep.StringID)
	}
	var total int64
	for _, w := range rep.Windows {
		n, err := s.strings.Size(tr, w.StringID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// RepDeltify re-expresses the immutable representation target as a delta
// against the immutable representation source, provided doing so strictly
// shrinks storage (spec.md §4.3). It refuses (returning ErrDeltifyRefused)
// when the new delta encoding would not be smaller, and refuses
// (ErrSameRep) when target == source.
//
// Re-encoding never changes the bytes reconstructed for target's ID, only
// how they're stored, so an entry already cached in Store.contents under
// target stays valid across this call.
func (s *Store) RepDeltify(tr *trail.Trail, target, source ids.RepID) error {
	if target == source {
		return ErrSameRep
	}
	targetRep, err := s.ReadRep(tr, target)
	if err != nil {
		return err
	}
	if targetRep.Mutable {
		return fmt.Errorf("reps: deltify %s: %w", target, ErrNotMutable)
	}

	targetBytes, err := s.repContents(tr, targetRep)
	if err != nil {
		return err
	}
	sourceBytes, err := s.RepContents(tr, source)
	if err != nil {
		return err
	}

	oldSize, err := s.storageSize(tr, targetRep)
	if err != nil {
		return err
	}

	windows, err := delta.Diff(sourceBytes, targetBytes)
	if err != nil {
		return err
	}
	sum := md5.Sum(targetBytes)

	newWindows := make([]Window, 0, len(windows))
	var newSize int64
	for _, w := range windows {
		encoded := delta.Encode(w)
		newSize += int64(len(encoded))
		strID, err := s.strings.New(tr)
		if err != nil {
			return err
		}
		if err := s.strings.Append(tr, strID, encoded); err != nil {
			return err
		}
		newWindows = append(newWindows, Window{
			TargetOffset: 0,
			TargetLength: int64(len(targetBytes)),
			SourceRep:    source,
			MD5:          sum,
			StringID:     strID,
		})
		_ = w // only one window in this core's simplified delta library
	}

	if newSize >= oldSize {
		for _, nw := range newWindows {
			_ = s.strings.Delete(tr, nw.StringID)
		}
		return ErrDeltifyRefused
	}

	if targetRep.Kind == KindFulltext {
		if err := s.strings.Delete(tr, targetRep.StringID); err != nil {
			return err
		}
	} else {
		for _, w := range targetRep.Windows {
			_ = s.strings.Delete(tr, w.StringID)
		}
	}

	return s.WriteRep(tr, target, &Rep{Kind: KindDelta, Mutable: false, Windows: newWindows})
}

// RepUndeltify replaces a delta representation with an equivalent fulltext,
// the reverse of RepDeltify.
func (s *Store) RepUndeltify(tr *trail.Trail, id ids.RepID) error {
	rep, err := s.ReadRep(tr, id)
	if err != nil {
		return err
	}
	if rep.Kind != KindDelta {
		return nil
	}
	bytes, err := s.repContents(tr, rep)
	if err != nil {
		return err
	}
	newStr, err := s.strings.New(tr)
	if err != nil {
		return err
	}
	if len(bytes) > 0 {
		if err := s.strings.Append(tr, newStr, bytes); err != nil {
			return err
		}
	}
	for _, w := range rep.Windows {
		_ = s.strings.Delete(tr, w.StringID)
	}
	return s.WriteRep(tr, id, &Rep{Kind: KindFulltext, Mutable: false, StringID: newStr})
}
