// Package delta provides the svndiff-style delta library spec.md §1 names
// as an external collaborator invoked abstractly: "diff(src,tgt)→window
// stream" and "apply(src,window)→tgt". The byte-level diff algorithm itself
// is explicitly out of scope for the core (spec.md §1); what lives here is a
// minimal, self-contained stand-in so the representation layer (internal/reps)
// has something real to call, grounded in the domain stack's choice of
// golang.org/x/crypto/blake2b as the fixed-size block hash (SPEC_FULL.md §11)
// in place of the external vdelta/xdelta library the original links against.
//
// A Window describes one svndiff window per spec.md §6: a target byte range
// built from instructions that copy from the source, copy from bytes
// already emitted earlier in this same window's target (for run-length
// repeats), or copy literal bytes out of the window's own new-data segment.
package delta

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Op identifies one svndiff instruction kind (spec.md §6).
type Op byte

const (
	OpCopyFromSource Op = 0
	OpCopyFromTarget Op = 1
	OpCopyFromNew    Op = 2
)

// Instruction is one (op, offset, length) triple. Offset is interpreted
// relative to the source rep for OpCopyFromSource, relative to the bytes of
// the target produced so far *within this window* for OpCopyFromTarget, and
// is unused (the bytes are consumed sequentially from NewData) for
// OpCopyFromNew.
type Instruction struct {
	Op     Op
	Offset int64
	Length int64
}

// Window is one svndiff window: a target byte range built by replaying
// Instructions against a source range, consuming NewData for literal bytes.
type Window struct {
	SourceOffset int64
	SourceLength int64
	TargetLength int64
	Instructions []Instruction
	NewData      []byte
}

const chunkSize = 64

// Diff computes a window stream that transforms src into tgt. It chunks src
// into fixed-size blocks, hashes each with blake2b-256, and greedily matches
// tgt against those blocks; unmatched runs of tgt become literal new-data.
// This always produces a correct (if not byte-minimal) delta: Apply(src,
// Diff(src, tgt)) == tgt for any src, tgt.
func Diff(src, tgt []byte) ([]Window, error) {
	index := make(map[[32]byte][]int64)
	for off := int64(0); off+chunkSize <= int64(len(src)); off += chunkSize {
		h := blake2b.Sum256(src[off : off+chunkSize])
		index[h] = append(index[h], off)
	}

	var insts []Instruction
	var newData []byte
	pos := 0
	flushLiteral := func(upTo int) {
		if upTo > pos {
			insts = append(insts, Instruction{Op: OpCopyFromNew, Length: int64(upTo - pos)})
			newData = append(newData, tgt[pos:upTo]...)
			pos = upTo
		}
	}

	for pos < len(tgt) {
		if pos+chunkSize > len(tgt) {
			flushLiteral(len(tgt))
			break
		}
		h := blake2b.Sum256(tgt[pos : pos+chunkSize])
		candidates, ok := index[h]
		if !ok {
			flushLiteral(pos + 1)
			continue
		}
		srcOff := candidates[0]
		// Extend the match forward as far as possible.
		matchLen := int64(chunkSize)
		for int(srcOff)+int(matchLen) < len(src) && pos+int(matchLen) < len(tgt) &&
			src[int(srcOff)+int(matchLen)] == tgt[pos+int(matchLen)] {
			matchLen++
		}
		insts = append(insts, Instruction{Op: OpCopyFromSource, Offset: srcOff, Length: matchLen})
		pos += int(matchLen)
	}

	w := Window{
		SourceOffset: 0,
		SourceLength: int64(len(src)),
		TargetLength: int64(len(tgt)),
		Instructions: insts,
		NewData:      newData,
	}
	return []Window{w}, nil
}

// Apply replays a window stream against src, reconstructing the target
// bytes. Windows are applied in order, each producing a contiguous slice of
// the final target starting where the previous window left off.
func Apply(src []byte, windows []Window) ([]byte, error) {
	var out []byte
	for _, w := range windows {
		if w.SourceOffset+w.SourceLength > int64(len(src)) {
			return nil, fmt.Errorf("delta: apply: source range [%d,%d) exceeds source length %d",
				w.SourceOffset, w.SourceOffset+w.SourceLength, len(src))
		}
		target := make([]byte, 0, w.TargetLength)
		newPos := 0
		for _, inst := range w.Instructions {
			switch inst.Op {
			case OpCopyFromSource:
				end := inst.Offset + inst.Length
				if end > int64(len(src)) {
					return nil, fmt.Errorf("delta: apply: source copy out of range")
				}
				target = append(target, src[inst.Offset:end]...)
			case OpCopyFromTarget:
				end := inst.Offset + inst.Length
				if end > int64(len(target)) {
					return nil, fmt.Errorf("delta: apply: target copy out of range")
				}
				target = append(target, target[inst.Offset:end]...)
			case OpCopyFromNew:
				end := newPos + int(inst.Length)
				if end > len(w.NewData) {
					return nil, fmt.Errorf("delta: apply: new-data copy out of range")
				}
				target = append(target, w.NewData[newPos:end]...)
				newPos = end
			default:
				return nil, fmt.Errorf("delta: apply: unknown instruction op %d", inst.Op)
			}
		}
		if int64(len(target)) != w.TargetLength {
			return nil, fmt.Errorf("delta: apply: window produced %d bytes, want %d", len(target), w.TargetLength)
		}
		out = append(out, target...)
	}
	return out, nil
}

// Encode renders a window's instructions and new-data into the flat byte
// form persisted as its svndiff string (spec.md §6): a small fixed header
// followed by the instruction list and the literal new-data tail.
func Encode(w Window) []byte {
	buf := make([]byte, 0, 32+len(w.Instructions)*17+len(w.NewData))
	buf = append(buf, 'S', 'V', 'N', 0)
	buf = appendUvarint(buf, uint64(w.SourceOffset))
	buf = appendUvarint(buf, uint64(w.SourceLength))
	buf = appendUvarint(buf, uint64(w.TargetLength))
	buf = appendUvarint(buf, uint64(len(w.Instructions)))
	for _, inst := range w.Instructions {
		buf = append(buf, byte(inst.Op))
		buf = appendUvarint(buf, uint64(inst.Offset))
		buf = appendUvarint(buf, uint64(inst.Length))
	}
	buf = appendUvarint(buf, uint64(len(w.NewData)))
	buf = append(buf, w.NewData...)
	return buf
}

// Decode parses the byte form produced by Encode back into a Window whose
// SourceOffset/SourceLength/TargetLength/Instructions/NewData are fully
// populated (the source rep ID and checksum are stored alongside it in the
// representation record, not in this byte stream — see internal/reps).
func Decode(data []byte) (Window, error) {
	if len(data) < 4 || data[0] != 'S' || data[1] != 'V' || data[2] != 'N' || data[3] != 0 {
		return Window{}, errors.New("delta: decode: bad magic")
	}
	r := &byteReader{data: data, pos: 4}
	srcOff, err := r.uvarint()
	if err != nil {
		return Window{}, err
	}
	srcLen, err := r.uvarint()
	if err != nil {
		return Window{}, err
	}
	tgtLen, err := r.uvarint()
	if err != nil {
		return Window{}, err
	}
	n, err := r.uvarint()
	if err != nil {
		return Window{}, err
	}
	insts := make([]Instruction, 0, n)
	for i := uint64(0); i < n; i++ {
		op, err := r.byte_()
		if err != nil {
			return Window{}, err
		}
		off, err := r.uvarint()
		if err != nil {
			return Window{}, err
		}
		length, err := r.uvarint()
		if err != nil {
			return Window{}, err
		}
		insts = append(insts, Instruction{Op: Op(op), Offset: int64(off), Length: int64(length)})
	}
	newLen, err := r.uvarint()
	if err != nil {
		return Window{}, err
	}
	newData, err := r.bytes(int(newLen))
	if err != nil {
		return Window{}, err
	}
	return Window{
		SourceOffset: int64(srcOff),
		SourceLength: int64(srcLen),
		TargetLength: int64(tgtLen),
		Instructions: insts,
		NewData:      newData,
	}, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, errors.New("delta: decode: truncated varint")
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) byte_() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("delta: decode: truncated byte")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errors.New("delta: decode: truncated bytes")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
