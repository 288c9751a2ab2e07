// Package format implements the on-disk segment metadata codec: the segment
// header written into the first block of every segment and the segment tail
// written into the last block. All integers are little-endian; both
// structures carry a one-byte structure version and a one-byte compat
// version (currently v1/c1).
package format

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
)

const (
	// StructVersion is the current structure version of both header and tail.
	StructVersion uint8 = 1
	// StructCompat is the oldest decoder structure version that can read
	// what this version encodes; decoders reject a compat byte above their
	// own StructVersion.
	StructCompat uint8 = 1

	// HeaderSize is the encoded size of a segment header.
	// version + compat + seq(4) + segment(4) + dirty_tail(12) +
	// alloc_tail(12) + nonce(4) + type + category + generation
	HeaderSize = 2 + 4 + 4 + journalSeqSize + journalSeqSize + 4 + 3

	// TailSize is the encoded size of a segment tail.
	// version + compat + seq(4) + segment(4) + nonce(4) + type +
	// modify_time(8) + num_extents(8)
	TailSize = 2 + 4 + 4 + 4 + 1 + 8 + 8

	journalSeqSize = 4 + 8
)

var (
	ErrTruncated          = errors.New("format: buffer too short")
	ErrUnsupportedVersion = errors.New("format: unsupported structure version")
)

// SegmentHeader is the metadata block at the start of every segment. The
// journal tails snapshot the cleaner's tails at the time the segment was
// opened, bounding replay after a crash.
type SegmentHeader struct {
	SegmentSeq        addr.SegmentSeq
	PhysicalSegmentID addr.SegmentID
	DirtyTail         addr.JournalSeq
	AllocTail         addr.JournalSeq
	SegmentNonce      uint32
	Type              addr.SegmentType
	Category          addr.DataCategory
	Generation        addr.ReclaimGen
}

func (h SegmentHeader) String() string {
	return fmt.Sprintf(
		"segment_header(%s %s %s %s nonce=0x%x dirty_tail=%s alloc_tail=%s)",
		h.PhysicalSegmentID, h.Type, h.SegmentSeq, h.Category,
		h.SegmentNonce, h.DirtyTail, h.AllocTail)
}

// SegmentTail is the metadata block at the end of a closed segment. It is
// valid only if its nonce matches the header's.
type SegmentTail struct {
	SegmentSeq        addr.SegmentSeq
	PhysicalSegmentID addr.SegmentID
	SegmentNonce      uint32
	Type              addr.SegmentType
	// ModifyTimeMS is the average extent modify time in milliseconds since
	// the Unix epoch, or 0 when NumExtents is 0.
	ModifyTimeMS int64
	NumExtents   uint64
}

func (t SegmentTail) String() string {
	return fmt.Sprintf(
		"segment_tail(%s %s %s nonce=0x%x modify_time=%d num_extents=%d)",
		t.PhysicalSegmentID, t.Type, t.SegmentSeq, t.SegmentNonce,
		t.ModifyTimeMS, t.NumExtents)
}

// EncodeHeader writes the header into buf, which must hold at least
// HeaderSize bytes. Returns the encoded length.
func EncodeHeader(buf []byte, h SegmentHeader) int {
	if len(buf) < HeaderSize {
		panic("format: header buffer too short")
	}
	buf[0] = StructVersion
	buf[1] = StructCompat
	off := 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.SegmentSeq))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.PhysicalSegmentID))
	off += 4
	off += encodeJournalSeq(buf[off:], h.DirtyTail)
	off += encodeJournalSeq(buf[off:], h.AllocTail)
	binary.LittleEndian.PutUint32(buf[off:], h.SegmentNonce)
	off += 4
	buf[off] = uint8(h.Type)
	buf[off+1] = uint8(h.Category)
	buf[off+2] = uint8(h.Generation)
	off += 3
	return off
}

// DecodeHeader parses a header from the start of buf.
func DecodeHeader(buf []byte) (SegmentHeader, error) {
	var h SegmentHeader
	if len(buf) < HeaderSize {
		return h, ErrTruncated
	}
	if buf[1] > StructVersion {
		return h, fmt.Errorf("%w: need at least v%d, have v%d",
			ErrUnsupportedVersion, buf[1], StructVersion)
	}
	off := 2
	h.SegmentSeq = addr.SegmentSeq(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.PhysicalSegmentID = addr.SegmentID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.DirtyTail = decodeJournalSeq(buf[off:])
	off += journalSeqSize
	h.AllocTail = decodeJournalSeq(buf[off:])
	off += journalSeqSize
	h.SegmentNonce = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Type = addr.SegmentType(buf[off])
	h.Category = addr.DataCategory(buf[off+1])
	h.Generation = addr.ReclaimGen(buf[off+2])
	return h, nil
}

// EncodeTail writes the tail into buf, which must hold at least TailSize
// bytes. Returns the encoded length.
func EncodeTail(buf []byte, t SegmentTail) int {
	if len(buf) < TailSize {
		panic("format: tail buffer too short")
	}
	buf[0] = StructVersion
	buf[1] = StructCompat
	off := 2
	binary.LittleEndian.PutUint32(buf[off:], uint32(t.SegmentSeq))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(t.PhysicalSegmentID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], t.SegmentNonce)
	off += 4
	buf[off] = uint8(t.Type)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(t.ModifyTimeMS))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], t.NumExtents)
	off += 8
	return off
}

// DecodeTail parses a tail from the start of buf.
func DecodeTail(buf []byte) (SegmentTail, error) {
	var t SegmentTail
	if len(buf) < TailSize {
		return t, ErrTruncated
	}
	if buf[1] > StructVersion {
		return t, fmt.Errorf("%w: need at least v%d, have v%d",
			ErrUnsupportedVersion, buf[1], StructVersion)
	}
	off := 2
	t.SegmentSeq = addr.SegmentSeq(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	t.PhysicalSegmentID = addr.SegmentID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	t.SegmentNonce = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	t.Type = addr.SegmentType(buf[off])
	off++
	t.ModifyTimeMS = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	t.NumExtents = binary.LittleEndian.Uint64(buf[off:])
	return t, nil
}

func encodeJournalSeq(buf []byte, j addr.JournalSeq) int {
	binary.LittleEndian.PutUint32(buf, uint32(j.Seq))
	binary.LittleEndian.PutUint64(buf[4:], uint64(j.Off))
	return journalSeqSize
}

func decodeJournalSeq(buf []byte) addr.JournalSeq {
	return addr.JournalSeq{
		Seq: addr.SegmentSeq(binary.LittleEndian.Uint32(buf)),
		Off: addr.Paddr(binary.LittleEndian.Uint64(buf[4:])),
	}
}
