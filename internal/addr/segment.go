package addr

import (
	"fmt"
	"math"
)

// DeviceSegmentID indexes a segment within one device. Only the low
// DeviceSegmentIDBits bits are meaningful.
type DeviceSegmentID uint32

const (
	// SegmentIDBits is the width of a packed segment id.
	SegmentIDBits = 32
	// DeviceSegmentIDBits is the width of the per-device segment index.
	DeviceSegmentIDBits = SegmentIDBits - DeviceIDBits
	// DeviceSegmentIDMax is the highest per-device segment index.
	DeviceSegmentIDMax DeviceSegmentID = 1<<DeviceSegmentIDBits - 1
)

// SegmentID is a packed (device id, device segment id) pair. The all-ones
// value is the null segment id.
type SegmentID uint32

// NullSegmentID is the distinguished "no segment" value.
const NullSegmentID SegmentID = math.MaxUint32

// MakeSegmentID packs a device id and a per-device segment index.
func MakeSegmentID(device DeviceID, segment DeviceSegmentID) SegmentID {
	if segment > DeviceSegmentIDMax {
		panic(fmt.Sprintf("addr: device segment id %d out of range", segment))
	}
	return SegmentID(uint32(device)<<DeviceSegmentIDBits | uint32(segment))
}

// DeviceID returns the device part of the id.
func (s SegmentID) DeviceID() DeviceID {
	return DeviceID(s >> DeviceSegmentIDBits)
}

// DeviceSegment returns the per-device segment index.
func (s SegmentID) DeviceSegment() DeviceSegmentID {
	return DeviceSegmentID(s) & DeviceSegmentIDMax
}

// IsNull reports whether this is the null segment id.
func (s SegmentID) IsNull() bool {
	return s == NullSegmentID
}

func (s SegmentID) String() string {
	if s.IsNull() {
		return "seg(null)"
	}
	return fmt.Sprintf("seg(%d:%d)", uint8(s.DeviceID()), uint32(s.DeviceSegment()))
}

// SegmentSeq is the per-type monotonic sequence a segment is opened with.
type SegmentSeq uint32

// NullSegmentSeq marks an unassigned sequence; it compares greater than
// every valid sequence.
const NullSegmentSeq SegmentSeq = math.MaxUint32

// IsNull reports whether the sequence is unassigned.
func (s SegmentSeq) IsNull() bool {
	return s == NullSegmentSeq
}

func (s SegmentSeq) String() string {
	if s.IsNull() {
		return "seq(null)"
	}
	return fmt.Sprintf("seq(%d)", uint32(s))
}

// SegmentType distinguishes journal segments (sequential record log) from
// out-of-line segments (user extents).
type SegmentType uint8

const (
	SegmentTypeJournal SegmentType = iota
	SegmentTypeOOL
	SegmentTypeNull
)

func (t SegmentType) String() string {
	switch t {
	case SegmentTypeJournal:
		return "journal"
	case SegmentTypeOOL:
		return "ool"
	case SegmentTypeNull:
		return "null"
	default:
		return fmt.Sprintf("segment_type(%d)", uint8(t))
	}
}

// DataCategory splits segments by payload kind for placement decisions.
type DataCategory uint8

const (
	CategoryMetadata DataCategory = iota
	CategoryData
	CategoryNull
)

func (c DataCategory) String() string {
	switch c {
	case CategoryMetadata:
		return "metadata"
	case CategoryData:
		return "data"
	case CategoryNull:
		return "null"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// ReclaimGen is the reclaim generation of a segment. Fresh writes land in
// generation 0 (hot); rewrites of dirty extents target DirtyGeneration;
// reclaimed extents keep the generation of their source segment.
type ReclaimGen uint8

const (
	HotGeneration   ReclaimGen = 0
	DirtyGeneration ReclaimGen = 1
	// ReclaimGenerations bounds the valid generation range [0, ReclaimGenerations).
	ReclaimGenerations ReclaimGen = 3
	NullGeneration     ReclaimGen = math.MaxUint8
)

// IsNull reports whether the generation is unassigned.
func (g ReclaimGen) IsNull() bool {
	return g == NullGeneration
}

func (g ReclaimGen) String() string {
	if g.IsNull() {
		return "gen(null)"
	}
	return fmt.Sprintf("gen(%d)", uint8(g))
}
