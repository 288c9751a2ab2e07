package tracker

import (
	"fmt"
	"strings"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
)

// Detailed tracks a block-granular bitmap per segment in addition to the
// live-byte counter, so a double-allocate or double-release of any block is
// detected at the offending call.
type Detailed struct {
	segments   addr.Map[segmentBitmap]
	blockSizes map[addr.DeviceID]int64
}

type segmentBitmap struct {
	bits []uint64
	used int64
}

var _ SpaceTracker = (*Detailed)(nil)

// NewDetailed builds a detailed tracker over the group's devices.
func NewDetailed(sms []device.SegmentManager) *Detailed {
	t := &Detailed{blockSizes: blockSizes(sms)}
	for _, sm := range sms {
		blocks := sm.SegmentSize() / sm.BlockSize()
		t.segments.AddDevice(sm.DeviceID(), sm.NumSegments(), segmentBitmap{})
		for i := 0; i < sm.NumSegments(); i++ {
			id := addr.MakeSegmentID(sm.DeviceID(), addr.DeviceSegmentID(i))
			t.segments.Get(id).bits = make([]uint64, (blocks+63)/64)
		}
	}
	return t
}

func (t *Detailed) Allocate(segment addr.SegmentID, offset, length int64) int64 {
	blockSize := t.blockSizes[segment.DeviceID()]
	checkAligned(segment, offset, length, blockSize)
	s := t.segments.Get(segment)
	begin := offset / blockSize
	end := (offset + length) / blockSize
	for b := begin; b < end; b++ {
		if s.bits[b/64]&(1<<uint(b%64)) != 0 {
			panic(fmt.Sprintf(
				"tracker: double allocate of block %d (%d~%d) in %s\n%s",
				b*blockSize, offset, length, segment, t.DumpUsage(segment)))
		}
		s.bits[b/64] |= 1 << uint(b%64)
	}
	s.used += length
	return s.used
}

func (t *Detailed) Release(segment addr.SegmentID, offset, length int64) int64 {
	blockSize := t.blockSizes[segment.DeviceID()]
	checkAligned(segment, offset, length, blockSize)
	s := t.segments.Get(segment)
	begin := offset / blockSize
	end := (offset + length) / blockSize
	for b := begin; b < end; b++ {
		if s.bits[b/64]&(1<<uint(b%64)) == 0 {
			panic(fmt.Sprintf(
				"tracker: double release of block %d (%d~%d) in %s\n%s",
				b*blockSize, offset, length, segment, t.DumpUsage(segment)))
		}
		s.bits[b/64] &^= 1 << uint(b%64)
	}
	s.used -= length
	return s.used
}

func (t *Detailed) GetUsage(segment addr.SegmentID) int64 {
	return t.segments.Get(segment).used
}

func (t *Detailed) Equals(other SpaceTracker) bool {
	match := true
	t.segments.ForEach(func(id addr.SegmentID, s *segmentBitmap) bool {
		if other.GetUsage(id) != s.used {
			match = false
		}
		return match
	})
	return match
}

func (t *Detailed) DumpUsage(segment addr.SegmentID) string {
	blockSize := t.blockSizes[segment.DeviceID()]
	s := t.segments.Get(segment)
	var b strings.Builder
	fmt.Fprintf(&b, "%s live_bytes=%d live_blocks:", segment, s.used)
	for i := range s.bits {
		for j := 0; j < 64; j++ {
			if s.bits[i]&(1<<uint(j)) != 0 {
				fmt.Fprintf(&b, " %d", (int64(i)*64+int64(j))*blockSize)
			}
		}
	}
	return b.String()
}

func (t *Detailed) Reset() {
	t.segments.ForEach(func(_ addr.SegmentID, s *segmentBitmap) bool {
		for i := range s.bits {
			s.bits[i] = 0
		}
		s.used = 0
		return true
	})
}

func (t *Detailed) ForEach(fn func(addr.SegmentID, int64)) {
	t.segments.ForEach(func(id addr.SegmentID, s *segmentBitmap) bool {
		fn(id, s.used)
		return true
	})
}
