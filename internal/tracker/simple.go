package tracker

import (
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
)

// Simple tracks one live-byte counter per segment. O(1) per operation.
type Simple struct {
	live       addr.Map[int64]
	blockSizes map[addr.DeviceID]int64
}

var _ SpaceTracker = (*Simple)(nil)

// NewSimple builds a simple tracker over the group's devices.
func NewSimple(sms []device.SegmentManager) *Simple {
	t := &Simple{blockSizes: blockSizes(sms)}
	for _, sm := range sms {
		t.live.AddDevice(sm.DeviceID(), sm.NumSegments(), 0)
	}
	return t
}

func (t *Simple) Allocate(segment addr.SegmentID, offset, length int64) int64 {
	checkAligned(segment, offset, length, t.blockSizes[segment.DeviceID()])
	usage := t.live.Get(segment)
	*usage += length
	return *usage
}

func (t *Simple) Release(segment addr.SegmentID, offset, length int64) int64 {
	checkAligned(segment, offset, length, t.blockSizes[segment.DeviceID()])
	usage := t.live.Get(segment)
	*usage -= length
	if *usage < 0 {
		panic(fmt.Sprintf(
			"tracker: usage of %s went negative releasing %d~%d",
			segment, offset, length))
	}
	return *usage
}

func (t *Simple) GetUsage(segment addr.SegmentID) int64 {
	return *t.live.Get(segment)
}

func (t *Simple) Equals(other SpaceTracker) bool {
	match := true
	t.live.ForEach(func(id addr.SegmentID, usage *int64) bool {
		if other.GetUsage(id) != *usage {
			match = false
		}
		return match
	})
	return match
}

func (t *Simple) DumpUsage(segment addr.SegmentID) string {
	return fmt.Sprintf("%s live_bytes=%d", segment, t.GetUsage(segment))
}

func (t *Simple) Reset() {
	t.live.ForEach(func(_ addr.SegmentID, usage *int64) bool {
		*usage = 0
		return true
	})
}

func (t *Simple) ForEach(fn func(addr.SegmentID, int64)) {
	t.live.ForEach(func(id addr.SegmentID, usage *int64) bool {
		fn(id, *usage)
		return true
	})
}
