// Package tracker implements per-segment live-byte accounting. Two variants
// share one contract: the simple tracker keeps a live-byte counter per
// segment, the detailed tracker additionally keeps a block-granular bitmap
// so double-allocates and double-releases are caught exactly. The detailed
// variant is used in audits; production runs the simple one.
package tracker

import (
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
)

// SpaceTracker is the live-byte accounting contract. Offsets and lengths
// are in bytes and must be multiples of the device block size. Allocate and
// Release return the segment's new live-byte count; a detected accounting
// violation panics — the cleaner cannot continue safely with drifted
// accounting. The detailed tracker detects double-allocates and
// double-releases per block; the simple tracker keeps no per-block state
// and detects only usage going negative.
type SpaceTracker interface {
	Allocate(segment addr.SegmentID, offset, length int64) int64
	Release(segment addr.SegmentID, offset, length int64) int64
	GetUsage(segment addr.SegmentID) int64
	// Equals compares per-segment usage against another tracker over the
	// same geometry. Used in tests to verify the variants agree.
	Equals(other SpaceTracker) bool
	// DumpUsage renders the live state of one segment for diagnostics.
	DumpUsage(segment addr.SegmentID) string
	// Reset zeroes all usage, keeping the geometry.
	Reset()
	// ForEach visits every tracked segment in (device, index) order.
	ForEach(fn func(segment addr.SegmentID, usage int64))
}

func checkAligned(segment addr.SegmentID, offset, length, blockSize int64) {
	if offset%blockSize != 0 || length%blockSize != 0 {
		panic(fmt.Sprintf(
			"tracker: unaligned range %d~%d on %s (block size %d)",
			offset, length, segment, blockSize))
	}
}

func blockSizes(sms []device.SegmentManager) map[addr.DeviceID]int64 {
	out := make(map[addr.DeviceID]int64, len(sms))
	for _, sm := range sms {
		out[sm.DeviceID()] = sm.BlockSize()
	}
	return out
}
