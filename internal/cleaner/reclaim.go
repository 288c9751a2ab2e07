package cleaner

import (
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
)

// reclaimState is the progress cursor for reclaiming one closed segment in
// bounded chunks. The range [startPos, endPos) is fixed for the duration of
// a cycle so retried transactions observe the same window.
type reclaimState struct {
	segment addr.SegmentID
	// targetGeneration is the generation rewritten extents land in: the
	// victim's own generation, keeping cold data cold.
	targetGeneration addr.ReclaimGen
	segmentSize      int64

	started  bool
	startPos int64
	endPos   int64
}

func newReclaimState(segment addr.SegmentID, generation addr.ReclaimGen, segmentSize int64) *reclaimState {
	return &reclaimState{
		segment:          segment,
		targetGeneration: generation,
		segmentSize:      segmentSize,
	}
}

// advance moves the cursor window forward by at most bytes.
func (r *reclaimState) advance(bytes int64) {
	if !r.started {
		r.started = true
		r.startPos = 0
	} else {
		r.startPos = r.endPos
	}
	r.endPos = r.startPos + bytes
	if r.endPos > r.segmentSize {
		r.endPos = r.segmentSize
	}
}

// isComplete reports whether the cursor has covered the whole segment.
func (r *reclaimState) isComplete() bool {
	return r.started && r.endPos >= r.segmentSize
}

func (r *reclaimState) startPaddr() addr.Paddr {
	return addr.MakeSegPaddr(r.segment, r.startPos)
}

func (r *reclaimState) endPaddr() addr.Paddr {
	return addr.MakeSegPaddr(r.segment, r.endPos)
}

func (r *reclaimState) String() string {
	return fmt.Sprintf("reclaim_state(%s %s %d~%d)",
		r.segment, r.targetGeneration, r.startPos, r.endPos)
}
