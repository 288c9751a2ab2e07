package cleaner

import (
	"fmt"
	"sync"

	"github.com/seglog-io/seglog/internal/addr"
)

// SegmentSeqAllocator hands out monotonically increasing segment sequences
// for one segment type. The journal owns the journal-typed allocator; the
// cleaner owns the out-of-line one.
type SegmentSeqAllocator struct {
	stype addr.SegmentType

	mu   sync.Mutex
	next addr.SegmentSeq
}

// NewSegmentSeqAllocator creates an allocator starting at sequence 0.
func NewSegmentSeqAllocator(stype addr.SegmentType) *SegmentSeqAllocator {
	return &SegmentSeqAllocator{stype: stype}
}

// Next returns the next sequence and advances the allocator.
func (a *SegmentSeqAllocator) Next() addr.SegmentSeq {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.next
	if seq.IsNull() {
		panic(fmt.Sprintf("cleaner: %s segment seq exhausted", a.stype))
	}
	a.next++
	return seq
}

// SetNextIfLarger raises the next sequence to seq if it is not already
// beyond it. Mount calls this for every decoded header so freshly opened
// segments continue the on-disk sequence.
func (a *SegmentSeqAllocator) SetNextIfLarger(seq addr.SegmentSeq) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != addr.NullSegmentSeq && seq >= a.next {
		a.next = seq + 1
	}
}
