package tracker

import (
	"math/rand"
	"strings"
	"testing"
	"testing/quick"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
)

const (
	testSegmentSize = 1 << 20
	testBlockSize   = 4096
)

func newManagers(t *testing.T) []device.SegmentManager {
	t.Helper()
	return []device.SegmentManager{
		device.NewMemory(0, 4, testSegmentSize, testBlockSize),
		device.NewMemory(1, 2, testSegmentSize, testBlockSize),
	}
}

func TestSimpleAllocateRelease(t *testing.T) {
	tr := NewSimple(newManagers(t))
	seg := addr.MakeSegmentID(0, 1)

	if got := tr.Allocate(seg, 0, 2*testBlockSize); got != 2*testBlockSize {
		t.Errorf("allocate: got %d", got)
	}
	if got := tr.Allocate(seg, 4*testBlockSize, testBlockSize); got != 3*testBlockSize {
		t.Errorf("allocate: got %d", got)
	}
	if got := tr.Release(seg, 0, 2*testBlockSize); got != testBlockSize {
		t.Errorf("release: got %d", got)
	}
	if tr.GetUsage(addr.MakeSegmentID(1, 0)) != 0 {
		t.Error("unrelated segment has usage")
	}
}

func TestSimpleNegativeUsagePanics(t *testing.T) {
	tr := NewSimple(newManagers(t))
	defer func() {
		if recover() == nil {
			t.Error("expected panic on negative usage")
		}
	}()
	tr.Release(addr.MakeSegmentID(0, 0), 0, testBlockSize)
}

func TestDetailedDoubleAllocatePanics(t *testing.T) {
	tr := NewDetailed(newManagers(t))
	seg := addr.MakeSegmentID(0, 0)
	tr.Allocate(seg, 0, 4*testBlockSize)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on double allocate")
		}
	}()
	tr.Allocate(seg, 2*testBlockSize, testBlockSize)
}

func TestDetailedDoubleReleasePanics(t *testing.T) {
	tr := NewDetailed(newManagers(t))
	seg := addr.MakeSegmentID(0, 0)
	tr.Allocate(seg, 0, testBlockSize)
	tr.Release(seg, 0, testBlockSize)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on double release")
		}
	}()
	tr.Release(seg, 0, testBlockSize)
}

func TestUnalignedRangePanics(t *testing.T) {
	tr := NewSimple(newManagers(t))
	defer func() {
		if recover() == nil {
			t.Error("expected panic on unaligned range")
		}
	}()
	tr.Allocate(addr.MakeSegmentID(0, 0), 100, testBlockSize)
}

func TestResetZeroesEverything(t *testing.T) {
	tr := NewDetailed(newManagers(t))
	seg := addr.MakeSegmentID(1, 1)
	tr.Allocate(seg, 0, 8*testBlockSize)
	tr.Reset()
	if tr.GetUsage(seg) != 0 {
		t.Errorf("usage after reset: %d", tr.GetUsage(seg))
	}
	// all blocks must be free again
	tr.Allocate(seg, 0, 8*testBlockSize)
}

// trackerOp is one step of a generated operation stream. Offsets address
// one block; the stream allocates each block at most once before releasing
// it.
type trackerOp struct {
	segment addr.DeviceSegmentID
	block   int64
	release bool
}

func TestVariantsAgreeUnderRandomStreams(t *testing.T) {
	f := func(seed int64) bool {
		rng := rand.New(rand.NewSource(seed))
		simple := NewSimple(newManagers(t))
		detailed := NewDetailed(newManagers(t))

		allocated := make(map[addr.SegmentID]map[int64]bool)
		var ops []trackerOp
		for i := 0; i < 200; i++ {
			seg := addr.MakeSegmentID(0, addr.DeviceSegmentID(rng.Intn(4)))
			if allocated[seg] == nil {
				allocated[seg] = make(map[int64]bool)
			}
			block := int64(rng.Intn(testSegmentSize / testBlockSize))
			if allocated[seg][block] {
				ops = append(ops, trackerOp{seg.DeviceSegment(), block, true})
				delete(allocated[seg], block)
			} else {
				ops = append(ops, trackerOp{seg.DeviceSegment(), block, false})
				allocated[seg][block] = true
			}
		}

		for _, op := range ops {
			seg := addr.MakeSegmentID(0, op.segment)
			off := op.block * testBlockSize
			if op.release {
				simple.Release(seg, off, testBlockSize)
				detailed.Release(seg, off, testBlockSize)
			} else {
				simple.Allocate(seg, off, testBlockSize)
				detailed.Allocate(seg, off, testBlockSize)
			}
		}
		return simple.Equals(detailed) && detailed.Equals(simple)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 25}); err != nil {
		t.Error(err)
	}
}

func TestDumpUsageMentionsLiveBlocks(t *testing.T) {
	tr := NewDetailed(newManagers(t))
	seg := addr.MakeSegmentID(0, 2)
	tr.Allocate(seg, 3*testBlockSize, testBlockSize)

	dump := tr.DumpUsage(seg)
	if want := "12288"; !strings.Contains(dump, want) {
		t.Errorf("dump %q missing offset %s", dump, want)
	}
}
