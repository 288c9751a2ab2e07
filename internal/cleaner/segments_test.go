package cleaner

import (
	"testing"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
	"github.com/seglog-io/seglog/internal/logging"
)

func newTestSegmentsInfo(t *testing.T, numSegments int) *segmentsInfo {
	t.Helper()
	si := newSegmentsInfo(logging.New(logging.Config{Level: logging.LevelError}))
	si.addSegmentManager(device.NewMemory(0, numSegments, testSegmentSize, testBlockSize))
	return si
}

func checkCounters(t *testing.T, si *segmentsInfo) {
	t.Helper()
	if si.numEmpty+si.numOpen+si.numClosed != si.numSegments() {
		t.Errorf("state counters do not cover population: empty=%d open=%d closed=%d total=%d",
			si.numEmpty, si.numOpen, si.numClosed, si.numSegments())
	}
	if si.numTypeJournal+si.numTypeOOL != si.numOpen+si.numClosed {
		t.Errorf("type counters do not cover non-empty: journal=%d ool=%d open=%d closed=%d",
			si.numTypeJournal, si.numTypeOOL, si.numOpen, si.numClosed)
	}
	var wantAvail int64
	si.forEach(func(_ addr.SegmentID, info *segmentInfo) bool {
		if info.isOpen() {
			wantAvail += si.segmentSize - info.writtenTo
		}
		return true
	})
	if si.availBytesInOpen != wantAvail {
		t.Errorf("avail_bytes_in_open=%d, want %d", si.availBytesInOpen, wantAvail)
	}
	if si.getTotalBytes() != si.getAvailableBytes()+si.getUnavailableBytes() {
		t.Errorf("total=%d != available=%d + unavailable=%d",
			si.getTotalBytes(), si.getAvailableBytes(), si.getUnavailableBytes())
	}
}

func TestFillAndClose(t *testing.T) {
	si := newTestSegmentsInfo(t, 2)
	seg0 := addr.MakeSegmentID(0, 0)

	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	checkCounters(t, si)
	for _, off := range []int64{256, 768, 1024} {
		si.updateWrittenTo(addr.SegmentTypeOOL, addr.MakeSegPaddr(seg0, off))
		checkCounters(t, si)
	}
	si.markClosed(seg0)
	checkCounters(t, si)

	if si.numEmpty != 1 || si.numOpen != 0 || si.numClosed != 1 {
		t.Errorf("counts: empty=%d open=%d closed=%d", si.numEmpty, si.numOpen, si.numClosed)
	}
	if si.availBytesInOpen != 0 {
		t.Errorf("avail_bytes_in_open=%d", si.availBytesInOpen)
	}
	if si.getAvailableBytes() != 1024 || si.getUnavailableBytes() != 1024 {
		t.Errorf("available=%d unavailable=%d", si.getAvailableBytes(), si.getUnavailableBytes())
	}
	if si.get(seg0).writtenTo != testSegmentSize {
		t.Errorf("written_to=%d after close", si.get(seg0).writtenTo)
	}
}

func TestCloseAccountsPartialSegment(t *testing.T) {
	si := newTestSegmentsInfo(t, 2)
	seg0 := addr.MakeSegmentID(0, 0)

	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	si.updateWrittenTo(addr.SegmentTypeOOL, addr.MakeSegPaddr(seg0, 256))
	before := si.availBytesInOpen
	si.markClosed(seg0)

	if want := before - (testSegmentSize - 256); si.availBytesInOpen != want {
		t.Errorf("avail_bytes_in_open=%d, want %d", si.availBytesInOpen, want)
	}
}

func TestWrittenToRegressionPanics(t *testing.T) {
	si := newTestSegmentsInfo(t, 1)
	seg0 := addr.MakeSegmentID(0, 0)
	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	si.updateWrittenTo(addr.SegmentTypeOOL, addr.MakeSegPaddr(seg0, 512))

	defer func() {
		if recover() == nil {
			t.Error("expected panic on written_to regression")
		}
	}()
	si.updateWrittenTo(addr.SegmentTypeOOL, addr.MakeSegPaddr(seg0, 256))
}

func TestMarkClosedOnEmptyPanics(t *testing.T) {
	si := newTestSegmentsInfo(t, 1)
	defer func() {
		if recover() == nil {
			t.Error("expected panic closing an empty segment")
		}
	}()
	si.markClosed(addr.MakeSegmentID(0, 0))
}

func TestMarkEmptyOnOpenPanics(t *testing.T) {
	si := newTestSegmentsInfo(t, 1)
	seg0 := addr.MakeSegmentID(0, 0)
	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	defer func() {
		if recover() == nil {
			t.Error("expected panic releasing an open segment")
		}
	}()
	si.markEmpty(seg0)
}

func TestJournalSeqMustBeConsecutive(t *testing.T) {
	si := newTestSegmentsInfo(t, 3)
	seg0 := addr.MakeSegmentID(0, 0)
	seg1 := addr.MakeSegmentID(0, 1)

	si.markOpen(seg0, 5, addr.SegmentTypeJournal, addr.CategoryMetadata, addr.HotGeneration)
	if si.numInJournalOpen != 1 || si.journalSegmentID != seg0 {
		t.Fatalf("journal open bookkeeping wrong")
	}
	si.markClosed(seg0)
	if si.numInJournalOpen != 0 {
		t.Fatalf("num_in_journal_open=%d after close", si.numInJournalOpen)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-consecutive journal seq")
		}
	}()
	si.markOpen(seg1, 7, addr.SegmentTypeJournal, addr.CategoryMetadata, addr.HotGeneration)
}

func TestSubmittedJournalHead(t *testing.T) {
	si := newTestSegmentsInfo(t, 2)
	if !si.getSubmittedJournalHead().IsNull() {
		t.Fatal("head must be null before any journal segment opens")
	}
	seg0 := addr.MakeSegmentID(0, 0)
	si.markOpen(seg0, 3, addr.SegmentTypeJournal, addr.CategoryMetadata, addr.HotGeneration)
	si.updateWrittenTo(addr.SegmentTypeJournal, addr.MakeSegPaddr(seg0, 512))

	head := si.getSubmittedJournalHead()
	want := addr.JournalSeq{Seq: 3, Off: addr.MakeSegPaddr(seg0, 512)}
	if head != want {
		t.Errorf("submitted head %s, want %s", head, want)
	}
}

func TestModifyTimeMultisetTracksTimeBound(t *testing.T) {
	si := newTestSegmentsInfo(t, 3)
	seg0 := addr.MakeSegmentID(0, 0)
	seg1 := addr.MakeSegmentID(0, 1)

	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	si.updateModifyTime(seg0, 500, 2)
	si.markClosed(seg0)

	si.markOpen(seg1, 2, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	si.updateModifyTime(seg1, 300, 1)
	si.markClosed(seg1)

	if got := si.getTimeBound(); got != 300 {
		t.Errorf("time bound %d, want 300", got)
	}
	si.markEmpty(seg1)
	if got := si.getTimeBound(); got != 500 {
		t.Errorf("time bound %d after release, want 500", got)
	}
	si.markEmpty(seg0)
	if got := si.getTimeBound(); got != 0 {
		t.Errorf("time bound %d with no extents, want 0", got)
	}
}

func TestModifyTimeAveraging(t *testing.T) {
	si := newTestSegmentsInfo(t, 1)
	seg0 := addr.MakeSegmentID(0, 0)
	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)

	si.updateModifyTime(seg0, 100, 1)
	si.updateModifyTime(seg0, 400, 3)
	info := si.get(seg0)
	if info.numExtents != 4 {
		t.Errorf("num_extents=%d", info.numExtents)
	}
	// (100*1 + 400*3) / 4
	if info.modifyTimeMS != 325 {
		t.Errorf("modify_time=%d, want 325", info.modifyTimeMS)
	}
}

func TestRoundTripLeavesCountersBalanced(t *testing.T) {
	si := newTestSegmentsInfo(t, 2)
	seg0 := addr.MakeSegmentID(0, 0)

	si.markOpen(seg0, 1, addr.SegmentTypeOOL, addr.CategoryData, addr.HotGeneration)
	si.updateWrittenTo(addr.SegmentTypeOOL, addr.MakeSegPaddr(seg0, 1024))
	si.markClosed(seg0)
	si.markEmpty(seg0)
	checkCounters(t, si)

	if si.numEmpty != 2 || si.numOpen != 0 || si.numClosed != 0 {
		t.Errorf("counts after round trip: empty=%d open=%d closed=%d",
			si.numEmpty, si.numOpen, si.numClosed)
	}
	if si.countOpenOOL != 1 || si.countCloseOOL != 1 || si.countReleaseOOL != 1 {
		t.Errorf("operation counts: open=%d close=%d release=%d",
			si.countOpenOOL, si.countCloseOOL, si.countReleaseOOL)
	}
	if si.getAvailableBytes() != si.getTotalBytes() {
		t.Errorf("space not fully available after round trip")
	}
}

func TestInitClosedJournalSegment(t *testing.T) {
	si := newTestSegmentsInfo(t, 2)
	seg0 := addr.MakeSegmentID(0, 0)

	si.initClosed(seg0, 4, addr.SegmentTypeJournal, addr.CategoryMetadata, addr.HotGeneration)
	checkCounters(t, si)
	info := si.get(seg0)
	if !info.isClosed() || info.writtenTo != testSegmentSize {
		t.Errorf("init_closed record: %s", info)
	}
	if si.countCloseJournal != 0 || si.countOpenJournal != 0 {
		t.Error("init_closed must not count open/close operations")
	}
	if !si.getSubmittedJournalHead().IsNull() {
		t.Error("init_closed must not set the journal head")
	}
}
