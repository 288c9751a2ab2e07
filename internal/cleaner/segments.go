package cleaner

import (
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
	"github.com/seglog-io/seglog/internal/logging"
)

// segmentState is the lifecycle state of one segment.
type segmentState uint8

const (
	segmentEmpty segmentState = iota
	segmentOpen
	segmentClosed
)

func (s segmentState) String() string {
	switch s {
	case segmentEmpty:
		return "empty"
	case segmentOpen:
		return "open"
	case segmentClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// segmentInfo is the cleaner's record of one segment.
type segmentInfo struct {
	state      segmentState
	seq        addr.SegmentSeq
	stype      addr.SegmentType
	category   addr.DataCategory
	generation addr.ReclaimGen

	// modifyTimeMS is the extent-count-weighted average modify time of the
	// extents in the segment, 0 iff numExtents is 0.
	modifyTimeMS int64
	numExtents   uint64

	// writtenTo is monotonically non-decreasing while open, frozen on
	// close.
	writtenTo int64
}

func emptySegmentInfo() segmentInfo {
	return segmentInfo{
		state:      segmentEmpty,
		seq:        addr.NullSegmentSeq,
		stype:      addr.SegmentTypeNull,
		category:   addr.CategoryNull,
		generation: addr.NullGeneration,
	}
}

func (s *segmentInfo) isEmpty() bool  { return s.state == segmentEmpty }
func (s *segmentInfo) isOpen() bool   { return s.state == segmentOpen }
func (s *segmentInfo) isClosed() bool { return s.state == segmentClosed }

// isInJournal reports whether the segment still covers journal content at
// or above tail.
func (s *segmentInfo) isInJournal(tail addr.JournalSeq) bool {
	return s.stype == addr.SegmentTypeJournal &&
		(tail.IsNull() || s.seq >= tail.Seq)
}

func (s *segmentInfo) setOpen(seq addr.SegmentSeq, stype addr.SegmentType,
	category addr.DataCategory, generation addr.ReclaimGen) {
	if seq.IsNull() || stype == addr.SegmentTypeNull ||
		category == addr.CategoryNull || generation >= addr.ReclaimGenerations {
		panic(fmt.Sprintf("cleaner: bad open parameters %s %s %s %s",
			seq, stype, category, generation))
	}
	s.state = segmentOpen
	s.seq = seq
	s.stype = stype
	s.category = category
	s.generation = generation
	s.writtenTo = 0
}

func (s *segmentInfo) setEmpty() {
	s.state = segmentEmpty
	s.seq = addr.NullSegmentSeq
	s.stype = addr.SegmentTypeNull
	s.category = addr.CategoryNull
	s.generation = addr.NullGeneration
	s.modifyTimeMS = 0
	s.numExtents = 0
	s.writtenTo = 0
}

func (s *segmentInfo) setClosed() {
	s.state = segmentClosed
	// the rest of the record is unchanged
}

func (s *segmentInfo) initClosed(seq addr.SegmentSeq, stype addr.SegmentType,
	category addr.DataCategory, generation addr.ReclaimGen, segmentSize int64) {
	if seq.IsNull() || stype == addr.SegmentTypeNull ||
		category == addr.CategoryNull || generation >= addr.ReclaimGenerations {
		panic(fmt.Sprintf("cleaner: bad init_closed parameters %s %s %s %s",
			seq, stype, category, generation))
	}
	s.state = segmentClosed
	s.seq = seq
	s.stype = stype
	s.category = category
	s.generation = generation
	s.writtenTo = segmentSize
}

// updateModifyTime folds n extents of average time timeMS into the
// segment's running average.
func (s *segmentInfo) updateModifyTime(timeMS int64, n uint64) {
	if n == 0 {
		return
	}
	total := s.numExtents + n
	s.modifyTimeMS = (s.modifyTimeMS*int64(s.numExtents) + timeMS*int64(n)) / int64(total)
	s.numExtents = total
}

func (s *segmentInfo) String() string {
	if s.isEmpty() {
		return "seg_info(empty)"
	}
	return fmt.Sprintf(
		"seg_info(%s %s %s %s %s, modify_time=%d, num_extents=%d, written_to=%d)",
		s.state, s.stype, s.seq, s.category, s.generation,
		s.modifyTimeMS, s.numExtents, s.writtenTo)
}

// timeMultiset is a multiset of modify times supporting min lookup.
type timeMultiset struct {
	counts map[int64]int
	size   int
}

func newTimeMultiset() *timeMultiset {
	return &timeMultiset{counts: make(map[int64]int)}
}

func (m *timeMultiset) insert(t int64) {
	m.counts[t]++
	m.size++
}

func (m *timeMultiset) erase(t int64) {
	n, ok := m.counts[t]
	if !ok {
		panic(fmt.Sprintf("cleaner: erasing absent modify time %d", t))
	}
	if n == 1 {
		delete(m.counts, t)
	} else {
		m.counts[t] = n - 1
	}
	m.size--
}

func (m *timeMultiset) clear() {
	m.counts = make(map[int64]int)
	m.size = 0
}

// min returns the smallest element, or 0 when empty.
func (m *timeMultiset) min() int64 {
	var out int64
	first := true
	for t := range m.counts {
		if first || t < out {
			out = t
			first = false
		}
	}
	return out
}

func (m *timeMultiset) empty() bool { return m.size == 0 }

// segmentsInfo tracks the aggregate state of every segment on every
// device: per-segment records, lifecycle counters, space aggregates, and
// the modify-time multiset backing the BENEFIT time bound.
type segmentsInfo struct {
	log      *logging.Logger
	segments addr.Map[segmentInfo]

	segmentSize int64

	// journalSegmentID is the most recently opened journal segment.
	journalSegmentID addr.SegmentID
	numInJournalOpen int
	numTypeJournal   int
	numTypeOOL       int

	numOpen   int
	numEmpty  int
	numClosed int

	countOpenJournal    int64
	countOpenOOL        int64
	countReleaseJournal int64
	countReleaseOOL     int64
	countCloseJournal   int64
	countCloseOOL       int64

	totalBytes       int64
	availBytesInOpen int64

	modifyTimes *timeMultiset
}

func newSegmentsInfo(log *logging.Logger) *segmentsInfo {
	return &segmentsInfo{
		log:              log.Named("segments"),
		journalSegmentID: addr.NullSegmentID,
		modifyTimes:      newTimeMultiset(),
	}
}

func (si *segmentsInfo) reset() {
	si.segments.Clear()
	si.segmentSize = 0
	si.journalSegmentID = addr.NullSegmentID
	si.numInJournalOpen = 0
	si.numTypeJournal = 0
	si.numTypeOOL = 0
	si.numOpen = 0
	si.numEmpty = 0
	si.numClosed = 0
	si.countOpenJournal = 0
	si.countOpenOOL = 0
	si.countReleaseJournal = 0
	si.countReleaseOOL = 0
	si.countCloseJournal = 0
	si.countCloseOOL = 0
	si.totalBytes = 0
	si.availBytesInOpen = 0
	si.modifyTimes.clear()
}

// addSegmentManager registers one device's segments. All devices must share
// one segment size.
func (si *segmentsInfo) addSegmentManager(sm device.SegmentManager) {
	d := sm.DeviceID()
	ssize := sm.SegmentSize()
	nsegments := sm.NumSegments()
	si.log.Infof("adding segment manager", map[string]any{
		"device":   d.String(),
		"size":     sm.Size(),
		"ssize":    ssize,
		"segments": nsegments,
	})
	if ssize <= 0 || nsegments <= 0 {
		panic(fmt.Sprintf("cleaner: bad device geometry %s: %d x %d", d, nsegments, ssize))
	}

	si.segments.AddDevice(d, nsegments, emptySegmentInfo())

	if si.segmentSize == 0 {
		si.segmentSize = ssize
	} else if si.segmentSize != ssize {
		panic(fmt.Sprintf("cleaner: segment size mismatch: %d != %d", ssize, si.segmentSize))
	}

	si.numEmpty += nsegments
	si.totalBytes += sm.Size()
}

func (si *segmentsInfo) get(id addr.SegmentID) *segmentInfo {
	return si.segments.Get(id)
}

func (si *segmentsInfo) forEach(fn func(addr.SegmentID, *segmentInfo) bool) {
	si.segments.ForEach(fn)
}

func (si *segmentsInfo) numSegments() int { return si.segments.Len() }

func (si *segmentsInfo) getSegmentSize() int64 { return si.segmentSize }

func (si *segmentsInfo) getTotalBytes() int64 { return si.totalBytes }

func (si *segmentsInfo) getAvailableBytes() int64 {
	return int64(si.numEmpty)*si.segmentSize + si.availBytesInOpen
}

func (si *segmentsInfo) getUnavailableBytes() int64 {
	return si.totalBytes - si.getAvailableBytes()
}

func (si *segmentsInfo) getAvailableRatio() float64 {
	if si.totalBytes == 0 {
		return 0
	}
	return float64(si.getAvailableBytes()) / float64(si.totalBytes)
}

// getTimeBound returns the minimum modify time across non-empty segments,
// or 0 when none carries one.
func (si *segmentsInfo) getTimeBound() int64 {
	if si.modifyTimes.empty() {
		return 0
	}
	return si.modifyTimes.min()
}

// getSubmittedJournalHead derives the journal head from the most recently
// opened journal segment's write cursor, or the null seq before any journal
// segment was opened.
func (si *segmentsInfo) getSubmittedJournalHead() addr.JournalSeq {
	if si.journalSegmentID.IsNull() {
		return addr.JournalSeqNull
	}
	info := si.get(si.journalSegmentID)
	return addr.JournalSeq{
		Seq: info.seq,
		Off: addr.MakeSegPaddr(si.journalSegmentID, info.writtenTo),
	}
}

func (si *segmentsInfo) initClosed(id addr.SegmentID, seq addr.SegmentSeq,
	stype addr.SegmentType, category addr.DataCategory, generation addr.ReclaimGen) {
	info := si.get(id)
	si.log.Debugf("initiating closed", map[string]any{
		"segment": id.String(), "type": stype.String(), "seq": seq.String(),
		"empty": si.numEmpty, "open": si.numOpen, "closed": si.numClosed,
	})
	if !info.isEmpty() {
		panic(fmt.Sprintf("cleaner: init_closed on non-empty %s: %s", id, info))
	}
	si.assertPositive(si.numEmpty, "num_empty")
	si.numEmpty--
	si.numClosed++
	if stype == addr.SegmentTypeJournal {
		// init_closed does not initialize journal_segment_id
		if !si.getSubmittedJournalHead().IsNull() {
			panic("cleaner: init_closed journal segment after journal open")
		}
		si.numTypeJournal++
	} else {
		si.numTypeOOL++
	}
	// release/close operation counts deliberately untouched

	info.initClosed(seq, stype, category, generation, si.segmentSize)
	if info.numExtents > 0 {
		si.modifyTimes.insert(info.modifyTimeMS)
	} else if info.modifyTimeMS != 0 {
		panic(fmt.Sprintf("cleaner: %s has modify time without extents: %s", id, info))
	}
}

func (si *segmentsInfo) markOpen(id addr.SegmentID, seq addr.SegmentSeq,
	stype addr.SegmentType, category addr.DataCategory, generation addr.ReclaimGen) {
	info := si.get(id)
	si.log.Infof("opening segment", map[string]any{
		"segment": id.String(), "type": stype.String(), "seq": seq.String(),
		"category": category.String(), "generation": generation.String(),
		"empty": si.numEmpty, "open": si.numOpen, "closed": si.numClosed,
	})
	if !info.isEmpty() {
		panic(fmt.Sprintf("cleaner: mark_open on non-empty %s: %s", id, info))
	}
	si.assertPositive(si.numEmpty, "num_empty")
	si.numEmpty--
	si.numOpen++
	if stype == addr.SegmentTypeJournal {
		if !si.journalSegmentID.IsNull() {
			last := si.get(si.journalSegmentID)
			if !last.isClosed() || last.stype != addr.SegmentTypeJournal {
				panic(fmt.Sprintf(
					"cleaner: previous journal segment %s not closed: %s",
					si.journalSegmentID, last))
			}
			if last.seq+1 != seq {
				panic(fmt.Sprintf(
					"cleaner: journal seq not consecutive: %s then %s", last.seq, seq))
			}
		}
		si.journalSegmentID = id
		si.numInJournalOpen++
		si.numTypeJournal++
		si.countOpenJournal++
	} else {
		si.numTypeOOL++
		si.countOpenOOL++
	}
	si.availBytesInOpen += si.segmentSize

	info.setOpen(seq, stype, category, generation)
}

func (si *segmentsInfo) markClosed(id addr.SegmentID) {
	info := si.get(id)
	si.log.Infof("closing segment", map[string]any{
		"segment": id.String(), "info": info.String(),
		"empty": si.numEmpty, "open": si.numOpen, "closed": si.numClosed,
	})
	if !info.isOpen() {
		panic(fmt.Sprintf("cleaner: mark_closed on non-open %s: %s", id, info))
	}
	si.assertPositive(si.numOpen, "num_open")
	si.numOpen--
	si.numClosed++
	if info.stype == addr.SegmentTypeJournal {
		si.assertPositive(si.numInJournalOpen, "num_in_journal_open")
		si.numInJournalOpen--
		si.countCloseJournal++
	} else {
		si.countCloseOOL++
	}
	if info.writtenTo > si.segmentSize {
		panic(fmt.Sprintf("cleaner: %s written_to %d beyond segment size", id, info.writtenTo))
	}
	segAvail := si.segmentSize - info.writtenTo
	if si.availBytesInOpen < segAvail {
		panic(fmt.Sprintf("cleaner: avail_bytes_in_open %d below %d", si.availBytesInOpen, segAvail))
	}
	si.availBytesInOpen -= segAvail

	if info.numExtents > 0 {
		si.modifyTimes.insert(info.modifyTimeMS)
	} else if info.modifyTimeMS != 0 {
		panic(fmt.Sprintf("cleaner: %s has modify time without extents: %s", id, info))
	}

	info.setClosed()
}

func (si *segmentsInfo) markEmpty(id addr.SegmentID) {
	info := si.get(id)
	si.log.Infof("releasing segment", map[string]any{
		"segment": id.String(), "info": info.String(),
		"empty": si.numEmpty, "open": si.numOpen, "closed": si.numClosed,
	})
	if !info.isClosed() {
		panic(fmt.Sprintf("cleaner: mark_empty on non-closed %s: %s", id, info))
	}
	si.assertPositive(si.numClosed, "num_closed")
	si.numClosed--
	si.numEmpty++
	if info.stype == addr.SegmentTypeJournal {
		si.assertPositive(si.numTypeJournal, "num_type_journal")
		si.numTypeJournal--
		si.countReleaseJournal++
	} else {
		si.assertPositive(si.numTypeOOL, "num_type_ool")
		si.numTypeOOL--
		si.countReleaseOOL++
	}

	if info.numExtents > 0 {
		si.modifyTimes.erase(info.modifyTimeMS)
	} else if info.modifyTimeMS != 0 {
		panic(fmt.Sprintf("cleaner: %s has modify time without extents: %s", id, info))
	}

	info.setEmpty()
}

// updateWrittenTo advances the write cursor of an open segment of the
// given type to offset's position.
func (si *segmentsInfo) updateWrittenTo(stype addr.SegmentType, offset addr.Paddr) {
	id := offset.SegmentID()
	info := si.get(id)
	if !info.isOpen() {
		panic(fmt.Sprintf("cleaner: update_written_to on non-open %s: %s", id, info))
	}
	if info.stype != stype {
		panic(fmt.Sprintf("cleaner: update_written_to type mismatch on %s: %s != %s",
			id, stype, info.stype))
	}

	newWrittenTo := offset.SegmentOff()
	if newWrittenTo > si.segmentSize {
		panic(fmt.Sprintf("cleaner: written_to %d beyond segment size %d",
			newWrittenTo, si.segmentSize))
	}
	if newWrittenTo < info.writtenTo {
		panic(fmt.Sprintf("cleaner: written_to regression on %s: %d -> %d",
			id, info.writtenTo, newWrittenTo))
	}
	deduction := newWrittenTo - info.writtenTo
	if si.availBytesInOpen < deduction {
		panic(fmt.Sprintf("cleaner: avail_bytes_in_open %d below deduction %d",
			si.availBytesInOpen, deduction))
	}
	si.availBytesInOpen -= deduction
	info.writtenTo = newWrittenTo
}

// updateModifyTime folds scanned record metadata into a segment that is
// still being reconstructed at mount.
func (si *segmentsInfo) updateModifyTime(id addr.SegmentID, timeMS int64, n uint64) {
	if timeMS == 0 && n != 0 {
		panic(fmt.Sprintf("cleaner: %d extents without a modify time on %s", n, id))
	}
	si.get(id).updateModifyTime(timeMS, n)
}

func (si *segmentsInfo) assertPositive(v int, name string) {
	if v <= 0 {
		panic(fmt.Sprintf("cleaner: %s underflow", name))
	}
}

func (si *segmentsInfo) String() string {
	return fmt.Sprintf(
		"segments(empty=%d, open=%d, closed=%d, type_journal=%d, type_ool=%d, "+
			"total=%dB, available=%dB, unavailable=%dB, available_ratio=%.3f, "+
			"submitted_head=%s, time_bound=%d)",
		si.numEmpty, si.numOpen, si.numClosed, si.numTypeJournal, si.numTypeOOL,
		si.totalBytes, si.getAvailableBytes(), si.getUnavailableBytes(),
		si.getAvailableRatio(), si.getSubmittedJournalHead(), si.getTimeBound())
}
