package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/config"
	"github.com/seglog-io/seglog/internal/device"
	"github.com/seglog-io/seglog/internal/logging"
	"github.com/seglog-io/seglog/internal/metrics"
	"github.com/seglog-io/seglog/internal/tracker"
)

// Options carries the injected collaborators of an AsyncCleaner that are
// not part of the storage contract.
type Options struct {
	Log     *logging.Logger
	Metrics *metrics.CleanerMetrics
}

type cleanerStats struct {
	usedBytes          int64
	projectedUsedBytes int64

	projectedCount        int64
	projectedUsedBytesSum int64

	ioCount               int64
	ioBlockedCount        int64
	ioBlockedCountTrim    int64
	ioBlockedCountReclaim int64
	ioBlockedSum          int64
	ioBlockingNum         int64

	reclaimingBytes       int64
	reclaimedBytes        int64
	reclaimedSegmentBytes int64

	closedJournalUsedBytes  int64
	closedJournalTotalBytes int64
	closedOOLUsedBytes      int64
	closedOOLTotalBytes     int64
}

// AsyncCleaner owns the segment lifecycle, the space accounting, the
// journal-tail bookkeeping and the GC cycles of one shard.
//
// Bookkeeping mutations run atomically under mu; collaborator calls
// (device I/O, transactions) never happen with mu held. Foreground writers
// suspend only in ReserveProjectedUsage, on a single-slot wake channel.
type AsyncCleaner struct {
	cfg     config.CleanerConfig
	log     *logging.Logger
	metrics *metrics.CleanerMetrics

	group    *device.Group
	backrefs BackrefManager
	ecb      ExtentCallback

	oolSeqAllocator *SegmentSeqAllocator

	mu           sync.Mutex
	segments     *segmentsInfo
	spaceTracker tracker.SpaceTracker

	journalHead      addr.JournalSeq
	journalDirtyTail addr.JournalSeq
	journalAllocTail addr.JournalSeq

	initComplete bool
	stats        cleanerStats
	utilBuckets  [metrics.UtilizationBuckets]int64

	// blockedIOWake is the single admission waiter, nil when none. The
	// pipeline guarantees at most one IO is in prepare at a time.
	blockedIOWake chan struct{}

	// reclaimState is touched only by the GC goroutine.
	reclaimState *reclaimState

	gcProcess *gcProcess
}

// New builds an AsyncCleaner over the device group and collaborator
// interfaces. Mount must run before any other operation.
func New(cfg config.CleanerConfig, group *device.Group, backrefs BackrefManager,
	ecb ExtentCallback, opts Options) *AsyncCleaner {
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	log = log.Named("cleaner")
	c := &AsyncCleaner{
		cfg:              cfg,
		log:              log,
		metrics:          opts.Metrics,
		group:            group,
		backrefs:         backrefs,
		ecb:              ecb,
		oolSeqAllocator:  NewSegmentSeqAllocator(addr.SegmentTypeOOL),
		segments:         newSegmentsInfo(log),
		journalHead:      addr.JournalSeqNull,
		journalDirtyTail: addr.JournalSeqNull,
		journalAllocTail: addr.JournalSeqNull,
	}
	c.gcProcess = newGCProcess(c)
	return c
}

// OOLSeqAllocator returns the sequence allocator for out-of-line segments.
func (c *AsyncCleaner) OOLSeqAllocator() *SegmentSeqAllocator {
	return c.oolSeqAllocator
}

// Stop terminates the GC process and waits for the in-flight cycle.
func (c *AsyncCleaner) Stop() {
	c.gcProcess.stop()
	c.log.Infof("stopped", map[string]any{"state": c.gcStatsString(true)})
}

// AllocateSegment opens the first empty segment with the given parameters
// and returns its id. Running out of empty segments is fatal: callers must
// have reserved space first.
func (c *AsyncCleaner) AllocateSegment(seq addr.SegmentSeq, stype addr.SegmentType,
	category addr.DataCategory, generation addr.ReclaimGen) addr.SegmentID {
	if seq.IsNull() {
		panic("cleaner: allocate_segment with null seq")
	}
	c.mu.Lock()
	found := addr.NullSegmentID
	c.segments.forEach(func(id addr.SegmentID, info *segmentInfo) bool {
		if info.isEmpty() {
			found = id
			return false
		}
		return true
	})
	if found.IsNull() {
		c.log.Errorf("out of space", map[string]any{
			"type": stype.String(), "seq": seq.String(),
			"category": category.String(), "generation": generation.String(),
		})
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: out of space allocating %s %s", stype, seq))
	}
	oldUsage := c.calcUtilizationLocked(found)
	c.segments.markOpen(found, seq, stype, category, generation)
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(found))
	if c.metrics != nil {
		if stype == addr.SegmentTypeJournal {
			c.metrics.CountOpenJournal.Inc()
		} else {
			c.metrics.CountOpenOOL.Inc()
		}
	}
	c.refreshGaugesLocked()
	c.log.Infof("opened", map[string]any{"segment": found.String(), "state": c.gcStatsStringLocked(false)})
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
	return found
}

// CloseSegment freezes an open segment's write cursor and accounts its
// closing statistics.
func (c *AsyncCleaner) CloseSegment(id addr.SegmentID) {
	c.mu.Lock()
	oldUsage := c.calcUtilizationLocked(id)
	c.segments.markClosed(id)
	info := c.segments.get(id)
	used := c.spaceTracker.GetUsage(id)
	if info.stype == addr.SegmentTypeJournal {
		c.stats.closedJournalUsedBytes += used
		c.stats.closedJournalTotalBytes += c.segments.getSegmentSize()
		if c.metrics != nil {
			c.metrics.ClosedJournalUsedBytes.Add(float64(used))
			c.metrics.ClosedJournalTotalBytes.Add(float64(c.segments.getSegmentSize()))
			c.metrics.CountCloseJournal.Inc()
		}
	} else {
		c.stats.closedOOLUsedBytes += used
		c.stats.closedOOLTotalBytes += c.segments.getSegmentSize()
		if c.metrics != nil {
			c.metrics.ClosedOOLUsedBytes.Add(float64(used))
			c.metrics.ClosedOOLTotalBytes.Add(float64(c.segments.getSegmentSize()))
			c.metrics.CountCloseOOL.Inc()
		}
	}
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(id))
	c.refreshGaugesLocked()
	c.log.Infof("closed", map[string]any{
		"segment": id.String(), "info": info.String(),
		"state": c.gcStatsStringLocked(false),
	})
	c.mu.Unlock()
}

// UpdateWrittenTo advances the write cursor of the open segment containing
// offset. The offset must not regress.
func (c *AsyncCleaner) UpdateWrittenTo(stype addr.SegmentType, offset addr.Paddr) {
	c.mu.Lock()
	c.segments.updateWrittenTo(stype, offset)
	c.refreshGaugesLocked()
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
}

// SetJournalHead records the highest submitted journal sequence. The head
// never regresses and never drops below either tail.
func (c *AsyncCleaner) SetJournalHead(head addr.JournalSeq) {
	c.mu.Lock()
	if head.IsNull() {
		c.mu.Unlock()
		panic("cleaner: null journal head")
	}
	if !c.journalHead.IsNull() && head.Before(c.journalHead) {
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: journal head regression %s -> %s", c.journalHead, head))
	}
	if (!c.journalDirtyTail.IsNull() && head.Before(c.journalDirtyTail)) ||
		(!c.journalAllocTail.IsNull() && head.Before(c.journalAllocTail)) {
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: journal head %s below tails (dirty=%s, alloc=%s)",
			head, c.journalDirtyTail, c.journalAllocTail))
	}
	c.journalHead = head
	c.refreshGaugesLocked()
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
}

// UpdateJournalTails advances the journal tails. A null argument leaves
// that tail unchanged; regressions are fatal.
func (c *AsyncCleaner) UpdateJournalTails(dirtyTail, allocTail addr.JournalSeq) {
	c.mu.Lock()
	if !dirtyTail.IsNull() {
		if dirtyTail.Off.Type() == addr.PaddrTypeRandomBlock {
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: dirty tail %s on random-block device", dirtyTail))
		}
		if !c.journalHead.IsNull() && c.journalHead.Before(dirtyTail) {
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: dirty tail %s beyond head %s", dirtyTail, c.journalHead))
		}
		if !c.journalDirtyTail.IsNull() && c.journalDirtyTail.After(dirtyTail) {
			c.log.Errorf("journal dirty tail is backwards", map[string]any{
				"current": c.journalDirtyTail.String(), "new": dirtyTail.String(),
			})
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: dirty tail regression %s -> %s",
				c.journalDirtyTail, dirtyTail))
		}
		c.journalDirtyTail = dirtyTail
	}
	if !allocTail.IsNull() {
		if allocTail.Off.Type() == addr.PaddrTypeRandomBlock {
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: alloc tail %s on random-block device", allocTail))
		}
		if !c.journalHead.IsNull() && c.journalHead.Before(allocTail) {
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: alloc tail %s beyond head %s", allocTail, c.journalHead))
		}
		if !c.journalAllocTail.IsNull() && c.journalAllocTail.After(allocTail) {
			c.log.Errorf("journal alloc tail is backwards", map[string]any{
				"current": c.journalAllocTail.String(), "new": allocTail.String(),
			})
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: alloc tail regression %s -> %s",
				c.journalAllocTail, allocTail))
		}
		c.journalAllocTail = allocTail
	}
	c.refreshGaugesLocked()
	c.maybeWakeGCBlockedIOLocked()
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
}

// MarkSpaceUsed accounts length live bytes at p. Before init completes,
// only init-scan calls take effect.
func (c *AsyncCleaner) MarkSpaceUsed(p addr.Paddr, length int64, initScan bool) {
	if p.Type() != addr.PaddrTypeSegment {
		return
	}
	c.mu.Lock()
	if !initScan && !c.initComplete {
		c.mu.Unlock()
		return
	}
	seg := p.SegmentID()
	c.stats.usedBytes += length
	oldUsage := c.calcUtilizationLocked(seg)
	c.spaceTracker.Allocate(seg, p.SegmentOff(), length)
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(seg))
	c.refreshGaugesLocked()
	live := c.spaceTracker.GetUsage(seg)
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
	c.log.Debugf("space used", map[string]any{
		"addr": p.String(), "len": length, "live_bytes": live,
	})
}

// MarkSpaceFree releases length live bytes at p.
func (c *AsyncCleaner) MarkSpaceFree(p addr.Paddr, length int64, initScan bool) {
	c.mu.Lock()
	if !initScan && !c.initComplete {
		c.mu.Unlock()
		return
	}
	if p.Type() != addr.PaddrTypeSegment {
		c.mu.Unlock()
		return
	}
	if c.stats.usedBytes < length {
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: freeing %d bytes with only %d used", length, c.stats.usedBytes))
	}
	seg := p.SegmentID()
	c.stats.usedBytes -= length
	oldUsage := c.calcUtilizationLocked(seg)
	c.spaceTracker.Release(seg, p.SegmentOff(), length)
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(seg))
	c.refreshGaugesLocked()
	c.maybeWakeGCBlockedIOLocked()
	live := c.spaceTracker.GetUsage(seg)
	c.mu.Unlock()
	c.log.Debugf("space freed", map[string]any{
		"addr": p.String(), "len": length, "live_bytes": live,
	})
}

// ReserveProjectedUsage blocks the caller until admitting its projected
// byte footprint keeps the engine within the hard limits, then reserves
// it. At most one caller may be waiting at a time. The returned error is
// non-nil only when ctx is cancelled.
func (c *AsyncCleaner) ReserveProjectedUsage(ctx context.Context, projected int64) error {
	c.mu.Lock()
	if !c.initComplete {
		c.mu.Unlock()
		panic("cleaner: reserve before init complete")
	}
	// The pipeline configuration prevents another IO from entering prepare
	// until the prior one exits and clears this.
	if c.blockedIOWake != nil {
		c.mu.Unlock()
		panic("cleaner: concurrent reserve_projected_usage")
	}
	c.stats.ioCount++
	if c.metrics != nil {
		c.metrics.IOCount.Inc()
	}
	isBlocked := false
	if c.shouldBlockOnTrimLocked() {
		isBlocked = true
		c.stats.ioBlockedCountTrim++
		if c.metrics != nil {
			c.metrics.IOBlockedCountTrim.Inc()
		}
	}
	if c.shouldBlockOnReclaimLocked() {
		isBlocked = true
		c.stats.ioBlockedCountReclaim++
		if c.metrics != nil {
			c.metrics.IOBlockedCountReclaim.Inc()
		}
	}
	if isBlocked {
		c.stats.ioBlockingNum++
		c.stats.ioBlockedCount++
		c.stats.ioBlockedSum += c.stats.ioBlockingNum
		if c.metrics != nil {
			c.metrics.IOBlockedCount.Inc()
			c.metrics.IOBlockedSum.Add(float64(c.stats.ioBlockingNum))
		}
	}

	for c.shouldBlockOnGCLocked() {
		c.logGCStateLocked("await_hard_limits")
		wake := make(chan struct{})
		c.blockedIOWake = wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			c.mu.Lock()
			if c.blockedIOWake == wake {
				c.blockedIOWake = nil
			}
			if isBlocked {
				c.stats.ioBlockingNum--
			}
			c.mu.Unlock()
			return ctx.Err()
		}
		c.mu.Lock()
	}

	if c.blockedIOWake != nil {
		c.mu.Unlock()
		panic("cleaner: waiter present after admission")
	}
	c.stats.projectedUsedBytes += projected
	c.stats.projectedCount++
	c.stats.projectedUsedBytesSum += c.stats.projectedUsedBytes
	if c.metrics != nil {
		c.metrics.ProjectedCount.Inc()
		c.metrics.ProjectedUsedBytesSum.Add(float64(c.stats.projectedUsedBytes))
	}
	if isBlocked {
		if c.stats.ioBlockingNum <= 0 {
			c.mu.Unlock()
			panic("cleaner: io_blocking_num underflow")
		}
		c.stats.ioBlockingNum--
	}
	c.mu.Unlock()
	return nil
}

// ReleaseProjectedUsage returns a reservation and wakes a GC-blocked
// waiter if the release unblocks it.
func (c *AsyncCleaner) ReleaseProjectedUsage(projected int64) {
	c.mu.Lock()
	if !c.initComplete {
		c.mu.Unlock()
		panic("cleaner: release before init complete")
	}
	if c.stats.projectedUsedBytes < projected {
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: releasing %d projected bytes with only %d reserved",
			projected, c.stats.projectedUsedBytes))
	}
	c.stats.projectedUsedBytes -= projected
	c.maybeWakeGCBlockedIOLocked()
	c.mu.Unlock()
}

// maybeWakeGCBlockedIOLocked wakes the admission waiter iff the blocking
// condition has cleared.
func (c *AsyncCleaner) maybeWakeGCBlockedIOLocked() {
	if c.blockedIOWake != nil && !c.shouldBlockOnGCLocked() {
		close(c.blockedIOWake)
		c.blockedIOWake = nil
	}
}

// ---- derived quantities ----

func (c *AsyncCleaner) calcUtilizationLocked(id addr.SegmentID) float64 {
	return float64(c.spaceTracker.GetUsage(id)) / float64(c.segments.getSegmentSize())
}

func utilBucket(u float64) int {
	i := int(u * metrics.UtilizationBuckets)
	if i >= metrics.UtilizationBuckets {
		i = metrics.UtilizationBuckets - 1
	}
	return i
}

func (c *AsyncCleaner) adjustSegmentUtilLocked(oldUsage, newUsage float64) {
	from, to := utilBucket(oldUsage), utilBucket(newUsage)
	if from == to {
		return
	}
	c.utilBuckets[from]--
	c.utilBuckets[to]++
	if c.metrics != nil {
		c.metrics.MoveUtilizationBucket(from, to)
	}
}

// journalTailLocked is the lower of the two tails.
func (c *AsyncCleaner) journalTailLocked() addr.JournalSeq {
	if c.journalDirtyTail.IsNull() {
		return c.journalAllocTail
	}
	if c.journalAllocTail.IsNull() {
		return c.journalDirtyTail
	}
	return c.journalDirtyTail.Min(c.journalAllocTail)
}

// journalLinearLocked maps a journal position to a linear byte offset.
func (c *AsyncCleaner) journalLinearLocked(j addr.JournalSeq) int64 {
	return int64(j.Seq)*c.segments.getSegmentSize() + j.Off.SegmentOff()
}

// journalDistanceLocked is the byte distance from tail up to head.
func (c *AsyncCleaner) journalDistanceLocked(head, tail addr.JournalSeq) int64 {
	if head.IsNull() || tail.IsNull() {
		return 0
	}
	d := c.journalLinearLocked(head) - c.journalLinearLocked(tail)
	if d < 0 {
		panic(fmt.Sprintf("cleaner: tail %s beyond head %s", tail, head))
	}
	return d
}

// journalSeqSubLocked walks a journal position backwards by bytes, clamped
// at the journal origin.
func (c *AsyncCleaner) journalSeqSubLocked(j addr.JournalSeq, bytes int64) addr.JournalSeq {
	segSize := c.segments.getSegmentSize()
	pos := c.journalLinearLocked(j) - bytes
	if pos < 0 {
		pos = 0
	}
	return addr.JournalSeq{
		Seq: addr.SegmentSeq(pos / segSize),
		Off: j.Off.WithSegmentOff(pos % segSize),
	}
}

func (c *AsyncCleaner) dirtyJournalBytesLocked() int64 {
	return c.journalDistanceLocked(c.journalHead, c.journalDirtyTail)
}

func (c *AsyncCleaner) allocJournalBytesLocked() int64 {
	return c.journalDistanceLocked(c.journalHead, c.journalAllocTail)
}

func (c *AsyncCleaner) dirtyTailTargetLocked() addr.JournalSeq {
	target := c.journalSeqSubLocked(c.journalHead, c.cfg.TargetJournalDirtyBytes)
	if !c.journalDirtyTail.IsNull() &&
		c.journalLinearLocked(target) < c.journalLinearLocked(c.journalDirtyTail) {
		return c.journalDirtyTail
	}
	return target
}

func (c *AsyncCleaner) allocTailTargetLocked() addr.JournalSeq {
	target := c.journalSeqSubLocked(c.journalHead, c.cfg.TargetJournalAllocBytes)
	if !c.journalAllocTail.IsNull() &&
		c.journalLinearLocked(target) < c.journalLinearLocked(c.journalAllocTail) {
		return c.journalAllocTail
	}
	return target
}

// segmentsInJournalLocked counts non-empty journal segments still covering
// addresses at or above the journal tail.
func (c *AsyncCleaner) segmentsInJournalLocked() int {
	tail := c.journalTailLocked()
	count := 0
	c.segments.forEach(func(_ addr.SegmentID, info *segmentInfo) bool {
		if !info.isEmpty() && info.isInJournal(tail) {
			count++
		}
		return true
	})
	return count
}

func (c *AsyncCleaner) closedSegmentsInJournalLocked() int {
	tail := c.journalTailLocked()
	count := 0
	c.segments.forEach(func(_ addr.SegmentID, info *segmentInfo) bool {
		if info.isClosed() && info.isInJournal(tail) {
			count++
		}
		return true
	})
	return count
}

func (c *AsyncCleaner) segmentsReclaimableLocked() int {
	return c.segments.numClosed - c.closedSegmentsInJournalLocked()
}

func (c *AsyncCleaner) unavailableUnreclaimableBytesLocked() int64 {
	segSize := c.segments.getSegmentSize()
	total := int64(c.segments.numOpen+c.closedSegmentsInJournalLocked()) * segSize
	if total < c.segments.availBytesInOpen {
		panic("cleaner: avail_bytes_in_open above unreclaimable space")
	}
	return total - c.segments.availBytesInOpen
}

func (c *AsyncCleaner) unavailableReclaimableBytesLocked() int64 {
	out := int64(c.segmentsReclaimableLocked()) * c.segments.getSegmentSize()
	if out+c.unavailableUnreclaimableBytesLocked() != c.segments.getUnavailableBytes() {
		panic("cleaner: unavailable-space accounting drifted")
	}
	return out
}

func (c *AsyncCleaner) unavailableUnusedBytesLocked() int64 {
	return c.segments.getUnavailableBytes() - c.stats.usedBytes
}

func (c *AsyncCleaner) reclaimRatioLocked() float64 {
	unavailable := c.segments.getUnavailableBytes()
	if unavailable == 0 {
		return 0
	}
	return float64(c.unavailableReclaimableBytesLocked()) / float64(unavailable)
}

func (c *AsyncCleaner) projectedAvailableRatioLocked() float64 {
	total := c.segments.getTotalBytes()
	if total == 0 {
		return 0
	}
	return float64(c.segments.getAvailableBytes()-c.stats.projectedUsedBytes) / float64(total)
}

// ---- predicates ----

func (c *AsyncCleaner) shouldBlockOnTrimLocked() bool {
	return c.journalDistanceLocked(c.journalHead, c.journalTailLocked()) > c.cfg.JournalTailLimitBytes
}

func (c *AsyncCleaner) shouldBlockOnReclaimLocked() bool {
	return c.projectedAvailableRatioLocked() < c.cfg.AvailableRatioHardLimit
}

func (c *AsyncCleaner) shouldBlockOnGCLocked() bool {
	return c.shouldBlockOnTrimLocked() || c.shouldBlockOnReclaimLocked()
}

func (c *AsyncCleaner) gcShouldTrimDirtyLocked() bool {
	return c.dirtyJournalBytesLocked() > c.cfg.TargetJournalDirtyBytes
}

func (c *AsyncCleaner) gcShouldTrimAllocLocked() bool {
	return c.allocJournalBytesLocked() > c.cfg.TargetJournalAllocBytes
}

func (c *AsyncCleaner) gcShouldReclaimSpaceLocked() bool {
	return c.projectedAvailableRatioLocked() < c.cfg.AvailableRatioGCStart &&
		c.segmentsReclaimableLocked() > 0
}

func (c *AsyncCleaner) gcShouldRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initComplete &&
		(c.gcShouldTrimAllocLocked() || c.gcShouldTrimDirtyLocked() ||
			c.gcShouldReclaimSpaceLocked())
}

// ---- GC cycles ----

// doGCCycle runs at most one cycle, preferring trim-alloc, then
// trim-dirty, then reclaim. Cycle errors other than transient conflicts
// are fatal: the device is unusable.
func (c *AsyncCleaner) doGCCycle(ctx context.Context) {
	c.mu.Lock()
	trimAlloc := c.gcShouldTrimAllocLocked()
	trimDirty := !trimAlloc && c.gcShouldTrimDirtyLocked()
	reclaim := !trimAlloc && !trimDirty && c.gcShouldReclaimSpaceLocked()
	c.mu.Unlock()

	var err error
	switch {
	case trimAlloc:
		err = c.gcTrimAlloc(ctx)
	case trimDirty:
		err = c.gcTrimDirty(ctx)
	case reclaim:
		err = c.gcReclaimSpace(ctx)
	}
	if err != nil {
		c.log.Errorf("gc cycle failed", map[string]any{"error": err.Error()})
		panic(fmt.Sprintf("cleaner: gc cycle failed: %v", err))
	}
}

// repeatEagain retries fn until it stops returning transient conflicts.
func (c *AsyncCleaner) repeatEagain(name string, fn func() error) error {
	for {
		err := fn()
		if errors.Is(err, ErrEagain) {
			c.log.Debugf("transaction conflict, retrying", map[string]any{"cycle": name})
			continue
		}
		return err
	}
}

func (c *AsyncCleaner) cycleLogger() *logging.Logger {
	return c.log.WithCorrelationID(newCycleID())
}

func (c *AsyncCleaner) gcTrimAlloc(ctx context.Context) error {
	log := c.cycleLogger()
	return c.repeatEagain("trim_alloc", func() error {
		return c.ecb.WithTransaction(ctx, SrcCleanerTrimAlloc, "trim_alloc", func(t Transaction) error {
			c.mu.Lock()
			target := c.allocTailTargetLocked()
			c.mu.Unlock()
			log.Debugf("trim alloc", map[string]any{"target": target.String()})
			trimmedTo, err := c.backrefs.MergeCachedBackrefs(
				ctx, t, target, c.cfg.RewriteBackrefBytesPerCycle)
			if err != nil {
				return err
			}
			if trimmedTo.IsNull() {
				return nil
			}
			return c.ecb.SubmitTransaction(ctx, t, &trimmedTo)
		})
	})
}

func (c *AsyncCleaner) gcTrimDirty(ctx context.Context) error {
	log := c.cycleLogger()
	return c.repeatEagain("trim_dirty", func() error {
		return c.ecb.WithTransaction(ctx, SrcCleanerTrimDirty, "trim_dirty", func(t Transaction) error {
			c.mu.Lock()
			target := c.dirtyTailTargetLocked()
			c.mu.Unlock()
			dirty, err := c.ecb.GetNextDirtyExtents(
				ctx, t, target, c.cfg.RewriteDirtyBytesPerCycle)
			if err != nil {
				return err
			}
			log.Debugf("rewriting dirty extents", map[string]any{"count": len(dirty)})
			for _, e := range dirty {
				if err := c.ecb.RewriteExtent(ctx, t, e, addr.DirtyGeneration, 0); err != nil {
					return err
				}
			}
			return c.ecb.SubmitTransaction(ctx, t, nil)
		})
	})
}

func (c *AsyncCleaner) gcReclaimSpace(ctx context.Context) error {
	log := c.cycleLogger()
	if c.reclaimState == nil {
		c.mu.Lock()
		id := c.nextReclaimSegmentLocked()
		info := c.segments.get(id)
		if !info.isClosed() {
			c.mu.Unlock()
			panic(fmt.Sprintf("cleaner: reclaim victim %s not closed: %s", id, info))
		}
		log.Infof("reclaim start", map[string]any{
			"segment":    id.String(),
			"info":       info.String(),
			"usage":      c.calcUtilizationLocked(id),
			"time_bound": c.segments.getTimeBound(),
		})
		c.reclaimState = newReclaimState(id, info.generation, c.segments.getSegmentSize())
		c.mu.Unlock()
	}
	rs := c.reclaimState
	rs.advance(c.cfg.ReclaimBytesPerCycle)
	log.Debugf("reclaiming", map[string]any{
		"generation": rs.targetGeneration.String(),
		"start":      rs.startPos,
		"end":        rs.endPos,
	})

	// The persisted mappings are fetched over an idempotent read
	// transaction; the cursor's range stays fixed across retries.
	var pins []BackrefEntry
	err := c.repeatEagain("get_backref_mappings", func() error {
		return c.ecb.WithTransaction(ctx, SrcRead, "get_backref_mappings", func(t Transaction) error {
			var err error
			pins, err = c.backrefs.GetMappings(ctx, t, rs.startPaddr(), rs.endPaddr())
			return err
		})
	})
	if err != nil {
		return err
	}

	var reclaimed int64
	var released Transaction
	err = c.repeatEagain("reclaim_space", func() error {
		reclaimed = 0
		released = nil
		return c.ecb.WithTransaction(ctx, SrcCleanerReclaim, "reclaim_space", func(t Transaction) error {
			extents, err := c.backrefs.RetrieveBackrefExtentsInRange(
				ctx, t, rs.startPaddr(), rs.endPaddr())
			if err != nil {
				return err
			}

			// Combine persisted pins with cached deltas: a cached entry
			// with a null laddr retires the matching pin, anything else is
			// a fresh allocation.
			backrefs := make(map[addr.Paddr]BackrefEntry, len(pins))
			for _, pin := range pins {
				backrefs[pin.Paddr] = pin
			}
			for _, cached := range c.backrefs.GetCachedBackrefEntriesInRange(
				rs.startPaddr(), rs.endPaddr()) {
				if cached.Laddr.IsNull() {
					prev, ok := backrefs[cached.Paddr]
					if !ok {
						panic(fmt.Sprintf("cleaner: retirement of unknown backref %s", cached.Paddr))
					}
					if prev.Len != cached.Len {
						panic(fmt.Sprintf("cleaner: retirement length mismatch at %s: %d != %d",
							cached.Paddr, prev.Len, cached.Len))
					}
					delete(backrefs, cached.Paddr)
				} else {
					backrefs[cached.Paddr] = cached
				}
			}

			live, err := c.retrieveLiveExtents(ctx, t, backrefs)
			if err != nil {
				return err
			}
			extents = append(extents, live...)

			c.mu.Lock()
			modifyTime := c.segments.get(rs.segment).modifyTimeMS
			c.mu.Unlock()
			for _, ext := range extents {
				reclaimed += ext.Length
				if err := c.ecb.RewriteExtent(ctx, t, ext, rs.targetGeneration, modifyTime); err != nil {
					return err
				}
			}

			if rs.isComplete() {
				t.MarkSegmentToRelease(rs.segment)
				released = t
			}
			return c.ecb.SubmitTransaction(ctx, t, nil)
		})
	})
	if err != nil {
		return err
	}
	if released != nil {
		if err := c.maybeReleaseSegment(ctx, released); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.stats.reclaimingBytes += reclaimed
	if rs.isComplete() {
		log.Infof("reclaim finish", map[string]any{
			"segment":         rs.segment.String(),
			"reclaimed_bytes": c.stats.reclaimingBytes,
		})
		c.stats.reclaimedBytes += c.stats.reclaimingBytes
		c.stats.reclaimedSegmentBytes += c.segments.getSegmentSize()
		if c.metrics != nil {
			c.metrics.ReclaimedBytes.Add(float64(c.stats.reclaimingBytes))
			c.metrics.ReclaimedSegmentBytes.Add(float64(c.segments.getSegmentSize()))
		}
		c.stats.reclaimingBytes = 0
		c.reclaimState = nil
	}
	c.mu.Unlock()
	return nil
}

// retrieveLiveExtents asks the record engine which backref entries are
// still live and returns their extents, in ascending physical order.
func (c *AsyncCleaner) retrieveLiveExtents(ctx context.Context, t Transaction,
	backrefs map[addr.Paddr]BackrefEntry) ([]*Extent, error) {
	order := make([]addr.Paddr, 0, len(backrefs))
	for p := range backrefs {
		order = append(order, p)
	}
	sortPaddrs(order)

	var out []*Extent
	for _, p := range order {
		ent := backrefs[p]
		live, err := c.ecb.GetExtentsIfLive(ctx, t, ent.Type, ent.Paddr, ent.Laddr, ent.Len)
		if err != nil {
			return nil, err
		}
		if len(live) == 0 {
			c.log.Debugf("extent dead, skipping", map[string]any{"addr": ent.Paddr.String()})
			continue
		}
		out = append(out, live...)
	}
	return out, nil
}

// maybeReleaseSegment finishes a committed transaction that marked a
// segment for release: the device gives the space back, the accounting must
// agree the segment is dead, and the segment returns to the empty pool.
func (c *AsyncCleaner) maybeReleaseSegment(ctx context.Context, t Transaction) error {
	toRelease := t.SegmentToRelease()
	if toRelease.IsNull() {
		return nil
	}
	c.log.Infof("releasing segment", map[string]any{"segment": toRelease.String()})
	if err := c.group.ReleaseSegment(ctx, toRelease); err != nil {
		return err
	}
	c.mu.Lock()
	oldUsage := c.calcUtilizationLocked(toRelease)
	if c.spaceTracker.GetUsage(toRelease) != 0 {
		dump := c.spaceTracker.DumpUsage(toRelease)
		c.mu.Unlock()
		panic(fmt.Sprintf("cleaner: releasing %s with live bytes: %s", toRelease, dump))
	}
	stype := c.segments.get(toRelease).stype
	c.segments.markEmpty(toRelease)
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(toRelease))
	if c.metrics != nil {
		if stype == addr.SegmentTypeJournal {
			c.metrics.CountReleaseJournal.Inc()
		} else {
			c.metrics.CountReleaseOOL.Inc()
		}
	}
	c.refreshGaugesLocked()
	c.log.Infof("released", map[string]any{"state": c.gcStatsStringLocked(false)})
	c.maybeWakeGCBlockedIOLocked()
	c.mu.Unlock()
	c.gcProcess.maybeWakeOnSpaceUsed()
	return nil
}

// nextReclaimSegmentLocked picks the closed, out-of-journal segment with
// the best benefit-cost score. Ties break towards the lowest segment id.
// The caller must have checked segmentsReclaimable > 0.
func (c *AsyncCleaner) nextReclaimSegmentLocked() addr.SegmentID {
	var nowMS int64
	if activeGCFormula != formulaGreedy {
		nowMS = time.Now().UnixMilli()
	}
	var boundMS int64
	if activeGCFormula == formulaBenefit {
		boundMS = c.segments.getTimeBound()
		if boundMS == 0 {
			c.log.Warn("benefit formula without a time bound")
		}
	}

	tail := c.journalTailLocked()
	best := addr.NullSegmentID
	bestScore := 0.0
	c.segments.forEach(func(id addr.SegmentID, info *segmentInfo) bool {
		if info.isClosed() && !info.isInJournal(tail) {
			score := calcBenefitCost(c.calcUtilizationLocked(id), info.modifyTimeMS, nowMS, boundMS)
			if score > bestScore {
				best = id
				bestScore = score
			}
		}
		return true
	})
	if best.IsNull() {
		// see gcShouldReclaimSpaceLocked
		panic("cleaner: no reclaimable segment despite reclaim gate")
	}
	c.log.Debugf("picked reclaim segment", map[string]any{
		"segment": best.String(), "benefit_cost": bestScore,
	})
	return best
}

// ---- state rendering / metrics ----

func (c *AsyncCleaner) logGCState(caller string) {
	if !c.log.Enabled(logging.LevelDebug) {
		return
	}
	c.mu.Lock()
	state := c.gcStatsStringLocked(true)
	c.mu.Unlock()
	c.log.Debugf("gc state", map[string]any{"caller": caller, "state": state})
}

func (c *AsyncCleaner) logGCStateLocked(caller string) {
	if !c.log.Enabled(logging.LevelDebug) {
		return
	}
	c.log.Debugf("gc state", map[string]any{
		"caller": caller, "state": c.gcStatsStringLocked(true),
	})
}

func (c *AsyncCleaner) gcStatsString(detailed bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gcStatsStringLocked(detailed)
}

func (c *AsyncCleaner) gcStatsStringLocked(detailed bool) string {
	var s string
	if c.initComplete {
		s = fmt.Sprintf(
			"gc_stats(should_block_on_(trim=%t, reclaim=%t), "+
				"should_(trim_dirty=%t, trim_alloc=%t, reclaim=%t)",
			c.shouldBlockOnTrimLocked(), c.shouldBlockOnReclaimLocked(),
			c.gcShouldTrimDirtyLocked(), c.gcShouldTrimAllocLocked(),
			c.gcShouldReclaimSpaceLocked())
	} else {
		s = "gc_stats(init"
	}
	s += fmt.Sprintf(", projected_avail_ratio=%.3f, reclaim_ratio=%.3f)",
		c.projectedAvailableRatioLocked(), c.reclaimRatioLocked())
	if detailed {
		s += fmt.Sprintf(", journal_head=%s, alloc_tail=%s, dirty_tail=%s, %s",
			c.journalHead, c.journalAllocTail, c.journalDirtyTail, c.segments)
	}
	return s
}

func (c *AsyncCleaner) refreshGaugesLocked() {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.SegmentsNumber.Set(float64(c.segments.numSegments()))
	m.SegmentSize.Set(float64(c.segments.getSegmentSize()))
	m.SegmentsInJournal.Set(float64(c.segmentsInJournalLocked()))
	m.SegmentsTypeJournal.Set(float64(c.segments.numTypeJournal))
	m.SegmentsTypeOOL.Set(float64(c.segments.numTypeOOL))
	m.SegmentsOpen.Set(float64(c.segments.numOpen))
	m.SegmentsEmpty.Set(float64(c.segments.numEmpty))
	m.SegmentsClosed.Set(float64(c.segments.numClosed))

	m.TotalBytes.Set(float64(c.segments.getTotalBytes()))
	m.AvailableBytes.Set(float64(c.segments.getAvailableBytes()))
	m.UnavailableUnreclaimableBytes.Set(float64(c.unavailableUnreclaimableBytesLocked()))
	m.UnavailableReclaimableBytes.Set(float64(c.unavailableReclaimableBytesLocked()))
	m.UsedBytes.Set(float64(c.stats.usedBytes))
	m.UnavailableUnusedBytes.Set(float64(c.unavailableUnusedBytesLocked()))

	m.DirtyJournalBytes.Set(float64(c.dirtyJournalBytesLocked()))
	m.AllocJournalBytes.Set(float64(c.allocJournalBytesLocked()))

	m.AvailableRatio.Set(c.segments.getAvailableRatio())
	m.ReclaimRatio.Set(c.reclaimRatioLocked())
}

func sortPaddrs(ps []addr.Paddr) {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
}

// newCycleID tags one GC cycle's log entries.
func newCycleID() string {
	return uuid.NewString()
}
