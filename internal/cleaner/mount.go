package cleaner

import (
	"context"
	"errors"
	"fmt"

	"github.com/seglog-io/seglog/internal/addr"
	"github.com/seglog-io/seglog/internal/device"
	"github.com/seglog-io/seglog/internal/format"
	"github.com/seglog-io/seglog/internal/metrics"
	"github.com/seglog-io/seglog/internal/tracker"
)

// Mount reconstructs the cleaner's state from the on-disk segment headers
// and tails. Segments without a header are left empty; a missing or
// nonce-mismatched tail falls back to scanning record headers. After Mount,
// journal replay repopulates the live-byte accounting (MarkSpaceUsed with
// initScan) and the journal head and tails; CompleteInit then starts the GC
// process.
func (c *AsyncCleaner) Mount(ctx context.Context) error {
	sms := c.group.SegmentManagers()
	c.log.Infof("mounting", map[string]any{"segment_managers": len(sms)})

	c.mu.Lock()
	c.initComplete = false
	c.stats = cleanerStats{}
	c.journalHead = addr.JournalSeqNull
	c.journalAllocTail = addr.JournalSeqNull
	c.journalDirtyTail = addr.JournalSeqNull

	if c.cfg.DetailedSpaceTracking {
		c.spaceTracker = tracker.NewDetailed(sms)
	} else {
		c.spaceTracker = tracker.NewSimple(sms)
	}

	c.segments.reset()
	for _, sm := range sms {
		c.segments.addSegmentManager(sm)
	}

	// every segment starts empty, so the whole population sits in the
	// lowest utilization bucket
	for i := range c.utilBuckets {
		c.utilBuckets[i] = 0
	}
	c.utilBuckets[0] = int64(c.segments.numSegments())
	if c.metrics != nil {
		for i := 0; i < metrics.UtilizationBuckets; i++ {
			c.metrics.SegmentUtilization.WithLabelValues(metrics.BucketLabel(i)).Set(0)
		}
		c.metrics.SegmentUtilization.
			WithLabelValues(metrics.BucketLabel(0)).
			Set(float64(c.segments.numSegments()))
	}

	var ids []addr.SegmentID
	c.segments.forEach(func(id addr.SegmentID, _ *segmentInfo) bool {
		ids = append(ids, id)
		return true
	})
	c.mu.Unlock()

	c.log.Infof("scanning segments", map[string]any{"segments": len(ids)})
	for _, id := range ids {
		if err := c.mountSegment(ctx, id); err != nil {
			return err
		}
	}

	// the accounting is rebuilt by the init scan of journal replay
	c.mu.Lock()
	c.spaceTracker.Reset()
	c.refreshGaugesLocked()
	state := c.segments.String()
	c.mu.Unlock()
	c.log.Infof("mount done", map[string]any{"segments": state})
	return nil
}

func (c *AsyncCleaner) mountSegment(ctx context.Context, id addr.SegmentID) error {
	header, err := c.group.ReadSegmentHeader(ctx, id)
	if errors.Is(err, device.ErrNotFound) || errors.Is(err, device.ErrNoData) {
		// never written; stays empty
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleaner: reading header of %s: %w", id, err)
	}
	c.log.Debugf("segment header", map[string]any{
		"segment": id.String(), "header": header.String(),
	})
	if header.Type == addr.SegmentTypeNull {
		panic(fmt.Sprintf("cleaner: null segment type on disk: %s", header))
	}

	tail, err := c.group.ReadSegmentTail(ctx, id)
	switch {
	case errors.Is(err, device.ErrNoData):
		return c.scanNoTailSegment(ctx, id, header)
	case err != nil:
		return fmt.Errorf("cleaner: reading tail of %s: %w", id, err)
	case tail.SegmentNonce != header.SegmentNonce:
		return c.scanNoTailSegment(ctx, id, header)
	}

	c.mu.Lock()
	if (tail.ModifyTimeMS == 0) != (tail.NumExtents == 0) {
		c.mu.Unlock()
		return fmt.Errorf("cleaner: illegal modify time in %s", tail)
	}
	c.segments.updateModifyTime(id, tail.ModifyTimeMS, tail.NumExtents)
	c.initMarkSegmentClosedLocked(id, header)
	c.mu.Unlock()
	return nil
}

// scanNoTailSegment reconstructs a segment's modify time by walking its
// record headers when the tail block is missing or stale.
func (c *AsyncCleaner) scanNoTailSegment(ctx context.Context, id addr.SegmentID,
	header format.SegmentHeader) error {
	c.log.Infof("scanning segment without tail", map[string]any{
		"segment": id.String(), "header": header.String(),
	})
	err := c.group.ScanValidRecords(ctx, id, header.SegmentNonce,
		func(rec device.RecordHeader) error {
			if rec.NumExtents != 0 && rec.ModifyTimeMS == 0 {
				return fmt.Errorf("cleaner: illegal modify time in record of %s", id)
			}
			c.mu.Lock()
			c.segments.updateModifyTime(id, rec.ModifyTimeMS, rec.NumExtents)
			c.mu.Unlock()
			return nil
		})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.initMarkSegmentClosedLocked(id, header)
	c.mu.Unlock()
	return nil
}

// initMarkSegmentClosedLocked is the boot-time EMPTY -> CLOSED shortcut.
func (c *AsyncCleaner) initMarkSegmentClosedLocked(id addr.SegmentID, header format.SegmentHeader) {
	oldUsage := c.calcUtilizationLocked(id)
	c.segments.initClosed(id, header.SegmentSeq, header.Type, header.Category, header.Generation)
	c.adjustSegmentUtilLocked(oldUsage, c.calcUtilizationLocked(id))
	if header.Type == addr.SegmentTypeOOL {
		c.oolSeqAllocator.SetNextIfLarger(header.SegmentSeq)
	}
}

// CompleteInit flips the cleaner into steady state once journal replay has
// restored the head, the tails and the live-byte accounting, and starts the
// GC process.
func (c *AsyncCleaner) CompleteInit() {
	c.mu.Lock()
	if c.journalHead.IsNull() || c.journalAllocTail.IsNull() || c.journalDirtyTail.IsNull() {
		c.mu.Unlock()
		panic(fmt.Sprintf(
			"cleaner: init incomplete: head=%s, alloc_tail=%s, dirty_tail=%s",
			c.journalHead, c.journalAllocTail, c.journalDirtyTail))
	}
	c.initComplete = true
	state := c.gcStatsStringLocked(true)
	c.mu.Unlock()
	c.log.Infof("init done, starting gc", map[string]any{"state": state})
	c.gcProcess.start()
}
